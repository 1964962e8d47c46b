// Package entry defines the data model shared by every L4 filesystem and
// every L1 archive format: FileEntry, FilePart, and the portable FileAttribs
// bag (spec §3, §4.7). Concrete filesystems and archive codecs each provide
// their own FileEntry implementation; this package only fixes the contract.
package entry

import (
	"io"
	"time"
)

// Kind distinguishes the three node shapes a FileEntry can take.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindVolume
)

// Part selects which byte stream of an entry to open (spec §3 FilePart).
//
// RawData differs from DataFork only on DOS 3.3: it returns the full
// sector-rounded storage including the in-file length prefix, ignoring the
// declared length.
type Part int

const (
	DataFork Part = iota
	RsrcFork
	RawData
	DiskImagePart
	CommentPart
)

func (p Part) String() string {
	switch p {
	case DataFork:
		return "DataFork"
	case RsrcFork:
		return "RsrcFork"
	case RawData:
		return "RawData"
	case DiskImagePart:
		return "DiskImage"
	case CommentPart:
		return "Comment"
	default:
		return "Unknown"
	}
}

// FileEntry is one node in a filesystem's directory tree or an archive's
// entry list. Implementations are provided per-format; this interface is
// the uniform surface workers, the work tree, and the CLI operate against.
//
// Iteration over a container's entries is expected to be a lazy sequence
// (an iter.Seq[FileEntry] in the container's own Iterate method), not a
// materialized slice, per spec §9 — some archives hold tens of thousands of
// entries.
type FileEntry interface {
	// Name is the entry's name in its hosting filesystem's native
	// encoding, already validated against that filesystem's rules.
	Name() string
	Kind() Kind
	Parent() FileEntry // nil for the volume-directory entry

	// Attribs returns the portable attribute bag for this entry. Fields
	// the hosting format doesn't track are zero-valued.
	Attribs() FileAttribs

	// HasRsrcFork reports whether OpenPart(RsrcFork) is meaningful.
	HasRsrcFork() bool

	// Notes returns warnings/errors accumulated about this specific entry
	// during a mount scan (e.g. a truncated extent, an unreadable thread).
	Notes() []string
}

// Container is implemented by both filesystem.FileSystem and archive.Archive:
// anything that owns a tree/list of FileEntry and can open their parts.
type Container interface {
	// OpenPart opens one byte-stream part of entry for reading. The
	// returned stream must be closed by the caller before the container's
	// next Flush/Commit (spec §5 "Shared resources").
	OpenPart(e FileEntry, part Part) (io.ReadSeeker, error)
}

// FileAttribs is the portable attribute bag described in spec §4.7.
// Its CopyAttrsTo method copies the fields the destination format supports
// and returns the names of the fields it dropped; it does not add them to
// any entry's Notes().
type FileAttribs struct {
	FileName string

	// Apple II / ProDOS
	ProDOSType byte
	AuxType    uint16

	// Macintosh / HFS / IIgs resource metadata
	HFSFileType    [4]byte
	HFSCreator     [4]byte
	HFSFlags       uint16
	ResourceEOF    int64 // declared resource-fork length, independent of storage size

	Access uint8 // access/permission byte, format-specific bit meanings

	DataLength int64
	RsrcLength int64

	Created  time.Time
	Modified time.Time
	Accessed time.Time

	Comment string // archive formats only

	StorageSize int64 // on-disk footprint, including slack/rounding
}

// CopyAttrsTo copies every field of a that the destination format can
// represent, per the field list implied by supports. Unsupported fields are
// simply omitted from the returned set so the caller can report them.
//
// includeName controls whether FileName participates (a rename-preserving
// copy vs. an attribute-only copy onto an already-named destination).
func (a FileAttribs) CopyAttrsTo(supports Capabilities, includeName bool) (out FileAttribs, dropped []string) {
	out = FileAttribs{}
	if includeName {
		out.FileName = a.FileName
	}
	if supports.ProDOSTypes {
		out.ProDOSType, out.AuxType = a.ProDOSType, a.AuxType
	} else if a.ProDOSType != 0 || a.AuxType != 0 {
		dropped = append(dropped, "ProDOSType", "AuxType")
	}
	if supports.HFSTypes {
		out.HFSFileType, out.HFSCreator, out.HFSFlags = a.HFSFileType, a.HFSCreator, a.HFSFlags
	} else if a.HFSFileType != [4]byte{} || a.HFSCreator != [4]byte{} {
		dropped = append(dropped, "HFSFileType", "HFSCreator")
	}
	if supports.ResourceForks {
		out.ResourceEOF, out.RsrcLength = a.ResourceEOF, a.RsrcLength
	} else if a.RsrcLength != 0 {
		dropped = append(dropped, "RsrcFork")
	}
	if supports.Timestamps {
		out.Created, out.Modified, out.Accessed = a.Created, a.Modified, a.Accessed
	} else if !a.Created.IsZero() || !a.Modified.IsZero() {
		dropped = append(dropped, "Created", "Modified", "Accessed")
	}
	if supports.Comments {
		out.Comment = a.Comment
	} else if a.Comment != "" {
		dropped = append(dropped, "Comment")
	}
	out.Access = a.Access
	out.DataLength = a.DataLength
	out.StorageSize = a.StorageSize
	return out, dropped
}

// Capabilities advertises which FileAttribs fields a destination format can
// represent, used by CopyAttrsTo.
type Capabilities struct {
	ProDOSTypes   bool
	HFSTypes      bool
	ResourceForks bool
	Timestamps    bool
	Comments      bool
}
