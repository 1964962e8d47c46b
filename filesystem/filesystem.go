// Package filesystem implements the L4 filesystem layer: mounting a
// ChunkAccess as a named filesystem and exposing its directory tree and
// file-stream I/O through one uniform interface (spec §4.5).
package filesystem

import (
	"io"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/entry"
)

// OpenMode selects read vs. read-write access for PrepareFileAccess and
// OpenFile (spec §4.5).
type OpenMode int

const (
	ModeReadOnly OpenMode = iota
	ModeReadWrite
)

// FileSystem is the uniform interface every L4 filesystem implements (spec
// §4.5). The DOS 3.3 and ProDOS codecs do not consult Mount's fastScan
// flag: both run the same scan whichever is requested.
type FileSystem interface {
	// PrepareFileAccess scans the volume structure and binds read/write
	// access, returning any scan error. The DOS 3.3 Mount records such an
	// error in Notes and mounts read-only; the ProDOS Mount fails with it.
	PrepareFileAccess(write bool) error

	GetVolDirEntry() entry.FileEntry

	// ListChildren enumerates the direct children of a directory-or-volume
	// entry. DOS 3.3's flat catalog treats the volume entry as the only
	// directory; hierarchical filesystems recurse through subdirectories.
	ListChildren(dir entry.FileEntry) ([]entry.FileEntry, error)

	CreateFile(parent entry.FileEntry, name string, kind entry.Kind) (entry.FileEntry, error)
	DeleteFile(e entry.FileEntry) error
	MoveFile(e entry.FileEntry, newParent entry.FileEntry, newName string) error

	OpenFile(e entry.FileEntry, mode OpenMode, part entry.Part) (disk.Stream, error)

	Flush() error
	Close() error

	RawAccess() disk.ChunkAccess
	Notes() []string
	Capabilities() entry.Capabilities
}

// Writer is an optional capability a FileSystem implements when it can
// replace a file's fork wholesale from an in-memory byte slice, rather than
// only appending through a Stream returned by OpenFile. The work tree's
// SaveUpdates (spec §4.6 step 3, "disk-image parent: open the filesystem
// file, truncate, copy in") uses this to push a committed child container's
// bytes back into its hosting file when that host is a mounted filesystem
// entry rather than an archive record.
type Writer interface {
	WriteFileData(e entry.FileEntry, part entry.Part, data []byte) error
}

// Codec recognizes and mounts one filesystem kind atop a ChunkAccess,
// mirroring the L1 Codec/Probe pattern so the FileAnalyzer can cascade
// through filesystem candidates the same way it cascades through container
// candidates (spec §4.5, §2 FileAnalyzer).
type Codec interface {
	Name() string
	// Probe reports whether chunk plausibly holds this filesystem, without
	// mutating it or fully scanning the directory tree.
	Probe(chunk disk.ChunkAccess) bool
	Mount(hook *apphook.AppHook, chunk disk.ChunkAccess, fastScan bool) (FileSystem, error)
}

var registry []Codec

func Register(c Codec) { registry = append(registry, c) }

// ProbeAll tries every registered filesystem codec's Probe in registration
// order and mounts the first one that claims the chunk (spec §4.5, §9
// "re-architect as tagged variants").
func ProbeAll(hook *apphook.AppHook, chunk disk.ChunkAccess, fastScan bool) (FileSystem, string, error) {
	var lastErr error
	for _, c := range registry {
		if !c.Probe(chunk) {
			continue
		}
		fs, err := c.Mount(hook, chunk, fastScan)
		if err != nil {
			lastErr = err
			continue
		}
		return fs, c.Name(), nil
	}
	if lastErr == nil {
		lastErr = io.ErrUnexpectedEOF
	}
	return nil, "", lastErr
}

// baseFileEntry provides Name/Kind/Parent/Notes bookkeeping for a
// filesystem entry type; the DOS 3.3 and ProDOS entry types do not embed it.
type baseFileEntry struct {
	name    string
	kind    entry.Kind
	parent  entry.FileEntry
	attribs entry.FileAttribs
	notes   []string
}

func (e *baseFileEntry) Name() string            { return e.name }
func (e *baseFileEntry) Kind() entry.Kind        { return e.kind }
func (e *baseFileEntry) Parent() entry.FileEntry { return e.parent }
func (e *baseFileEntry) Attribs() entry.FileAttribs { return e.attribs }
func (e *baseFileEntry) Notes() []string         { return e.notes }
