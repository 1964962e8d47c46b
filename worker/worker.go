// Package worker implements the batch-operation driver loops (spec §4.8):
// Add, Extract, Delete, Move, Copy, Test, and ClipPaste, each a pure loop
// over an entry list that invokes a caller-supplied callback at every file
// boundary to report progress, resolve name collisions, and cooperate with
// cancellation. A driver loop never owns a transaction: the caller starts
// an archive transaction (or simply calls the filesystem directly) before
// invoking a loop and commits afterward, typically via a worktree.WorkTree.
package worker

import (
	"io"

	"github.com/fadden/diskarc/archive"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/filesystem"
)

// Decision is returned by a ProgressFunc or OverwriteFunc to steer a driver
// loop (spec §4.8 "the callback may return Cancel").
type Decision int

const (
	Proceed Decision = iota
	Skip
	Cancel
	OverwriteAll
	SkipAll
)

// Op names which of the seven batch operations is reporting a Progress, so
// one callback can serve all of them (e.g. a CLI's single progress bar).
type Op int

const (
	OpAdd Op = iota
	OpExtract
	OpDelete
	OpMove
	OpCopy
	OpTest
	OpClipPaste
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "Add"
	case OpExtract:
		return "Extract"
	case OpDelete:
		return "Delete"
	case OpMove:
		return "Move"
	case OpCopy:
		return "Copy"
	case OpTest:
		return "Test"
	case OpClipPaste:
		return "ClipPaste"
	default:
		return "Unknown"
	}
}

// Progress reports one file boundary crossed inside a driver loop (spec
// §4.8, §5 "cancellation flag is checked at each entry boundary"). The
// loops in this package leave Err nil: per-file failures are collected in
// Result.Failed, and a loop does not stop on a per-file error.
type Progress struct {
	Op           Op
	Name         string
	Index, Total int
	Err          error
}

type ProgressFunc func(Progress) Decision

// OverwriteFunc is asked once per destination-name collision during Add,
// Copy, and ClipPaste. existing is the entry already occupying that name.
type OverwriteFunc func(existing entry.FileEntry, incomingName string) Decision

// FileError pairs a failed item's name with the error a driver loop
// reported for it without aborting the rest of the batch.
type FileError struct {
	Name string
	Err  error
}

// Result summarizes one driver loop's outcome.
type Result struct {
	Cancelled bool
	Failed    []FileError
}

// Options tunes a driver loop's behavior.
type Options struct {
	// ForceHighASCII sets the high bit on every byte of a text-type
	// import's data before Add/Copy/ClipPaste hands it to the
	// destination (spec §4.8 "when adding to DOS they must know whether
	// to force high-ASCII on text imports"). The destination's own
	// filesystem/archive code never does this conversion itself — it is
	// the one piece of filesystem-awareness the spec asks the worker
	// layer, not the destination, to own.
	ForceHighASCII bool

	// Concurrency bounds how many files Test and Extract verify or write
	// at once (DOMAIN STACK: golang.org/x/sync/errgroup). Zero or
	// negative means sequential.
	Concurrency int
}

func concurrencyOf(opts Options) int {
	if opts.Concurrency > 0 {
		return opts.Concurrency
	}
	return 1
}

func checkProgress(cb ProgressFunc, p Progress) Decision {
	if cb == nil {
		return Proceed
	}
	return cb(p)
}

// Target is the uniform surface a driver loop mutates: either an
// archive.Archive with an already-open transaction, or a mounted
// filesystem.FileSystem (spec §4.8 "pure driver loops over an entry list"
// apply identically to either container kind). A caller is responsible for
// the transaction/flush lifecycle around a loop; Target only exposes the
// per-entry mutations the loops need.
type Target interface {
	entry.Container // OpenPart
	Iterate(yield func(entry.FileEntry) bool)
	Capabilities() entry.Capabilities

	// Delete removes e. For an ArchiveTarget this only takes effect on
	// CommitTransaction; for a FileSystemTarget it is immediate.
	Delete(e entry.FileEntry) error
	// Move renames/reparents e.
	Move(e entry.FileEntry, newParent entry.FileEntry, newName string) error
	// Add creates a new entry under parent. For an ArchiveTarget the
	// returned FileEntry is always nil: an archive record does not exist
	// until CommitTransaction, so callers that need the new entry
	// re-Iterate after commit.
	Add(parent entry.FileEntry, name string, kind entry.Kind, attribs entry.FileAttribs, data, rsrcData []byte) (entry.FileEntry, error)
}

// ArchiveTarget adapts an open archive.Archive transaction to Target.
type ArchiveTarget struct {
	Archive archive.Archive
}

func (t ArchiveTarget) OpenPart(e entry.FileEntry, part entry.Part) (io.ReadSeeker, error) {
	return t.Archive.OpenPart(e, part)
}

func (t ArchiveTarget) Iterate(yield func(entry.FileEntry) bool) { t.Archive.Iterate(yield) }

// Capabilities advertises the rich attribute set archive formats carry;
// CopyAttrsTo at the destination silently drops whatever a specific codec
// cannot represent.
func (t ArchiveTarget) Capabilities() entry.Capabilities {
	return entry.Capabilities{ProDOSTypes: true, HFSTypes: true, ResourceForks: true, Timestamps: true, Comments: true}
}

func (t ArchiveTarget) Delete(e entry.FileEntry) error {
	return t.Archive.DeleteRecord(archive.PendingDelete{Entry: e})
}

// Move has no dedicated archive primitive: archives are a flat record
// list, so a rename is reproduced as delete-the-old-record,
// add-a-new-record-under-the-new-name with the same bytes and attributes.
func (t ArchiveTarget) Move(e entry.FileEntry, newParent entry.FileEntry, newName string) error {
	data, rsrc, err := readBothForks(t.Archive, e)
	if err != nil {
		return err
	}
	if err := t.Archive.DeleteRecord(archive.PendingDelete{Entry: e}); err != nil {
		return err
	}
	add := archive.PendingAdd{Name: newName, Kind: e.Kind(), Attribs: e.Attribs()}
	if data != nil {
		add.Data = archive.NewBytesPartSource(data)
	}
	if rsrc != nil {
		add.RsrcData = archive.NewBytesPartSource(rsrc)
	}
	return t.Archive.AddRecord(add)
}

func (t ArchiveTarget) Add(parent entry.FileEntry, name string, kind entry.Kind, attribs entry.FileAttribs, data, rsrcData []byte) (entry.FileEntry, error) {
	add := archive.PendingAdd{Name: name, Kind: kind, Attribs: attribs}
	if data != nil {
		add.Data = archive.NewBytesPartSource(data)
	}
	if rsrcData != nil {
		add.RsrcData = archive.NewBytesPartSource(rsrcData)
	}
	if err := t.Archive.AddRecord(add); err != nil {
		return nil, err
	}
	return nil, nil
}

func readBothForks(c entry.Container, e entry.FileEntry) (data, rsrc []byte, err error) {
	data, err = readPart(c, e, entry.DataFork)
	if err != nil {
		return nil, nil, err
	}
	if e.HasRsrcFork() {
		rsrc, err = readPart(c, e, entry.RsrcFork)
		if err != nil {
			return nil, nil, err
		}
	}
	return data, rsrc, nil
}

func readPart(c entry.Container, e entry.FileEntry, part entry.Part) ([]byte, error) {
	rs, err := c.OpenPart(e, part)
	if err != nil {
		return nil, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, diskerr.IOErrorf(err, "worker: part seek failed")
	}
	return io.ReadAll(rs)
}

// FileSystemTarget adapts a mounted filesystem.FileSystem to Target.
type FileSystemTarget struct {
	FS filesystem.FileSystem
}

func (t FileSystemTarget) OpenPart(e entry.FileEntry, part entry.Part) (io.ReadSeeker, error) {
	s, err := t.FS.OpenFile(e, filesystem.ModeReadOnly, part)
	if err != nil {
		return nil, err
	}
	return readSeekerFromStream(s)
}

func readSeekerFromStream(s disk.Stream) (io.ReadSeeker, error) {
	n, err := s.Len()
	if err != nil {
		return nil, diskerr.IOErrorf(err, "worker: length read failed")
	}
	return io.NewSectionReader(s, 0, n), nil
}

// Iterate flattens the filesystem's directory tree into the same lazy
// sequence shape archive.Archive.Iterate offers, so Target callers never
// need to know which kind of container they are driving.
func (t FileSystemTarget) Iterate(yield func(entry.FileEntry) bool) {
	walkChildren(t.FS, t.FS.GetVolDirEntry(), yield)
}

func walkChildren(fs filesystem.FileSystem, dir entry.FileEntry, yield func(entry.FileEntry) bool) bool {
	children, err := fs.ListChildren(dir)
	if err != nil {
		// Best-effort: the mount's own Notes() already recorded why.
		return true
	}
	for _, c := range children {
		if !yield(c) {
			return false
		}
		if c.Kind() == entry.KindDirectory {
			if !walkChildren(fs, c, yield) {
				return false
			}
		}
	}
	return true
}

func (t FileSystemTarget) Capabilities() entry.Capabilities { return t.FS.Capabilities() }

func (t FileSystemTarget) Delete(e entry.FileEntry) error { return t.FS.DeleteFile(e) }

func (t FileSystemTarget) Move(e entry.FileEntry, newParent entry.FileEntry, newName string) error {
	return t.FS.MoveFile(e, newParent, newName)
}

func (t FileSystemTarget) Add(parent entry.FileEntry, name string, kind entry.Kind, attribs entry.FileAttribs, data, rsrcData []byte) (entry.FileEntry, error) {
	e, err := t.FS.CreateFile(parent, name, kind)
	if err != nil {
		return nil, err
	}
	if kind != entry.KindFile {
		return e, nil
	}
	if err := t.writeFork(e, entry.DataFork, data); err != nil {
		return e, err
	}
	if len(rsrcData) > 0 && t.FS.Capabilities().ResourceForks {
		if err := t.writeFork(e, entry.RsrcFork, rsrcData); err != nil {
			return e, err
		}
	}
	return e, nil
}

func (t FileSystemTarget) writeFork(e entry.FileEntry, part entry.Part, data []byte) error {
	if w, ok := t.FS.(filesystem.Writer); ok {
		return w.WriteFileData(e, part, data)
	}
	s, err := t.FS.OpenFile(e, filesystem.ModeReadWrite, part)
	if err != nil {
		return err
	}
	if _, err := s.WriteAt(data, 0); err != nil {
		return err
	}
	return s.Flush()
}

// findByName scans dst for an existing entry with parent/name, the
// collision check Add/Copy/ClipPaste run before creating a new record.
func findByName(dst Target, parent entry.FileEntry, name string) entry.FileEntry {
	var found entry.FileEntry
	dst.Iterate(func(e entry.FileEntry) bool {
		if e.Parent() == parent && e.Name() == name {
			found = e
			return false
		}
		return true
	})
	return found
}

// isTextImport reports whether attribs describes a ProDOS text file, the
// only case spec §4.8's high-ASCII rule applies to.
func isTextImport(a entry.FileAttribs) bool { return a.ProDOSType == 0x04 }

func forceHighASCII(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b | 0x80
	}
	return out
}

// resolveCollision asks ov (if any overwrite policy is not already
// latched by a prior SkipAll/OverwriteAll) what to do about name, and
// reports whether to proceed; deleting the existing record is left to the
// caller.
func resolveCollision(dst Target, existing entry.FileEntry, name string, ov OverwriteFunc, skipAll, overwriteAll *bool) (proceed bool, cancelled bool) {
	d := Proceed
	switch {
	case *skipAll:
		d = Skip
	case *overwriteAll:
		d = Proceed
	case ov != nil:
		d = ov(existing, name)
	}
	switch d {
	case Cancel:
		return false, true
	case Skip:
		return false, false
	case SkipAll:
		*skipAll = true
		return false, false
	case OverwriteAll:
		*overwriteAll = true
	}
	return true, false
}
