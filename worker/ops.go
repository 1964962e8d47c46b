package worker

import (
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fadden/diskarc/entry"
)

// AddItem is one file queued for Worker.Add.
type AddItem struct {
	Parent   entry.FileEntry
	Name     string
	Kind     entry.Kind
	Attribs  entry.FileAttribs
	Data     []byte
	RsrcData []byte
}

// Add drives the Add batch operation (spec §4.8): for each item, ask cb
// whether to proceed, resolve any destination-name collision through ov,
// apply the ForceHighASCII text conversion when requested, and create the
// new record.
func Add(dst Target, items []AddItem, ov OverwriteFunc, cb ProgressFunc, opts Options) Result {
	var res Result
	skipAll, overwriteAll := false, false
	for i, it := range items {
		switch checkProgress(cb, Progress{Op: OpAdd, Name: it.Name, Index: i, Total: len(items)}) {
		case Cancel:
			res.Cancelled = true
			return res
		case Skip:
			continue
		}
		if existing := findByName(dst, it.Parent, it.Name); existing != nil {
			proceed, cancelled := resolveCollision(dst, existing, it.Name, ov, &skipAll, &overwriteAll)
			if cancelled {
				res.Cancelled = true
				return res
			}
			if !proceed {
				continue
			}
			if err := dst.Delete(existing); err != nil {
				res.Failed = append(res.Failed, FileError{it.Name, err})
				continue
			}
		}
		data := it.Data
		if opts.ForceHighASCII && isTextImport(it.Attribs) {
			data = forceHighASCII(data)
		}
		if _, err := dst.Add(it.Parent, it.Name, it.Kind, it.Attribs, data, it.RsrcData); err != nil {
			res.Failed = append(res.Failed, FileError{it.Name, err})
		}
	}
	return res
}

// ExtractItem is one fork to pull out of src.
type ExtractItem struct {
	Entry entry.FileEntry
	Part  entry.Part
}

// ExtractOpenFunc returns the destination writer for one extracted item;
// the worker owns closing it.
type ExtractOpenFunc func(e entry.FileEntry, part entry.Part) (io.WriteCloser, error)

// Extract drives the Extract batch operation. Progress/cancellation
// decisions are made serially (a callback may block on a UI prompt); the
// actual read-then-write work for already-approved items is bounded by
// opts.Concurrency via errgroup (DOMAIN STACK binding).
func Extract(src Target, items []ExtractItem, open ExtractOpenFunc, cb ProgressFunc, opts Options) Result {
	var res Result
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(concurrencyOf(opts))

	for i, it := range items {
		d := checkProgress(cb, Progress{Op: OpExtract, Name: it.Entry.Name(), Index: i, Total: len(items)})
		if d == Cancel {
			res.Cancelled = true
			break
		}
		if d == Skip {
			continue
		}
		it := it
		g.Go(func() error {
			if err := extractOne(src, it, open); err != nil {
				mu.Lock()
				res.Failed = append(res.Failed, FileError{it.Entry.Name(), err})
				mu.Unlock()
			}
			return nil // per-file errors never abort the group
		})
	}
	g.Wait()
	return res
}

func extractOne(src Target, it ExtractItem, open ExtractOpenFunc) error {
	data, err := readPart(src, it.Entry, it.Part)
	if err != nil {
		return err
	}
	w, err := open(it.Entry, it.Part)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write(data)
	return err
}

// Delete drives the Delete batch operation.
func Delete(dst Target, items []entry.FileEntry, cb ProgressFunc) Result {
	var res Result
	for i, e := range items {
		d := checkProgress(cb, Progress{Op: OpDelete, Name: e.Name(), Index: i, Total: len(items)})
		if d == Cancel {
			res.Cancelled = true
			break
		}
		if d == Skip {
			continue
		}
		if err := dst.Delete(e); err != nil {
			res.Failed = append(res.Failed, FileError{e.Name(), err})
		}
	}
	return res
}

// MoveItem renames or reparents one entry within a single Target.
type MoveItem struct {
	Entry     entry.FileEntry
	NewParent entry.FileEntry
	NewName   string
}

// Move drives the Move batch operation.
func Move(dst Target, items []MoveItem, cb ProgressFunc) Result {
	var res Result
	for i, it := range items {
		d := checkProgress(cb, Progress{Op: OpMove, Name: it.Entry.Name(), Index: i, Total: len(items)})
		if d == Cancel {
			res.Cancelled = true
			break
		}
		if d == Skip {
			continue
		}
		if err := dst.Move(it.Entry, it.NewParent, it.NewName); err != nil {
			res.Failed = append(res.Failed, FileError{it.Entry.Name(), err})
		}
	}
	return res
}

// CopyItem copies one entry from a source Target into a destination
// Target, possibly under a new parent/name.
type CopyItem struct {
	Entry     entry.FileEntry
	NewParent entry.FileEntry
	NewName   string
}

// Copy drives the Copy batch operation: read every fork from src, map
// attributes onto whatever dst can represent (spec §4.7 CopyAttrsTo), and
// add the record to dst, running the same overwrite-resolution policy as
// Add.
func Copy(src, dst Target, items []CopyItem, ov OverwriteFunc, cb ProgressFunc, opts Options) Result {
	var res Result
	skipAll, overwriteAll := false, false
	for i, it := range items {
		if checkProgress(cb, Progress{Op: OpCopy, Name: it.NewName, Index: i, Total: len(items)}) == Cancel {
			res.Cancelled = true
			return res
		}
		if existing := findByName(dst, it.NewParent, it.NewName); existing != nil {
			proceed, cancelled := resolveCollision(dst, existing, it.NewName, ov, &skipAll, &overwriteAll)
			if cancelled {
				res.Cancelled = true
				return res
			}
			if !proceed {
				continue
			}
			if err := dst.Delete(existing); err != nil {
				res.Failed = append(res.Failed, FileError{it.NewName, err})
				continue
			}
		}
		if err := copyOne(src, dst, it, opts); err != nil {
			res.Failed = append(res.Failed, FileError{it.NewName, err})
		}
	}
	return res
}

func copyOne(src, dst Target, it CopyItem, opts Options) error {
	data, rsrc, err := readBothForks(src, it.Entry)
	if err != nil {
		return err
	}
	attribs, _ := it.Entry.Attribs().CopyAttrsTo(dst.Capabilities(), true)
	attribs.FileName = it.NewName
	if opts.ForceHighASCII && isTextImport(attribs) {
		data = forceHighASCII(data)
	}
	_, err = dst.Add(it.NewParent, it.NewName, it.Entry.Kind(), attribs, data, rsrc)
	return err
}

// Test drives the Test batch operation (read-verify every fork, surfacing
// whatever read/CRC error a codec raises without writing anything out).
// Like Extract, the bulk reads are bounded by opts.Concurrency via
// errgroup while progress/cancellation stay serial.
func Test(src Target, items []entry.FileEntry, cb ProgressFunc, opts Options) Result {
	var res Result
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(concurrencyOf(opts))

	for i, e := range items {
		d := checkProgress(cb, Progress{Op: OpTest, Name: e.Name(), Index: i, Total: len(items)})
		if d == Cancel {
			res.Cancelled = true
			break
		}
		if d == Skip {
			continue
		}
		e := e
		g.Go(func() error {
			if _, _, err := readBothForks(src, e); err != nil {
				mu.Lock()
				res.Failed = append(res.Failed, FileError{e.Name(), err})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return res
}

// ClipPasteItem is one entry moving between containers via copy/cut-paste.
type ClipPasteItem struct {
	Entry     entry.FileEntry
	NewParent entry.FileEntry
	NewName   string
}

// ClipPaste drives the ClipPaste batch operation: a Copy from src into
// dst, and — when cut is true — a follow-up Delete of each successfully
// copied item back in src (spec §4.8 groups Copy and ClipPaste together;
// the only difference is whether the source record survives).
func ClipPaste(src, dst Target, items []ClipPasteItem, cut bool, ov OverwriteFunc, cb ProgressFunc, opts Options) Result {
	copyItems := make([]CopyItem, len(items))
	for i, it := range items {
		copyItems[i] = CopyItem{Entry: it.Entry, NewParent: it.NewParent, NewName: it.NewName}
	}
	res := Copy(src, dst, copyItems, ov, wrapOp(cb, OpClipPaste), opts)
	if !cut || res.Cancelled {
		return res
	}

	failed := make(map[string]bool, len(res.Failed))
	for _, f := range res.Failed {
		failed[f.Name] = true
	}
	var toDelete []entry.FileEntry
	for _, it := range items {
		if !failed[it.NewName] {
			toDelete = append(toDelete, it.Entry)
		}
	}
	delRes := Delete(src, toDelete, wrapOp(cb, OpClipPaste))
	res.Cancelled = res.Cancelled || delRes.Cancelled
	res.Failed = append(res.Failed, delRes.Failed...)
	return res
}

// wrapOp relabels a caller's callback's Progress.Op so one ClipPaste
// invocation reports consistently regardless of which internal phase
// (copy or delete) is currently running.
func wrapOp(cb ProgressFunc, op Op) ProgressFunc {
	if cb == nil {
		return nil
	}
	return func(p Progress) Decision {
		p.Op = op
		return cb(p)
	}
}
