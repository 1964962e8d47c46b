package worker_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/worker"
)

// fakeEntry is a minimal entry.FileEntry for driving worker's loop logic
// without a real archive or filesystem underneath.
type fakeEntry struct {
	name    string
	kind    entry.Kind
	parent  entry.FileEntry
	attribs entry.FileAttribs
	data    []byte
	rsrc    []byte
}

func (e *fakeEntry) Name() string               { return e.name }
func (e *fakeEntry) Kind() entry.Kind           { return e.kind }
func (e *fakeEntry) Parent() entry.FileEntry    { return e.parent }
func (e *fakeEntry) Attribs() entry.FileAttribs { return e.attribs }
func (e *fakeEntry) HasRsrcFork() bool          { return e.rsrc != nil }
func (e *fakeEntry) Notes() []string            { return nil }

// fakeTarget is an in-memory worker.Target good enough to exercise Add,
// Delete, Move, Copy, Test, and ClipPaste's driver-loop logic (collision
// resolution, cancellation, per-file error bookkeeping) without pulling in
// a real archive or filesystem mount.
type fakeTarget struct {
	entries []*fakeEntry
}

func (t *fakeTarget) OpenPart(e entry.FileEntry, part entry.Part) (io.ReadSeeker, error) {
	fe := e.(*fakeEntry)
	if part == entry.RsrcFork {
		return bytes.NewReader(fe.rsrc), nil
	}
	return bytes.NewReader(fe.data), nil
}

func (t *fakeTarget) Iterate(yield func(entry.FileEntry) bool) {
	for _, e := range t.entries {
		if !yield(e) {
			return
		}
	}
}

func (t *fakeTarget) Capabilities() entry.Capabilities {
	return entry.Capabilities{ProDOSTypes: true, ResourceForks: true}
}

func (t *fakeTarget) Delete(e entry.FileEntry) error {
	fe := e.(*fakeEntry)
	for i, x := range t.entries {
		if x == fe {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return nil
		}
	}
	return errors.New("fakeTarget: delete of unknown entry")
}

func (t *fakeTarget) Move(e entry.FileEntry, newParent entry.FileEntry, newName string) error {
	fe := e.(*fakeEntry)
	fe.parent, fe.name = newParent, newName
	return nil
}

func (t *fakeTarget) Add(parent entry.FileEntry, name string, kind entry.Kind, attribs entry.FileAttribs, data, rsrcData []byte) (entry.FileEntry, error) {
	fe := &fakeEntry{name: name, kind: kind, parent: parent, attribs: attribs, data: data, rsrc: rsrcData}
	t.entries = append(t.entries, fe)
	return fe, nil
}

func TestAddSkipsOnOverwriteDecline(t *testing.T) {
	dst := &fakeTarget{}
	dst.entries = append(dst.entries, &fakeEntry{name: "HELLO", data: []byte("old")})

	items := []worker.AddItem{{Name: "HELLO", Data: []byte("new")}}
	ov := func(existing entry.FileEntry, incoming string) worker.Decision { return worker.Skip }
	res := worker.Add(dst, items, ov, nil, worker.Options{})

	if len(res.Failed) != 0 || res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if string(dst.entries[0].data) != "old" {
		t.Fatalf("declined overwrite should leave the original data untouched, got %q", dst.entries[0].data)
	}
}

func TestAddOverwritesOnAccept(t *testing.T) {
	dst := &fakeTarget{}
	dst.entries = append(dst.entries, &fakeEntry{name: "HELLO", data: []byte("old")})

	items := []worker.AddItem{{Name: "HELLO", Data: []byte("new")}}
	ov := func(existing entry.FileEntry, incoming string) worker.Decision { return worker.Proceed }
	res := worker.Add(dst, items, ov, nil, worker.Options{})

	if len(res.Failed) != 0 || res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(dst.entries) != 1 || string(dst.entries[0].data) != "new" {
		t.Fatalf("accepted overwrite should replace the entry, got %+v", dst.entries)
	}
}

func TestAddForcesHighASCIIOnTextImport(t *testing.T) {
	dst := &fakeTarget{}
	items := []worker.AddItem{{
		Name:    "TEXTFILE",
		Attribs: entry.FileAttribs{ProDOSType: 0x04},
		Data:    []byte{0x41, 0x42},
	}}
	worker.Add(dst, items, nil, nil, worker.Options{ForceHighASCII: true})

	if len(dst.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(dst.entries))
	}
	if got := dst.entries[0].data; !bytes.Equal(got, []byte{0xC1, 0xC2}) {
		t.Fatalf("ForceHighASCII did not set the high bit: got %v", got)
	}
}

func TestAddCancelStopsImmediately(t *testing.T) {
	dst := &fakeTarget{}
	items := []worker.AddItem{{Name: "A"}, {Name: "B"}}
	cb := func(p worker.Progress) worker.Decision { return worker.Cancel }
	res := worker.Add(dst, items, nil, cb, worker.Options{})

	if !res.Cancelled {
		t.Fatalf("expected Cancelled=true")
	}
	if len(dst.entries) != 0 {
		t.Fatalf("no entries should have been added once the first callback cancels")
	}
}

func TestDeleteRemovesEntries(t *testing.T) {
	dst := &fakeTarget{}
	a := &fakeEntry{name: "A"}
	b := &fakeEntry{name: "B"}
	dst.entries = []*fakeEntry{a, b}

	res := worker.Delete(dst, []entry.FileEntry{a}, nil)
	if len(res.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failed)
	}
	if len(dst.entries) != 1 || dst.entries[0] != b {
		t.Fatalf("expected only B to remain, got %+v", dst.entries)
	}
}

func TestMoveRenamesEntry(t *testing.T) {
	dst := &fakeTarget{}
	a := &fakeEntry{name: "OLD"}
	dst.entries = []*fakeEntry{a}

	res := worker.Move(dst, []worker.MoveItem{{Entry: a, NewName: "NEW"}}, nil)
	if len(res.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failed)
	}
	if a.name != "NEW" {
		t.Fatalf("expected rename to NEW, got %q", a.name)
	}
}

func TestCopyTransfersDataBetweenTargets(t *testing.T) {
	src := &fakeTarget{entries: []*fakeEntry{{name: "SRC", data: []byte("payload")}}}
	dst := &fakeTarget{}

	items := []worker.CopyItem{{Entry: src.entries[0], NewName: "SRC"}}
	res := worker.Copy(src, dst, items, nil, nil, worker.Options{})
	if len(res.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failed)
	}
	if len(dst.entries) != 1 || string(dst.entries[0].data) != "payload" {
		t.Fatalf("expected copied payload in dst, got %+v", dst.entries)
	}
	if len(src.entries) != 1 {
		t.Fatalf("Copy must not remove the source entry")
	}
}

func TestClipPasteCutRemovesSourceOnSuccess(t *testing.T) {
	src := &fakeTarget{entries: []*fakeEntry{{name: "SRC", data: []byte("payload")}}}
	dst := &fakeTarget{}

	items := []worker.ClipPasteItem{{Entry: src.entries[0], NewName: "SRC"}}
	res := worker.ClipPaste(src, dst, items, true, nil, nil, worker.Options{})
	if len(res.Failed) != 0 || res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(src.entries) != 0 {
		t.Fatalf("cut ClipPaste should remove the source entry once the copy succeeds")
	}
	if len(dst.entries) != 1 {
		t.Fatalf("expected the entry to land in dst")
	}
}

func TestClipPasteCopyKeepsSource(t *testing.T) {
	src := &fakeTarget{entries: []*fakeEntry{{name: "SRC", data: []byte("payload")}}}
	dst := &fakeTarget{}

	items := []worker.ClipPasteItem{{Entry: src.entries[0], NewName: "SRC"}}
	worker.ClipPaste(src, dst, items, false, nil, nil, worker.Options{})
	if len(src.entries) != 1 {
		t.Fatalf("non-cut ClipPaste must leave the source entry in place")
	}
}

func TestTestOperationReportsNoFailureForReadableEntry(t *testing.T) {
	src := &fakeTarget{entries: []*fakeEntry{{name: "OK", data: []byte("fine")}}}
	res := worker.Test(src, []entry.FileEntry{src.entries[0]}, nil, worker.Options{})
	if len(res.Failed) != 0 {
		t.Fatalf("expected no failures for a readable entry, got %+v", res.Failed)
	}
}

func TestExtractWritesToDestination(t *testing.T) {
	src := &fakeTarget{entries: []*fakeEntry{{name: "FILE", data: []byte("contents")}}}
	var out bytes.Buffer
	items := []worker.ExtractItem{{Entry: src.entries[0], Part: entry.DataFork}}
	open := func(e entry.FileEntry, part entry.Part) (io.WriteCloser, error) {
		return nopCloser{&out}, nil
	}
	res := worker.Extract(src, items, open, nil, worker.Options{Concurrency: 4})
	if len(res.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failed)
	}
	if out.String() != "contents" {
		t.Fatalf("extract wrote %q, want %q", out.String(), "contents")
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
