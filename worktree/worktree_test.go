package worktree_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/archive"
	_ "github.com/fadden/diskarc/archive/gzip"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/format"
	"github.com/fadden/diskarc/worktree"
)

func gzipBytes(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		t.Fatalf("gzip writer init: %v", err)
	}
	gw.Name = name
	if _, err := gw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func gunzip(t *testing.T, raw []byte) (name string, data []byte) {
	t.Helper()
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	out, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("gzip read: %v", err)
	}
	return gr.Name, out
}

// buildOuterArchive exercises the gzip codec's own Create/transaction path
// to produce the initial host bytes: a single-member gzip archive whose
// one entry ("inner.txt.gz") is itself a valid gzip stream, so that
// WorkTree.OpenChild has a genuine nested container to recognize.
func buildOuterArchive(t *testing.T, hook *apphook.AppHook, innerBytes []byte) []byte {
	t.Helper()
	arc, err := archive.Create(hook, format.KindGzip, disk.NewMemoryStream(nil))
	if err != nil {
		t.Fatalf("archive.Create: %v", err)
	}
	if err := arc.StartTransaction(); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	add := archive.PendingAdd{Name: "inner.txt.gz", Kind: entry.KindFile, Data: archive.NewBytesPartSource(innerBytes)}
	if err := arc.AddRecord(add); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	out, err := arc.CommitTransaction()
	if err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	n, err := out.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	buf := make([]byte, n)
	if _, err := out.ReadAt(buf, 0); err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	return buf
}

func TestWorkTreeOpenChildAndSaveUpdates(t *testing.T) {
	hook := apphook.New()
	innerBytes := gzipBytes(t, "hello.txt", []byte("hello world"))
	outerBytes := buildOuterArchive(t, hook, innerBytes)

	host := disk.NewMemoryStream(outerBytes)
	wt, err := worktree.NewWorkTree(hook, host, ".gz", worktree.DepthLimiter{})
	if err != nil {
		t.Fatalf("NewWorkTree: %v", err)
	}

	root := wt.Root()
	rn, ok := wt.Node(root)
	if !ok {
		t.Fatalf("root node not resolvable")
	}
	rres := rn.Result()
	if rres.Kind != format.KindGzip || rres.Archive == nil {
		t.Fatalf("root not recognized as gzip archive: %+v", rres)
	}

	var outerEntry entry.FileEntry
	rres.Archive.Iterate(func(e entry.FileEntry) bool {
		outerEntry = e
		return false
	})
	if outerEntry == nil {
		t.Fatalf("outer archive has no entry")
	}
	if outerEntry.Name() != "inner.txt.gz" {
		t.Fatalf("outer entry name = %q, want inner.txt.gz", outerEntry.Name())
	}

	child, err := wt.OpenChild(root, outerEntry, entry.DataFork)
	if err != nil {
		t.Fatalf("OpenChild: %v", err)
	}
	cn, ok := wt.Node(child)
	if !ok {
		t.Fatalf("child node not resolvable")
	}
	cres := cn.Result()
	if cres.Kind != format.KindGzip || cres.Archive == nil {
		t.Fatalf("child not recognized as nested gzip archive: %+v", cres)
	}
	if cn.Depth() != 1 {
		t.Fatalf("child depth = %d, want 1", cn.Depth())
	}

	var innerEntry entry.FileEntry
	cres.Archive.Iterate(func(e entry.FileEntry) bool {
		innerEntry = e
		return false
	})
	if innerEntry == nil || innerEntry.Name() != "hello.txt" {
		t.Fatalf("inner entry = %+v", innerEntry)
	}

	if err := cres.Archive.StartTransaction(); err != nil {
		t.Fatalf("child StartTransaction: %v", err)
	}
	if err := cres.Archive.DeleteRecord(archive.PendingDelete{Entry: innerEntry}); err != nil {
		t.Fatalf("child DeleteRecord: %v", err)
	}
	newData := []byte("goodbye world")
	if err := cres.Archive.AddRecord(archive.PendingAdd{Name: "hello.txt", Kind: entry.KindFile, Data: archive.NewBytesPartSource(newData)}); err != nil {
		t.Fatalf("child AddRecord: %v", err)
	}
	wt.MarkDirty(child)

	if !cn.Dirty() {
		t.Fatalf("child should be dirty after MarkDirty")
	}
	if !rn.Dirty() {
		t.Fatalf("MarkDirty should have propagated dirty to the root")
	}

	if err := wt.SaveUpdates(false); err != nil {
		t.Fatalf("SaveUpdates: %v", err)
	}
	if cn.Dirty() || rn.Dirty() {
		t.Fatalf("SaveUpdates should clear every dirty flag on success")
	}

	hostLen, err := host.Len()
	if err != nil {
		t.Fatalf("host.Len: %v", err)
	}
	finalHost := make([]byte, hostLen)
	if _, err := host.ReadAt(finalHost, 0); err != nil && err != io.EOF {
		t.Fatalf("host.ReadAt: %v", err)
	}

	outerName, outerPayload := gunzip(t, finalHost)
	if outerName != "inner.txt.gz" {
		t.Fatalf("committed outer name = %q, want inner.txt.gz", outerName)
	}
	innerName, innerPayload := gunzip(t, outerPayload)
	if innerName != "hello.txt" {
		t.Fatalf("committed inner name = %q, want hello.txt", innerName)
	}
	if string(innerPayload) != "goodbye world" {
		t.Fatalf("committed inner payload = %q, want %q", innerPayload, "goodbye world")
	}
}

// firstEntry drains a Container's lazy Iterate down to its one entry.
func firstEntry(c interface {
	Iterate(func(entry.FileEntry) bool)
}) entry.FileEntry {
	var e entry.FileEntry
	c.Iterate(func(fe entry.FileEntry) bool {
		e = fe
		return false
	})
	return e
}

// TestDepthLimiterRejectsOpenChild builds three levels of gzip-wrapping-
// gzip nesting and checks that a DepthLimiter which permits only one level
// of auto-opened children lets the first OpenChild through but rejects the
// second (spec §4.6 "a DepthLimiter caps recursion... to bound work on
// adversarial inputs").
func TestDepthLimiterRejectsOpenChild(t *testing.T) {
	hook := apphook.New()
	leafBytes := gzipBytes(t, "hello.txt", []byte("hi"))
	midBytes := buildOuterArchive(t, hook, leafBytes)  // "inner.txt.gz" wraps leafBytes
	outerBytes := buildOuterArchive(t, hook, midBytes) // another "inner.txt.gz" wraps midBytes

	host := disk.NewMemoryStream(outerBytes)
	wt, err := worktree.NewWorkTree(hook, host, ".gz", worktree.DepthLimiter{MaxDepth: 1})
	if err != nil {
		t.Fatalf("NewWorkTree: %v", err)
	}
	root := wt.Root()
	rn, _ := wt.Node(root)
	e1 := firstEntry(rn.Result().Archive)
	if e1 == nil {
		t.Fatalf("root archive has no entry")
	}

	child1, err := wt.OpenChild(root, e1, entry.DataFork)
	if err != nil {
		t.Fatalf("OpenChild at depth 1 should succeed under MaxDepth=1: %v", err)
	}
	cn1, _ := wt.Node(child1)
	e2 := firstEntry(cn1.Result().Archive)
	if e2 == nil {
		t.Fatalf("mid archive has no entry")
	}

	if _, err := wt.OpenChild(child1, e2, entry.DataFork); err == nil {
		t.Fatalf("OpenChild at depth 2 should be rejected under MaxDepth=1")
	}
}

func TestNodeRefStaleAfterClose(t *testing.T) {
	hook := apphook.New()
	innerBytes := gzipBytes(t, "hello.txt", []byte("hi"))
	host := disk.NewMemoryStream(innerBytes)
	wt, err := worktree.NewWorkTree(hook, host, ".gz", worktree.DepthLimiter{})
	if err != nil {
		t.Fatalf("NewWorkTree: %v", err)
	}
	root := wt.Root()
	if err := wt.Close(root); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := wt.Node(root); ok {
		t.Fatalf("Node should report a closed NodeRef as stale")
	}
}
