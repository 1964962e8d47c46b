package worktree

import (
	"fmt"
	"io"

	"golang.org/x/sync/singleflight"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/archive"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/filesystem"
)

// NodeRef is a handle into a WorkTree's node arena: an index plus the
// slot's generation at the time the node was created, so a NodeRef held
// past a node's Close cannot silently resolve to whatever node the arena
// later reuses that slot for.
type NodeRef struct {
	index int
	gen   uint32
}

// Valid reports whether r was ever issued by a WorkTree (the zero NodeRef,
// returned by a failed OpenChild, is never valid).
func (r NodeRef) Valid() bool { return r.gen != 0 }

// DepthLimiter caps how many container levels WorkTree.OpenChild will
// auto-open, bounding work on adversarial inputs (spec §4.6 "do not
// auto-open archives inside filesystems at level >= 3").
type DepthLimiter struct {
	// MaxDepth is the deepest child depth OpenChild will create; the root
	// is depth 0. Zero means unlimited.
	MaxDepth int
}

func (d DepthLimiter) allows(childDepth int) bool {
	return d.MaxDepth <= 0 || childDepth <= d.MaxDepth
}

// DiskArcNode is one node of the work tree (spec §4.6): the container
// object it wraps, a back-reference to the parent's FileEntry it
// materializes, and the dirty/temp-stream bookkeeping SaveUpdates walks.
type DiskArcNode struct {
	tree *WorkTree
	self NodeRef
	gen  uint32

	depth int

	hasParent   bool
	parent      NodeRef
	parentEntry entry.FileEntry // nil for the root and for partition children
	parentPart  entry.Part

	// isPartition marks a node mounted directly on a partition.Partition
	// carved out of an ancestor's own ChunkAccess (spec §4.4 "the
	// embedded volumes' ChunkAccess is carved from the host filesystem's
	// ... regions"): such a node shares its host's underlying bytes
	// rather than owning a separate Stream to propagate upward.
	isPartition bool

	stream disk.Stream
	result *AnalysisResult

	children []NodeRef
	dirty    bool
}

// Result returns the AnalysisResult this node wraps.
func (n *DiskArcNode) Result() *AnalysisResult { return n.result }

// Dirty reports whether this node (or a descendant) has pending changes.
func (n *DiskArcNode) Dirty() bool { return n.dirty }

// Depth is the node's distance from the root (root is 0).
func (n *DiskArcNode) Depth() int { return n.depth }

// WorkTree owns the node arena and the FileAnalyzer used to recognize new
// children (spec §4.6).
type WorkTree struct {
	hook     *apphook.AppHook
	analyzer *FileAnalyzer
	limiter  DepthLimiter

	// hostStream is the caller's own top-level file object (spec §4.6
	// "the host-file stream is owned by the root DiskArcNode"). The root
	// node's working stream is reassigned across commits (an archive
	// root's CommitTransaction hands back a fresh MemoryStream each
	// time), but the bytes must always land back in this one object, the
	// only stream reference the caller holds on to.
	hostStream disk.Stream

	slots []*DiskArcNode // nil entries are closed/free slots
	gen   []uint32
	free  []int

	root NodeRef

	// openChild collapses concurrent OpenChild calls that resolve to the
	// same (parent, entry, part) onto a single extract+Analyze (DOMAIN
	// STACK: golang.org/x/sync/singleflight), so two goroutines racing to
	// descend into the same nested container get back the same NodeRef
	// instead of each paying for their own copy of the extracted bytes.
	openChild singleflight.Group
}

// NewWorkTree analyzes hostStream as the tree's root container (spec §4.6
// "the root node wraps the top-level host file").
func NewWorkTree(hook *apphook.AppHook, hostStream disk.Stream, extHint string, limiter DepthLimiter) (*WorkTree, error) {
	wt := &WorkTree{hook: hook, analyzer: NewFileAnalyzer(hook), limiter: limiter, hostStream: hostStream}
	res, err := wt.analyzer.Analyze(hostStream, extHint)
	if err != nil {
		return nil, err
	}
	if res.DiskImage != nil {
		if err := wt.analyzer.AnalyzeDisk(res, Full); err != nil {
			return nil, err
		}
	}
	ref := wt.alloc(&DiskArcNode{stream: hostStream, result: res})
	wt.root = ref
	return wt, nil
}

func (wt *WorkTree) alloc(n *DiskArcNode) NodeRef {
	n.tree = wt
	if len(wt.free) > 0 {
		idx := wt.free[len(wt.free)-1]
		wt.free = wt.free[:len(wt.free)-1]
		wt.gen[idx]++
		n.self = NodeRef{index: idx, gen: wt.gen[idx]}
		n.gen = wt.gen[idx]
		wt.slots[idx] = n
		return n.self
	}
	wt.gen = append(wt.gen, 1)
	idx := len(wt.slots)
	n.self = NodeRef{index: idx, gen: 1}
	n.gen = 1
	wt.slots = append(wt.slots, n)
	return n.self
}

// Root returns a handle to the tree's root node.
func (wt *WorkTree) Root() NodeRef { return wt.root }

// Node resolves ref to its live node, or ok=false if ref is stale (closed,
// or from a different tree).
func (wt *WorkTree) Node(ref NodeRef) (*DiskArcNode, bool) {
	n := wt.node(ref)
	if n == nil {
		return nil, false
	}
	return n, true
}

func (wt *WorkTree) node(ref NodeRef) *DiskArcNode {
	if ref.index < 0 || ref.index >= len(wt.slots) {
		return nil
	}
	n := wt.slots[ref.index]
	if n == nil || wt.gen[ref.index] != ref.gen {
		return nil
	}
	return n
}

// OpenChild extracts entry's part from parent's container, runs
// FileAnalyzer over the extracted bytes, and — if recognized — creates a
// new child node (spec §4.6 "WorkTree.OpenChild(parentNode, entry,
// depthLimiter) extracts the entry's data-fork bytes into a new Stream,
// runs FileAnalyzer, creates the child node, and recurses").
//
// It is not an error for entry to simply not be a recognized container:
// that is reported back as diskerr.NotRecognizedf so callers can treat it
// as "this is just a plain file", not a fault.
func (wt *WorkTree) OpenChild(parent NodeRef, e entry.FileEntry, part entry.Part) (NodeRef, error) {
	pn := wt.node(parent)
	if pn == nil {
		return NodeRef{}, diskerr.InvalidArgumentf("worktree: stale or unknown parent node")
	}
	childDepth := pn.depth + 1
	if !wt.limiter.allows(childDepth) {
		return NodeRef{}, diskerr.InvalidOperationf("worktree: depth limit (%d) reached, not auto-opening %s", wt.limiter.MaxDepth, e.Name())
	}

	key := fmt.Sprintf("%p:%s:%d", pn, e.Name(), part)
	v, err, _ := wt.openChild.Do(key, func() (any, error) {
		container, err := pn.openPartsContainer()
		if err != nil {
			return nil, err
		}
		rs, err := container.OpenPart(e, part)
		if err != nil {
			return nil, err
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, diskerr.IOErrorf(err, "worktree: part seek failed")
		}
		data, err := io.ReadAll(rs)
		if err != nil {
			return nil, diskerr.IOErrorf(err, "worktree: part read failed")
		}

		stream := disk.NewMemoryStream(data)
		res, err := wt.analyzer.Analyze(stream, extOf(e.Name()))
		if err != nil {
			return nil, err
		}
		if res.DiskImage != nil {
			if err := wt.analyzer.AnalyzeDisk(res, Full); err != nil {
				return nil, err
			}
		}

		ref := wt.alloc(&DiskArcNode{
			depth: childDepth, hasParent: true, parent: parent,
			parentEntry: e, parentPart: part, stream: stream, result: res,
		})
		pn.children = append(pn.children, ref)
		return ref, nil
	})
	if err != nil {
		return NodeRef{}, err
	}
	return v.(NodeRef), nil
}

// openPartsContainer returns the entry.Container this node actually owns
// (an Archive, or the mounted FileSystem), whichever is set.
func (n *DiskArcNode) openPartsContainer() (entry.Container, error) {
	if n.result.Archive != nil {
		return n.result.Archive, nil
	}
	if n.result.FS != nil {
		return fsContainer{n.result.FS}, nil
	}
	return nil, diskerr.InvalidOperationf("worktree: node holds neither an archive nor a mounted filesystem")
}

// fsContainer adapts filesystem.FileSystem.OpenFile to the entry.Container
// interface OpenChild needs: filesystem.OpenMode is a formality at read
// time, since OpenChild only ever extracts bytes to analyze.
type fsContainer struct{ fs filesystem.FileSystem }

func (c fsContainer) OpenPart(e entry.FileEntry, part entry.Part) (io.ReadSeeker, error) {
	s, err := c.fs.OpenFile(e, filesystem.ModeReadOnly, part)
	if err != nil {
		return nil, err
	}
	return readSeekerFromStream(s)
}

func readSeekerFromStream(s disk.Stream) (io.ReadSeeker, error) {
	n, err := s.Len()
	if err != nil {
		return nil, diskerr.IOErrorf(err, "worktree: length read failed")
	}
	return io.NewSectionReader(s, 0, n), nil
}

// OpenPartition mounts one of a disk image's discovered partitions
// directly as a child node, without going back through FileAnalyzer: the
// partition is already a recognized ChunkAccess carved out of the parent
// (spec §4.4), so only filesystem recognition remains.
func (wt *WorkTree) OpenPartition(parent NodeRef, partIdx int) (NodeRef, error) {
	pn := wt.node(parent)
	if pn == nil {
		return NodeRef{}, diskerr.InvalidArgumentf("worktree: stale or unknown parent node")
	}
	if pn.result.Map == nil || partIdx < 0 || partIdx >= len(pn.result.Map.Partitions) {
		return NodeRef{}, diskerr.InvalidArgumentf("worktree: no such partition %d", partIdx)
	}
	p := pn.result.Map.Partitions[partIdx]
	fs, name, err := filesystem.ProbeAll(wt.hook, p.Chunk, false)
	if err != nil {
		return NodeRef{}, err
	}
	res := &AnalysisResult{FS: fs, FSName: name}
	ref := wt.alloc(&DiskArcNode{
		depth: pn.depth + 1, hasParent: true, parent: parent,
		isPartition: true, stream: pn.stream, result: res,
	})
	pn.children = append(pn.children, ref)
	return ref, nil
}

// MarkDirty flags ref and every ancestor up to the root (spec §4.6 "a
// node's dirty bit implies every ancestor is dirty"). Callers invoke this
// after mutating a node's container directly (CreateFile, AddRecord, a
// filesystem write) so SaveUpdates knows to walk that path.
func (wt *WorkTree) MarkDirty(ref NodeRef) {
	for {
		n := wt.node(ref)
		if n == nil || n.dirty {
			return
		}
		n.dirty = true
		if !n.hasParent {
			return
		}
		ref = n.parent
	}
}

// Close releases ref's slot in the arena. It does not flush or validate
// that the node is clean; callers that want committed changes persisted
// must call SaveUpdates first.
func (wt *WorkTree) Close(ref NodeRef) error {
	n := wt.node(ref)
	if n == nil {
		return nil
	}
	var err error
	if n.result.Archive != nil {
		err = n.result.Archive.Close()
	} else if n.result.FS != nil {
		err = n.result.FS.Close()
	}
	wt.slots[ref.index] = nil
	wt.free = append(wt.free, ref.index)
	return err
}

// SaveUpdates performs the depth-first post-order commit described in
// spec §4.6: descend to every dirty descendant, commit its container,
// have the parent absorb the committed bytes into the corresponding
// entry, and repeat until the root writes its stream back to the host
// file. doCompress is advisory only: it is recorded in the AppHook option
// "worktree.compress" (set to "1" when true, removed when false, and left
// in place after the call) rather than passed through PendingAdd, whose
// shape is shared by six archive packages; no archive codec reads that
// option, so it does not change what is committed.
func (wt *WorkTree) SaveUpdates(doCompress bool) error {
	if wt.hook != nil {
		if doCompress {
			wt.hook.Options["worktree.compress"] = "1"
		} else {
			delete(wt.hook.Options, "worktree.compress")
		}
	}
	return wt.saveNode(wt.root)
}

func (wt *WorkTree) saveNode(ref NodeRef) error {
	node := wt.node(ref)
	if node == nil {
		return diskerr.InvalidArgumentf("worktree: stale node during SaveUpdates")
	}
	for _, child := range node.children {
		cn := wt.node(child)
		if cn != nil && cn.dirty {
			if err := wt.saveNode(child); err != nil {
				return err
			}
		}
	}
	if !node.dirty {
		return nil
	}

	data, err := wt.commitContainer(node)
	if err != nil {
		return diskerr.IOErrorf(err, "worktree: commit failed at depth %d", node.depth)
	}

	if node.isPartition {
		// Shares its host's bytes already; nothing to propagate, the
		// write already landed through the shared ChunkAccess. Just
		// clear this node and let the ancestor chain's own dirty
		// flags (already set by MarkDirty) drive the real write-back.
		node.dirty = false
		return nil
	}

	if !node.hasParent {
		if err := writeAllToStream(wt.hostStream, data); err != nil {
			return diskerr.IOErrorf(err, "worktree: host write-back failed")
		}
		node.dirty = false
		return nil
	}

	if err := wt.writeBackToParent(node, data); err != nil {
		return err
	}
	node.dirty = false
	return nil
}

func (wt *WorkTree) commitContainer(node *DiskArcNode) ([]byte, error) {
	switch {
	case node.result.Archive != nil:
		if node.result.Archive.TxnState() == archive.TxnOpen {
			out, err := node.result.Archive.CommitTransaction()
			if err != nil {
				return nil, err
			}
			node.stream = out
		}
		return readAllStream(node.stream)
	case node.result.FS != nil:
		if err := node.result.FS.Flush(); err != nil {
			return nil, err
		}
		return readAllStream(node.stream)
	default:
		return readAllStream(node.stream)
	}
}

func (wt *WorkTree) writeBackToParent(node *DiskArcNode, data []byte) error {
	pn := wt.node(node.parent)
	if pn == nil {
		return diskerr.InvalidArgumentf("worktree: parent node missing during write-back")
	}

	if arc := pn.result.Archive; arc != nil {
		if arc.TxnState() == archive.TxnNone {
			if err := arc.StartTransaction(); err != nil {
				return err
			}
		}
		if err := arc.DeleteRecord(archive.PendingDelete{Entry: node.parentEntry}); err != nil {
			return err
		}
		attribs := node.parentEntry.Attribs()
		add := archive.PendingAdd{Name: node.parentEntry.Name(), Kind: entry.KindFile, Attribs: attribs}
		if node.parentPart == entry.RsrcFork {
			add.RsrcData = archive.NewBytesPartSource(data)
		} else {
			add.Data = archive.NewBytesPartSource(data)
		}
		if err := arc.AddRecord(add); err != nil {
			return err
		}
		wt.MarkDirty(node.parent)
		return nil
	}

	if fs := pn.result.FS; fs != nil {
		w, ok := fs.(filesystem.Writer)
		if !ok {
			return diskerr.InvalidOperationf("worktree: %T cannot receive write-back of a nested container's changes", fs)
		}
		if err := w.WriteFileData(node.parentEntry, node.parentPart, data); err != nil {
			return err
		}
		wt.MarkDirty(node.parent)
		return nil
	}

	return diskerr.InvalidOperationf("worktree: parent node holds neither an archive nor a filesystem")
}

func readAllStream(s disk.Stream) ([]byte, error) {
	n, err := s.Len()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := s.ReadAt(buf, 0); err != nil && err != io.EOF {
			return nil, err
		}
	}
	return buf, nil
}

func writeAllToStream(dst disk.Stream, data []byte) error {
	if err := dst.SetLen(int64(len(data))); err != nil {
		return err
	}
	if _, err := dst.WriteAt(data, 0); err != nil {
		return err
	}
	return dst.Flush()
}
