// Package worktree implements the L5 work-tree layer (spec §4.6): a rooted
// tree of DiskArcNode that auto-opens containers nested inside other
// containers (an archive entry that is itself a disk image, a ProDOS file
// that is itself an archive, and so on) and coordinates a post-order
// transactional commit back up the chain on SaveUpdates.
//
// No pack example builds an equivalent nested-container tree; the node
// arena's index+generation NodeRef handles follow the standard
// generational-index idiom (guarding against a caller holding a NodeRef
// into a node that has since been closed and its slot reused), not any
// single grounding file — the rest of the package is grounded on the L1-L4
// packages it dispatches through.
package worktree

import (
	"path"
	"strings"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/archive"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/diskimage"
	"github.com/fadden/diskarc/filesystem"
	"github.com/fadden/diskarc/format"
	"github.com/fadden/diskarc/partition"
)

// AnalysisDepth bounds how far AnalyzeDisk descends into a disk image once
// FileAnalyzer has settled on an L1 kind (spec §4.1).
type AnalysisDepth int

const (
	// Header stops at container recognition: Kind/OrderHint are known,
	// nothing past the L1 header has been read.
	Header AnalysisDepth = iota
	// ChunkOnly mounts the ChunkAccess and looks for a partition map but
	// does not mount a filesystem on anything it finds.
	ChunkOnly
	// Full additionally mounts a filesystem on every unpartitioned image
	// or single-partition map.
	Full
)

// AnalysisResult is FileAnalyzer's {kind, orderHint, result} output (spec
// §4.1), carrying forward whatever AnalyzeDisk went on to discover.
type AnalysisResult struct {
	Kind      format.Kind
	OrderHint format.OrderHint

	DiskImage *diskimage.DiskImage
	Archive   archive.Archive

	Map *partition.Map
	// FS is set once this result (or one of its partitions) mounts as a
	// single filesystem.
	FS     filesystem.FileSystem
	FSName string

	Notes []string
}

// FileAnalyzer is the dispatch entry point (spec §4.1): it probes a raw
// Stream, decides which L1 codec applies, and on request recurses further
// into partition maps and filesystems via AnalyzeDisk.
type FileAnalyzer struct {
	hook *apphook.AppHook
}

func NewFileAnalyzer(hook *apphook.AppHook) *FileAnalyzer {
	return &FileAnalyzer{hook: hook}
}

func extOf(name string) string {
	return strings.ToLower(path.Ext(name))
}

// Analyze runs the scored probe cascade over both disk-image and archive
// codecs and instantiates whichever wins (spec §4.1 "PrepareDiskImage or
// PrepareArchive instantiates the chosen codec"). The archive codec wins
// when the disk-image side answered No, when it answered Yes and the
// disk-image side only Maybe, or when both gave the same verdict and
// format.Preference ranks the archive kind first; otherwise the disk-image
// codec wins. An unadorned image's size-only Maybe therefore loses to any
// archive codec that answered Yes or Maybe.
func (fa *FileAnalyzer) Analyze(stream disk.Stream, extHint string) (*AnalysisResult, error) {
	diProbe := diskimage.ProbeAll(stream, extHint)
	arProbe := archive.ProbeAll(stream, extHint)

	useArchive := arProbe.Verdict != format.No &&
		(diProbe.Verdict == format.No ||
			(arProbe.Verdict == format.Yes && diProbe.Verdict != format.Yes) ||
			(arProbe.Verdict == diProbe.Verdict && format.Preference[arProbe.Kind] < format.Preference[diProbe.Kind]))

	if useArchive {
		arc, err := archive.Open(fa.hook, arProbe.Kind, stream)
		if err != nil {
			return nil, err
		}
		return &AnalysisResult{Kind: arProbe.Kind, Archive: arc}, nil
	}

	if diProbe.Verdict == format.No {
		return nil, diskerr.NotRecognizedf("worktree: no codec recognized this stream")
	}
	di, err := diskimage.Open(fa.hook, diProbe.Kind, stream, diProbe.OrderHint)
	if err != nil {
		return nil, err
	}
	return &AnalysisResult{Kind: diProbe.Kind, OrderHint: diProbe.OrderHint, DiskImage: di}, nil
}

// AnalyzeDisk descends into a disk image's structure up to depth (spec
// §4.1 "AnalyzeDisk has a depth parameter {Header, ChunkOnly, Full}
// bounding how deep it recurses"). It is a no-op for archive results and
// for Header depth.
func (fa *FileAnalyzer) AnalyzeDisk(res *AnalysisResult, depth AnalysisDepth) error {
	if res.DiskImage == nil || depth == Header {
		return nil
	}
	res.DiskImage.State = diskimage.Analyzed

	if m, err := partition.ProbeAll(res.DiskImage.Chunk); err == nil && m != nil && len(m.Partitions) > 0 {
		res.Map = m
		res.Notes = append(res.Notes, m.Notes...)
		if depth == Full && len(m.Partitions) == 1 {
			if fs, name, ferr := filesystem.ProbeAll(fa.hook, m.Partitions[0].Chunk, false); ferr == nil {
				res.FS, res.FSName = fs, name
				res.DiskImage.State = diskimage.Mounted
			}
		}
		return nil
	}

	if depth == Full {
		if fs, name, ferr := filesystem.ProbeAll(fa.hook, res.DiskImage.Chunk, false); ferr == nil {
			res.FS, res.FSName = fs, name
			res.DiskImage.State = diskimage.Mounted
		}
	}
	return nil
}
