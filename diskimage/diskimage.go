// Package diskimage implements the L1 disk-image container codecs (spec
// §4.2) and the DiskImage type that wraps a Stream with a ChunkAccess plus
// optional metadata (spec §3).
package diskimage

import (
	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/format"
)

// State tracks a DiskImage's progress through FileAnalyzer (spec §3).
type State int

const (
	Raw State = iota
	Analyzed
	Mounted
)

// DiskImage is an L1 container wrapping a Stream and exposing a
// ChunkAccess plus optional codec-specific metadata.
type DiskImage struct {
	Kind   format.Kind
	Stream disk.Stream
	Chunk  disk.ChunkAccess
	State  State

	// Meta carries codec-specific informational fields: WOZ INFO/META
	// chunk contents, 2IMG creator string and flags, DiskCopy volume
	// name. Never consulted by L3/L4; purely descriptive.
	Meta map[string]string

	// FluxOnly is set by WOZ when every track on the disk is a flux
	// capture with no clean nibble decode: such disks are mountable
	// read-only only (spec §9 Open Questions).
	FluxOnly bool
}

// Codec is the contract every disk-image format implements (spec §4.2): it
// converts between raw bytes and a ChunkAccess.
type Codec interface {
	Kind() format.Kind
	// Probe inspects stream and reports how confident this codec is that
	// it recognizes the container (spec §4.1).
	Probe(stream disk.Stream, extHint string) format.Probe
	// Open mounts stream under this codec, given an order hint carried
	// forward from Probe/extension.
	Open(hook *apphook.AppHook, stream disk.Stream, hint format.OrderHint) (*DiskImage, error)
	// Create lays out a brand-new, empty image of the given logical size
	// (in 512-byte blocks) into stream.
	Create(hook *apphook.AppHook, stream disk.Stream, numBlocks uint32) (*DiskImage, error)
}

// registry of known disk-image codecs, consulted by Probe in preference
// order (spec §4.1). Populated by each codec's init().
var registry []Codec

func register(c Codec) { registry = append(registry, c) }

// ProbeAll runs the scored probe cascade over every registered disk-image
// codec and returns the winning format.Probe. Per spec §4.1: ties are
// broken first by extension hint, then by fixed preference order; if every
// codec returns Maybe, the highest-preference Maybe still wins.
func ProbeAll(stream disk.Stream, extHint string) format.Probe {
	var best format.Probe
	haveYes := false
	for _, c := range registry {
		p := c.Probe(stream, extHint)
		if p.Verdict == format.No {
			continue
		}
		if p.Verdict == format.Yes {
			if !haveYes || format.Preference[p.Kind] < format.Preference[best.Kind] {
				best, haveYes = p, true
			}
			continue
		}
		// Maybe
		if !haveYes {
			if best.Verdict == format.No || format.Preference[p.Kind] < format.Preference[best.Kind] {
				best = p
			}
		}
	}
	return best
}

// Open dispatches to the codec named by kind.
func Open(hook *apphook.AppHook, kind format.Kind, stream disk.Stream, hint format.OrderHint) (*DiskImage, error) {
	for _, c := range registry {
		if c.Kind() == kind {
			return c.Open(hook, stream, hint)
		}
	}
	return nil, errUnknownKind(kind)
}

func errUnknownKind(k format.Kind) error {
	return &unknownKindError{k}
}

type unknownKindError struct{ k format.Kind }

func (e *unknownKindError) Error() string { return "diskimage: no codec registered for " + e.k.String() }
