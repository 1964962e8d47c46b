package diskimage

import (
	"strings"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/format"
)

// unadornedCodec is a pure passthrough: order is encoded by extension
// and/or orderHint (spec §4.2 "Unadorned sector/block").
type unadornedCodec struct{}

func init() { register(unadornedCodec{}) }

func (unadornedCodec) Kind() format.Kind { return format.KindUnadorned }

// Sizes of well-known unadorned Apple II media, in bytes.
const (
	size140K = 35 * 16 * 256  // .do/.po 5.25" floppy
	size800K = 1600 * 512     // 3.5" ProDOS floppy
	size13Sector = 35 * 13 * 256 // .d13
)

func (unadornedCodec) Probe(stream disk.Stream, extHint string) format.Probe {
	n, err := stream.Len()
	if err != nil {
		return format.Probe{Kind: format.KindUnadorned, Verdict: format.No}
	}

	hint := hintFromExt(extHint)

	// Length congruence: must be a whole number of 256- or 512-byte units.
	if n%256 != 0 {
		return format.Probe{Kind: format.KindUnadorned, Verdict: format.No}
	}

	switch strings.ToLower(extHint) {
	case ".do", ".dsk":
		return format.Probe{Kind: format.KindUnadorned, Verdict: format.Yes, OrderHint: pick(hint, format.OrderHintDOS)}
	case ".po":
		return format.Probe{Kind: format.KindUnadorned, Verdict: format.Yes, OrderHint: pick(hint, format.OrderHintProDOS)}
	case ".d13":
		return format.Probe{Kind: format.KindUnadorned, Verdict: format.Yes, OrderHint: format.OrderHintDOS}
	case ".hdv", ".iso":
		return format.Probe{Kind: format.KindUnadorned, Verdict: format.Yes, OrderHint: format.OrderHintProDOS}
	}

	// No extension hint: every length-congruent stream is at least a
	// plausible unadorned image, but it's the least-structured fallback
	// (spec §4.1 preference order), so report Maybe.
	if n == size140K || n == size800K || n == size13Sector || n%512 == 0 {
		return format.Probe{Kind: format.KindUnadorned, Verdict: format.Maybe, OrderHint: pick(hint, format.OrderHintProDOS)}
	}
	return format.Probe{Kind: format.KindUnadorned, Verdict: format.No}
}

func hintFromExt(ext string) format.OrderHint {
	switch strings.ToLower(ext) {
	case ".do", ".dsk", ".d13":
		return format.OrderHintDOS
	case ".po", ".hdv", ".iso":
		return format.OrderHintProDOS
	default:
		return format.OrderHintNone
	}
}

func pick(hint, fallback format.OrderHint) format.OrderHint {
	if hint != format.OrderHintNone {
		return hint
	}
	return fallback
}

func orderFromHint(hint format.OrderHint) disk.Order {
	switch hint {
	case format.OrderHintDOS:
		return disk.OrderDOS
	case format.OrderHintProDOS:
		return disk.OrderProDOS
	case format.OrderHintCPM:
		return disk.OrderCPM
	case format.OrderHintPhysical:
		return disk.OrderPhysical
	default:
		return disk.OrderProDOS
	}
}

func (unadornedCodec) Open(hook *apphook.AppHook, stream disk.Stream, hint format.OrderHint) (*DiskImage, error) {
	n, err := stream.Len()
	if err != nil {
		return nil, diskerr.IOErrorf(err, "unadorned: length failed")
	}
	tracks := 0
	if n == size140K || n == size13Sector {
		tracks = 35
	}
	order := orderFromHint(hint)
	chunk := disk.NewStdChunkAccess(stream, order, tracks)
	hook.Logf("L1", "opened unadorned image", "bytes", n, "order", order.String(), "tracks", tracks)
	return &DiskImage{Kind: format.KindUnadorned, Stream: stream, Chunk: chunk, State: Analyzed, Meta: map[string]string{}}, nil
}

func (unadornedCodec) Create(hook *apphook.AppHook, stream disk.Stream, numBlocks uint32) (*DiskImage, error) {
	if err := stream.SetLen(int64(numBlocks) * 512); err != nil {
		return nil, diskerr.IOErrorf(err, "unadorned: create failed")
	}
	tracks := 0
	if numBlocks == 280 {
		tracks = 35
	}
	chunk := disk.NewStdChunkAccess(stream, disk.OrderProDOS, tracks)
	return &DiskImage{Kind: format.KindUnadorned, Stream: stream, Chunk: chunk, State: Analyzed, Meta: map[string]string{}}, nil
}
