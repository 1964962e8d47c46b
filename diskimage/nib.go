package diskimage

import (
	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/format"
)

// nibbleCodec implements raw .nib/.nb2 track images: fixed track size
// (6656 or 6384 bytes/track), sector addressing via track-scan, write-back
// re-encoding sectors in place (spec §4.2 "Nibble").
type nibbleCodec struct{}

func init() { register(nibbleCodec{}) }

func (nibbleCodec) Kind() format.Kind { return format.KindNibble }

const (
	nibTrackLen6656 = 6656
	nibTrackLen6384 = 6384
	nibNumTracks    = 35
)

func (nibbleCodec) Probe(stream disk.Stream, extHint string) format.Probe {
	n, err := stream.Len()
	if err != nil {
		return format.Probe{Kind: format.KindNibble, Verdict: format.No}
	}
	switch n {
	case nibNumTracks * nibTrackLen6656, nibNumTracks * nibTrackLen6384:
		return format.Probe{Kind: format.KindNibble, Verdict: format.Yes, OrderHint: format.OrderHintPhysical}
	default:
		return format.Probe{Kind: format.KindNibble, Verdict: format.No}
	}
}

func (c nibbleCodec) Open(hook *apphook.AppHook, stream disk.Stream, hint format.OrderHint) (*DiskImage, error) {
	return c.openPayload(hook, stream, stream, map[string]string{})
}

// openPayload mounts a nibble-encoded payload that may be either the whole
// stream (.nib/.nb2) or a sub-range of a wrapping container (2IMG format 2).
func (nibbleCodec) openPayload(hook *apphook.AppHook, rawStream disk.Stream, payload disk.Stream, meta map[string]string) (*DiskImage, error) {
	n, err := payload.Len()
	if err != nil {
		return nil, diskerr.IOErrorf(err, "nib: length failed")
	}
	var trackLen int64
	switch n {
	case nibNumTracks * nibTrackLen6656:
		trackLen = nibTrackLen6656
	case nibNumTracks * nibTrackLen6384:
		trackLen = nibTrackLen6384
	default:
		return nil, diskerr.NotRecognizedf("nib: unexpected length %d", n)
	}

	chunk := &nibbleChunkAccess{payload: payload, trackLen: trackLen, tracks: nibNumTracks, level: disk.AccessReadWrite}
	hook.Logf("L1", "opened nibble image", "trackLen", trackLen)
	return &DiskImage{Kind: format.KindNibble, Stream: rawStream, Chunk: chunk, State: Analyzed, Meta: meta}, nil
}

func (nibbleCodec) Create(hook *apphook.AppHook, stream disk.Stream, numBlocks uint32) (*DiskImage, error) {
	return nil, diskerr.InvalidOperationf("nib: creating fresh nibble images is not supported; create an unadorned image instead")
}

// nibbleChunkAccess exposes a raw nibble track stream as sector/block
// addressable storage via track-scan decode (spec §4.2, §4.3).
type nibbleChunkAccess struct {
	payload  disk.Stream
	trackLen int64
	tracks   int
	level    disk.AccessLevel
}

func (c *nibbleChunkAccess) HasBlocks() bool  { return true }
func (c *nibbleChunkAccess) HasSectors() bool { return true }
func (c *nibbleChunkAccess) HasNibbles() bool { return true }

func (c *nibbleChunkAccess) NumBlocks() uint32 { return uint32(c.tracks * 16 / 2) }
func (c *nibbleChunkAccess) NumTracks() int    { return c.tracks }
func (c *nibbleChunkAccess) SectorsPerTrack() int { return 16 }

func (c *nibbleChunkAccess) Order() disk.Order                      { return disk.OrderPhysical }
func (c *nibbleChunkAccess) AccessLevel() disk.AccessLevel           { return c.level }
func (c *nibbleChunkAccess) SetAccessLevel(level disk.AccessLevel) { c.level = level }

// readRawTrack reads one physical track's raw nibble bytes.
func (c *nibbleChunkAccess) readRawTrack(track int) ([]byte, error) {
	buf := make([]byte, c.trackLen)
	if _, err := c.payload.ReadAt(buf, int64(track)*c.trackLen); err != nil {
		return nil, diskerr.IOErrorf(err, "nib: track %d read failed", track)
	}
	return buf, nil
}

func (c *nibbleChunkAccess) ReadSector(track, sector int, buf []byte) error {
	if len(buf) != sectorSize {
		return diskerr.InvalidArgumentf("sector buffer must be %d bytes", sectorSize)
	}
	raw, err := c.readRawTrack(track)
	if err != nil {
		return err
	}
	fields := scanTrack(raw)
	data, ok := fields[physicalSectorForDOSLogical(sector)]
	if !ok {
		return diskerr.Corruptf("nib: sector T%d S%d not found on track", track, sector)
	}
	copy(buf, data[:])
	return nil
}

func (c *nibbleChunkAccess) WriteSector(track, sector int, buf []byte) error {
	if c.level != disk.AccessReadWrite {
		return diskerr.InvalidOperationf("nib: not open for writing")
	}
	if len(buf) != sectorSize {
		return diskerr.InvalidArgumentf("sector buffer must be %d bytes", sectorSize)
	}
	raw, err := c.readRawTrack(track)
	if err != nil {
		return err
	}
	// Locate the existing data field for this sector so the re-encode can
	// be spliced in at the same offset, preserving inter-sector gaps
	// (spec §4.2 "preserving inter-sector gaps").
	offset := findDataFieldOffset(raw, physicalSectorForDOSLogical(sector))
	if offset < 0 {
		return diskerr.Corruptf("nib: sector T%d S%d not found for write-back", track, sector)
	}
	var arr [256]byte
	copy(arr[:], buf)
	encoded := encode62Field(arr)
	for i, b := range encoded {
		raw[(offset+i)%len(raw)] = b
	}
	if _, err := c.payload.WriteAt(raw, int64(track)*c.trackLen); err != nil {
		return diskerr.IOErrorf(err, "nib: track %d write failed", track)
	}
	return nil
}

func (c *nibbleChunkAccess) ReadBlock(block uint32, buf []byte) error {
	return readBlockViaSectors(c, block, buf)
}

func (c *nibbleChunkAccess) WriteBlock(block uint32, buf []byte) error {
	return writeBlockViaSectors(c, block, buf)
}

func (c *nibbleChunkAccess) TestBlock(block uint32) disk.Health {
	return disk.Health{Readable: true, Writable: c.level == disk.AccessReadWrite}
}

func (c *nibbleChunkAccess) TestSector(track, sector int) disk.Health {
	raw, err := c.readRawTrack(track)
	if err != nil {
		return disk.Health{}
	}
	fields := scanTrack(raw)
	_, ok := fields[physicalSectorForDOSLogical(sector)]
	return disk.Health{Readable: ok, Writable: ok && c.level == disk.AccessReadWrite}
}

// physicalSectorForDOSLogical translates a DOS-order logical sector number
// into the physical sector address actually encoded on the track, using the
// same skew table as disk.TranslateSector.
func physicalSectorForDOSLogical(logical int) int {
	return disk.TranslateSector(disk.OrderDOS, logical)
}

func findDataFieldOffset(track []byte, sector int) int {
	n := len(track)
	for start := 0; start < n; start++ {
		if !matchAt(track, start, addressPrologue[:]) {
			continue
		}
		pos := start + 3
		trk := decode44(at(track, pos+2), at(track, pos+3))
		sec := decode44(at(track, pos+4), at(track, pos+5))
		_ = trk
		if int(sec) != sector {
			continue
		}
		pos += 8
		if matchAt(track, pos, fieldEpilogue[:]) {
			pos += 3
		}
		for i := 0; i < 32; i++ {
			if matchAt(track, pos+i, dataPrologue[:]) {
				return (pos + i + 3) % n
			}
		}
	}
	return -1
}

// readBlockViaSectors composes a 512-byte ProDOS block from the two
// 256-byte DOS sectors it maps to, per the standard block/sector pairing.
func readBlockViaSectors(c interface {
	ReadSector(track, sector int, buf []byte) error
}, block uint32, buf []byte) error {
	if len(buf) != blockSize {
		return diskerr.InvalidArgumentf("block buffer must be %d bytes", blockSize)
	}
	track := int(block) / 8
	half := int(block) % 8
	sec1, sec2 := blockToSectorPair(half)
	if err := c.ReadSector(track, sec1, buf[:256]); err != nil {
		return err
	}
	return c.ReadSector(track, sec2, buf[256:])
}

func writeBlockViaSectors(c interface {
	WriteSector(track, sector int, buf []byte) error
}, block uint32, buf []byte) error {
	if len(buf) != blockSize {
		return diskerr.InvalidArgumentf("block buffer must be %d bytes", blockSize)
	}
	track := int(block) / 8
	half := int(block) % 8
	sec1, sec2 := blockToSectorPair(half)
	if err := c.WriteSector(track, sec1, buf[:256]); err != nil {
		return err
	}
	return c.WriteSector(track, sec2, buf[256:])
}

// blockToSectorPair is ProDOS's fixed 512-byte-block to 256-byte-sector-pair
// mapping within a track (8 blocks per 16-sector track).
var prodosBlockSectorPairs = [8][2]int{
	{0, 14}, {13, 11}, {9, 7}, {5, 3}, {1, 15}, {12, 10}, {8, 6}, {4, 2},
}

func blockToSectorPair(half int) (int, int) {
	p := prodosBlockSectorPairs[half]
	return p[0], p[1]
}
