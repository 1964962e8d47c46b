package partition

import (
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
)

// interleavedScheme names the historical convention for packing two 400 KB
// DOS 3.3 volumes into a single 800 KB 3.5" image (spec §4.4 "Interleaved").
type interleavedScheme int

const (
	schemeUniDOS interleavedScheme = iota // sequential: vol0 = first half, vol1 = second half
	schemeOzDOS                           // alternating whole physical blocks
	schemeAmDOS                           // each physical block's two 256-byte halves split between volumes
)

func (s interleavedScheme) String() string {
	switch s {
	case schemeUniDOS:
		return "UniDOS"
	case schemeOzDOS:
		return "OzDOS"
	case schemeAmDOS:
		return "AmDOS"
	default:
		return "?"
	}
}

const interleavedTotalBlocks = 1600 // 800KB image, 512-byte blocks

// interleavedParser recognizes an 800 KB image and offers all three known
// interleave schemes; spec §9 treats the source's heuristic pick as
// ambiguous, so every scheme is surfaced rather than silently chosen.
type interleavedParser struct{}

func init() { register(interleavedParser{}) }

func (interleavedParser) Kind() Kind { return KindInterleaved }

func (interleavedParser) TryParse(chunk disk.ChunkAccess) (*Map, error) {
	if chunk.NumBlocks() != interleavedTotalBlocks {
		return nil, diskerr.NotRecognizedf("interleaved: not an 800KB image")
	}

	m := &Map{Kind: KindInterleaved}
	for _, scheme := range []interleavedScheme{schemeUniDOS, schemeOzDOS, schemeAmDOS} {
		for vol := 0; vol < 2; vol++ {
			m.Partitions = append(m.Partitions, Partition{
				Name:    scheme.String() + "-vol" + string(rune('0'+vol)),
				TypeStr: "DOS3.3",
				Length:  400 * 1024,
				Chunk:   newInterleavedChunkAccess(chunk, scheme, vol),
			})
		}
	}
	m.Notes = []string{"all three interleave conventions (UniDOS, OzDOS, AmDOS) are offered; pick the one whose DOS 3.3 catalog validates"}
	return m, nil
}

// interleavedChunkAccess exposes one of the two 400 KB DOS 3.3 volumes
// packed into an 800 KB host image under a given interleave scheme.
type interleavedChunkAccess struct {
	host   disk.ChunkAccess
	scheme interleavedScheme
	vol    int // 0 or 1
	level  disk.AccessLevel
}

func newInterleavedChunkAccess(host disk.ChunkAccess, scheme interleavedScheme, vol int) *interleavedChunkAccess {
	return &interleavedChunkAccess{host: host, scheme: scheme, vol: vol, level: disk.AccessReadWrite}
}

func (c *interleavedChunkAccess) HasBlocks() bool  { return true }
func (c *interleavedChunkAccess) HasSectors() bool { return true }
func (c *interleavedChunkAccess) HasNibbles() bool { return false }

func (c *interleavedChunkAccess) NumBlocks() uint32    { return 400 }
func (c *interleavedChunkAccess) NumTracks() int       { return 35 }
func (c *interleavedChunkAccess) SectorsPerTrack() int { return 16 }

func (c *interleavedChunkAccess) Order() disk.Order                     { return disk.OrderDOS }
func (c *interleavedChunkAccess) AccessLevel() disk.AccessLevel          { return c.level }
func (c *interleavedChunkAccess) SetAccessLevel(level disk.AccessLevel) { c.level = level }

// hostHalf returns the host 512-byte block index and which 256-byte half of
// it (0 or 1) holds logical (track, sector) for this volume.
func (c *interleavedChunkAccess) hostHalf(track, sector int) (hostBlock uint32, half int) {
	logicalSector := track*16 + sector // 0..559, 0-based sector within this 400KB volume
	switch c.scheme {
	case schemeUniDOS:
		// Sequential: this volume's 800 256-byte sectors occupy a contiguous
		// run of 400 physical blocks, vol0 first then vol1.
		absSector := c.vol*800 + logicalSector
		return uint32(absSector / 2), absSector % 2
	case schemeOzDOS:
		// Alternating whole physical blocks: vol0 takes even host blocks,
		// vol1 takes odd host blocks; within a block, sectors pack 0 then 1.
		hostBlockInVol := logicalSector / 2
		return uint32(hostBlockInVol*2 + c.vol), logicalSector % 2
	default: // schemeAmDOS
		// Every physical block is split in half; both volumes occupy the
		// same block range, vol0 in the low half, vol1 in the high half.
		return uint32(logicalSector), c.vol
	}
}

func (c *interleavedChunkAccess) ReadSector(track, sector int, buf []byte) error {
	if len(buf) != 256 {
		return diskerr.InvalidArgumentf("sector buffer must be 256 bytes")
	}
	hostBlock, half := c.hostHalf(track, sector)
	var full [512]byte
	if err := c.host.ReadBlock(hostBlock, full[:]); err != nil {
		return err
	}
	copy(buf, full[half*256:(half+1)*256])
	return nil
}

func (c *interleavedChunkAccess) WriteSector(track, sector int, buf []byte) error {
	if c.level != disk.AccessReadWrite {
		return diskerr.InvalidOperationf("interleaved: not open for writing")
	}
	if len(buf) != 256 {
		return diskerr.InvalidArgumentf("sector buffer must be 256 bytes")
	}
	hostBlock, half := c.hostHalf(track, sector)
	var full [512]byte
	if err := c.host.ReadBlock(hostBlock, full[:]); err != nil {
		return err
	}
	copy(full[half*256:(half+1)*256], buf)
	return c.host.WriteBlock(hostBlock, full[:])
}

func (c *interleavedChunkAccess) ReadBlock(block uint32, buf []byte) error {
	track := int(block) / 8
	half := int(block) % 8
	sec1, sec2 := blockToSectorPairForInterleave(half)
	if err := c.ReadSector(track, sec1, buf[:256]); err != nil {
		return err
	}
	return c.ReadSector(track, sec2, buf[256:])
}

func (c *interleavedChunkAccess) WriteBlock(block uint32, buf []byte) error {
	track := int(block) / 8
	half := int(block) % 8
	sec1, sec2 := blockToSectorPairForInterleave(half)
	if err := c.WriteSector(track, sec1, buf[:256]); err != nil {
		return err
	}
	return c.WriteSector(track, sec2, buf[256:])
}

// blockToSectorPairForInterleave mirrors disk's ProDOS block/sector pairing
// (kept local to avoid an import cycle with the diskimage package).
var interleaveBlockSectorPairs = [8][2]int{
	{0, 14}, {13, 11}, {9, 7}, {5, 3}, {1, 15}, {12, 10}, {8, 6}, {4, 2},
}

func blockToSectorPairForInterleave(half int) (int, int) {
	p := interleaveBlockSectorPairs[half]
	return p[0], p[1]
}

func (c *interleavedChunkAccess) TestBlock(block uint32) disk.Health {
	return disk.Health{Readable: true, Writable: c.level == disk.AccessReadWrite}
}

func (c *interleavedChunkAccess) TestSector(track, sector int) disk.Health {
	return disk.Health{Readable: true, Writable: c.level == disk.AccessReadWrite}
}
