package disk

import (
	"github.com/fadden/diskarc/diskerr"
)

// AccessLevel gates mutating operations as overlays mount/unmount a
// ChunkAccess (spec §3).
type AccessLevel int

const (
	AccessClosed AccessLevel = iota
	AccessReadOnly
	AccessReadWrite
)

// Health records whether a unit is readable/writable without modifying it
// (spec §4.3 TestBlock/TestSector). Nibble codecs may report a block
// unreadable yet writable: formatting is intact but the data CRC fails.
type Health struct {
	Readable bool
	Writable bool
}

// ChunkAccess is the L2 abstraction over a container's underlying Stream:
// it presents addressable fixed-size units (blocks, sectors, or raw nibble
// tracks) regardless of how the container actually serializes them.
//
// Implementations must guarantee consistent round-trip of the unit they
// expose even when the underlying container stores data in a different
// unit (spec §3 ChunkAccess invariant).
type ChunkAccess interface {
	HasBlocks() bool
	HasSectors() bool
	HasNibbles() bool

	NumBlocks() uint32
	NumTracks() int
	SectorsPerTrack() int

	ReadBlock(block uint32, buf []byte) error
	WriteBlock(block uint32, buf []byte) error

	ReadSector(track, sector int, buf []byte) error
	WriteSector(track, sector int, buf []byte) error

	// TestBlock/TestSector probe without mutating. Unimplemented axes
	// (e.g. TestSector on a block-only container) report (true, true).
	TestBlock(block uint32) Health
	TestSector(track, sector int) Health

	AccessLevel() AccessLevel
	SetAccessLevel(AccessLevel)

	Order() Order
}

// StdChunkAccess is the ordinary block/sector ChunkAccess backing the
// unadorned, 2IMG, and DiskCopy 4.2 container codecs (spec §4.2): a flat
// Stream of 512-byte blocks (or 256-byte sector pairs), permuted on every
// access by the bound sector order.
type StdChunkAccess struct {
	stream Stream
	order  Order
	level  AccessLevel
	tracks int // 0 for genuine block devices (e.g. ProDOS .hdv) that aren't track/sector addressable
	bad    map[uint32]Health
}

const (
	blockSize  = 512
	sectorSize = 256
)

// NewStdChunkAccess wraps stream as a plain block-addressable ChunkAccess.
// tracks is the track count for 13/16-sector-track media, or 0 for a pure
// block device with no sector geometry (e.g. a ProDOS .hdv hard disk image).
func NewStdChunkAccess(stream Stream, order Order, tracks int) *StdChunkAccess {
	return &StdChunkAccess{stream: stream, order: order, level: AccessReadWrite, tracks: tracks, bad: make(map[uint32]Health)}
}

func (c *StdChunkAccess) HasBlocks() bool  { return true }
func (c *StdChunkAccess) HasSectors() bool { return c.tracks > 0 }
func (c *StdChunkAccess) HasNibbles() bool { return false }

func (c *StdChunkAccess) NumBlocks() uint32 {
	n, _ := c.stream.Len()
	return uint32(n / blockSize)
}

func (c *StdChunkAccess) NumTracks() int       { return c.tracks }
func (c *StdChunkAccess) SectorsPerTrack() int {
	if c.tracks == 0 {
		return 0
	}
	return 16
}

func (c *StdChunkAccess) Order() Order                     { return c.order }
func (c *StdChunkAccess) AccessLevel() AccessLevel          { return c.level }
func (c *StdChunkAccess) SetAccessLevel(level AccessLevel) { c.level = level }

func (c *StdChunkAccess) ReadBlock(block uint32, buf []byte) error {
	if len(buf) != blockSize {
		return diskerr.InvalidArgumentf("block buffer must be %d bytes, got %d", blockSize, len(buf))
	}
	if c.level == AccessClosed {
		return diskerr.InvalidOperationf("chunk access is closed")
	}
	_, err := c.stream.ReadAt(buf, int64(block)*blockSize)
	if err != nil {
		return diskerr.IOErrorf(err, "read block %d failed", block)
	}
	return nil
}

func (c *StdChunkAccess) WriteBlock(block uint32, buf []byte) error {
	if len(buf) != blockSize {
		return diskerr.InvalidArgumentf("block buffer must be %d bytes, got %d", blockSize, len(buf))
	}
	if c.level != AccessReadWrite {
		return diskerr.InvalidOperationf("chunk access is not open for writing")
	}
	if _, err := c.stream.WriteAt(buf, int64(block)*blockSize); err != nil {
		return diskerr.IOErrorf(err, "write block %d failed", block)
	}
	return nil
}

// sectorOffset computes the byte offset of a logical (track, sector) within
// the backing stream, applying the bound sector-order permutation.
func (c *StdChunkAccess) sectorOffset(track, sector int) int64 {
	physical := TranslateSector(c.order, sector)
	return int64(track)*16*sectorSize + int64(physical)*sectorSize
}

func (c *StdChunkAccess) ReadSector(track, sector int, buf []byte) error {
	if !c.HasSectors() {
		return diskerr.InvalidOperationf("chunk access has no sector geometry")
	}
	if len(buf) != sectorSize {
		return diskerr.InvalidArgumentf("sector buffer must be %d bytes, got %d", sectorSize, len(buf))
	}
	if c.level == AccessClosed {
		return diskerr.InvalidOperationf("chunk access is closed")
	}
	_, err := c.stream.ReadAt(buf, c.sectorOffset(track, sector))
	if err != nil {
		return diskerr.IOErrorf(err, "read T%d S%d failed", track, sector)
	}
	return nil
}

func (c *StdChunkAccess) WriteSector(track, sector int, buf []byte) error {
	if !c.HasSectors() {
		return diskerr.InvalidOperationf("chunk access has no sector geometry")
	}
	if len(buf) != sectorSize {
		return diskerr.InvalidArgumentf("sector buffer must be %d bytes, got %d", sectorSize, len(buf))
	}
	if c.level != AccessReadWrite {
		return diskerr.InvalidOperationf("chunk access is not open for writing")
	}
	if _, err := c.stream.WriteAt(buf, c.sectorOffset(track, sector)); err != nil {
		return diskerr.IOErrorf(err, "write T%d S%d failed", track, sector)
	}
	return nil
}

func (c *StdChunkAccess) TestBlock(block uint32) Health {
	if h, ok := c.bad[block]; ok {
		return h
	}
	return Health{Readable: true, Writable: c.level == AccessReadWrite}
}

func (c *StdChunkAccess) TestSector(track, sector int) Health {
	return Health{Readable: true, Writable: c.level == AccessReadWrite}
}

// MarkBad records that a block has a known health status, for containers
// (2IMG "bad block map" conventions, nibble re-encodes) that track this
// out of band from plain I/O errors.
func (c *StdChunkAccess) MarkBad(block uint32, h Health) { c.bad[block] = h }
