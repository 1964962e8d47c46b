package disk

import (
	"github.com/fadden/diskarc/diskerr"
)

func OutOfRangef(block, limit uint32) error {
	return diskerr.InvalidArgumentf("block %d out of range (limit %d)", block, limit)
}

func unsupportedSectorOp() error {
	return diskerr.InvalidOperationf("chunk access has no sector geometry")
}

// AsReaderAt adapts a block-addressable ChunkAccess to an io.ReaderAt over
// its flat byte space, for layers (L3 partition maps) that need raw byte
// access rather than block-at-a-time addressing.
type chunkReaderAt struct {
	chunk ChunkAccess
}

func AsReaderAt(chunk ChunkAccess) *chunkReaderAt {
	return &chunkReaderAt{chunk: chunk}
}

func (r *chunkReaderAt) ReadAt(p []byte, off int64) (int, error) {
	var buf [blockSize]byte
	total := 0
	for total < len(p) {
		block := uint32((off + int64(total)) / blockSize)
		within := int((off + int64(total)) % blockSize)
		if err := r.chunk.ReadBlock(block, buf[:]); err != nil {
			return total, err
		}
		n := copy(p[total:], buf[within:])
		total += n
	}
	return total, nil
}

// SubChunkAccess presents a byte-range carved out of a parent ChunkAccess as
// its own block-addressable ChunkAccess, the way an L3 partition or an
// embedded DOS.MASTER volume is exposed (spec §4.4).
type SubChunkAccess struct {
	parent    ChunkAccess
	baseBlock uint32
	numBlocks uint32
	order     Order
	level     AccessLevel
}

// NewSubChunkAccess carves [baseBlock, baseBlock+numBlocks) out of parent.
func NewSubChunkAccess(parent ChunkAccess, baseBlock, numBlocks uint32, order Order) *SubChunkAccess {
	return &SubChunkAccess{parent: parent, baseBlock: baseBlock, numBlocks: numBlocks, order: order, level: AccessReadWrite}
}

func (c *SubChunkAccess) HasBlocks() bool  { return true }
func (c *SubChunkAccess) HasSectors() bool { return false }
func (c *SubChunkAccess) HasNibbles() bool { return false }

func (c *SubChunkAccess) NumBlocks() uint32    { return c.numBlocks }
func (c *SubChunkAccess) NumTracks() int       { return 0 }
func (c *SubChunkAccess) SectorsPerTrack() int { return 0 }

func (c *SubChunkAccess) Order() Order                     { return c.order }
func (c *SubChunkAccess) AccessLevel() AccessLevel          { return c.level }
func (c *SubChunkAccess) SetAccessLevel(level AccessLevel) { c.level = level }

func (c *SubChunkAccess) ReadBlock(block uint32, buf []byte) error {
	if block >= c.numBlocks {
		return OutOfRangef(block, c.numBlocks)
	}
	return c.parent.ReadBlock(c.baseBlock+block, buf)
}

func (c *SubChunkAccess) WriteBlock(block uint32, buf []byte) error {
	if block >= c.numBlocks {
		return OutOfRangef(block, c.numBlocks)
	}
	return c.parent.WriteBlock(c.baseBlock+block, buf)
}

func (c *SubChunkAccess) ReadSector(track, sector int, buf []byte) error {
	return unsupportedSectorOp()
}

func (c *SubChunkAccess) WriteSector(track, sector int, buf []byte) error {
	return unsupportedSectorOp()
}

func (c *SubChunkAccess) TestBlock(block uint32) Health {
	if block >= c.numBlocks {
		return Health{}
	}
	return c.parent.TestBlock(c.baseBlock + block)
}

func (c *SubChunkAccess) TestSector(track, sector int) Health {
	return Health{Readable: true, Writable: true}
}

// ChunkAccessStream adapts a block-addressable ChunkAccess back into a flat
// Stream, for layers (embedded DOS.MASTER volumes) that need to carve a
// byte-range sub-stream out of a ChunkAccess rather than address it in
// whole blocks.
type ChunkAccessStream struct {
	chunk ChunkAccess
	pos   int64
}

func NewChunkAccessStream(chunk ChunkAccess) *ChunkAccessStream {
	return &ChunkAccessStream{chunk: chunk}
}

func (s *ChunkAccessStream) Len() (int64, error) {
	return int64(s.chunk.NumBlocks()) * blockSize, nil
}

func (s *ChunkAccessStream) SetLen(int64) error {
	return diskerr.InvalidOperationf("chunk-access stream length is fixed by the underlying partition")
}

func (s *ChunkAccessStream) ReadAt(p []byte, off int64) (int, error) {
	return s.rangeOp(p, off, false)
}

func (s *ChunkAccessStream) WriteAt(p []byte, off int64) (int, error) {
	return s.rangeOp(p, off, true)
}

func (s *ChunkAccessStream) rangeOp(p []byte, off int64, write bool) (int, error) {
	var buf [blockSize]byte
	total := 0
	for total < len(p) {
		block := uint32((off + int64(total)) / blockSize)
		within := int((off + int64(total)) % blockSize)
		if err := s.chunk.ReadBlock(block, buf[:]); err != nil {
			return total, err
		}
		var n int
		if write {
			n = copy(buf[within:], p[total:])
			if err := s.chunk.WriteBlock(block, buf[:]); err != nil {
				return total, err
			}
		} else {
			n = copy(p[total:], buf[within:])
		}
		total += n
	}
	return total, nil
}

func (s *ChunkAccessStream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *ChunkAccessStream) Write(p []byte) (int, error) {
	n, err := s.WriteAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *ChunkAccessStream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case 0: // io.SeekStart
		base = 0
	case 1: // io.SeekCurrent
		base = s.pos
	case 2: // io.SeekEnd
		n, _ := s.Len()
		base = n
	default:
		return 0, diskerr.InvalidArgumentf("bad whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, diskerr.InvalidArgumentf("negative seek result %d", pos)
	}
	s.pos = pos
	return pos, nil
}
func (s *ChunkAccessStream) Flush() error { return nil }
func (s *ChunkAccessStream) Close() error { return nil }
