// Package disk implements the L2 Chunk Access layer (spec §3, §4.3): the
// Stream primitive, sector-order permutation, and the ChunkAccess
// abstraction that every L1 container codec exposes to L3/L4.
package disk

import (
	"io"
	"os"

	"github.com/fadden/diskarc/diskerr"
)

// Stream is the primitive random-access byte store (spec §3 Stream). It may
// be backed by memory, a host file, or a byte-range slice of a parent
// Stream (see NewSubStream).
type Stream interface {
	io.ReaderAt
	io.WriterAt
	io.ReadWriteSeeker
	Len() (int64, error)
	SetLen(int64) error
	Flush() error
	Close() error
}

// MemoryStream is a Stream backed by an in-memory buffer. Used for archive
// commit staging (spec §3 Archive transactions write to a fresh
// MemoryStream) and for disk images small enough to buffer wholesale.
type MemoryStream struct {
	buf []byte
	pos int64
}

func NewMemoryStream(initial []byte) *MemoryStream {
	buf := make([]byte, len(initial))
	copy(buf, initial)
	return &MemoryStream{buf: buf}
}

func (m *MemoryStream) Len() (int64, error) { return int64(len(m.buf)), nil }

func (m *MemoryStream) SetLen(n int64) error {
	if n < 0 {
		return diskerr.InvalidArgumentf("negative length %d", n)
	}
	if n <= int64(len(m.buf)) {
		m.buf = m.buf[:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *MemoryStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, diskerr.InvalidArgumentf("negative offset %d", off)
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryStream) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, diskerr.InvalidArgumentf("negative offset %d", off)
	}
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		if err := m.SetLen(end); err != nil {
			return 0, err
		}
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemoryStream) Read(p []byte) (int, error) {
	n, err := m.ReadAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *MemoryStream) Write(p []byte) (int, error) {
	n, err := m.WriteAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *MemoryStream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = m.pos
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, diskerr.InvalidArgumentf("bad whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, diskerr.InvalidArgumentf("negative seek result %d", pos)
	}
	m.pos = pos
	return pos, nil
}

func (m *MemoryStream) Flush() error { return nil }
func (m *MemoryStream) Close() error { return nil }

// Bytes returns the current backing buffer. The caller must not retain it
// across a subsequent mutating call.
func (m *MemoryStream) Bytes() []byte { return m.buf }

// FileStream is a Stream backed by an *os.File.
type FileStream struct {
	f *os.File
}

func NewFileStream(f *os.File) *FileStream { return &FileStream{f: f} }

func (s *FileStream) ReadAt(p []byte, off int64) (int, error)  { return s.f.ReadAt(p, off) }
func (s *FileStream) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }
func (s *FileStream) Read(p []byte) (int, error)                { return s.f.Read(p) }
func (s *FileStream) Write(p []byte) (int, error)               { return s.f.Write(p) }
func (s *FileStream) Seek(offset int64, whence int) (int64, error) {
	return s.f.Seek(offset, whence)
}
func (s *FileStream) Flush() error { return s.f.Sync() }
func (s *FileStream) Close() error { return s.f.Close() }

func (s *FileStream) Len() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, diskerr.IOErrorf(err, "stat failed")
	}
	return fi.Size(), nil
}

func (s *FileStream) SetLen(n int64) error {
	if err := s.f.Truncate(n); err != nil {
		return diskerr.IOErrorf(err, "truncate failed")
	}
	return nil
}

// SubStream is a read/write view over a fixed byte range of a parent
// Stream, the way a Partition's ChunkAccess is carved from a DiskImage's
// Stream (spec §3 Partition). SetLen is rejected: a sub-range cannot grow
// or shrink independently of its parent.
type SubStream struct {
	parent Stream
	base   int64
	length int64
	pos    int64
}

func NewSubStream(parent Stream, base, length int64) *SubStream {
	return &SubStream{parent: parent, base: base, length: length}
}

func (s *SubStream) clip(off int64, n int) (int64, int) {
	if off >= s.length {
		return off, 0
	}
	if off+int64(n) > s.length {
		n = int(s.length - off)
	}
	return off, n
}

func (s *SubStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, diskerr.InvalidArgumentf("negative offset %d", off)
	}
	_, n := s.clip(off, len(p))
	if n == 0 {
		return 0, io.EOF
	}
	got, err := s.parent.ReadAt(p[:n], s.base+off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return got, err
}

func (s *SubStream) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, diskerr.InvalidArgumentf("negative offset %d", off)
	}
	_, n := s.clip(off, len(p))
	if n < len(p) {
		return 0, diskerr.InvalidOperationf("write would extend past substream bound of %d bytes", s.length)
	}
	return s.parent.WriteAt(p, s.base+off)
}

func (s *SubStream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *SubStream) Write(p []byte) (int, error) {
	n, err := s.WriteAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *SubStream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = s.length
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

func (s *SubStream) Len() (int64, error) { return s.length, nil }

func (s *SubStream) SetLen(int64) error {
	return diskerr.InvalidOperationf("substream length is fixed by its parent partition")
}

func (s *SubStream) Flush() error { return s.parent.Flush() }
func (s *SubStream) Close() error { return nil } // the parent owns the real handle
