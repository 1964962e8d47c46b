// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package multireaderat concatenates discontiguous byte extents of a
// parent io.ReaderAt into a single logical, seekable, sized stream.
//
// It fits fragmented file views such as a ProDOS sapling/tree file's
// index-block-scattered data blocks, an HFS fork's B-tree extent list, a DOS
// T/S-list chain, or a NuFX record's decompressed-thread staging, which all
// reduce to "read these byte ranges of the backing stream as if they were
// one contiguous file". No package in this module imports it.
package multireaderat

import (
	"errors"
	"io"
)

// SizeReaderAt is an io.ReaderAt that also knows its own total length, the
// shape every fork/thread view in this module is expressed as.
type SizeReaderAt interface {
	io.ReaderAt
	Size() int64
}

// New concatenates the given SizeReaderAt parts, in order, into a single
// SizeReaderAt. A nil element has no declared size: it counts as size 0
// and contributes no bytes.
func New(parts ...SizeReaderAt) SizeReaderAt {
	if len(parts) == 1 {
		return parts[0]
	}
	starts := make([]int64, len(parts)+1)
	for i, p := range parts {
		sz := int64(0)
		if p != nil {
			sz = p.Size()
		}
		starts[i+1] = starts[i] + sz
	}
	return &multi{parts: parts, starts: starts}
}

type multi struct {
	parts  []SizeReaderAt
	starts []int64 // starts[i] = offset of parts[i] in the logical stream; starts[len(parts)] = total size
}

func (m *multi) Size() int64 { return m.starts[len(m.starts)-1] }

func (m *multi) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("multireaderat: negative offset")
	}
	total := m.Size()
	if off >= total {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		cur := off + int64(n)
		if cur >= total {
			break
		}
		// find the part containing cur
		idx := search(m.starts, cur)
		partOff := cur - m.starts[idx]
		partLeft := m.starts[idx+1] - m.starts[idx] - partOff
		want := len(p) - n
		if int64(want) > partLeft {
			want = int(partLeft)
		}
		if m.parts[idx] == nil {
			for i := range p[n : n+want] {
				p[n+i] = 0
			}
		} else {
			got, err := m.parts[idx].ReadAt(p[n:n+want], partOff)
			n += got
			if err != nil && err != io.EOF {
				return n, err
			}
			if got < want {
				if cur+int64(got) < total {
					return n, io.ErrUnexpectedEOF
				}
				break
			}
			continue
		}
		n += want
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// search returns the index i such that starts[i] <= x < starts[i+1].
func search(starts []int64, x int64) int {
	lo, hi := 0, len(starts)-2
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if starts[mid] <= x {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// Extent is a (parent-offset, length) byte range, the common currency this
// package's callers translate allocation-block lists into before handing
// them to New via ReaderAtExtents.
type Extent struct {
	Offset int64
	Length int64
}

// ReaderAtExtents builds a SizeReaderAt that reads the given extents of
// parent in order, as io.SectionReaders glued together.
func ReaderAtExtents(parent io.ReaderAt, extents []Extent) SizeReaderAt {
	parts := make([]SizeReaderAt, len(extents))
	for i, x := range extents {
		parts[i] = io.NewSectionReader(parent, x.Offset, x.Length)
	}
	return New(parts...)
}
