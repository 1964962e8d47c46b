// Package partition implements the L3 multi-partition layer: parsing a
// partition map or interleave scheme out of a mounted disk image and
// presenting each partition as its own ChunkAccess (spec §4.4).
package partition

import (
	"github.com/fadden/diskarc/disk"
)

// Partition is a named byte range within a disk image, presented as its own
// ChunkAccess with an offset and length (spec glossary "Partition").
type Partition struct {
	Name      string
	TypeStr   string
	StartByte int64
	Length    int64
	Chunk     disk.ChunkAccess
	Notes     []string
}

// Map is a parsed multi-partition scheme: an ordered list of partitions plus
// any ambiguity notes from the parse (e.g. CFFA variant alternatives).
type Map struct {
	Kind       Kind
	Partitions []Partition
	Notes      []string
}

// Kind enumerates the four partition-map families: APM, CFFA, interleaved
// and DOS.MASTER (spec §4.4).
type Kind int

const (
	KindUnknown Kind = iota
	KindAPM
	KindCFFA
	KindInterleaved
	KindDOSMaster
)

func (k Kind) String() string {
	switch k {
	case KindAPM:
		return "APM"
	case KindCFFA:
		return "CFFA"
	case KindInterleaved:
		return "Interleaved"
	case KindDOSMaster:
		return "DOS.MASTER"
	default:
		return "Unknown"
	}
}

// Parser tries to recognize and parse one partition-map family out of a
// mounted disk image's block-addressable ChunkAccess.
type Parser interface {
	Kind() Kind
	TryParse(chunk disk.ChunkAccess) (*Map, error)
}

var parsers []Parser

func register(p Parser) { parsers = append(parsers, p) }

// ProbeAll tries every registered parser in preference order and returns the
// first one that successfully parses. Map-based parsers are tried before
// interleave/embedded ones since their signatures are more specific (spec
// §4.4 "the source picks the first that validates").
func ProbeAll(chunk disk.ChunkAccess) (*Map, error) {
	var firstErr error
	for _, p := range parsers {
		m, err := p.TryParse(chunk)
		if err == nil {
			return m, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
