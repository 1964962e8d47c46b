// Package archive implements the L1 archive container codecs (spec §4.2)
// and the Archive/Transaction/PartSource model that every archive format
// commits through (spec §3, §5 "Transaction discipline").
package archive

import (
	"io"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/format"
)

// TxnState is the three-state transaction lifecycle described in spec §9
// "Transaction cancellation idempotence": None -> Open -> Committing, with
// Cancel a no-op from None and forbidden from Committing.
type TxnState int

const (
	TxnNone TxnState = iota
	TxnOpen
	TxnCommitting
)

// PartSource is a lazily-opened byte producer a caller supplies to feed an
// archive commit (spec §3 PartSource). A codec may open, read partway,
// decide compression isn't worthwhile, and Rewind to retry stored.
type PartSource interface {
	Open() error
	Read(p []byte) (int, error)
	Rewind() error
	Close() error
	// Dispose is terminal: releases any resource Close would restore.
	Dispose()
}

// BytesPartSource is the common case: a PartSource backed by an in-memory
// slice, the way a one-off CLI add or an in-tree part replacement (spec
// §4.6 work tree "replace the data fork") supplies bytes.
type BytesPartSource struct {
	data []byte
	pos  int
}

func NewBytesPartSource(data []byte) *BytesPartSource {
	return &BytesPartSource{data: data}
}

func (s *BytesPartSource) Open() error   { s.pos = 0; return nil }
func (s *BytesPartSource) Rewind() error { s.pos = 0; return nil }
func (s *BytesPartSource) Close() error  { return nil }
func (s *BytesPartSource) Dispose()      { s.data = nil }
func (s *BytesPartSource) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

// PendingAdd is one entry queued on an open transaction (spec §5 "commit
// order = call order").
type PendingAdd struct {
	Name     string
	Kind     entry.Kind
	Attribs  entry.FileAttribs
	Data     PartSource
	RsrcData PartSource // nil unless the entry is forked
}

// PendingDelete names an existing entry removed on commit.
type PendingDelete struct {
	Entry entry.FileEntry
}

// Archive is the uniform interface every L1 archive codec implements (spec
// §3 Archive, §5 "at most one transaction may be open per Archive").
type Archive interface {
	Kind() format.Kind

	// Iterate yields every entry currently in the archive, lazily (spec
	// §9 "iteration... should be a lazy sequence, not materialized
	// lists").
	Iterate(yield func(entry.FileEntry) bool)

	OpenPart(e entry.FileEntry, part entry.Part) (io.ReadSeeker, error)

	TxnState() TxnState
	StartTransaction() error
	AddRecord(add PendingAdd) error
	DeleteRecord(d PendingDelete) error
	// CommitTransaction serializes the archive (existing entries minus
	// deletes, plus adds) to a fresh stream and returns it; the caller
	// (typically a DiskArcNode) is responsible for replacing the host
	// bytes with the result.
	CommitTransaction() (disk.Stream, error)
	CancelTransaction() error

	Close() error
}

// Codec recognizes and opens one archive format, mirroring the L1
// disk-image Codec/Probe/registry pattern (spec §4.1, §4.2).
type Codec interface {
	Kind() format.Kind
	Probe(stream disk.Stream, extHint string) format.Probe
	Open(hook *apphook.AppHook, stream disk.Stream) (Archive, error)
	// Create starts a brand-new, empty archive serialized to stream on
	// first commit.
	Create(hook *apphook.AppHook, stream disk.Stream) (Archive, error)
}

var registry []Codec

// Register adds a codec to the probe/open/create registry. Called from
// each concrete format subpackage's init().
func Register(c Codec) { registry = append(registry, c) }

// ProbeAll mirrors diskimage.ProbeAll (spec §4.1): "for archives the probe
// looks at the first 12 bytes... AppleSingle is probed only when the
// extension is .as... gzip and ZIP are always probed".
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
		if !haveYes {
			if best.Verdict == format.No || format.Preference[p.Kind] < format.Preference[best.Kind] {
				best = p
			}
		}
	}
	return best
}

func Open(hook *apphook.AppHook, kind format.Kind, stream disk.Stream) (Archive, error) {
	for _, c := range registry {
		if c.Kind() == kind {
			return c.Open(hook, stream)
		}
	}
	return nil, errUnknownKind(kind)
}

func Create(hook *apphook.AppHook, kind format.Kind, stream disk.Stream) (Archive, error) {
	for _, c := range registry {
		if c.Kind() == kind {
			return c.Create(hook, stream)
		}
	}
	return nil, errUnknownKind(kind)
}

func errUnknownKind(k format.Kind) error {
	return &unknownKindError{k}
}

type unknownKindError struct{ k format.Kind }

func (e *unknownKindError) Error() string { return "archive: no codec registered for " + e.k.String() }
