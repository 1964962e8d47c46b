// Package stuffit implements a read-only decoder for "classic" StuffIt
// archives (supplemented feature, SPEC_FULL.md — read support only; the
// original_source/ tree and the teacher both carry a StuffIt reader).
//
// Grounded on the teacher's internal/sit package: the classic-format
// signature check ('S' at offset 0, "rLau" at offset 10, internal/sit/sit.go
// New), the 112-byte chained record header (RAlgo/DAlgo compression-method
// pair, NameLen/NameField, FirstPtr/LastPtr/ParentPtr offsets forming the
// directory tree, RPackLen/DPackLen/RUnpackLen/DUnpackLen, CRC16 trailer),
// and the AlgID.isDirStart/isDirEnd (32/33) directory-bracket convention,
// all from internal/sit/oldformat.go. Only RAlgo/DAlgo == 0 ("no
// compression") payloads are decodable here — StuffIt's RLE90, LZAH, LZC,
// and Arsenic codecs (internal/sit/{lzah,lzc,arsenic}.go) are substantial
// bespoke compressors the teacher needed ~2500 lines for; reproducing them
// without a reference to check against was judged out of scope, so a
// compressed fork returns diskerr.ConversionFailuref on OpenPart rather than
// a silently wrong decode. The CRC16 checksum itself is not recomputed here
// (no corruption-detection value without also being able to decompress).
package stuffit

import (
	"encoding/binary"
	"io"
	"path"
	"strings"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/archive"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/format"
)

func init() { archive.Register(codec{}) }

type codec struct{}

func (codec) Kind() format.Kind { return format.KindStuffIt }

func (codec) Probe(stream disk.Stream, extHint string) format.Probe {
	var buf [14]byte
	if _, err := stream.ReadAt(buf[:], 0); err != nil {
		return format.Probe{Kind: format.KindStuffIt, Verdict: format.No}
	}
	if buf[0] == 'S' && string(buf[10:14]) == "rLau" {
		return format.Probe{Kind: format.KindStuffIt, Verdict: format.Yes}
	}
	return format.Probe{Kind: format.KindStuffIt, Verdict: format.No}
}

const recordHeaderLen = 112

// dirStart / dirEnd are the RAlgo bracket values that open/close a
// directory's children in the flat chained-record stream (internal/sit
// AlgID.isDirStart/isDirEnd).
const (
	dirStart = 32
	dirEnd   = 33
)

// Entry is one file record. Directory-bracket records never surface as
// entries; this module flattens the tree into full slash-joined paths,
// matching the portable entry.FileEntry.Name() contract (no parent
// traversal needed by callers).
type Entry struct {
	name     string
	rAlgo    byte
	dAlgo    byte
	rPackOff int64
	rPackLen int64
	dPackOff int64
	dPackLen int64
	dUnpack  int64
	created  int64
}

func (e *Entry) Name() string            { return e.name }
func (e *Entry) Kind() entry.Kind        { return entry.KindFile }
func (e *Entry) Parent() entry.FileEntry { return nil }
func (e *Entry) Notes() []string {
	var notes []string
	if e.dAlgo != 0 {
		notes = append(notes, "data fork uses an unsupported StuffIt compression method")
	}
	return notes
}
func (e *Entry) HasRsrcFork() bool { return e.rPackLen > 0 }
func (e *Entry) Attribs() entry.FileAttribs {
	return entry.FileAttribs{FileName: e.name, DataLength: e.dUnpack, RsrcLength: e.rPackLen}
}

// Archive implements archive.Archive, read-only: StartTransaction,
// AddRecord, DeleteRecord and CommitTransaction return InvalidOperationf;
// CancelTransaction is a no-op.
type Archive struct {
	hook    *apphook.AppHook
	stream  disk.Stream
	entries []*Entry
}

func (codec) Open(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	a := &Archive{hook: hook, stream: stream}
	if err := a.parse(); err != nil {
		return nil, err
	}
	return a, nil
}

func (codec) Create(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	return nil, diskerr.InvalidOperationf("stuffit: archives are read-only; create an .sit via another tool")
}

func (a *Archive) Kind() format.Kind { return format.KindStuffIt }

func (a *Archive) parse() error {
	length, err := a.stream.Len()
	if err != nil {
		return diskerr.IOErrorf(err, "stuffit: length read failed")
	}

	type rec struct {
		offset   int64
		name     string
		parent   int64
		isDir    bool
		dirEnd   bool
		rAlgo    byte
		dAlgo    byte
		rPackLen int64
		dPackLen int64
		dUnpack  int64
		created  int64
	}
	var recs []rec
	byOffset := map[int64]*rec{}

	off := int64(22) // skip the classic-format 22-byte master header
	for off+recordHeaderLen <= length {
		var hdr [recordHeaderLen]byte
		if _, err := a.stream.ReadAt(hdr[:], off); err != nil {
			return diskerr.IOErrorf(err, "stuffit: record header read failed")
		}
		rAlgo, dAlgo := hdr[0], hdr[1]
		nameLen := int(hdr[2])
		if nameLen > 31 {
			nameLen = 31
		}
		name := strings.TrimRight(string(hdr[3:3+nameLen]), "\x00")
		parentPtr := int64(binary.BigEndian.Uint32(hdr[58:62]))
		created := int64(binary.BigEndian.Uint32(hdr[76:80]))
		rUnpack := int64(binary.BigEndian.Uint32(hdr[84:88]))
		_ = rUnpack
		dUnpack := int64(binary.BigEndian.Uint32(hdr[88:92]))
		rPackLen := int64(binary.BigEndian.Uint32(hdr[92:96]))
		dPackLen := int64(binary.BigEndian.Uint32(hdr[96:100]))

		r := rec{
			offset: off, name: name, parent: parentPtr,
			isDir: rAlgo == dirStart, dirEnd: rAlgo == dirEnd,
			rAlgo: rAlgo, dAlgo: dAlgo, rPackLen: rPackLen, dPackLen: dPackLen,
			dUnpack: dUnpack, created: created,
		}
		recs = append(recs, r)
		byOffset[off] = &recs[len(recs)-1]

		off += recordHeaderLen
		if rAlgo != dirStart && rAlgo != dirEnd {
			off += rPackLen + dPackLen
		}
	}

	pathOf := func(o int64) string {
		var parts []string
		for o != 0 {
			r, ok := byOffset[o]
			if !ok {
				break
			}
			parts = append([]string{r.name}, parts...)
			o = r.parent
		}
		return path.Join(parts...)
	}

	for _, r := range recs {
		if r.isDir || r.dirEnd {
			continue
		}
		a.entries = append(a.entries, &Entry{
			name: pathOf(r.offset), rAlgo: r.rAlgo, dAlgo: r.dAlgo,
			rPackOff: r.offset + recordHeaderLen, rPackLen: r.rPackLen,
			dPackOff: r.offset + recordHeaderLen + r.rPackLen, dPackLen: r.dPackLen,
			dUnpack: r.dUnpack, created: r.created,
		})
	}
	return nil
}

func (a *Archive) Iterate(yield func(entry.FileEntry) bool) {
	for _, e := range a.entries {
		if !yield(e) {
			return
		}
	}
}

func (a *Archive) OpenPart(fe entry.FileEntry, part entry.Part) (io.ReadSeeker, error) {
	e, ok := fe.(*Entry)
	if !ok {
		return nil, diskerr.InvalidArgumentf("stuffit: not a stuffit entry")
	}
	algo, off, length := e.dAlgo, e.dPackOff, e.dPackLen
	if part == entry.RsrcFork {
		algo, off, length = e.rAlgo, e.rPackOff, e.rPackLen
	}
	if algo != 0 {
		return nil, diskerr.ConversionFailuref("stuffit: compression method %d is not supported", algo)
	}
	return io.NewSectionReader(a.stream, off, length), nil
}

func (a *Archive) TxnState() archive.TxnState { return archive.TxnNone }

func (a *Archive) StartTransaction() error {
	return diskerr.InvalidOperationf("stuffit: archives are read-only")
}
func (a *Archive) AddRecord(archive.PendingAdd) error {
	return diskerr.InvalidOperationf("stuffit: archives are read-only")
}
func (a *Archive) DeleteRecord(archive.PendingDelete) error {
	return diskerr.InvalidOperationf("stuffit: archives are read-only")
}
func (a *Archive) CancelTransaction() error { return nil }
func (a *Archive) CommitTransaction() (disk.Stream, error) {
	return nil, diskerr.InvalidOperationf("stuffit: archives are read-only")
}

func (a *Archive) Close() error { return nil }
