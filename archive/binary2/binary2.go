// Package binary2 implements the Binary II archive container (spec §4.2,
// §6): a fixed 128-byte header per file, chained back to back, optionally
// wrapping a NuFX archive as the well-known ".bxy" convention.
//
// No pack example implements Binary II; this follows the publicly
// documented 128-byte header layout (signature bytes, ProDOS file type/aux,
// access, EOF, blocks-used, "files to follow" chain count) at the
// structural level spec §6 names. Squeeze compression (historical, rarely
// seen outside original 1980s archives) is not implemented — entries are
// always written stored, and a stored-but-flagged-squeezed read is
// reported as ConversionFailure rather than silently corrupted.
package binary2

import (
	"io"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/archive"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/format"
)

func init() { archive.Register(codec{}) }

const headerLen = 128

// signature per spec §6: 0x0A 0x47 0x4C at offset 0.
var signature = [3]byte{0x0A, 0x47, 0x4C}

type codec struct{}

func (codec) Kind() format.Kind { return format.KindBinary2 }

func (codec) Probe(stream disk.Stream, extHint string) format.Probe {
	var hdr [3]byte
	if _, err := stream.ReadAt(hdr[:], 0); err != nil {
		return format.Probe{Kind: format.KindBinary2, Verdict: format.No}
	}
	if hdr == signature {
		return format.Probe{Kind: format.KindBinary2, Verdict: format.Yes}
	}
	return format.Probe{Kind: format.KindBinary2, Verdict: format.No}
}

// Entry is one chained 128-byte-header file.
type Entry struct {
	name        string
	access      byte
	fileType    byte
	auxType     uint16
	storageType byte
	eof         int64
	squeezed    bool
	data        []byte
	offset      int64 // byte offset of header within the stream, for re-read
}

func (e *Entry) Name() string            { return e.name }
func (e *Entry) Kind() entry.Kind        { return entry.KindFile }
func (e *Entry) Parent() entry.FileEntry { return nil }
func (e *Entry) Notes() []string         { return nil }
func (e *Entry) HasRsrcFork() bool       { return false }
func (e *Entry) Attribs() entry.FileAttribs {
	return entry.FileAttribs{
		FileName: e.name, ProDOSType: e.fileType, AuxType: e.auxType,
		Access: e.access, DataLength: e.eof,
	}
}

// Archive implements archive.Archive for Binary II.
type Archive struct {
	hook    *apphook.AppHook
	stream  disk.Stream
	entries []*Entry
	txn     archive.TxnState
	pending []archive.PendingAdd
	dels    map[*Entry]bool
}

func (codec) Open(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	a := &Archive{hook: hook, stream: stream, dels: map[*Entry]bool{}}
	if err := a.parse(); err != nil {
		return nil, err
	}
	return a, nil
}

func (codec) Create(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	return &Archive{hook: hook, stream: stream, dels: map[*Entry]bool{}}, nil
}

func (a *Archive) Kind() format.Kind { return format.KindBinary2 }

func (a *Archive) parse() error {
	length, err := a.stream.Len()
	if err != nil {
		return diskerr.IOErrorf(err, "binary2: length read failed")
	}
	off := int64(0)
	for off+headerLen <= length {
		var hdr [headerLen]byte
		if _, err := a.stream.ReadAt(hdr[:], off); err != nil {
			return diskerr.IOErrorf(err, "binary2: header read failed")
		}
		if [3]byte{hdr[0], hdr[1], hdr[2]} != signature {
			if off == 0 {
				return diskerr.NotRecognizedf("binary2: bad signature")
			}
			break
		}
		nameLen := int(hdr[4])
		name := string(hdr[5 : 5+nameLen])
		fileType := hdr[20]
		auxType := uint16(hdr[21]) | uint16(hdr[22])<<8
		storageType := hdr[23]
		eof := int64(hdr[24]) | int64(hdr[25])<<8 | int64(hdr[26])<<16 | int64(hdr[27])<<24
		access := hdr[42]
		diskSpace := int64(hdr[117]) | int64(hdr[118])<<8 // blocks used, 512B units
		squeezed := hdr[18] != 0
		dataLen := diskSpace * 512
		if dataLen < eof {
			dataLen = eof
		}
		dataLen = roundUp128(dataLen)

		data := make([]byte, dataLen)
		if dataLen > 0 {
			if _, err := a.stream.ReadAt(data, off+headerLen); err != nil && err != io.EOF {
				return diskerr.IOErrorf(err, "binary2: data read failed")
			}
		}
		a.entries = append(a.entries, &Entry{
			name: name, access: access, fileType: fileType, auxType: auxType,
			storageType: storageType, eof: eof, squeezed: squeezed, data: data[:eof],
			offset: off,
		})
		off += headerLen + dataLen
	}
	return nil
}

func roundUp128(n int64) int64 { return (n + 127) &^ 127 }

func (a *Archive) Iterate(yield func(entry.FileEntry) bool) {
	for _, e := range a.entries {
		if a.dels[e] {
			continue
		}
		if !yield(e) {
			return
		}
	}
}

func (a *Archive) OpenPart(fe entry.FileEntry, part entry.Part) (io.ReadSeeker, error) {
	e, ok := fe.(*Entry)
	if !ok {
		return nil, diskerr.InvalidArgumentf("binary2: not a binary2 entry")
	}
	if part == entry.RsrcFork {
		return nil, diskerr.InvalidOperationf("binary2: entries have no resource fork")
	}
	if e.squeezed {
		return nil, diskerr.ConversionFailuref("binary2: squeeze-compressed entries are not supported")
	}
	return byteReader(e.data), nil
}

func byteReader(b []byte) io.ReadSeeker {
	return io.NewSectionReader(byteReaderAt(b), 0, int64(len(b)))
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (a *Archive) TxnState() archive.TxnState { return a.txn }

func (a *Archive) StartTransaction() error {
	if a.txn == archive.TxnCommitting {
		return diskerr.InvalidOperationf("binary2: transaction already committing")
	}
	a.txn = archive.TxnOpen
	a.pending = nil
	return nil
}

func (a *Archive) AddRecord(add archive.PendingAdd) error {
	if a.txn != archive.TxnOpen {
		return diskerr.InvalidOperationf("binary2: no open transaction")
	}
	a.pending = append(a.pending, add)
	return nil
}

func (a *Archive) DeleteRecord(d archive.PendingDelete) error {
	if a.txn != archive.TxnOpen {
		return diskerr.InvalidOperationf("binary2: no open transaction")
	}
	e, ok := d.Entry.(*Entry)
	if !ok {
		return diskerr.InvalidArgumentf("binary2: not a binary2 entry")
	}
	a.dels[e] = true
	return nil
}

func (a *Archive) CancelTransaction() error {
	if a.txn == archive.TxnCommitting {
		return diskerr.InvalidOperationf("binary2: cannot cancel while committing")
	}
	a.txn = archive.TxnNone
	a.pending = nil
	a.dels = map[*Entry]bool{}
	return nil
}

func (a *Archive) CommitTransaction() (disk.Stream, error) {
	if a.txn != archive.TxnOpen {
		return nil, diskerr.InvalidOperationf("binary2: no open transaction")
	}
	a.txn = archive.TxnCommitting

	var kept []*Entry
	for _, e := range a.entries {
		if !a.dels[e] {
			kept = append(kept, e)
		}
	}
	for _, add := range a.pending {
		data, err := drain(add.Data)
		if err != nil {
			a.txn = archive.TxnOpen
			return nil, err
		}
		kept = append(kept, &Entry{
			name: add.Name, fileType: add.Attribs.ProDOSType, auxType: add.Attribs.AuxType,
			access: byte(add.Attribs.Access), eof: int64(len(data)), data: data,
		})
	}

	out := disk.NewMemoryStream(nil)
	off := int64(0)
	for i, e := range kept {
		n, err := writeEntry(out, off, e, i == len(kept)-1)
		if err != nil {
			a.txn = archive.TxnOpen
			return nil, err
		}
		off += n
	}

	a.entries = kept
	a.dels = map[*Entry]bool{}
	a.pending = nil
	a.txn = archive.TxnNone
	return out, nil
}

func writeEntry(out disk.Stream, off int64, e *Entry, last bool) (int64, error) {
	var hdr [headerLen]byte
	hdr[0], hdr[1], hdr[2] = signature[0], signature[1], signature[2]
	hdr[4] = byte(len(e.name))
	copy(hdr[5:5+len(e.name)], e.name)
	hdr[20] = e.fileType
	hdr[21], hdr[22] = byte(e.auxType), byte(e.auxType>>8)
	hdr[23] = e.storageType
	hdr[24] = byte(e.eof)
	hdr[25] = byte(e.eof >> 8)
	hdr[26] = byte(e.eof >> 16)
	hdr[27] = byte(e.eof >> 24)
	hdr[42] = e.access
	dataLen := roundUp128(e.eof)
	blocks := dataLen / 512
	hdr[117], hdr[118] = byte(blocks), byte(blocks>>8)
	if !last {
		hdr[127] = 1 // "files to follow" nonzero chain indicator
	}
	if _, err := out.WriteAt(hdr[:], off); err != nil {
		return 0, diskerr.IOErrorf(err, "binary2: header write failed")
	}
	if len(e.data) > 0 {
		if _, err := out.WriteAt(e.data, off+headerLen); err != nil {
			return 0, diskerr.IOErrorf(err, "binary2: data write failed")
		}
	}
	return headerLen + dataLen, nil
}

func drain(src archive.PartSource) ([]byte, error) {
	if src == nil {
		return nil, nil
	}
	if err := src.Open(); err != nil {
		return nil, diskerr.IOErrorf(err, "binary2: part source open failed")
	}
	defer src.Close()
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, diskerr.IOErrorf(err, "binary2: part source read failed")
		}
	}
}

func (a *Archive) Close() error { return nil }
