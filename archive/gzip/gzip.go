// Package gzip implements the single-member gzip archive container (spec
// §4.2, §6): a gzip stream wraps exactly one data fork, its original
// filename taken from the gzip header's FNAME field when present and
// otherwise reported as "data".
//
// No pack example wraps a lone gzip member as an Archive — gzip here plays
// the same "always probed" unconditional role the teacher's internal/zip
// gives ZIP. Uses github.com/klauspost/compress/gzip per the DOMAIN STACK
// binding (this module uses klauspost/compress for zip and gzip)
// instead of stdlib compress/gzip.
package gzip

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/archive"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/format"
)

func init() { archive.Register(codec{}) }

type codec struct{}

func (codec) Kind() format.Kind { return format.KindGzip }

func (codec) Probe(stream disk.Stream, extHint string) format.Probe {
	var hdr [3]byte
	if _, err := stream.ReadAt(hdr[:], 0); err != nil {
		return format.Probe{Kind: format.KindGzip, Verdict: format.No}
	}
	if hdr[0] == 0x1f && hdr[1] == 0x8b && hdr[2] == 8 {
		return format.Probe{Kind: format.KindGzip, Verdict: format.Yes}
	}
	return format.Probe{Kind: format.KindGzip, Verdict: format.No}
}

// Entry is the one member a gzip stream ever holds.
type Entry struct {
	name string
	data []byte
}

func (e *Entry) Name() string               { return e.name }
func (e *Entry) Kind() entry.Kind           { return entry.KindFile }
func (e *Entry) Parent() entry.FileEntry    { return nil }
func (e *Entry) Notes() []string            { return nil }
func (e *Entry) HasRsrcFork() bool          { return false }
func (e *Entry) Attribs() entry.FileAttribs {
	return entry.FileAttribs{FileName: e.name, DataLength: int64(len(e.data))}
}

// Archive implements archive.Archive for a lone gzip member.
type Archive struct {
	hook    *apphook.AppHook
	entry   *Entry
	deleted bool
	txn     archive.TxnState
	pending *archive.PendingAdd
}

func (codec) Open(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	a := &Archive{hook: hook}
	if err := a.parse(stream); err != nil {
		return nil, err
	}
	return a, nil
}

func (codec) Create(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	return &Archive{hook: hook}, nil
}

func (a *Archive) Kind() format.Kind { return format.KindGzip }

func (a *Archive) parse(stream disk.Stream) error {
	length, err := stream.Len()
	if err != nil {
		return diskerr.IOErrorf(err, "gzip: length read failed")
	}
	raw := make([]byte, length)
	if _, err := stream.ReadAt(raw, 0); err != nil && err != io.EOF {
		return diskerr.IOErrorf(err, "gzip: read failed")
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return diskerr.NotRecognizedf("gzip: bad header: %v", err)
	}
	data, err := io.ReadAll(gr)
	if err != nil {
		return diskerr.ConversionFailuref("gzip: decompress failed: %v", err)
	}
	name := gr.Name
	if name == "" {
		name = "data"
	}
	a.entry = &Entry{name: name, data: data}
	return nil
}

func (a *Archive) Iterate(yield func(entry.FileEntry) bool) {
	if a.entry == nil || a.deleted {
		return
	}
	yield(a.entry)
}

func (a *Archive) OpenPart(fe entry.FileEntry, part entry.Part) (io.ReadSeeker, error) {
	e, ok := fe.(*Entry)
	if !ok {
		return nil, diskerr.InvalidArgumentf("gzip: not a gzip entry")
	}
	if part == entry.RsrcFork {
		return nil, diskerr.InvalidOperationf("gzip: entries have no resource fork")
	}
	return io.NewSectionReader(byteReaderAt(e.data), 0, int64(len(e.data))), nil
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
		return diskerr.InvalidOperationf("gzip: transaction already committing")
	}
	a.txn = archive.TxnOpen
	return nil
}

func (a *Archive) AddRecord(add archive.PendingAdd) error {
	if a.txn != archive.TxnOpen {
		return diskerr.InvalidOperationf("gzip: no open transaction")
	}
	if a.entry != nil && !a.deleted {
		return diskerr.InvalidOperationf("gzip: a gzip stream holds exactly one member")
	}
	p := add
	a.pending = &p
	return nil
}

func (a *Archive) DeleteRecord(d archive.PendingDelete) error {
	if a.txn != archive.TxnOpen {
		return diskerr.InvalidOperationf("gzip: no open transaction")
	}
	if d.Entry != entry.FileEntry(a.entry) {
		return diskerr.NotFoundf("gzip: no such entry")
	}
	a.deleted = true
	return nil
}

func (a *Archive) CancelTransaction() error {
	if a.txn == archive.TxnCommitting {
		return diskerr.InvalidOperationf("gzip: cannot cancel while committing")
	}
	a.txn = archive.TxnNone
	a.pending = nil
	a.deleted = false
	return nil
}

func (a *Archive) CommitTransaction() (disk.Stream, error) {
	if a.txn != archive.TxnOpen {
		return nil, diskerr.InvalidOperationf("gzip: no open transaction")
	}
	a.txn = archive.TxnCommitting

	e := a.entry
	if a.deleted {
		e = nil
	}
	if a.pending != nil {
		data, err := drain(a.pending.Data)
		if err != nil {
			a.txn = archive.TxnOpen
			return nil, err
		}
		e = &Entry{name: a.pending.Name, data: data}
	}

	out := disk.NewMemoryStream(nil)
	if e != nil {
		var buf bytes.Buffer
		gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			a.txn = archive.TxnOpen
			return nil, diskerr.IOErrorf(err, "gzip: writer init failed")
		}
		gw.Name = e.name
		if _, err := gw.Write(e.data); err != nil {
			a.txn = archive.TxnOpen
			return nil, diskerr.IOErrorf(err, "gzip: compress failed")
		}
		if err := gw.Close(); err != nil {
			a.txn = archive.TxnOpen
			return nil, diskerr.IOErrorf(err, "gzip: compress close failed")
		}
		if _, err := out.WriteAt(buf.Bytes(), 0); err != nil {
			a.txn = archive.TxnOpen
			return nil, diskerr.IOErrorf(err, "gzip: write failed")
		}
	}

	a.entry = e
	a.deleted = false
	a.pending = nil
	a.txn = archive.TxnNone
	return out, nil
}

func drain(src archive.PartSource) ([]byte, error) {
	if src == nil {
		return nil, nil
	}
	if err := src.Open(); err != nil {
		return nil, diskerr.IOErrorf(err, "gzip: part source open failed")
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
			return nil, diskerr.IOErrorf(err, "gzip: part source read failed")
		}
	}
}

func (a *Archive) Close() error { return nil }
