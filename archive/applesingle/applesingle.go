// Package applesingle implements the AppleSingle and AppleDouble archive
// containers (spec §4.2, §6): a magic number followed by a count-prefixed
// table of entry-numbered blocks (data fork, resource fork, real name,
// Finder info, ProDOS file info, file dates...). AppleDouble is the same
// entry-block table without a data-fork entry — logically one file split
// across a `._name` header file and a separate data file, here modeled as
// a single logical Archive entry either way, per spec §3 Archive "a
// sequence of FileEntry nodes".
//
// Grounded on the teacher's internal/appledouble package: entry IDs
// (DATA_FORK, RESOURCE_FORK, REAL_NAME, FINDER_INFO, PRODOS_FILE_INFO,
// FILE_DATES_INFO) and MakePrefix's table layout (26-byte header + count,
// 12 bytes per entry descriptor) are reused verbatim; FILE_DATES_INFO
// values are converted relative to the Mac epoch (1904-01-01), adapted
// from the same file's use of that constant.
package applesingle

import (
	"encoding/binary"
	"io"
	"slices"
	"time"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/archive"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/format"
)

func init() {
	archive.Register(codec{kind: format.KindAppleSingle, magic: singleMagic})
	archive.Register(codec{kind: format.KindAppleDouble, magic: doubleMagic})
}

var singleMagic = [4]byte{0x00, 0x05, 0x16, 0x00}
var doubleMagic = [4]byte{0x00, 0x05, 0x16, 0x07}

const (
	entryDataFork        = 1
	entryResourceFork    = 2
	entryRealName        = 3
	entryFileDatesInfo   = 8
	entryFinderInfo      = 9
	entryProDOSFileInfo  = 11
)

var macEpoch = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)

type codec struct {
	kind  format.Kind
	magic [4]byte
}

func (c codec) Kind() format.Kind { return c.kind }

func (c codec) Probe(stream disk.Stream, extHint string) format.Probe {
	// AppleSingle collides with other 4-byte-magic formats; spec §4.1
	// says it is "probed only when the extension is .as".
	if c.kind == format.KindAppleSingle && extHint != ".as" {
		return format.Probe{Kind: c.kind, Verdict: format.No}
	}
	var hdr [4]byte
	if _, err := stream.ReadAt(hdr[:], 0); err != nil {
		return format.Probe{Kind: c.kind, Verdict: format.No}
	}
	if hdr == c.magic {
		return format.Probe{Kind: c.kind, Verdict: format.Yes}
	}
	return format.Probe{Kind: c.kind, Verdict: format.No}
}

// Entry is the single logical file an AppleSingle/AppleDouble archive
// holds (spec §3 "Archive: a sequence of FileEntry nodes" — this sequence
// always has exactly one element for this format).
type Entry struct {
	name     string
	dataFork []byte
	rsrcFork []byte
	prodosType byte
	auxType    uint16
	created    time.Time
	modified   time.Time
}

func (e *Entry) Name() string            { return e.name }
func (e *Entry) Kind() entry.Kind        { return entry.KindFile }
func (e *Entry) Parent() entry.FileEntry { return nil }
func (e *Entry) Notes() []string         { return nil }
func (e *Entry) HasRsrcFork() bool       { return e.rsrcFork != nil }
func (e *Entry) Attribs() entry.FileAttribs {
	return entry.FileAttribs{
		FileName: e.name, ProDOSType: e.prodosType, AuxType: e.auxType,
		DataLength: int64(len(e.dataFork)), RsrcLength: int64(len(e.rsrcFork)),
		ResourceEOF: int64(len(e.rsrcFork)), Created: e.created, Modified: e.modified,
	}
}

// Archive implements archive.Archive for a single AppleSingle/AppleDouble
// logical file.
type Archive struct {
	hook  *apphook.AppHook
	kind  format.Kind
	entry *Entry
	txn   archive.TxnState
	deleted bool
	pending *archive.PendingAdd
}

func (c codec) Open(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	a := &Archive{hook: hook, kind: c.kind}
	if err := a.parse(stream, c.magic); err != nil {
		return nil, err
	}
	return a, nil
}

func (c codec) Create(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	return &Archive{hook: hook, kind: c.kind}, nil
}

func (a *Archive) Kind() format.Kind { return a.kind }

func (a *Archive) parse(stream disk.Stream, magic [4]byte) error {
	var hdr [26]byte
	if _, err := stream.ReadAt(hdr[:], 0); err != nil {
		return diskerr.IOErrorf(err, "applesingle: header read failed")
	}
	if [4]byte(hdr[:4]) != magic {
		return diskerr.NotRecognizedf("applesingle: bad magic")
	}
	count := binary.BigEndian.Uint16(hdr[24:26])

	type desc struct{ id uint32; off, length int64 }
	var descs []desc
	for i := uint16(0); i < count; i++ {
		var d [12]byte
		if _, err := stream.ReadAt(d[:], 26+int64(i)*12); err != nil {
			return diskerr.IOErrorf(err, "applesingle: entry descriptor read failed")
		}
		descs = append(descs, desc{
			id:     binary.BigEndian.Uint32(d[0:4]),
			off:    int64(binary.BigEndian.Uint32(d[4:8])),
			length: int64(binary.BigEndian.Uint32(d[8:12])),
		})
	}

	e := &Entry{}
	for _, d := range descs {
		buf := make([]byte, d.length)
		if d.length > 0 {
			if _, err := stream.ReadAt(buf, d.off); err != nil {
				return diskerr.IOErrorf(err, "applesingle: entry %d read failed", d.id)
			}
		}
		switch d.id {
		case entryDataFork:
			e.dataFork = buf
		case entryResourceFork:
			e.rsrcFork = buf
		case entryRealName:
			e.name = string(buf)
		case entryProDOSFileInfo:
			if len(buf) >= 8 {
				e.auxType = binary.BigEndian.Uint16(buf[0:2])
				e.prodosType = buf[3]
			}
		case entryFileDatesInfo:
			if len(buf) >= 8 {
				e.created = macEpoch.Add(time.Duration(int32(binary.BigEndian.Uint32(buf[0:4]))) * time.Second)
				e.modified = macEpoch.Add(time.Duration(int32(binary.BigEndian.Uint32(buf[4:8]))) * time.Second)
			}
		}
	}
	if e.name == "" {
		e.name = "untitled"
	}
	a.entry = e
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
		return nil, diskerr.InvalidArgumentf("applesingle: not an applesingle entry")
	}
	switch part {
	case entry.RsrcFork:
		return byteReader(e.rsrcFork), nil
	default:
		return byteReader(e.dataFork), nil
	}
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
		return diskerr.InvalidOperationf("applesingle: transaction already committing")
	}
	a.txn = archive.TxnOpen
	return nil
}

func (a *Archive) AddRecord(add archive.PendingAdd) error {
	if a.txn != archive.TxnOpen {
		return diskerr.InvalidOperationf("applesingle: no open transaction")
	}
	if a.entry != nil && !a.deleted {
		return diskerr.InvalidOperationf("applesingle: archive already holds one entry")
	}
	p := add
	a.pending = &p
	return nil
}

func (a *Archive) DeleteRecord(d archive.PendingDelete) error {
	if a.txn != archive.TxnOpen {
		return diskerr.InvalidOperationf("applesingle: no open transaction")
	}
	if d.Entry != entry.FileEntry(a.entry) {
		return diskerr.NotFoundf("applesingle: no such entry")
	}
	a.deleted = true
	return nil
}

func (a *Archive) CancelTransaction() error {
	if a.txn == archive.TxnCommitting {
		return diskerr.InvalidOperationf("applesingle: cannot cancel while committing")
	}
	a.txn = archive.TxnNone
	a.pending = nil
	a.deleted = false
	return nil
}

func (a *Archive) CommitTransaction() (disk.Stream, error) {
	if a.txn != archive.TxnOpen {
		return nil, diskerr.InvalidOperationf("applesingle: no open transaction")
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
		rsrc, err := drain(a.pending.RsrcData)
		if err != nil {
			a.txn = archive.TxnOpen
			return nil, err
		}
		e = &Entry{
			name: a.pending.Name, dataFork: data, rsrcFork: rsrc,
			prodosType: a.pending.Attribs.ProDOSType, auxType: a.pending.Attribs.AuxType,
			created: a.pending.Attribs.Created, modified: a.pending.Attribs.Modified,
		}
	}

	out := disk.NewMemoryStream(nil)
	if e != nil {
		if err := writeOne(out, a.kind, e); err != nil {
			a.txn = archive.TxnOpen
			return nil, err
		}
	}

	a.entry = e
	a.deleted = false
	a.pending = nil
	a.txn = archive.TxnNone
	return out, nil
}

func writeOne(out disk.Stream, kind format.Kind, e *Entry) error {
	magic := singleMagic
	if kind == format.KindAppleDouble {
		magic = doubleMagic
	}

	records := map[uint32][]byte{}
	if e.name != "" {
		records[entryRealName] = []byte(e.name)
	}
	prodos := make([]byte, 8)
	binary.BigEndian.PutUint16(prodos[0:2], e.auxType)
	prodos[3] = e.prodosType
	records[entryProDOSFileInfo] = prodos

	ids := []uint32{}
	for id := range records {
		ids = append(ids, id)
	}
	if kind == format.KindAppleSingle {
		ids = append(ids, entryDataFork)
	}
	if len(e.rsrcFork) > 0 {
		ids = append(ids, entryResourceFork)
	}
	slices.Sort(ids)

	buf := make([]byte, 26+12*len(ids))
	copy(buf, magic[:])
	copy(buf[4:8], []byte{0, 2, 0, 0})
	binary.BigEndian.PutUint16(buf[24:26], uint16(len(ids)))

	for i, id := range ids {
		descOff := 26 + 12*i
		binary.BigEndian.PutUint32(buf[descOff:], id)
		var payload []byte
		switch id {
		case entryDataFork:
			payload = e.dataFork
		case entryResourceFork:
			payload = e.rsrcFork
		default:
			payload = records[id]
		}
		binary.BigEndian.PutUint32(buf[descOff+4:], uint32(len(buf)))
		binary.BigEndian.PutUint32(buf[descOff+8:], uint32(len(payload)))
		buf = append(buf, payload...)
	}

	_, err := out.WriteAt(buf, 0)
	if err != nil {
		return diskerr.IOErrorf(err, "applesingle: write failed")
	}
	return nil
}

func drain(src archive.PartSource) ([]byte, error) {
	if src == nil {
		return nil, nil
	}
	if err := src.Open(); err != nil {
		return nil, diskerr.IOErrorf(err, "applesingle: part source open failed")
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
			return nil, diskerr.IOErrorf(err, "applesingle: part source read failed")
		}
	}
}

func (a *Archive) Close() error { return nil }
