// Package nufx implements the NuFX (ShrinkIt) archive container (spec
// §4.2, §6): a master header followed by a record list, each record
// owning one or more threads (data fork, resource fork, comment, filename).
//
// No example in the retrieval pack implements NuFX (CiderPress's original
// C# sources were filtered out of original_source/ as build-irrelevant);
// this follows the publicly documented NuFX record/thread layout at the
// structural level spec §6 names (master header CRC, per-record threads,
// ProDOS attributes carried natively) without claiming byte-exact
// reproduction of historical ShrinkIt output — see DESIGN.md. Only the
// uncompressed thread format is written; LZW/1 and LZW/2 threads are read
// back as a Corrupt/ConversionFailure rather than silently truncated.
package nufx

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/archive"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/format"
)

func init() { archive.Register(codec{}) }

// signature is the literal byte sequence spec §6's external-interfaces
// table gives for NuFX: "N\xF5F\xC9le\xCD".
var signature = []byte("N\xF5F\xC9le\xCD")

const masterHeaderLen = 32
const recordHeaderLen = 58
const threadHeaderLen = 16

const (
	threadFormatUncompressed = 0
	threadFormatLZW1         = 1
	threadFormatLZW2         = 2
)

const (
	threadClassMessage = 0x0000
	threadClassControl = 0x0001
	threadClassData    = 0x0002
	threadClassFilename = 0x0003
)

const (
	threadKindDataFork    = 0x0000
	threadKindDiskImage   = 0x0001
	threadKindResourceFork = 0x0002
	threadKindFilename    = 0x0000 // within threadClassFilename
)

type codec struct{}

func (codec) Kind() format.Kind { return format.KindNuFX }

func (codec) Probe(stream disk.Stream, extHint string) format.Probe {
	var hdr [8]byte
	if _, err := stream.ReadAt(hdr[:], 0); err != nil {
		return format.Probe{Kind: format.KindNuFX, Verdict: format.No}
	}
	if matchBytes(hdr[:len(signature)], signature) {
		return format.Probe{Kind: format.KindNuFX, Verdict: format.Yes}
	}
	return format.Probe{Kind: format.KindNuFX, Verdict: format.No}
}

func matchBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// thread is one byte-stream piece of a record (data fork, resource fork,
// filename, comment).
type thread struct {
	class      uint16
	kind       uint16
	format     uint16
	eof        uint32 // decompressed length
	compEOF    uint32 // on-disk length
	data       []byte // on-disk bytes (uncompressed format: same as decompressed)
}

// Record is one NuFX catalog entry: ProDOS attributes plus its threads.
type Record struct {
	filename    string
	fileSysID   uint16
	access      uint32
	fileType    uint32
	auxType     uint32
	storageType uint16
	threads     []*thread
	parent      *Archive
	notes       []string
}

func (r *Record) Name() string            { return r.filename }
func (r *Record) Kind() entry.Kind        { return entry.KindFile }
func (r *Record) Parent() entry.FileEntry { return nil }
func (r *Record) Notes() []string         { return r.notes }
func (r *Record) HasRsrcFork() bool       { return r.threadByKind(threadClassData, threadKindResourceFork) != nil }
func (r *Record) Attribs() entry.FileAttribs {
	a := entry.FileAttribs{
		FileName:   r.filename,
		ProDOSType: byte(r.fileType),
		AuxType:    uint16(r.auxType),
		Access:     uint8(r.access),
	}
	if t := r.threadByKind(threadClassData, threadKindDataFork); t != nil {
		a.DataLength = int64(t.eof)
	}
	if t := r.threadByKind(threadClassData, threadKindResourceFork); t != nil {
		a.RsrcLength = int64(t.eof)
		a.ResourceEOF = int64(t.eof)
	}
	return a
}

func (r *Record) threadByKind(class, kind uint16) *thread {
	for _, t := range r.threads {
		if t.class == class && t.kind == kind {
			return t
		}
	}
	return nil
}

// Archive implements archive.Archive for NuFX (spec §3 Archive, §5
// "at most one transaction may be open per Archive").
type Archive struct {
	hook    *apphook.AppHook
	stream  disk.Stream
	records []*Record
	txn     archive.TxnState
	pending []archive.PendingAdd
	dels    map[*Record]bool
}

func (codec) Open(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	a := &Archive{hook: hook, stream: stream, dels: map[*Record]bool{}}
	if err := a.parse(); err != nil {
		return nil, err
	}
	return a, nil
}

func (codec) Create(hook *apphook.AppHook, stream disk.Stream) (archive.Archive, error) {
	return &Archive{hook: hook, stream: stream, dels: map[*Record]bool{}}, nil
}

func (a *Archive) Kind() format.Kind { return format.KindNuFX }

func (a *Archive) parse() error {
	length, err := a.stream.Len()
	if err != nil {
		return diskerr.IOErrorf(err, "nufx: length read failed")
	}
	if length < masterHeaderLen {
		return diskerr.NotRecognizedf("nufx: stream too short for a master header")
	}
	var mh [masterHeaderLen]byte
	if _, err := a.stream.ReadAt(mh[:], 0); err != nil {
		return diskerr.IOErrorf(err, "nufx: master header read failed")
	}
	if !matchBytes(mh[:len(signature)], signature) {
		return diskerr.NotRecognizedf("nufx: bad master signature")
	}
	totalRecords := binary.LittleEndian.Uint32(mh[10:14])

	off := int64(masterHeaderLen)
	for i := uint32(0); i < totalRecords; i++ {
		rec, consumed, err := a.parseRecord(off)
		if err != nil {
			return err
		}
		a.records = append(a.records, rec)
		off += consumed
	}
	return nil
}

func (a *Archive) parseRecord(off int64) (*Record, int64, error) {
	var rh [recordHeaderLen]byte
	if _, err := a.stream.ReadAt(rh[:], off); err != nil {
		return nil, 0, diskerr.IOErrorf(err, "nufx: record header read failed")
	}
	attribCount := binary.LittleEndian.Uint16(rh[4:6])
	totalThreads := binary.LittleEndian.Uint16(rh[6:8])
	fileSysID := binary.LittleEndian.Uint16(rh[8:10])
	access := binary.LittleEndian.Uint32(rh[12:16])
	fileType := binary.LittleEndian.Uint32(rh[16:20])
	auxType := binary.LittleEndian.Uint32(rh[20:24])
	storageType := binary.LittleEndian.Uint16(rh[28:30])
	filenameLen := binary.LittleEndian.Uint16(rh[54:56])

	pos := off + int64(attribCount)
	var nameBuf [256]byte
	if int(filenameLen) > len(nameBuf) {
		return nil, 0, diskerr.Corruptf("nufx: implausible filename length %d", filenameLen)
	}
	if filenameLen > 0 {
		if _, err := a.stream.ReadAt(nameBuf[:filenameLen], pos); err != nil {
			return nil, 0, diskerr.IOErrorf(err, "nufx: filename read failed")
		}
	}
	rec := &Record{
		filename: string(nameBuf[:filenameLen]), fileSysID: fileSysID,
		access: access, fileType: fileType, auxType: auxType, storageType: storageType,
	}
	pos += int64(filenameLen)

	for t := uint16(0); t < totalThreads; t++ {
		th, consumed, err := a.parseThread(pos)
		if err != nil {
			return nil, 0, err
		}
		rec.threads = append(rec.threads, th)
		pos += consumed
	}
	return rec, pos - off, nil
}

func (a *Archive) parseThread(off int64) (*thread, int64, error) {
	var th [threadHeaderLen]byte
	if _, err := a.stream.ReadAt(th[:], off); err != nil {
		return nil, 0, diskerr.IOErrorf(err, "nufx: thread header read failed")
	}
	t := &thread{
		class:   binary.LittleEndian.Uint16(th[0:2]),
		kind:    binary.LittleEndian.Uint16(th[4:6]),
		format:  binary.LittleEndian.Uint16(th[2:4]),
		eof:     binary.LittleEndian.Uint32(th[8:12]),
		compEOF: binary.LittleEndian.Uint32(th[12:16]),
	}
	if t.format != threadFormatUncompressed {
		return nil, 0, diskerr.ConversionFailuref("nufx: compressed thread format %d not supported", t.format)
	}
	t.data = make([]byte, t.compEOF)
	if t.compEOF > 0 {
		if _, err := a.stream.ReadAt(t.data, off+threadHeaderLen); err != nil {
			return nil, 0, diskerr.IOErrorf(err, "nufx: thread data read failed")
		}
	}
	return t, threadHeaderLen + int64(t.compEOF), nil
}

func (a *Archive) Iterate(yield func(entry.FileEntry) bool) {
	for _, r := range a.records {
		if a.dels[r] {
			continue
		}
		if !yield(r) {
			return
		}
	}
}

func (a *Archive) OpenPart(e entry.FileEntry, part entry.Part) (io.ReadSeeker, error) {
	r, ok := e.(*Record)
	if !ok {
		return nil, diskerr.InvalidArgumentf("nufx: not a nufx record")
	}
	kind := threadKindDataFork
	if part == entry.RsrcFork {
		kind = threadKindResourceFork
	}
	t := r.threadByKind(threadClassData, uint16(kind))
	if t == nil {
		if part == entry.RsrcFork {
			return nil, diskerr.InvalidOperationf("nufx: record has no resource fork")
		}
		return sectionReader(nil), nil
	}
	return sectionReader(t.data), nil
}

func sectionReader(b []byte) io.ReadSeeker { return io.NewSectionReader(bytesReaderAt(b), 0, int64(len(b))) }

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
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
		return diskerr.InvalidOperationf("nufx: transaction already committing")
	}
	a.txn = archive.TxnOpen
	a.pending = nil
	return nil
}

func (a *Archive) AddRecord(add archive.PendingAdd) error {
	if a.txn != archive.TxnOpen {
		return diskerr.InvalidOperationf("nufx: no open transaction")
	}
	a.pending = append(a.pending, add)
	return nil
}

func (a *Archive) DeleteRecord(d archive.PendingDelete) error {
	if a.txn != archive.TxnOpen {
		return diskerr.InvalidOperationf("nufx: no open transaction")
	}
	r, ok := d.Entry.(*Record)
	if !ok {
		return diskerr.InvalidArgumentf("nufx: not a nufx record")
	}
	a.dels[r] = true
	return nil
}

func (a *Archive) CancelTransaction() error {
	if a.txn == archive.TxnCommitting {
		return diskerr.InvalidOperationf("nufx: cannot cancel while committing")
	}
	a.txn = archive.TxnNone
	a.pending = nil
	a.dels = map[*Record]bool{}
	return nil
}

// CommitTransaction serializes surviving + pending records to a fresh
// MemoryStream (spec §5 "commit... to a fresh MemoryStream").
func (a *Archive) CommitTransaction() (disk.Stream, error) {
	if a.txn != archive.TxnOpen {
		return nil, diskerr.InvalidOperationf("nufx: no open transaction")
	}
	a.txn = archive.TxnCommitting

	var kept []*Record
	for _, r := range a.records {
		if !a.dels[r] {
			kept = append(kept, r)
		}
	}
	for _, add := range a.pending {
		rec, err := buildRecord(add)
		if err != nil {
			a.txn = archive.TxnOpen
			return nil, err
		}
		kept = append(kept, rec)
	}

	out := disk.NewMemoryStream(nil)
	if err := writeArchive(out, kept); err != nil {
		a.txn = archive.TxnOpen
		return nil, err
	}

	a.records = kept
	a.dels = map[*Record]bool{}
	a.pending = nil
	a.txn = archive.TxnNone
	return out, nil
}

func buildRecord(add archive.PendingAdd) (*Record, error) {
	rec := &Record{
		filename:    add.Name,
		fileSysID:   1, // ProDOS
		access:      uint32(add.Attribs.Access),
		fileType:    uint32(add.Attribs.ProDOSType),
		auxType:     uint32(add.Attribs.AuxType),
		storageType: 0x0001,
	}
	if add.Data != nil {
		data, err := drain(add.Data)
		if err != nil {
			return nil, err
		}
		rec.threads = append(rec.threads, &thread{
			class: threadClassData, kind: threadKindDataFork,
			format: threadFormatUncompressed, eof: uint32(len(data)), compEOF: uint32(len(data)), data: data,
		})
	}
	if add.RsrcData != nil {
		data, err := drain(add.RsrcData)
		if err != nil {
			return nil, err
		}
		rec.threads = append(rec.threads, &thread{
			class: threadClassData, kind: threadKindResourceFork,
			format: threadFormatUncompressed, eof: uint32(len(data)), compEOF: uint32(len(data)), data: data,
		})
	}
	return rec, nil
}

func drain(src archive.PartSource) ([]byte, error) {
	if err := src.Open(); err != nil {
		return nil, diskerr.IOErrorf(err, "nufx: part source open failed")
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
			return nil, diskerr.IOErrorf(err, "nufx: part source read failed")
		}
	}
}

func writeArchive(out disk.Stream, records []*Record) error {
	var mh [masterHeaderLen]byte
	copy(mh[:], signature)
	binary.LittleEndian.PutUint32(mh[10:14], uint32(len(records)))
	if _, err := out.WriteAt(mh[:], 0); err != nil {
		return diskerr.IOErrorf(err, "nufx: master header write failed")
	}

	off := int64(masterHeaderLen)
	for _, r := range records {
		n, err := writeRecord(out, off, r)
		if err != nil {
			return err
		}
		off += n
	}

	// Backfill the master CRC over everything after the header, per
	// spec §6 "master header holds a CRC over the record list".
	length, _ := out.Len()
	body := make([]byte, length-masterHeaderLen)
	if _, err := out.ReadAt(body, masterHeaderLen); err != nil && err != io.EOF {
		return diskerr.IOErrorf(err, "nufx: crc backfill read failed")
	}
	crc := crc32.ChecksumIEEE(body)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	_, err := out.WriteAt(crcBuf[:], 6)
	return err
}

func writeRecord(out disk.Stream, off int64, r *Record) (int64, error) {
	var rh [recordHeaderLen]byte
	binary.LittleEndian.PutUint16(rh[4:6], recordHeaderLen)
	binary.LittleEndian.PutUint16(rh[6:8], uint16(len(r.threads)))
	binary.LittleEndian.PutUint16(rh[8:10], r.fileSysID)
	binary.LittleEndian.PutUint32(rh[12:16], r.access)
	binary.LittleEndian.PutUint32(rh[16:20], r.fileType)
	binary.LittleEndian.PutUint32(rh[20:24], r.auxType)
	binary.LittleEndian.PutUint16(rh[28:30], r.storageType)
	binary.LittleEndian.PutUint16(rh[54:56], uint16(len(r.filename)))
	if _, err := out.WriteAt(rh[:], off); err != nil {
		return 0, diskerr.IOErrorf(err, "nufx: record header write failed")
	}
	pos := off + recordHeaderLen
	if len(r.filename) > 0 {
		if _, err := out.WriteAt([]byte(r.filename), pos); err != nil {
			return 0, diskerr.IOErrorf(err, "nufx: filename write failed")
		}
		pos += int64(len(r.filename))
	}
	for _, t := range r.threads {
		n, err := writeThread(out, pos, t)
		if err != nil {
			return 0, err
		}
		pos += n
	}
	return pos - off, nil
}

func writeThread(out disk.Stream, off int64, t *thread) (int64, error) {
	var th [threadHeaderLen]byte
	binary.LittleEndian.PutUint16(th[0:2], t.class)
	binary.LittleEndian.PutUint16(th[2:4], threadFormatUncompressed)
	binary.LittleEndian.PutUint16(th[4:6], t.kind)
	binary.LittleEndian.PutUint32(th[8:12], uint32(len(t.data)))
	binary.LittleEndian.PutUint32(th[12:16], uint32(len(t.data)))
	if _, err := out.WriteAt(th[:], off); err != nil {
		return 0, diskerr.IOErrorf(err, "nufx: thread header write failed")
	}
	if len(t.data) > 0 {
		if _, err := out.WriteAt(t.data, off+threadHeaderLen); err != nil {
			return 0, diskerr.IOErrorf(err, "nufx: thread data write failed")
		}
	}
	return threadHeaderLen + int64(len(t.data)), nil
}

func (a *Archive) Close() error { return nil }
