// Package dos33 implements the DOS 3.2/3.3 filesystem: VTOC at track 17
// sector 0, catalog chained through sectors of track 17, and T/S lists that
// chain file data sectors indirectly (spec §4.5).
//
// Grounded on the VTOC/catalog/T-S-list layout documented and parsed byte-
// for-byte in taeber-webdavfs's examples/dos33/dsk.go, adapted here from a
// flat byte-slice reader onto the engine's disk.ChunkAccess sector
// interface, and extended with allocation/write-back since that example is
// read-only.
package dos33

import (
	"strings"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/filesystem"
)

func init() { filesystem.Register(codec{}) }

type codec struct{}

func (codec) Name() string { return "DOS 3.2/3.3" }

func (codec) Probe(chunk disk.ChunkAccess) bool {
	if !chunk.HasSectors() {
		return false
	}
	var vtoc [256]byte
	if err := chunk.ReadSector(17, 0, vtoc[:]); err != nil {
		return false
	}
	return vtoc[0x34] > 0 && vtoc[0x34] <= 50 && (vtoc[0x35] == 13 || vtoc[0x35] == 16)
}

func (codec) Mount(hook *apphook.AppHook, chunk disk.ChunkAccess, fastScan bool) (filesystem.FileSystem, error) {
	fs := &FileSystem{hook: hook, chunk: chunk}
	if err := fs.PrepareFileAccess(true); err != nil {
		fs.notes = append(fs.notes, err.Error())
		fs.readOnly = true
	}
	return fs, nil
}

// fileTypeByte values for the DOS 3.3 catalog "file type and flags" byte
// (spec §4.5 "2-byte length prefix (I/A/B)").
const (
	ftText           = 0x00
	ftIntegerBasic   = 0x01
	ftApplesoftBasic = 0x02
	ftBinary         = 0x04
	ftS              = 0x08
	ftRelocatable    = 0x10
	ftA              = 0x20
	ftB              = 0x40
	lockedBit        = 0x80
)

func fileTypeChar(t byte) byte {
	switch t &^ lockedBit {
	case ftText:
		return 'T'
	case ftIntegerBasic:
		return 'I'
	case ftApplesoftBasic:
		return 'A'
	case ftBinary:
		return 'B'
	case ftS:
		return 'S'
	case ftRelocatable:
		return 'R'
	case ftA:
		return 'A'
	case ftB:
		return 'B'
	default:
		return '?'
	}
}

// FileEntry is one DOS 3.3 catalog entry.
type FileEntry struct {
	fs          *FileSystem
	name        string
	fileType    byte
	locked      bool
	firstTrack  byte
	firstSector byte
	catTrack    int // catalog sector this entry lives in
	catSector   int
	entryIndex  int // which of the 7 slots within that sector
}

func (e *FileEntry) Name() string            { return e.name }
func (e *FileEntry) Kind() entry.Kind        { return entry.KindFile }
func (e *FileEntry) Parent() entry.FileEntry { return e.fs.volEntry }
func (e *FileEntry) HasRsrcFork() bool       { return false }
func (e *FileEntry) Notes() []string         { return nil }
func (e *FileEntry) Attribs() entry.FileAttribs {
	return entry.FileAttribs{
		FileName:   e.name,
		ProDOSType: dosTypeToProDOS(e.fileType &^ lockedBit),
		DataLength: e.dataLength(),
	}
}

func dosTypeToProDOS(t byte) byte {
	switch t {
	case ftText:
		return 0x04
	case ftIntegerBasic:
		return 0xfa
	case ftApplesoftBasic:
		return 0xfc
	case ftBinary:
		return 0x06
	default:
		return 0x00
	}
}

// volEntry represents the DOS 3.3 volume itself (there is no subdirectory
// nesting; the catalog is flat).
type volEntry struct {
	fs *FileSystem
}

func (v *volEntry) Name() string              { return "DOS3.3" }
func (v *volEntry) Kind() entry.Kind          { return entry.KindVolume }
func (v *volEntry) Parent() entry.FileEntry   { return nil }
func (v *volEntry) HasRsrcFork() bool         { return false }
func (v *volEntry) Notes() []string           { return v.fs.notes }
func (v *volEntry) Attribs() entry.FileAttribs {
	return entry.FileAttribs{FileName: v.Name()}
}

// FileSystem implements filesystem.FileSystem for DOS 3.2/3.3 (spec §4.5).
type FileSystem struct {
	hook     *apphook.AppHook
	chunk    disk.ChunkAccess
	volEntry *volEntry
	volume   byte
	maxTSPairs int
	tracks   int
	sectors  int
	entries  []*FileEntry
	notes    []string
	readOnly bool
}

func (fs *FileSystem) PrepareFileAccess(write bool) error {
	var vtoc [256]byte
	if err := fs.chunk.ReadSector(17, 0, vtoc[:]); err != nil {
		return diskerr.IOErrorf(err, "dos33: VTOC read failed")
	}
	fs.volume = vtoc[0x06]
	fs.maxTSPairs = int(vtoc[0x27])
	fs.tracks = int(vtoc[0x34])
	fs.sectors = int(vtoc[0x35])
	fs.volEntry = &volEntry{fs: fs}

	catTrack, catSector := int(vtoc[0x01]), int(vtoc[0x02])
	seen := make(map[[2]int]bool)
	for catTrack != 0 && !seen[[2]int{catTrack, catSector}] {
		seen[[2]int{catTrack, catSector}] = true
		var cat [256]byte
		if err := fs.chunk.ReadSector(catTrack, catSector, cat[:]); err != nil {
			fs.notes = append(fs.notes, "dos33: catalog sector read failed, truncating scan")
			break
		}
		for i := 0; i < 7; i++ {
			off := 0x0b + i*35
			rec := cat[off : off+35]
			if rec[0] == 0x00 {
				continue // never used
			}
			deleted := rec[0] == 0xff
			e := &FileEntry{
				fs:          fs,
				fileType:    rec[2] &^ lockedBit,
				locked:      rec[2]&lockedBit != 0,
				firstTrack:  rec[0],
				firstSector: rec[1],
				catTrack:    catTrack,
				catSector:   catSector,
				entryIndex:  i,
			}
			nameLen := 30
			if deleted {
				nameLen = 29
				e.firstTrack = rec[0x20] // original track stashed in last name byte
			}
			e.name = strings.TrimRight(stripHighBit(rec[3:3+nameLen]), " ")
			if deleted {
				continue // spec scope: garbage entries are not part of the live catalog
			}
			fs.entries = append(fs.entries, e)
		}
		nextTrack, nextSector := int(cat[1]), int(cat[2])
		catTrack, catSector = nextTrack, nextSector
	}
	return nil
}

func stripHighBit(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c & 0x7f
	}
	return string(out)
}

func (fs *FileSystem) GetVolDirEntry() entry.FileEntry { return fs.volEntry }

func (fs *FileSystem) ListChildren(dir entry.FileEntry) ([]entry.FileEntry, error) {
	if dir != entry.FileEntry(fs.volEntry) {
		return nil, nil // flat catalog: only the volume entry has children
	}
	out := make([]entry.FileEntry, len(fs.entries))
	for i, e := range fs.entries {
		out[i] = e
	}
	return out, nil
}

func (fs *FileSystem) CreateFile(parent entry.FileEntry, name string, kind entry.Kind) (entry.FileEntry, error) {
	if fs.readOnly {
		return nil, diskerr.InvalidOperationf("dos33: volume is read-only")
	}
	if kind != entry.KindFile {
		return nil, diskerr.InvalidOperationf("dos33: flat catalog has no subdirectories")
	}
	tsTrack, tsSector, err := fs.allocSector()
	if err != nil {
		return nil, err
	}
	var ts [256]byte
	if err := fs.chunk.WriteSector(tsTrack, tsSector, ts[:]); err != nil {
		return nil, diskerr.IOErrorf(err, "dos33: T/S list write failed")
	}
	slot, err := fs.allocCatalogSlot()
	if err != nil {
		return nil, err
	}
	e := &FileEntry{
		fs: fs, name: name, fileType: ftBinary,
		firstTrack: byte(tsTrack), firstSector: byte(tsSector),
		catTrack: slot.track, catSector: slot.sector, entryIndex: slot.index,
	}
	if err := fs.writeCatalogEntry(e, 0); err != nil {
		return nil, err
	}
	fs.entries = append(fs.entries, e)
	return e, nil
}

type catalogSlot struct {
	track, sector, index int
}

// allocCatalogSlot finds the first empty (never-used) catalog slot, walking
// the same chain PrepareFileAccess did.
func (fs *FileSystem) allocCatalogSlot() (catalogSlot, error) {
	var vtoc [256]byte
	if err := fs.chunk.ReadSector(17, 0, vtoc[:]); err != nil {
		return catalogSlot{}, diskerr.IOErrorf(err, "dos33: VTOC read failed")
	}
	track, sector := int(vtoc[0x01]), int(vtoc[0x02])
	for track != 0 {
		var cat [256]byte
		if err := fs.chunk.ReadSector(track, sector, cat[:]); err != nil {
			return catalogSlot{}, diskerr.IOErrorf(err, "dos33: catalog read failed")
		}
		for i := 0; i < 7; i++ {
			if cat[0x0b+i*35] == 0x00 {
				return catalogSlot{track, sector, i}, nil
			}
		}
		track, sector = int(cat[1]), int(cat[2])
	}
	return catalogSlot{}, diskerr.DirectoryFullf("dos33: catalog has no free entry slot")
}

func (fs *FileSystem) writeCatalogEntry(e *FileEntry, sectorsUsed uint16) error {
	var cat [256]byte
	if err := fs.chunk.ReadSector(e.catTrack, e.catSector, cat[:]); err != nil {
		return diskerr.IOErrorf(err, "dos33: catalog read failed")
	}
	off := 0x0b + e.entryIndex*35
	cat[off] = e.firstTrack
	cat[off+1] = e.firstSector
	typeByte := e.fileType
	if e.locked {
		typeByte |= lockedBit
	}
	cat[off+2] = typeByte
	var nameBuf [30]byte
	for i := range nameBuf {
		nameBuf[i] = ' ' | 0x80
	}
	for i := 0; i < len(e.name) && i < 30; i++ {
		nameBuf[i] = e.name[i] | 0x80
	}
	copy(cat[off+3:off+33], nameBuf[:])
	cat[off+0x21] = byte(sectorsUsed)
	cat[off+0x22] = byte(sectorsUsed >> 8)
	return fs.chunk.WriteSector(e.catTrack, e.catSector, cat[:])
}

// allocSector finds a free sector by scanning the VTOC bitmap, marks it
// used and writes the VTOC back at once, so the bitmap change reaches the
// disk before any data is written into the sector.
func (fs *FileSystem) allocSector() (track, sector int, err error) {
	var vtoc [256]byte
	if err := fs.chunk.ReadSector(17, 0, vtoc[:]); err != nil {
		return 0, 0, diskerr.IOErrorf(err, "dos33: VTOC read failed")
	}
	for t := 0; t < fs.tracks; t++ {
		base := 0x38 + t*4
		for s := 0; s < fs.sectors; s++ {
			// Byte base+0 holds sectors 8-15, byte base+1 holds sectors 0-7
			// (DOS 3.3 VTOC free-sector bitmap convention).
			byteIdx, bit := base+1, uint(s)
			if s >= 8 {
				byteIdx, bit = base, uint(s-8)
			}
			if vtoc[byteIdx]&(1<<bit) != 0 {
				vtoc[byteIdx] &^= 1 << bit
				if err := fs.chunk.WriteSector(17, 0, vtoc[:]); err != nil {
					return 0, 0, diskerr.IOErrorf(err, "dos33: VTOC write failed")
				}
				return t, s, nil
			}
		}
	}
	return 0, 0, diskerr.DiskFullf("dos33: no free sector")
}

func (fs *FileSystem) DeleteFile(e entry.FileEntry) error {
	fe, ok := e.(*FileEntry)
	if !ok {
		return diskerr.InvalidArgumentf("dos33: not a DOS 3.3 entry")
	}
	var cat [256]byte
	if err := fs.chunk.ReadSector(fe.catTrack, fe.catSector, cat[:]); err != nil {
		return diskerr.IOErrorf(err, "dos33: catalog read failed")
	}
	off := 0x0b + fe.entryIndex*35
	originalTrack := cat[off]
	cat[off] = 0xff
	cat[off+0x20] = originalTrack
	if err := fs.chunk.WriteSector(fe.catTrack, fe.catSector, cat[:]); err != nil {
		return diskerr.IOErrorf(err, "dos33: catalog write failed")
	}
	for i, e2 := range fs.entries {
		if e2 == fe {
			fs.entries = append(fs.entries[:i], fs.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (fs *FileSystem) MoveFile(e entry.FileEntry, newParent entry.FileEntry, newName string) error {
	fe, ok := e.(*FileEntry)
	if !ok {
		return diskerr.InvalidArgumentf("dos33: not a DOS 3.3 entry")
	}
	fe.name = newName
	return fs.writeCatalogEntry(fe, uint16(fe.sectorsUsed()))
}

func (e *FileEntry) sectorsUsed() int {
	var cat [256]byte
	if err := e.fs.chunk.ReadSector(e.catTrack, e.catSector, cat[:]); err != nil {
		return 0
	}
	off := 0x0b + e.entryIndex*35
	return int(cat[off+0x21]) | int(cat[off+0x22])<<8
}

// dataLength walks the T/S list and applies the 2-byte length prefix /
// zero-terminated text convention to report the logical (non-raw) size.
func (e *FileEntry) dataLength() int64 {
	raw, err := readRawChain(e.fs.chunk, int(e.firstTrack), int(e.firstSector))
	if err != nil || len(raw) < 2 {
		return 0
	}
	switch e.fileType &^ lockedBit {
	case ftApplesoftBasic, ftIntegerBasic, ftBinary:
		n := int(raw[0]) | int(raw[1])<<8
		return int64(n)
	case ftText:
		for i, b := range raw {
			if b == 0 {
				return int64(i)
			}
		}
		return int64(len(raw))
	default:
		return int64(len(raw))
	}
}

// readRawChain concatenates every data sector reachable through a T/S list
// chain, in file order (spec §4.5 "T/S list sectors chain indirectly").
func readRawChain(chunk disk.ChunkAccess, track, sector int) ([]byte, error) {
	var out []byte
	seen := make(map[[2]int]bool)
	for track != 0 || sector != 0 {
		if seen[[2]int{track, sector}] {
			break
		}
		seen[[2]int{track, sector}] = true
		var ts [256]byte
		if err := chunk.ReadSector(track, sector, ts[:]); err != nil {
			return out, diskerr.IOErrorf(err, "dos33: T/S list read failed")
		}
		for i := 0x0c; i+1 < 256; i += 2 {
			dt, ds := int(ts[i]), int(ts[i+1])
			if dt == 0 && ds == 0 {
				continue
			}
			var data [256]byte
			if err := chunk.ReadSector(dt, ds, data[:]); err != nil {
				return out, diskerr.IOErrorf(err, "dos33: data sector read failed")
			}
			out = append(out, data[:]...)
		}
		track, sector = int(ts[1]), int(ts[2])
	}
	return out, nil
}

func (fs *FileSystem) OpenFile(e entry.FileEntry, mode filesystem.OpenMode, part entry.Part) (disk.Stream, error) {
	fe, ok := e.(*FileEntry)
	if !ok {
		return nil, diskerr.InvalidArgumentf("dos33: not a DOS 3.3 entry")
	}
	raw, err := readRawChain(fs.chunk, int(fe.firstTrack), int(fe.firstSector))
	if err != nil {
		return nil, err
	}
	if part == entry.RawData {
		return disk.NewMemoryStream(raw), nil
	}
	n := fe.dataLength()
	skip := int64(0)
	switch fe.fileType &^ lockedBit {
	case ftApplesoftBasic, ftIntegerBasic, ftBinary:
		skip = 2
	}
	if skip+n > int64(len(raw)) {
		n = int64(len(raw)) - skip
	}
	if skip > int64(len(raw)) {
		skip = int64(len(raw))
		n = 0
	}
	return disk.NewMemoryStream(raw[skip : skip+n]), nil
}

// freeSector clears the VTOC bitmap bit for one track/sector (inverse of
// allocSector's bit convention).
func (fs *FileSystem) freeSector(track, sector int) error {
	var vtoc [256]byte
	if err := fs.chunk.ReadSector(17, 0, vtoc[:]); err != nil {
		return diskerr.IOErrorf(err, "dos33: VTOC read failed")
	}
	base := 0x38 + track*4
	byteIdx, bit := base+1, uint(sector)
	if sector >= 8 {
		byteIdx, bit = base, uint(sector-8)
	}
	vtoc[byteIdx] |= 1 << bit
	return fs.chunk.WriteSector(17, 0, vtoc[:])
}

// freeChain frees every T/S-list sector and every data sector it references,
// starting from the given T/S list sector and following the chain through
// every later T/S list sector. DeleteFile does not call it: deleting an
// entry only marks its catalog slot.
func (fs *FileSystem) freeChain(track, sector int) error {
	seen := make(map[[2]int]bool)
	for track != 0 || sector != 0 {
		if seen[[2]int{track, sector}] {
			break
		}
		seen[[2]int{track, sector}] = true
		var ts [256]byte
		if err := fs.chunk.ReadSector(track, sector, ts[:]); err != nil {
			return diskerr.IOErrorf(err, "dos33: T/S list read failed")
		}
		for i := 0x0c; i+1 < 256; i += 2 {
			dt, ds := int(ts[i]), int(ts[i+1])
			if dt == 0 && ds == 0 {
				continue
			}
			if err := fs.freeSector(dt, ds); err != nil {
				return err
			}
		}
		next := [2]int{int(ts[1]), int(ts[2])}
		if err := fs.freeSector(track, sector); err != nil {
			return err
		}
		track, sector = next[0], next[1]
	}
	return nil
}

// WriteFileData implements filesystem.Writer by discarding a file's existing
// T/S-list/data-sector chain and writing a fresh one sized to data, then
// repointing the catalog entry at the new chain (spec §4.6 step 3,
// "disk-image parent: open the filesystem file, truncate, copy in"). Unlike
// ProDOS's seedling-only write-back, DOS 3.3's T/S-list indirection already
// supports arbitrary-length files, so no size ceiling applies here.
func (fs *FileSystem) WriteFileData(e entry.FileEntry, part entry.Part, data []byte) error {
	fe, ok := e.(*FileEntry)
	if !ok {
		return diskerr.InvalidArgumentf("dos33: not a DOS 3.3 entry")
	}
	if part == entry.RsrcFork {
		return diskerr.InvalidOperationf("dos33: entries have no resource fork")
	}

	payload := data
	switch fe.fileType &^ lockedBit {
	case ftApplesoftBasic, ftIntegerBasic, ftBinary:
		prefix := []byte{byte(len(data)), byte(len(data) >> 8)}
		payload = append(prefix, data...)
	}

	const dataPerSector = 256
	const tsEntriesPerSector = 122 // (256-12)/2

	var dataChains [][2]int
	for off := 0; off < len(payload) || (len(payload) == 0 && len(dataChains) == 0); off += dataPerSector {
		dt, ds, err := fs.allocSector()
		if err != nil {
			return err
		}
		var buf [256]byte
		end := off + dataPerSector
		if end > len(payload) {
			end = len(payload)
		}
		copy(buf[:], payload[off:end])
		if err := fs.chunk.WriteSector(dt, ds, buf[:]); err != nil {
			return diskerr.IOErrorf(err, "dos33: data sector write failed")
		}
		dataChains = append(dataChains, [2]int{dt, ds})
		if end >= len(payload) {
			break
		}
	}

	var tsSectors [][2]int
	for i := 0; i < len(dataChains) || i == 0; i += tsEntriesPerSector {
		tt, ts, err := fs.allocSector()
		if err != nil {
			return err
		}
		tsSectors = append(tsSectors, [2]int{tt, ts})
		end := i + tsEntriesPerSector
		if end > len(dataChains) {
			end = len(dataChains)
		}
		var buf [256]byte
		for j, pair := range dataChains[i:end] {
			buf[0x0c+j*2] = byte(pair[0])
			buf[0x0c+j*2+1] = byte(pair[1])
		}
		if err := fs.chunk.WriteSector(tt, ts, buf[:]); err != nil {
			return diskerr.IOErrorf(err, "dos33: T/S list write failed")
		}
		if end >= len(dataChains) {
			break
		}
	}
	for i := 0; i < len(tsSectors); i++ {
		var buf [256]byte
		if err := fs.chunk.ReadSector(tsSectors[i][0], tsSectors[i][1], buf[:]); err != nil {
			return diskerr.IOErrorf(err, "dos33: T/S list re-read failed")
		}
		if i+1 < len(tsSectors) {
			buf[1] = byte(tsSectors[i+1][0])
			buf[2] = byte(tsSectors[i+1][1])
		}
		if err := fs.chunk.WriteSector(tsSectors[i][0], tsSectors[i][1], buf[:]); err != nil {
			return diskerr.IOErrorf(err, "dos33: T/S list link write failed")
		}
	}

	if err := fs.freeChain(int(fe.firstTrack), int(fe.firstSector)); err != nil {
		return err
	}

	fe.firstTrack, fe.firstSector = byte(tsSectors[0][0]), byte(tsSectors[0][1])
	sectorsUsed := len(dataChains) + len(tsSectors)
	return fs.writeCatalogEntry(fe, uint16(sectorsUsed))
}

func (fs *FileSystem) Flush() error { return nil }
func (fs *FileSystem) Close() error { return nil }

func (fs *FileSystem) RawAccess() disk.ChunkAccess { return fs.chunk }
func (fs *FileSystem) Notes() []string             { return fs.notes }
func (fs *FileSystem) Capabilities() entry.Capabilities {
	return entry.Capabilities{ProDOSTypes: false, HFSTypes: false, ResourceForks: false, Timestamps: false, Comments: false}
}
