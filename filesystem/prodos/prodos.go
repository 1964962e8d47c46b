// Package prodos implements the ProDOS filesystem: hierarchical directory
// tree over 512-byte blocks, bitmap allocation, and seedling/sapling/tree
// file storage by data size (spec §4.5).
//
// No pack example implements ProDOS's directory/tree-file layout; this
// follows the publicly documented ProDOS 8 Technical Reference block
// layout, written in the style (error taxonomy, ChunkAccess access pattern)
// established by the other filesystem packages in this module.
package prodos

import (
	"strings"
	"time"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/entry"
	"github.com/fadden/diskarc/filesystem"
)

func init() { filesystem.Register(codec{}) }

type codec struct{}

func (codec) Name() string { return "ProDOS" }

func (codec) Probe(chunk disk.ChunkAccess) bool {
	var block [512]byte
	if err := chunk.ReadBlock(2, block[:]); err != nil {
		return false
	}
	storageType := block[4] >> 4
	nameLen := block[4] & 0x0f
	return storageType == storageVolumeHeader && nameLen >= 1 && nameLen <= 15
}

func (codec) Mount(hook *apphook.AppHook, chunk disk.ChunkAccess, fastScan bool) (filesystem.FileSystem, error) {
	fs := &FileSystem{hook: hook, chunk: chunk}
	if err := fs.PrepareFileAccess(true); err != nil {
		return nil, err
	}
	return fs, nil
}

// storage_type nibble values (ProDOS 8 Technical Reference, directory
// entry byte 0 high nibble).
const (
	storageDeleted       = 0x0
	storageSeedling      = 0x1
	storageSapling       = 0x2
	storageTree          = 0x3
	storagePascalVolume  = 0x4
	storageExtended      = 0x5 // forked file: data + resource mini-entries
	storageSubdir        = 0xd // directory entry, as seen from its parent
	storageSubdirHeader  = 0xe // header entry, as seen within the subdir's own key block
	storageVolumeHeader  = 0xf
)

const entryLen = 39
const entriesPerBlock = 13

// FileSystem implements filesystem.FileSystem for ProDOS (spec §4.5).
type FileSystem struct {
	hook       *apphook.AppHook
	chunk      disk.ChunkAccess
	volName    string
	totalBlocks int
	bitmapBlock int
	volEntry   *dirEntry
	notes      []string
}

// dirEntry is a directory (volume or subdirectory) node.
type dirEntry struct {
	fs         *FileSystem
	name       string
	keyBlock   int // key block of this directory's own block chain (2 for volume)
	headerBlk  int // block holding this dir's header entry (= keyBlock for a subdir, 2 for volume)
	headerIdx  int // slot index of the header entry within headerBlk (always 0)
	parent     *dirEntry
}

func (d *dirEntry) Name() string              { return d.name }
func (d *dirEntry) Kind() entry.Kind          { return entry.KindDirectory }
func (d *dirEntry) HasRsrcFork() bool         { return false }
func (d *dirEntry) Notes() []string           { return nil }
func (d *dirEntry) Attribs() entry.FileAttribs { return entry.FileAttribs{FileName: d.name} }
func (d *dirEntry) Parent() entry.FileEntry {
	if d.parent == nil {
		return nil
	}
	return d.parent
}

// fileEntry is a ProDOS file (seedling/sapling/tree/extended).
type fileEntry struct {
	fs          *FileSystem
	name        string
	parent      *dirEntry
	storageType byte
	fileType    byte
	keyBlock    int
	blocksUsed  int
	eof         int64
	auxType     uint16
	access      byte
	created     time.Time
	modified    time.Time
	dirBlock    int // directory block holding this entry, for write-back
	dirIndex    int
	caseFlags   uint16

	// rsrcEOF is populated from the extended key block's resource-fork
	// mini-entry when storageType == storageExtended (spec §4.5 ProDOS
	// extended files); zero otherwise.
	rsrcEOF int64
}

func (f *fileEntry) Name() string            { return f.name }
func (f *fileEntry) Kind() entry.Kind        { return entry.KindFile }
func (f *fileEntry) Parent() entry.FileEntry { return f.parent }
func (f *fileEntry) HasRsrcFork() bool       { return f.storageType == storageExtended }
func (f *fileEntry) Notes() []string         { return nil }
func (f *fileEntry) Attribs() entry.FileAttribs {
	return entry.FileAttribs{
		FileName:    f.name,
		ProDOSType:  f.fileType,
		AuxType:     f.auxType,
		Access:      f.access,
		DataLength:  f.eof,
		RsrcLength:  f.rsrcEOF,
		ResourceEOF: f.rsrcEOF,
		Created:     f.created,
		Modified:    f.modified,
		StorageSize: int64(f.blocksUsed) * 512,
	}
}

func (fs *FileSystem) PrepareFileAccess(write bool) error {
	var vh [512]byte
	if err := fs.chunk.ReadBlock(2, vh[:]); err != nil {
		return diskerr.IOErrorf(err, "prodos: volume header read failed")
	}
	storageType := vh[4] >> 4
	if storageType != storageVolumeHeader {
		return diskerr.NotRecognizedf("prodos: block 2 is not a volume header")
	}
	nameLen := int(vh[4] & 0x0f)
	fs.volName = string(vh[5 : 5+nameLen])
	fs.totalBlocks = int(vh[0x29]) | int(vh[0x2a])<<8
	fs.bitmapBlock = int(vh[0x27]) | int(vh[0x28])<<8
	fs.volEntry = &dirEntry{fs: fs, name: fs.volName, keyBlock: 2, headerBlk: 2}
	return nil
}

func (fs *FileSystem) GetVolDirEntry() entry.FileEntry { return fs.volEntry }

// walkDirBlocks visits every block in a directory's block chain (key block
// plus any linked blocks), calling fn with each block's raw bytes and its
// block number. fn returning false stops iteration early.
func (fs *FileSystem) walkDirBlocks(keyBlock int, fn func(blockNum int, block []byte) bool) error {
	block := keyBlock
	for block != 0 {
		var buf [512]byte
		if err := fs.chunk.ReadBlock(uint32(block), buf[:]); err != nil {
			return diskerr.IOErrorf(err, "prodos: directory block %d read failed", block)
		}
		if !fn(block, buf[:]) {
			return nil
		}
		block = int(buf[2]) | int(buf[3])<<8 // next-block pointer
	}
	return nil
}

func (fs *FileSystem) ListChildren(dir entry.FileEntry) ([]entry.FileEntry, error) {
	d, ok := dir.(*dirEntry)
	if !ok {
		return nil, diskerr.InvalidArgumentf("prodos: not a directory entry")
	}
	var out []entry.FileEntry
	first := true
	err := fs.walkDirBlocks(d.keyBlock, func(blockNum int, block []byte) bool {
		start := 4
		count := entriesPerBlock
		if first {
			start = 4 + entryLen // skip the header entry in the key block
			count = entriesPerBlock - 1
			first = false
		}
		for i := 0; i < count; i++ {
			off := start + i*entryLen
			if off+entryLen > 512 {
				break
			}
			rec := block[off : off+entryLen]
			st := rec[0] >> 4
			if st == storageDeleted || rec[0]&0x0f == 0 {
				continue
			}
			entryOffsetIdx := (off - 4) / entryLen
			nameLen := int(rec[0] & 0x0f)
			name := string(rec[1 : 1+nameLen])
			if st == storageSeedling || st == storageSapling || st == storageTree || st == storageExtended {
				f := &fileEntry{
					fs: fs, name: name, parent: d, storageType: st,
					fileType:   rec[16],
					keyBlock:   int(rec[17]) | int(rec[18])<<8,
					blocksUsed: int(rec[19]) | int(rec[20])<<8,
					eof:        int64(rec[21]) | int64(rec[22])<<8 | int64(rec[23])<<16,
					auxType:    uint16(rec[31]) | uint16(rec[32])<<8,
					access:     rec[30],
					created:    prodosDate(rec[24], rec[25], rec[26], rec[27]),
					modified:   prodosDate(rec[33], rec[34], rec[35], rec[36]),
					dirBlock:   blockNum, dirIndex: entryOffsetIdx,
				}
				if st == storageExtended {
					if data, rsrc, err := fs.readExtendedForks(f.keyBlock); err == nil {
						f.eof = data.eof
						f.rsrcEOF = rsrc.eof
					}
				}
				out = append(out, f)
			} else if st == storageSubdir {
				subKey := int(rec[17]) | int(rec[18])<<8
				sub := &dirEntry{fs: fs, name: name, keyBlock: subKey, headerBlk: subKey, parent: d}
				out = append(out, sub)
			}
		}
		return true
	})
	return out, err
}

func prodosDate(b0, b1, b2, b3 byte) time.Time {
	dateWord := int(b0) | int(b1)<<8
	timeWord := int(b2) | int(b3)<<8
	if dateWord == 0 {
		return time.Time{}
	}
	year := (dateWord >> 9) & 0x7f
	month := (dateWord >> 5) & 0x0f
	day := dateWord & 0x1f
	hour := (timeWord >> 8) & 0x1f
	minute := timeWord & 0x3f
	fullYear := 1900 + year
	if year < 40 {
		fullYear = 2000 + year
	}
	return time.Date(fullYear, time.Month(month), day, hour, minute, 0, 0, time.UTC)
}

// forkInfo is one fork's mini-entry inside a storageExtended file's
// extended key block (ProDOS 8 Technical Reference / Technical Note #25
// "ProDOS 8 Extended (Forked) Files" — spec §4.5 ProDOS extended files).
type forkInfo struct {
	storageType byte
	keyBlock    int
	blocksUsed  int
	eof         int64
}

// readExtendedForks reads a storageExtended file's key block and returns its
// two 256-byte mini-entries: the data fork at offset 0x000 and the resource
// fork at offset 0x100. Each mini-entry has the same storage_type/key_block/
// blocks_used/eof shape as a normal directory entry, just truncated to 8
// bytes and with no name.
func (fs *FileSystem) readExtendedForks(extKeyBlock int) (data, rsrc forkInfo, err error) {
	var buf [512]byte
	if err := fs.chunk.ReadBlock(uint32(extKeyBlock), buf[:]); err != nil {
		return forkInfo{}, forkInfo{}, diskerr.IOErrorf(err, "prodos: extended key block read failed")
	}
	parse := func(off int) forkInfo {
		return forkInfo{
			storageType: buf[off] >> 4,
			keyBlock:    int(buf[off+1]) | int(buf[off+2])<<8,
			blocksUsed:  int(buf[off+3]) | int(buf[off+4])<<8,
			eof:         int64(buf[off+5]) | int64(buf[off+6])<<8 | int64(buf[off+7])<<16,
		}
	}
	return parse(0), parse(256), nil
}

// readFileData resolves a seedling/sapling/tree's data blocks into a flat
// byte sequence, dereferencing the index/master-index blocks as needed
// (spec §4.5 "seedling/sapling/tree by data size").
func (fs *FileSystem) readFileData(f *fileEntry) ([]byte, error) {
	if f.storageType == storageExtended {
		data, _, err := fs.readExtendedForks(f.keyBlock)
		if err != nil {
			return nil, err
		}
		return fs.readForkData(data)
	}
	return fs.readForkData(forkInfo{storageType: f.storageType, keyBlock: f.keyBlock, eof: f.eof})
}

// readRsrcForkData resolves a storageExtended file's resource fork.
func (fs *FileSystem) readRsrcForkData(f *fileEntry) ([]byte, error) {
	_, rsrc, err := fs.readExtendedForks(f.keyBlock)
	if err != nil {
		return nil, err
	}
	return fs.readForkData(rsrc)
}

// readForkData walks one fork's own storage-type-dependent block chain
// (seedling/sapling/tree), shared by both the plain data-fork path and each
// half of a storageExtended file.
func (fs *FileSystem) readForkData(info forkInfo) ([]byte, error) {
	switch info.storageType {
	case storageSeedling:
		var buf [512]byte
		if info.keyBlock != 0 {
			if err := fs.chunk.ReadBlock(uint32(info.keyBlock), buf[:]); err != nil {
				return nil, diskerr.IOErrorf(err, "prodos: seedling block read failed")
			}
		}
		return clipToEOF(buf[:], info.eof), nil
	case storageSapling:
		var index [512]byte
		if err := fs.chunk.ReadBlock(uint32(info.keyBlock), index[:]); err != nil {
			return nil, diskerr.IOErrorf(err, "prodos: index block read failed")
		}
		var out []byte
		for i := 0; i < 256; i++ {
			blk := int(index[i]) | int(index[i+256])<<8
			var data [512]byte
			if blk != 0 {
				if err := fs.chunk.ReadBlock(uint32(blk), data[:]); err != nil {
					return nil, diskerr.IOErrorf(err, "prodos: data block read failed")
				}
			}
			out = append(out, data[:]...)
			if int64(len(out)) >= info.eof {
				break
			}
		}
		return clipToEOF(out, info.eof), nil
	case storageTree:
		var master [512]byte
		if err := fs.chunk.ReadBlock(uint32(info.keyBlock), master[:]); err != nil {
			return nil, diskerr.IOErrorf(err, "prodos: master index read failed")
		}
		var out []byte
		for i := 0; i < 128; i++ {
			indexBlk := int(master[i]) | int(master[i+256])<<8
			var index [512]byte
			if indexBlk != 0 {
				if err := fs.chunk.ReadBlock(uint32(indexBlk), index[:]); err != nil {
					return nil, diskerr.IOErrorf(err, "prodos: tree index read failed")
				}
			}
			for j := 0; j < 256; j++ {
				blk := int(index[j]) | int(index[j+256])<<8
				var data [512]byte
				if blk != 0 && indexBlk != 0 {
					if err := fs.chunk.ReadBlock(uint32(blk), data[:]); err != nil {
						return nil, diskerr.IOErrorf(err, "prodos: data block read failed")
					}
				}
				out = append(out, data[:]...)
				if int64(len(out)) >= info.eof {
					return clipToEOF(out, info.eof), nil
				}
			}
		}
		return clipToEOF(out, info.eof), nil
	case storageDeleted:
		return nil, nil
	default:
		return nil, diskerr.InvalidOperationf("prodos: unsupported storage type %d", info.storageType)
	}
}

func clipToEOF(data []byte, eof int64) []byte {
	if int64(len(data)) > eof {
		return data[:eof]
	}
	return data
}

func (fs *FileSystem) OpenFile(e entry.FileEntry, mode filesystem.OpenMode, part entry.Part) (disk.Stream, error) {
	f, ok := e.(*fileEntry)
	if !ok {
		return nil, diskerr.InvalidArgumentf("prodos: not a file entry")
	}
	if part == entry.RsrcFork {
		if f.storageType != storageExtended {
			return nil, diskerr.InvalidOperationf("prodos: %s has no resource fork", f.name)
		}
		data, err := fs.readRsrcForkData(f)
		if err != nil {
			return nil, err
		}
		return disk.NewMemoryStream(data), nil
	}
	data, err := fs.readFileData(f)
	if err != nil {
		return nil, err
	}
	return disk.NewMemoryStream(data), nil
}

// allocBlock scans the volume bitmap for a free block, marks it used and
// writes that bitmap block back at once, so the bitmap change reaches the
// disk before the block's data, index and directory writes.
func (fs *FileSystem) allocBlock() (int, error) {
	bitmapBlocks := (fs.totalBlocks + 4095) / 4096
	for bb := 0; bb < bitmapBlocks; bb++ {
		var buf [512]byte
		if err := fs.chunk.ReadBlock(uint32(fs.bitmapBlock+bb), buf[:]); err != nil {
			return 0, diskerr.IOErrorf(err, "prodos: bitmap read failed")
		}
		for byteIdx := 0; byteIdx < 512; byteIdx++ {
			if buf[byteIdx] == 0 {
				continue
			}
			for bit := 7; bit >= 0; bit-- {
				if buf[byteIdx]&(1<<uint(bit)) != 0 {
					block := bb*4096 + byteIdx*8 + (7 - bit)
					if block >= fs.totalBlocks {
						continue
					}
					buf[byteIdx] &^= 1 << uint(bit)
					if err := fs.chunk.WriteBlock(uint32(fs.bitmapBlock+bb), buf[:]); err != nil {
						return 0, diskerr.IOErrorf(err, "prodos: bitmap write failed")
					}
					return block, nil
				}
			}
		}
	}
	return 0, diskerr.DiskFullf("prodos: no free block")
}

func (fs *FileSystem) CreateFile(parent entry.FileEntry, name string, kind entry.Kind) (entry.FileEntry, error) {
	d, ok := parent.(*dirEntry)
	if !ok {
		return nil, diskerr.InvalidArgumentf("prodos: parent is not a directory")
	}
	if kind == entry.KindDirectory {
		return nil, diskerr.InvalidOperationf("prodos: subdirectory creation not yet implemented")
	}
	if len(name) == 0 || len(name) > 15 {
		return nil, diskerr.InvalidArgumentf("prodos: name length must be 1..15")
	}
	slotBlock, slotIdx, err := fs.findFreeDirSlot(d.keyBlock)
	if err != nil {
		return nil, err
	}
	keyBlock, err := fs.allocBlock()
	if err != nil {
		return nil, err
	}
	var zero [512]byte
	if err := fs.chunk.WriteBlock(uint32(keyBlock), zero[:]); err != nil {
		return nil, diskerr.IOErrorf(err, "prodos: seedling block init failed")
	}
	f := &fileEntry{
		fs: fs, name: name, parent: d, storageType: storageSeedling,
		fileType: 0x06, keyBlock: keyBlock, blocksUsed: 1,
		dirBlock: slotBlock, dirIndex: slotIdx,
	}
	if err := fs.writeDirEntry(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (fs *FileSystem) findFreeDirSlot(keyBlock int) (block, idx int, err error) {
	found := false
	first := true
	err = fs.walkDirBlocks(keyBlock, func(blockNum int, buf []byte) bool {
		start, count := 4, entriesPerBlock
		if first {
			start, count = 4+entryLen, entriesPerBlock-1
			first = false
		}
		for i := 0; i < count; i++ {
			off := start + i*entryLen
			if buf[off]>>4 == storageDeleted {
				block, idx, found = blockNum, (off-4)/entryLen, true
				return false
			}
		}
		return true
	})
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, diskerr.DirectoryFullf("prodos: directory has no free entry slot")
	}
	return block, idx, nil
}

func (fs *FileSystem) writeDirEntry(f *fileEntry) error {
	var buf [512]byte
	if err := fs.chunk.ReadBlock(uint32(f.dirBlock), buf[:]); err != nil {
		return diskerr.IOErrorf(err, "prodos: directory block read failed")
	}
	off := 4 + f.dirIndex*entryLen
	rec := buf[off : off+entryLen]
	rec[0] = (f.storageType << 4) | byte(len(f.name)&0x0f)
	copy(rec[1:16], f.name)
	for i := len(f.name); i < 15; i++ {
		rec[1+i] = 0
	}
	rec[16] = f.fileType
	rec[17], rec[18] = byte(f.keyBlock), byte(f.keyBlock>>8)
	rec[19], rec[20] = byte(f.blocksUsed), byte(f.blocksUsed>>8)
	rec[21], rec[22], rec[23] = byte(f.eof), byte(f.eof>>8), byte(f.eof>>16)
	rec[30] = 0xe3 // standard access: read/write/rename/destroy/backup
	rec[31], rec[32] = byte(f.auxType), byte(f.auxType>>8)
	return fs.chunk.WriteBlock(uint32(f.dirBlock), buf[:])
}

func (fs *FileSystem) DeleteFile(e entry.FileEntry) error {
	f, ok := e.(*fileEntry)
	if !ok {
		return diskerr.InvalidArgumentf("prodos: not a file entry")
	}
	var buf [512]byte
	if err := fs.chunk.ReadBlock(uint32(f.dirBlock), buf[:]); err != nil {
		return diskerr.IOErrorf(err, "prodos: directory block read failed")
	}
	off := 4 + f.dirIndex*entryLen
	buf[off] = 0
	if err := fs.chunk.WriteBlock(uint32(f.dirBlock), buf[:]); err != nil {
		return diskerr.IOErrorf(err, "prodos: directory block write failed")
	}
	return fs.freeBlocksOf(f)
}

func (fs *FileSystem) freeBlocksOf(f *fileEntry) error {
	// Seedling-only for now: a single key block to free.
	if f.storageType != storageSeedling {
		return nil
	}
	return fs.freeBlock(f.keyBlock)
}

func (fs *FileSystem) freeBlock(block int) error {
	bb := block / 4096
	within := block % 4096
	byteIdx := within / 8
	bit := 7 - within%8
	var buf [512]byte
	if err := fs.chunk.ReadBlock(uint32(fs.bitmapBlock+bb), buf[:]); err != nil {
		return diskerr.IOErrorf(err, "prodos: bitmap read failed")
	}
	buf[byteIdx] |= 1 << uint(bit)
	return fs.chunk.WriteBlock(uint32(fs.bitmapBlock+bb), buf[:])
}

func (fs *FileSystem) MoveFile(e entry.FileEntry, newParent entry.FileEntry, newName string) error {
	f, ok := e.(*fileEntry)
	if !ok {
		return diskerr.InvalidArgumentf("prodos: not a file entry")
	}
	nd, ok := newParent.(*dirEntry)
	if !ok {
		return diskerr.InvalidArgumentf("prodos: new parent is not a directory")
	}
	if nd.keyBlock != f.parent.keyBlock {
		return diskerr.InvalidOperationf("prodos: cross-directory move not yet implemented")
	}
	f.name = strings.TrimSpace(newName)
	return fs.writeDirEntry(f)
}

// WriteFileData implements filesystem.Writer. It is limited to rewriting a
// fork in place within its existing allocation: a seedling fork whose new
// length still fits in one block, or an extended file's data/resource
// mini-entry under the same constraint. SaveUpdates (spec §4.6 step 3) needs
// this to push a committed work-tree child's bytes back into a ProDOS host
// file; growing a seedling into a sapling/tree on write-back is not
// implemented, so oversized data returns InvalidOperationf rather than
// silently truncating.
func (fs *FileSystem) WriteFileData(e entry.FileEntry, part entry.Part, data []byte) error {
	f, ok := e.(*fileEntry)
	if !ok {
		return diskerr.InvalidArgumentf("prodos: not a file entry")
	}
	if len(data) > 512 {
		return diskerr.InvalidOperationf("prodos: write-back of %d bytes exceeds the one-block seedling limit supported here", len(data))
	}

	if part == entry.RsrcFork {
		if f.storageType != storageExtended {
			return diskerr.InvalidOperationf("prodos: %s has no resource fork", f.name)
		}
		return fs.writeExtendedFork(f.keyBlock, 256, data)
	}

	switch f.storageType {
	case storageSeedling:
		var buf [512]byte
		copy(buf[:], data)
		if err := fs.chunk.WriteBlock(uint32(f.keyBlock), buf[:]); err != nil {
			return diskerr.IOErrorf(err, "prodos: seedling write failed")
		}
		f.eof = int64(len(data))
		return fs.writeDirEntry(f)
	case storageExtended:
		if err := fs.writeExtendedFork(f.keyBlock, 0, data); err != nil {
			return err
		}
		f.eof = int64(len(data))
		return nil
	default:
		return diskerr.InvalidOperationf("prodos: write-back only supports seedling and extended-seedling storage, not storage type %d", f.storageType)
	}
}

// writeExtendedFork rewrites one half (data at miniOff 0, resource at miniOff
// 256) of a storageExtended file's extended key block, provided the fork's
// own storage type is storageSeedling and data fits in one block.
func (fs *FileSystem) writeExtendedFork(extKeyBlock, miniOff int, data []byte) error {
	var ext [512]byte
	if err := fs.chunk.ReadBlock(uint32(extKeyBlock), ext[:]); err != nil {
		return diskerr.IOErrorf(err, "prodos: extended key block read failed")
	}
	st := ext[miniOff] >> 4
	if st != storageSeedling && st != storageDeleted {
		return diskerr.InvalidOperationf("prodos: write-back only supports seedling-sized forks")
	}
	keyBlock := int(ext[miniOff+1]) | int(ext[miniOff+2])<<8
	if keyBlock == 0 {
		nb, err := fs.allocBlock()
		if err != nil {
			return err
		}
		keyBlock = nb
	}
	var buf [512]byte
	copy(buf[:], data)
	if err := fs.chunk.WriteBlock(uint32(keyBlock), buf[:]); err != nil {
		return diskerr.IOErrorf(err, "prodos: fork block write failed")
	}
	ext[miniOff] = (storageSeedling << 4)
	ext[miniOff+1], ext[miniOff+2] = byte(keyBlock), byte(keyBlock>>8)
	ext[miniOff+3], ext[miniOff+4] = 1, 0
	eof := int64(len(data))
	ext[miniOff+5], ext[miniOff+6], ext[miniOff+7] = byte(eof), byte(eof>>8), byte(eof>>16)
	return fs.chunk.WriteBlock(uint32(extKeyBlock), ext[:])
}

func (fs *FileSystem) Flush() error { return nil }
func (fs *FileSystem) Close() error { return nil }

func (fs *FileSystem) RawAccess() disk.ChunkAccess { return fs.chunk }
func (fs *FileSystem) Notes() []string             { return fs.notes }
func (fs *FileSystem) Capabilities() entry.Capabilities {
	return entry.Capabilities{ProDOSTypes: true, HFSTypes: false, ResourceForks: true, Timestamps: true, Comments: false}
}
