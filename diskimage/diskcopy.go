package diskimage

import (
	"encoding/binary"

	"github.com/fadden/diskarc/apphook"
	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
	"github.com/fadden/diskarc/format"
)

// diskCopyCodec implements Apple's DiskCopy 4.2 format: read-only, a
// 84-byte big-endian header (name as a Pascal string) with a checksummed
// payload (spec §4.2, §6).
type diskCopyCodec struct{}

func init() { register(diskCopyCodec{}) }

func (diskCopyCodec) Kind() format.Kind { return format.KindDiskCopy }

const diskCopyHeaderLen = 84

// DiskCopy 4.2 header field offsets, big-endian.
const (
	dcName        = 0  // Pascal string, 1-byte length + up to 63 bytes
	dcDataSize    = 64 // uint32
	dcTagSize     = 68 // uint32
	dcDataCksum   = 72 // uint32
	dcTagCksum    = 76 // uint32
	dcFormat      = 80 // byte: 0=400K, 1=800K, 2=720K FAT, 3=1440K FAT
	dcFmtByte     = 81 // byte
	dcPrivateWord = 82 // uint16, must be 0x0100
)

func (diskCopyCodec) Probe(stream disk.Stream, extHint string) format.Probe {
	var hdr [diskCopyHeaderLen]byte
	n, err := stream.ReadAt(hdr[:], 0)
	if err != nil || n < diskCopyHeaderLen {
		return format.Probe{Kind: format.KindDiskCopy, Verdict: format.No}
	}
	nameLen := int(hdr[dcName])
	if nameLen > 63 {
		return format.Probe{Kind: format.KindDiskCopy, Verdict: format.No}
	}
	if binary.BigEndian.Uint16(hdr[dcPrivateWord:]) != 0x0100 {
		return format.Probe{Kind: format.KindDiskCopy, Verdict: format.No}
	}
	dataSize := binary.BigEndian.Uint32(hdr[dcDataSize:])
	total, _ := stream.Len()
	if int64(diskCopyHeaderLen)+int64(dataSize) > total {
		return format.Probe{Kind: format.KindDiskCopy, Verdict: format.No}
	}
	return format.Probe{Kind: format.KindDiskCopy, Verdict: format.Yes}
}

func (d diskCopyCodec) Open(hook *apphook.AppHook, stream disk.Stream, hint format.OrderHint) (*DiskImage, error) {
	p := d.Probe(stream, "")
	if p.Verdict == format.No {
		return nil, diskerr.NotRecognizedf("diskcopy: bad header")
	}
	var hdr [diskCopyHeaderLen]byte
	if _, err := stream.ReadAt(hdr[:], 0); err != nil {
		return nil, diskerr.IOErrorf(err, "diskcopy: header read failed")
	}
	nameLen := int(hdr[dcName])
	name := string(hdr[dcName+1 : dcName+1+nameLen])
	dataSize := binary.BigEndian.Uint32(hdr[dcDataSize:])

	payload := disk.NewSubStream(stream, diskCopyHeaderLen, int64(dataSize))
	tracks := 0
	if dataSize == size140K {
		tracks = 35
	}
	chunk := disk.NewStdChunkAccess(payload, disk.OrderProDOS, tracks)
	chunk.SetAccessLevel(disk.AccessReadOnly) // DiskCopy 4.2 support is read-only (spec §4.2)

	hook.Logf("L1", "opened DiskCopy 4.2 image", "name", name, "dataSize", dataSize)
	return &DiskImage{
		Kind:   format.KindDiskCopy,
		Stream: stream,
		Chunk:  chunk,
		State:  Analyzed,
		Meta:   map[string]string{"name": name},
	}, nil
}

func (diskCopyCodec) Create(hook *apphook.AppHook, stream disk.Stream, numBlocks uint32) (*DiskImage, error) {
	return nil, diskerr.InvalidOperationf("diskcopy: format is read-only, cannot create")
}
