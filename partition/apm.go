package partition

import (
	"cmp"
	"encoding/binary"
	"slices"
	"strconv"
	"strings"

	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
)

// apmParser implements the Apple Partition Map family (spec §4.4
// "Map-based"): a driver descriptor map block followed by a run of 512-byte
// partition-map entries, each self-describing its own entry count.
type apmParser struct{}

func init() { register(apmParser{}) }

func (apmParser) Kind() Kind { return KindAPM }

func (apmParser) TryParse(chunk disk.ChunkAccess) (*Map, error) {
	r := disk.AsReaderAt(chunk)

	var ddm [514]byte
	n, _ := r.ReadAt(ddm[:], 0)
	if n < 514 || ddm[0] != 'E' || ddm[1] != 'R' {
		return nil, diskerr.NotRecognizedf("apm: missing driver descriptor map signature")
	}

	sbBlkSize := binary.BigEndian.Uint16(ddm[2:])

	// Some CDs carry "shadow maps" for ROMs that assumed 512-byte sectors
	// even on 2048-byte media; detect the shadow signature at offset 512.
	mapEntryStep := int64(sbBlkSize)
	if ddm[512] == 'P' && ddm[513] == 'M' {
		mapEntryStep = 512
	}

	var first [8]byte
	n, _ = r.ReadAt(first[:], mapEntryStep)
	if n < 8 || first[0] != 'P' || first[1] != 'M' {
		return nil, diskerr.Corruptf("apm: corrupt partition map entry 0")
	}
	count := int64(binary.BigEndian.Uint32(first[4:8]))
	if count <= 0 || count > 4096 {
		return nil, diskerr.Corruptf("apm: implausible partition count %d", count)
	}

	raw := make([]byte, count*mapEntryStep)
	if n, _ := r.ReadAt(raw, mapEntryStep); int64(n) != int64(len(raw)) {
		return nil, diskerr.Corruptf("apm: truncated partition map")
	}

	var entries [][]byte
	for i := int64(0); i < count; i++ {
		ent := raw[i*mapEntryStep:][:512]
		if ent[0] != 'P' || ent[1] != 'M' {
			return nil, diskerr.Corruptf("apm: corrupt partition map entry %d", i)
		}
		entries = append(entries, ent)
	}

	// Entries are self-numbered (pmMapBlkCnt at each slot's own position)
	// but not guaranteed physically contiguous; sort by start block.
	slices.SortStableFunc(entries, func(a, b []byte) int {
		return cmp.Compare(binary.BigEndian.Uint32(a[8:]), binary.BigEndian.Uint32(b[8:]))
	})

	result := &Map{Kind: KindAPM}
	ofEach := make(map[string]int)
	for _, ent := range entries {
		pmPyPartStart := binary.BigEndian.Uint32(ent[8:])
		pmPartBlkCnt := binary.BigEndian.Uint32(ent[12:])
		pmPartName, _, _ := strings.Cut(string(ent[16:48]), "\x00")
		pmParType, _, _ := strings.Cut(string(ent[48:80]), "\x00")

		label := pmPartName
		if label == "" {
			kind := strings.ToLower(strings.TrimPrefix(pmParType, "Apple_"))
			ofEach[kind]++
			label = kind + "-" + strconv.Itoa(ofEach[kind])
		}

		startByte := int64(mapEntryStep) * int64(pmPyPartStart)
		length := int64(mapEntryStep) * int64(pmPartBlkCnt)
		baseBlock := uint32(startByte / 512)
		numBlocks := uint32(length / 512)

		result.Partitions = append(result.Partitions, Partition{
			Name:      label,
			TypeStr:   pmParType,
			StartByte: startByte,
			Length:    length,
			Chunk:     disk.NewSubChunkAccess(chunk, baseBlock, numBlocks, disk.OrderProDOS),
		})
	}
	return result, nil
}
