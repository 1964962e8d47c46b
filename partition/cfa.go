package partition

import (
	"fmt"

	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
)

// cfaParser implements CFFA-card partitioning (spec §4.4 "Map-based"): a
// CFFA card has no partition-map signature of its own — it simply slices the
// card's block space into N equal-ish partitions, where N is one of three
// historical variants (4, 6, or 8). Detection is by trial-parse: split the
// image N ways and check whether each slice's first blocks look like a
// recognizable ProDOS or HFS volume header (spec §4.4, §9 "CFFA variant
// auto-detection is heuristic").
type cfaParser struct{}

func init() { register(cfaParser{}) }

func (cfaParser) Kind() Kind { return KindCFFA }

var cfaVariants = []int{8, 6, 4}

func (cfaParser) TryParse(chunk disk.ChunkAccess) (*Map, error) {
	total := chunk.NumBlocks()
	if total == 0 {
		return nil, diskerr.NotRecognizedf("cfa: empty image")
	}

	var best *Map
	var alternatives []string
	for _, variant := range cfaVariants {
		partLen := total / uint32(variant)
		if partLen == 0 {
			continue
		}
		hits := 0
		var partitions []Partition
		for i := 0; i < variant; i++ {
			base := uint32(i) * partLen
			length := partLen
			if i == variant-1 {
				length = total - base // last partition absorbs remainder
			}
			sub := disk.NewSubChunkAccess(chunk, base, length, disk.OrderProDOS)
			kind := "unknown"
			switch {
			case looksLikeProDOSVolumeDir(sub):
				kind = "prodos"
				hits++
			case looksLikeHFSMDB(sub):
				kind = "hfs"
				hits++
			}
			partitions = append(partitions, Partition{
				Name:      fmt.Sprintf("cfa-%d-%d", variant, i),
				TypeStr:   kind,
				StartByte: int64(base) * 512,
				Length:    int64(length) * 512,
				Chunk:     sub,
			})
		}
		if hits == 0 {
			continue
		}
		if best == nil {
			best = &Map{Kind: KindCFFA, Partitions: partitions}
		} else {
			alternatives = append(alternatives, fmt.Sprintf("%d-partition variant also validates (%d/%d recognized)", variant, hits, variant))
		}
	}
	if best == nil {
		return nil, diskerr.NotRecognizedf("cfa: no partition-count variant validated")
	}
	best.Notes = alternatives
	return best, nil
}

// looksLikeProDOSVolumeDir checks block 2 for a plausible ProDOS volume
// directory key block: storage_type nibble 0xF (volume header) in the first
// directory entry.
func looksLikeProDOSVolumeDir(chunk disk.ChunkAccess) bool {
	var buf [512]byte
	if err := chunk.ReadBlock(2, buf[:]); err != nil {
		return false
	}
	storageType := buf[4] >> 4
	nameLen := buf[4] & 0x0f
	return storageType == 0x0f && nameLen >= 1 && nameLen <= 15
}

// looksLikeHFSMDB checks block 2 for the HFS Master Directory Block
// signature ('BD', 0x4244) at its first two bytes.
func looksLikeHFSMDB(chunk disk.ChunkAccess) bool {
	var buf [512]byte
	if err := chunk.ReadBlock(2, buf[:]); err != nil {
		return false
	}
	return buf[0] == 0x42 && buf[1] == 0x44
}
