package partition

import (
	"strconv"

	"github.com/fadden/diskarc/disk"
	"github.com/fadden/diskarc/diskerr"
)

// dosMasterParser implements embedded DOS.MASTER volumes (spec §4.4
// "Embedded"): up to 8 independent 140 KB DOS 3.3 volumes carved out of a
// host ProDOS volume's block space, starting right after the two boot
// blocks. The embedded volumes' ChunkAccess is carved directly from the
// host's blocks and stays coherent with it: writing to an embedded volume
// writes through to the host's own block space.
type dosMasterParser struct{}

func init() { register(dosMasterParser{}) }

func (dosMasterParser) Kind() Kind { return KindDOSMaster }

const (
	dosMasterVolumeBlocks = 280 // 140KB DOS 3.3 volume = 280 ProDOS blocks
	dosMasterReservedBlocks = 2 // ProDOS boot blocks precede the carved volumes
	dosMasterMaxVolumes     = 8
)

func (dosMasterParser) TryParse(chunk disk.ChunkAccess) (*Map, error) {
	total := chunk.NumBlocks()
	if total <= dosMasterReservedBlocks+dosMasterVolumeBlocks {
		return nil, diskerr.NotRecognizedf("dosmaster: host volume too small to carve any embedded volume")
	}

	available := total - dosMasterReservedBlocks
	numVolumes := int(available / dosMasterVolumeBlocks)
	if numVolumes > dosMasterMaxVolumes {
		numVolumes = dosMasterMaxVolumes
	}

	m := &Map{Kind: KindDOSMaster}
	valid := 0
	for i := 0; i < numVolumes; i++ {
		base := dosMasterReservedBlocks + uint32(i)*dosMasterVolumeBlocks
		sub := disk.NewSubChunkAccess(chunk, base, dosMasterVolumeBlocks, disk.OrderProDOS)
		volStream := disk.NewChunkAccessStream(sub)
		dosChunk := disk.NewStdChunkAccess(volStream, disk.OrderDOS, 35)
		if !looksLikeDOS33VTOC(dosChunk) {
			continue
		}
		valid++
		m.Partitions = append(m.Partitions, Partition{
			Name:      "dosmaster-" + strconv.Itoa(i),
			TypeStr:   "DOS3.3",
			StartByte: int64(base) * 512,
			Length:    dosMasterVolumeBlocks * 512,
			Chunk:     dosChunk,
		})
	}
	if valid == 0 {
		return nil, diskerr.NotRecognizedf("dosmaster: no carved volume has a valid VTOC")
	}
	return m, nil
}

// looksLikeDOS33VTOC checks the T17,S0 VTOC for plausible DOS 3.3 fields:
// catalog track 17, track count 35, sectors/track 16.
func looksLikeDOS33VTOC(chunk disk.ChunkAccess) bool {
	var vtoc [256]byte
	if err := chunk.ReadSector(17, 0, vtoc[:]); err != nil {
		return false
	}
	catalogTrack := vtoc[1]
	tracksPerDisk := vtoc[0x34]
	sectorsPerTrack := vtoc[0x35]
	return catalogTrack == 17 && tracksPerDisk == 35 && sectorsPerTrack == 16
}
