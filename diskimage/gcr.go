package diskimage

// gcr.go implements the Apple II "6-and-2" Group Code Recording scheme
// shared by the nibble (.nib/.nb2) and WOZ codecs: both store a disk as a
// raw stream of self-clocking nibbles, and a sector's 256 data bytes must
// be located by scanning for address and data prologues rather than by
// fixed offset (spec §4.2 "sector addressing requires track-scan").
//
// No example in the retrieval pack implements Apple II GCR encoding (it
// predates every teacher/pack repo's domain); this is the standard,
// publicly documented algorithm used by every 6-and-2 nibble image tool.

// write62Table maps a 6-bit value (0..63) to the disk byte written for it.
// This is the canonical DOS 3.3 / ProDOS 6-and-2 translate table.
var write62Table = [64]byte{
	0x96, 0x97, 0x9A, 0x9B, 0x9D, 0x9E, 0x9F, 0xA6,
	0xA7, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF, 0xB2, 0xB3,
	0xB4, 0xB5, 0xB6, 0xB7, 0xB9, 0xBA, 0xBB, 0xBC,
	0xBD, 0xBE, 0xBF, 0xCB, 0xCD, 0xCE, 0xCF, 0xD3,
	0xD6, 0xD7, 0xD9, 0xDA, 0xDB, 0xDC, 0xDD, 0xDE,
	0xDF, 0xE5, 0xE6, 0xE7, 0xE9, 0xEA, 0xEB, 0xEC,
	0xED, 0xEE, 0xEF, 0xF2, 0xF3, 0xF4, 0xF5, 0xF6,
	0xF7, 0xF9, 0xFA, 0xFB, 0xFC, 0xFD, 0xFE, 0xFF,
}

// read62Table is the inverse of write62Table: disk byte -> 6-bit value, or
// 0xff for a byte that is never legally written (used to resync scanning).
var read62Table = buildRead62Table()

func buildRead62Table() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = 0xff
	}
	for v, b := range write62Table {
		t[b] = byte(v)
	}
	return t
}

// addressPrologue and dataPrologue are the standard DOS 3.3/ProDOS field
// markers a track-scan looks for.
var addressPrologue = [3]byte{0xD5, 0xAA, 0x96}
var dataPrologue = [3]byte{0xD5, 0xAA, 0xAD}
var fieldEpilogue = [3]byte{0xDE, 0xAA, 0xEB}

// decode44 reverses the "4-and-4" odd/even encoding used for address-field
// values (volume, track, sector, checksum): two bytes hold b = (b1<<1|1)
// & (b2|0xaa) style odd/even pairing.
func decode44(b1, b2 byte) byte {
	return ((b1 << 1) | 1) & b2
}

// sectorField is one decoded (address, data) pair found during a track scan.
type sectorField struct {
	volume, track, sector, checksum byte
	dataOffset                      int // offset of the first 342-byte encoded data byte within the track buffer
	ok                              bool
}

// scanTrack finds every address+data field in a raw nibble track buffer
// (which may wrap, since a physical track is circular). It returns a map
// from physical sector number to decoded 256-byte sector data.
//
// This implements the well known DOS 3.3 disk-controller firmware
// algorithm: scan for D5 AA 96, decode the 4-and-4 address bytes, scan
// forward for D5 AA AD, then decode the 342-byte 6-and-2 data region.
func scanTrack(track []byte) map[int][256]byte {
	out := make(map[int][256]byte)
	n := len(track)
	if n == 0 {
		return out
	}
	// Try every start position once; reads index modulo the track length,
	// so a field split across the wrap point is still found.
	for start := 0; start < n; start++ {
		if !matchAt(track, start, addressPrologue[:]) {
			continue
		}
		pos := start + 3
		if pos+8 > start+n {
			continue
		}
		vol := decode44(at(track, pos), at(track, pos+1))
		trk := decode44(at(track, pos+2), at(track, pos+3))
		sec := decode44(at(track, pos+4), at(track, pos+5))
		chk := decode44(at(track, pos+6), at(track, pos+7))
		if chk != vol^trk^sec {
			continue
		}
		pos += 8
		// epilogue DE AA EB should follow; tolerate its absence
		if matchAt(track, pos, fieldEpilogue[:]) {
			pos += 3
		}
		// scan forward (bounded) for the data prologue
		dataStart := -1
		for i := 0; i < 32 && pos+i+3 <= start+n; i++ {
			if matchAt(track, pos+i, dataPrologue[:]) {
				dataStart = pos + i + 3
				break
			}
		}
		if dataStart == -1 {
			continue
		}
		data, ok := decode62Field(track, dataStart)
		if !ok {
			continue
		}
		out[int(sec)] = data
	}
	return out
}

func at(track []byte, i int) byte { return track[i%len(track)] }

func matchAt(track []byte, start int, pat []byte) bool {
	if len(track) == 0 {
		return false
	}
	for i, b := range pat {
		if at(track, start+i) != b {
			return false
		}
	}
	return true
}

// secondaryGroup returns, for data byte index i, which of the 86 secondary
// bytes holds its low 2 bits and which 2-bit sub-field within that byte.
// Index space splits into three groups of at most 86 (256 = 86+86+84),
// matching the standard DOS 3.3 6-and-2 layout.
func secondaryGroup(i int) (group int, subfield uint) {
	switch {
	case i < 86:
		return i, 0
	case i < 172:
		return i - 86, 1
	default:
		return i - 172, 2
	}
}

// decode62Field decodes the 342-byte 6-and-2 encoded data field starting at
// offset into a 256-byte sector, verifying the trailing checksum byte.
func decode62Field(track []byte, offset int) ([256]byte, bool) {
	var secondary [86]byte
	var primary [256]byte
	var out [256]byte

	pos := offset
	prev := byte(0)
	for i := 0; i < 86; i++ {
		v := read62Table[at(track, pos)]
		pos++
		if v == 0xff {
			return out, false
		}
		secondary[i] = v ^ prev
		prev = secondary[i]
	}
	for i := 0; i < 256; i++ {
		v := read62Table[at(track, pos)]
		pos++
		if v == 0xff {
			return out, false
		}
		primary[i] = v ^ prev
		prev = primary[i]
	}
	checksum := read62Table[at(track, pos)]
	if checksum == 0xff || checksum != prev {
		return out, false
	}

	for i := 0; i < 256; i++ {
		group, sub := secondaryGroup(i)
		lo := (secondary[group] >> (sub * 2)) & 0x03
		out[i] = (primary[i] << 2) | lo
	}
	return out, true
}

// encode62Field is the write-back inverse of decode62Field, used when a
// filesystem mutation needs to re-encode a sector in place (spec §4.2
// "write-back re-encodes sectors in place").
func encode62Field(data [256]byte) []byte {
	var secondary [86]byte
	var primary [256]byte
	for i := 0; i < 256; i++ {
		group, sub := secondaryGroup(i)
		secondary[group] |= (data[i] & 0x03) << (sub * 2)
		primary[i] = data[i] >> 2
	}

	out := make([]byte, 0, 343)
	prev := byte(0)
	for i := 0; i < 86; i++ {
		enc := secondary[i] ^ prev
		prev = secondary[i]
		out = append(out, write62Table[enc])
	}
	for i := 0; i < 256; i++ {
		enc := primary[i] ^ prev
		prev = primary[i]
		out = append(out, write62Table[enc])
	}
	out = append(out, write62Table[prev])
	return out
}
