package cab

import "encoding/binary"

// checksum folds data into seed four bytes at a time. A trailing partial
// word is taken most significant byte first.
func checksum(data []byte, seed uint32) uint32 {
	sum := seed
	n := len(data) / 4
	for i := 0; i < n; i++ {
		sum ^= binary.LittleEndian.Uint32(data[i*4:])
	}
	var ul uint32
	rest := data[n*4:]
	switch len(rest) {
	case 3:
		ul = uint32(rest[0])<<16 | uint32(rest[1])<<8 | uint32(rest[2])
	case 2:
		ul = uint32(rest[0])<<8 | uint32(rest[1])
	case 1:
		ul = uint32(rest[0])
	}
	return sum ^ ul
}

// blockChecksum computes the CFDATA checksum over the payload followed by
// the size fields and the block reserve.
func blockChecksum(d cfData, reserve, payload []byte) uint32 {
	sum := checksum(payload, 0)
	buf := make([]byte, 4, 4+len(reserve))
	binary.LittleEndian.PutUint16(buf[0:], d.CBData)
	binary.LittleEndian.PutUint16(buf[2:], d.CBUncomp)
	buf = append(buf, reserve...)
	return checksum(buf, sum)
}
