package protocol

// CRC parameters matching the STM32 hardware CRC unit.
const (
	CRCPoly   = 0x04C11DB7
	CRCInit   = 0xFFFFFFFF
	CRCXorOut = 0x00000000
)

// crcTable is the MSB-first lookup table for CRCPoly.
var crcTable = makeTable(CRCPoly)

func makeTable(poly uint32) [256]uint32 {
	var t [256]uint32
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

// CRC32MPEG2 computes the non-reflected CRC-32 of data.
func CRC32MPEG2(data []byte) uint32 {
	crc := uint32(CRCInit)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc ^ CRCXorOut
}

// Expand widens every byte into a big-endian 32-bit word (b -> 00 00 00 b).
// The device feeds the CRC unit one word per received byte.
func Expand(data []byte) []byte {
	out := make([]byte, 4*len(data))
	for i, b := range data {
		out[4*i+3] = b
	}
	return out
}

// Checksum returns the CRC the bootloader expects for data.
func Checksum(data []byte) uint32 {
	return CRC32MPEG2(Expand(data))
}
