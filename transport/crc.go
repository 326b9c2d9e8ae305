package transport

// crc16Table is the reflected CRC-16 (poly 0x8005, reversed 0xA001) table
// used to check MNP frames.
var crc16Table = makeCRC16Table(0xA001)

func makeCRC16Table(poly uint16) *[256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return &table
}

// crc16Update folds p into crc.
func crc16Update(crc uint16, p ...byte) uint16 {
	for _, b := range p {
		crc = crc>>8 ^ crc16Table[byte(crc)^b]
	}
	return crc
}
