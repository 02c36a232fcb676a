package rudp

// crcPoly is the CCITT generator polynomial x^16 + x^12 + x^5 + 1
const crcPoly = 0x1021

// crcInit is the CCITT-FALSE initial register value
const crcInit = 0xFFFF

// crc16tab is the byte-at-a-time lookup table for crcPoly, built once at
// package initialisation from the bitwise definition in updcrc16Slow.
var crc16tab = func() (tab [256]uint16) {
	for i := range tab {
		tab[i] = updcrc16Slow(byte(i), 0)
	}
	return tab
}()

// updcrc16Slow feeds one byte into the register bit by bit: the byte is
// XORed into the high byte, then the register is shifted eight times,
// XORing the polynomial in whenever the top bit falls off.
func updcrc16Slow(b byte, crc uint16) uint16 {
	crc ^= uint16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = crc<<1 ^ crcPoly
		} else {
			crc <<= 1
		}
	}
	return crc
}

// updcrc16 feeds one byte into the register using the lookup table.
func updcrc16(b byte, crc uint16) uint16 {
	return crc<<8 ^ crc16tab[byte(crc>>8)^b]
}

// Checksum returns the CRC-16/CCITT-FALSE of data
// (poly 0x1021, init 0xFFFF, no reflection, no final XOR).
// Checksum(nil) is 0xFFFF and Checksum([]byte("123456789")) is 0x29B1.
func Checksum(data []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range data {
		crc = updcrc16(b, crc)
	}
	return crc
}
