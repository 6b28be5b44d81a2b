package xmodem

const crcPolynomial = 0x1021

// CRC16 computes CRC-16/XMODEM (poly 0x1021, init 0x0000, no reflection, no final xor).
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}
