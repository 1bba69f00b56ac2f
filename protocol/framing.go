package protocol

import "encoding/binary"

// EncodeUint16LE returns value as 2 little-endian bytes.
func EncodeUint16LE(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}

// EncodeUint32LE returns value as 4 little-endian bytes.
func EncodeUint32LE(value uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return buf
}

// DecodeUint16LE interprets the first two bytes of buf as a little-endian
// uint16. Missing bytes read as zero.
func DecodeUint16LE(buf []byte) uint16 {
	var b [2]byte
	copy(b[:], buf)
	return binary.LittleEndian.Uint16(b[:])
}

// Checksum returns the XOR of every byte in buf.
func Checksum(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum ^= b
	}
	return sum
}

// AppendChecksum returns a copy of buf with its XOR checksum appended. The
// input is not modified, and XOR-ing every byte of the result yields zero.
func AppendChecksum(buf []byte) []byte {
	out := make([]byte, len(buf), len(buf)+1)
	copy(out, buf)
	return append(out, Checksum(buf))
}
