// bits.go implements the packed encodings used on the wire: bits at 8 per
// byte (bitmap) and bases at 4 per byte (2-bit symbols).
package qkd

// PackBits packs a slice of 0/1 byte values into a bitmap, 8 bits per byte,
// most significant bit first.
func PackBits(bits []byte) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b&1 == 1 {
			packed[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return packed
}

// UnpackBits expands a bitmap back into n 0/1 byte values.
func UnpackBits(packed []byte, n int) []byte {
	if n < 0 || len(packed) < (n+7)/8 {
		return nil
	}
	bits := make([]byte, n)
	for i := range bits {
		bits[i] = (packed[i/8] >> (7 - uint(i%8))) & 1
	}
	return bits
}

// PackBases packs basis symbols as 2-bit values, 4 per byte, most
// significant pair first. Only the low two bits of each symbol are kept.
func PackBases(bases []byte) []byte {
	packed := make([]byte, (len(bases)+3)/4)
	for i, b := range bases {
		shift := uint(6 - 2*(i%4))
		packed[i/4] |= (b & 0x03) << shift
	}
	return packed
}

// UnpackBases expands packed 2-bit symbols back into n basis values.
func UnpackBases(packed []byte, n int) []byte {
	if n < 0 || len(packed) < (n+3)/4 {
		return nil
	}
	bases := make([]byte, n)
	for i := range bases {
		shift := uint(6 - 2*(i%4))
		bases[i] = (packed[i/4] >> shift) & 0x03
	}
	return bases
}
