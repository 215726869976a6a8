package tensor

import (
	"encoding/binary"
	"fmt"
)

// DefaultChunkRows is the number of int32 words reserved per string.
const DefaultChunkRows = 64

const bytesPerWord = 4

// MaxStringBytes is the longest UTF-8 string a column of chunkRows words holds.
func MaxStringBytes(chunkRows int) int {
	return chunkRows * bytesPerWord
}

// NewStringTensor allocates the int32 encoding of length strings.
func NewStringTensor(chunkRows, length int) (*Tensor, error) {
	return New(chunkRows, length, Int32)
}

// EncodeStrings writes strs into columns [col, col+len(strs)) of t. Each
// string is packed 4 bytes per word, little-endian within the word, and zero
// padded.
func EncodeStrings(t *Tensor, col int, strs []string) error {
	if t.dtype != Int32 {
		return fmt.Errorf("tensor: string encoding needs int32, got %s", t.dtype)
	}
	if col < 0 || col+len(strs) > t.cols {
		return fmt.Errorf("tensor: %d strings at column %d do not fit %d columns", len(strs), col, t.cols)
	}
	limit := MaxStringBytes(t.rows)
	for i, s := range strs {
		if len(s) > limit {
			return fmt.Errorf("tensor: string %d is %d bytes, limit %d", col+i, len(s), limit)
		}
	}
	for i, s := range strs {
		encodeColumn(t, col+i, s)
	}
	return nil
}

func encodeColumn(t *Tensor, col int, s string) {
	for row := 0; row < t.rows; row++ {
		var word uint32
		base := row * bytesPerWord
		for j := 0; j < bytesPerWord && base+j < len(s); j++ {
			word |= uint32(s[base+j]) << (8 * j)
		}
		binary.LittleEndian.PutUint32(t.data[t.offset(row, col):], word)
	}
}

// DecodeStrings reads n strings starting at column col.
func DecodeStrings(t *Tensor, col, n int) ([]string, error) {
	if t.dtype != Int32 {
		return nil, fmt.Errorf("tensor: string decoding needs int32, got %s", t.dtype)
	}
	if col < 0 || col+n > t.cols {
		return nil, fmt.Errorf("tensor: %d strings at column %d exceed %d columns", n, col, t.cols)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = decodeColumn(t, col+i)
	}
	return out, nil
}

func decodeColumn(t *Tensor, col int) string {
	buf := make([]byte, 0, MaxStringBytes(t.rows))
	for row := 0; row < t.rows; row++ {
		word := binary.LittleEndian.Uint32(t.data[t.offset(row, col):])
		for j := 0; j < bytesPerWord; j++ {
			c := byte(word >> (8 * j))
			if c == 0 {
				return string(buf)
			}
			buf = append(buf, c)
		}
	}
	return string(buf)
}
