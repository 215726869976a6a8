package shm

import (
	"fmt"

	"github.com/danmuck/tensorbridge/internal/tensor"
)

// StringServerConfig returns the server config for length strings of up to
// tensor.MaxStringBytes(chunkRows) bytes each.
func StringServerConfig(namespace, name string, length, chunkRows int) ServerConfig {
	if chunkRows < 1 {
		chunkRows = tensor.DefaultChunkRows
	}
	return ServerConfig{
		Namespace:    namespace,
		Name:         name,
		Rows:         chunkRows,
		Cols:         length,
		DType:        tensor.Int32,
		StringTensor: true,
	}
}

// WriteStrings encodes strs into columns [col, col+len(strs)) of h. Other
// columns keep their current contents.
func WriteStrings(h Handle, col int, strs []string) (bool, error) {
	if !h.StringTensor() {
		return false, fmt.Errorf("shm: %s is not a string tensor", h.Name())
	}
	buf, err := tensor.NewStringTensor(h.Rows(), h.Cols())
	if err != nil {
		return false, err
	}
	if ok, err := h.Read(buf, 0); !ok || err != nil {
		return false, err
	}
	if err := tensor.EncodeStrings(buf, col, strs); err != nil {
		return false, err
	}
	return h.Write(buf, 0)
}

// ReadStrings decodes every string held by h. raw receives the int32
// encoding and may be reused across calls; it must be Rows x Cols int32.
func ReadStrings(h Handle, raw *tensor.Tensor) ([]string, bool, error) {
	if !h.StringTensor() {
		return nil, false, fmt.Errorf("shm: %s is not a string tensor", h.Name())
	}
	ok, err := h.Read(raw, 0)
	if !ok || err != nil {
		return nil, false, err
	}
	out, err := tensor.DecodeStrings(raw, 0, raw.Cols())
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
