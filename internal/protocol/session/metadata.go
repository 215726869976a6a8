package session

import (
	"sync"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/tensor"
)

// Field names one value of the metadata triple.
type Field string

const (
	FieldRows  Field = "rows"
	FieldCols  Field = "cols"
	FieldDType Field = "dtype"
)

// Metadata records the rows/cols/dtype triple announced on latched channels.
// Each value is authoritative once received; a later different value is a
// consistency violation.
type Metadata struct {
	mu     sync.Mutex
	stream string
	rows   int32
	cols   int32
	dtype  tensor.DType
	have   map[Field]bool
}

func NewMetadata(stream string) *Metadata {
	return &Metadata{stream: stream, have: make(map[Field]bool, 3)}
}

// Observe records one metadata value.
func (m *Metadata) Observe(field Field, value int32) error {
	const op = "session.Metadata.Observe"
	switch field {
	case FieldRows, FieldCols:
		if value < 1 {
			return protocol.Protocolf(op, string(field), "stream=%s non-positive %s %d", m.stream, field, value)
		}
	case FieldDType:
		if value < 0 || !tensor.DType(value).Valid() {
			return protocol.Protocolf(op, string(field), "stream=%s unrecognized element type code %d", m.stream, value)
		}
	default:
		return protocol.Protocolf(op, string(field), "unknown metadata field")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.have[field] {
		current := m.valueLocked(field)
		if current != value {
			return protocol.Mismatch(protocol.ErrConsistency, op, string(field), current, value)
		}
		logs.Warnf("session.Metadata.Observe redundant stream=%s field=%s value=%d", m.stream, field, value)
		return nil
	}

	switch field {
	case FieldRows:
		m.rows = value
	case FieldCols:
		m.cols = value
	case FieldDType:
		m.dtype = tensor.DType(value)
	}
	m.have[field] = true
	logs.Debugf("session.Metadata.Observe stream=%s field=%s value=%d complete=%t", m.stream, field, value, len(m.have) == 3)
	return nil
}

func (m *Metadata) valueLocked(field Field) int32 {
	switch field {
	case FieldRows:
		return m.rows
	case FieldCols:
		return m.cols
	default:
		return int32(m.dtype)
	}
}

// Complete reports whether all three values have been received.
func (m *Metadata) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.have) == 3
}

// Shape returns the negotiated shape once complete.
func (m *Metadata) Shape() (rows, cols int, dtype tensor.DType, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.have) != 3 {
		return 0, 0, 0, false
	}
	return int(m.rows), int(m.cols), m.dtype, true
}
