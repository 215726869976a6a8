package shm

import (
	"fmt"
	"sync"

	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/tensor"
)

// Handle is one process's view of a shared tensor, either owned (Server) or
// attached (Client).
type Handle interface {
	Namespace() string
	Name() string
	Run() error
	IsRunning() bool
	Rows() int
	Cols() int
	DType() tensor.DType
	StringTensor() bool
	// Read copies rows [row, row+dst.Rows()) into dst. It returns false
	// without copying when another writer holds the segment, and
	// protocol.ErrUnavailable once the owner has closed it.
	Read(dst *tensor.Tensor, row int) (bool, error)
	// Write copies src into rows [row, row+src.Rows()). It returns false
	// without copying when the segment is busy.
	Write(src *tensor.Tensor, row int) (bool, error)
	Close() error
}

// mapping guards a segment against unmap while a copy is in flight.
type mapping struct {
	mu  sync.RWMutex
	seg *segment
}

func (m *mapping) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seg != nil
}

func (m *mapping) Rows() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.seg == nil {
		return 0
	}
	return int(m.seg.hdr.rows)
}

func (m *mapping) Cols() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.seg == nil {
		return 0
	}
	return int(m.seg.hdr.cols)
}

func (m *mapping) DType() tensor.DType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.seg == nil {
		return 0
	}
	return tensor.DType(m.seg.hdr.dtype)
}

func (m *mapping) StringTensor() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seg != nil && m.seg.stringTensor()
}

// Generation counts accepted writes since the segment was created.
func (m *mapping) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.seg == nil {
		return 0
	}
	return m.seg.generation()
}

func (m *mapping) Read(dst *tensor.Tensor, row int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.openLocked(); err != nil {
		return false, err
	}
	return m.seg.readRows(dst, row)
}

func (m *mapping) Write(src *tensor.Tensor, row int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.openLocked(); err != nil {
		return false, err
	}
	return m.seg.writeRows(src, row)
}

// openLocked rejects copies into a segment that is unmapped here or that its
// owner has closed. A closed segment stays mapped until Run re-attaches.
func (m *mapping) openLocked() error {
	if m.seg == nil {
		return ErrNotRunning
	}
	if m.seg.hdr.isClosed() {
		return fmt.Errorf("%w: segment %s closed by owner", protocol.ErrUnavailable, m.seg.path)
	}
	return nil
}

// detach unmaps the segment and returns it so the caller can finish teardown.
func (m *mapping) detach() (*segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.seg
	if seg == nil {
		return nil, nil
	}
	m.seg = nil
	return seg, seg.unmap()
}
