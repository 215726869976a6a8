// Package shm stores a mirrored tensor in a memory-mapped segment shared
// between processes on one host.
//
// A Server creates and owns a segment; Clients attach to it. Reads and
// writes take a try-lock word in the segment header and report false instead
// of waiting when another process holds it.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/danmuck/tensorbridge/internal/tensor"
)

const (
	HeaderSize     = 64
	SegmentVersion = uint32(1)
	segmentPrefix  = "tensorbridge_"

	flagStringTensor = uint32(1) << 0
)

var segmentMagic = [8]byte{'T', 'B', 'R', 'S', 'H', 'M', 0, 0}

var (
	ErrSegmentExists = errors.New("shm: segment already exists")
	ErrNotRunning    = errors.New("shm: not running")
	ErrShape         = errors.New("shm: shape mismatch")
)

// segmentHeader is the fixed 64-byte prefix of every segment. Fields that
// change after creation are only touched through sync/atomic.
type segmentHeader struct {
	magic      [8]byte  // 0x00
	version    uint32   // 0x08
	flags      uint32   // 0x0C
	dtype      uint32   // 0x10
	rows       uint32   // 0x14
	cols       uint32   // 0x18
	lock       uint32   // 0x1C
	generation uint64   // 0x20
	ownerPID   uint32   // 0x28
	closed     uint32   // 0x2C
	reserved   [16]byte // 0x30
}

func init() {
	if unsafe.Sizeof(segmentHeader{}) != HeaderSize {
		panic(fmt.Sprintf("shm: header is %d bytes, expected %d", unsafe.Sizeof(segmentHeader{}), HeaderSize))
	}
}

func (h *segmentHeader) tryLock() bool {
	return atomic.CompareAndSwapUint32(&h.lock, 0, 1)
}

func (h *segmentHeader) unlock() {
	atomic.StoreUint32(&h.lock, 0)
}

func (h *segmentHeader) isClosed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

func (h *segmentHeader) validate() error {
	if h.magic != segmentMagic {
		return fmt.Errorf("shm: bad segment magic %q", h.magic[:])
	}
	if v := atomic.LoadUint32(&h.version); v != SegmentVersion {
		return fmt.Errorf("shm: segment version %d, expected %d", v, SegmentVersion)
	}
	if !tensor.DType(h.dtype).Valid() {
		return fmt.Errorf("shm: segment dtype code %d", h.dtype)
	}
	if h.rows == 0 || h.cols == 0 {
		return fmt.Errorf("shm: segment shape %dx%d", h.rows, h.cols)
	}
	return nil
}

// segment is one mapping of a tensor segment.
type segment struct {
	file *os.File
	mem  []byte
	path string
	hdr  *segmentHeader
	data []byte
}

func (s *segment) shape() (int, int, tensor.DType) {
	return int(s.hdr.rows), int(s.hdr.cols), tensor.DType(s.hdr.dtype)
}

func (s *segment) stringTensor() bool {
	return s.hdr.flags&flagStringTensor != 0
}

func (s *segment) stride() int {
	return int(s.hdr.cols) * tensor.DType(s.hdr.dtype).Size()
}

// readRows copies rows [row, row+dst.Rows()) into dst under the try-lock.
func (s *segment) readRows(dst *tensor.Tensor, row int) (bool, error) {
	if err := s.checkBlock(dst, row); err != nil {
		return false, err
	}
	if !s.hdr.tryLock() {
		return false, nil
	}
	defer s.hdr.unlock()
	off := row * s.stride()
	copy(dst.Bytes(), s.data[off:off+dst.NBytes()])
	return true, nil
}

// writeRows copies src into rows [row, row+src.Rows()) under the try-lock.
func (s *segment) writeRows(src *tensor.Tensor, row int) (bool, error) {
	if err := s.checkBlock(src, row); err != nil {
		return false, err
	}
	if !s.hdr.tryLock() {
		return false, nil
	}
	defer s.hdr.unlock()
	off := row * s.stride()
	copy(s.data[off:off+src.NBytes()], src.Bytes())
	atomic.AddUint64(&s.hdr.generation, 1)
	return true, nil
}

func (s *segment) checkBlock(t *tensor.Tensor, row int) error {
	rows, cols, dtype := s.shape()
	if t.DType() != dtype || t.Cols() != cols {
		return fmt.Errorf("%w: block %dx%d %s against segment %dx%d %s", ErrShape, t.Rows(), t.Cols(), t.DType(), rows, cols, dtype)
	}
	if row < 0 || row+t.Rows() > rows {
		return fmt.Errorf("%w: rows [%d, %d) outside %d rows", ErrShape, row, row+t.Rows(), rows)
	}
	return nil
}

func (s *segment) generation() uint64 {
	return atomic.LoadUint64(&s.hdr.generation)
}

func (s *segment) unmap() error {
	var err error
	if s.mem != nil {
		err = munmap(s.mem)
		s.mem, s.hdr, s.data = nil, nil, nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// SegmentName is the file name of the segment for (namespace, name).
func SegmentName(namespace, name string) string {
	clean := func(s string) string {
		return strings.Trim(strings.ReplaceAll(s, "/", "_"), "_")
	}
	if ns := clean(namespace); ns != "" {
		return segmentPrefix + ns + "_" + clean(name)
	}
	return segmentPrefix + clean(name)
}

// SegmentPath prefers /dev/shm and falls back to the temp dir.
func SegmentPath(namespace, name string) string {
	file := SegmentName(namespace, name)
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", file)
	}
	return filepath.Join(os.TempDir(), file)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

func dataSize(rows, cols int, dtype tensor.DType) int {
	return rows * cols * dtype.Size()
}

func createSegment(path string, rows, cols int, dtype tensor.DType, flags uint32) (*segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentExists, path)
		}
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	total := HeaderSize + dataSize(rows, cols, dtype)
	if err := file.Truncate(int64(total)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: resize %s: %w", path, err)
	}
	mem, err := mmap(file, total)
	if err != nil {
		cleanup()
		return nil, err
	}

	hdr := (*segmentHeader)(unsafe.Pointer(&mem[0]))
	hdr.magic = segmentMagic
	hdr.flags = flags
	hdr.dtype = uint32(dtype)
	hdr.rows = uint32(rows)
	hdr.cols = uint32(cols)
	hdr.ownerPID = uint32(os.Getpid())
	atomic.StoreUint32(&hdr.version, SegmentVersion)

	return &segment{file: file, mem: mem, path: path, hdr: hdr, data: mem[HeaderSize:total]}, nil
}

func openSegment(path string) (*segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if info.Size() < HeaderSize {
		file.Close()
		return nil, fmt.Errorf("shm: segment %s too small: %d bytes", path, info.Size())
	}
	mem, err := mmap(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, err
	}
	seg := &segment{file: file, mem: mem, path: path, hdr: (*segmentHeader)(unsafe.Pointer(&mem[0]))}
	if err := seg.hdr.validate(); err != nil {
		seg.unmap()
		return nil, err
	}
	rows, cols, dtype := seg.shape()
	total := HeaderSize + dataSize(rows, cols, dtype)
	if len(mem) < total {
		seg.unmap()
		return nil, fmt.Errorf("shm: segment %s holds %d bytes, shape needs %d", path, len(mem), total)
	}
	seg.data = mem[HeaderSize:total]
	return seg, nil
}
