package shm

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/tensor"
)

// ServerConfig describes a segment to create.
type ServerConfig struct {
	Namespace string
	Name      string
	Rows      int
	Cols      int
	DType     tensor.DType
	// StringTensor marks an int32 segment as holding encoded strings.
	StringTensor bool
	// ForceReconnection replaces a segment left behind under the same name.
	ForceReconnection bool
}

func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("shm: segment name is required")
	}
	if c.Rows < 1 || c.Cols < 1 {
		return fmt.Errorf("shm: invalid shape %dx%d", c.Rows, c.Cols)
	}
	if !c.DType.Valid() {
		return fmt.Errorf("shm: unsupported dtype code %d", uint8(c.DType))
	}
	if c.StringTensor && c.DType != tensor.Int32 {
		return fmt.Errorf("shm: string tensors are int32, got %s", c.DType)
	}
	return nil
}

// Server creates and owns a segment. Closing it removes the segment.
type Server struct {
	mapping
	cfg  ServerConfig
	path string
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, path: SegmentPath(cfg.Namespace, cfg.Name)}, nil
}

func (s *Server) Namespace() string { return s.cfg.Namespace }
func (s *Server) Name() string      { return s.cfg.Name }
func (s *Server) Path() string      { return s.path }

// Run creates the segment. Calling it again on a running server is a no-op.
func (s *Server) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg != nil {
		return nil
	}

	var flags uint32
	if s.cfg.StringTensor {
		flags |= flagStringTensor
	}
	seg, err := createSegment(s.path, s.cfg.Rows, s.cfg.Cols, s.cfg.DType, flags)
	if errors.Is(err, ErrSegmentExists) && s.cfg.ForceReconnection {
		logs.Warnf("shm.Server.Run replacing stale segment path=%s", s.path)
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("shm: remove stale %s: %w", s.path, rmErr)
		}
		seg, err = createSegment(s.path, s.cfg.Rows, s.cfg.Cols, s.cfg.DType, flags)
	}
	if err != nil {
		return err
	}
	s.seg = seg
	logs.Infof("shm.Server.Run created path=%s shape=%dx%d dtype=%s string=%t",
		s.path, s.cfg.Rows, s.cfg.Cols, s.cfg.DType, s.cfg.StringTensor)
	return nil
}

// Close marks the segment closed for attached clients, unmaps it and removes
// the backing file. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.RLock()
	if s.seg != nil {
		atomic.StoreUint32(&s.seg.hdr.closed, 1)
	}
	s.mu.RUnlock()

	seg, err := s.detach()
	if seg == nil {
		return nil
	}
	if rmErr := os.Remove(seg.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = fmt.Errorf("shm: remove %s: %w", seg.path, rmErr)
	}
	logs.Debugf("shm.Server.Close path=%s", seg.path)
	return err
}
