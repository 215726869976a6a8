package shm

import (
	"errors"
	"fmt"
	"os"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/protocol"
)

// Client attaches to a segment owned by another Server.
type Client struct {
	mapping
	namespace string
	name      string
}

func NewClient(namespace, name string) *Client {
	return &Client{namespace: namespace, name: name}
}

func (c *Client) Namespace() string { return c.namespace }
func (c *Client) Name() string      { return c.name }

// Run attaches to the segment. A segment that does not exist yet, or whose
// owner already closed it, reports protocol.ErrUnavailable.
func (c *Client) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg != nil {
		if !c.seg.hdr.isClosed() {
			return nil
		}
		c.seg.unmap()
		c.seg = nil
	}

	path := SegmentPath(c.namespace, c.name)
	seg, err := openSegment(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: segment %s not created yet", protocol.ErrUnavailable, path)
	}
	if err != nil {
		return err
	}
	if seg.hdr.isClosed() {
		seg.unmap()
		return fmt.Errorf("%w: segment %s closed by owner", protocol.ErrUnavailable, path)
	}
	c.seg = seg
	rows, cols, dtype := seg.shape()
	logs.Infof("shm.Client.Run attached path=%s shape=%dx%d dtype=%s owner_pid=%d", path, rows, cols, dtype, seg.hdr.ownerPID)
	return nil
}

// Close unmaps the segment without removing it. Safe to call more than once.
func (c *Client) Close() error {
	_, err := c.detach()
	return err
}
