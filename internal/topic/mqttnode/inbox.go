package mqttnode

import "sync"

// inbox keeps the newest depth payloads for one subscription.
type inbox struct {
	mu      sync.Mutex
	depth   int
	pending [][]byte
	closed  bool
}

func newInbox(depth int) *inbox {
	return &inbox{depth: max(depth, 1)}
}

func (b *inbox) push(payload []byte) {
	msg := append([]byte(nil), payload...)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, msg)
	if len(b.pending) > b.depth {
		b.pending = b.pending[len(b.pending)-b.depth:]
	}
}

func (b *inbox) take() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pending = nil
}
