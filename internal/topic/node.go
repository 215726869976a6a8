// Package topic mirrors a tensor over a topic middleware with latched
// delivery.
//
// A stream uses four channels: data plus retained rows, cols and dtype
// metadata. Inbound handlers run only inside Node.SpinOnce on the caller's
// goroutine; the bridge never owns a delivery thread.
package topic

import "time"

// QoS describes a channel's delivery.
type QoS struct {
	// Depth is how many undelivered messages a subscription keeps. Older
	// ones are dropped first.
	Depth int
	// Latched channels retain their last message for late subscribers.
	Latched bool
}

// Handler consumes one message. A returned error aborts the current
// SpinOnce and is reported to its caller.
type Handler func(payload []byte) error

type Channel interface {
	Publish(payload []byte) error
	Close() error
}

type Subscription interface {
	Close() error
}

// Node is one participant on the middleware.
type Node interface {
	Name() string
	Advertise(channel string, qos QoS) (Channel, error)
	Subscribe(channel string, qos QoS, h Handler) (Subscription, error)
	// SpinOnce delivers queued messages, waiting up to timeout for the
	// first one when none are queued.
	SpinOnce(timeout time.Duration) error
	Close() error
}
