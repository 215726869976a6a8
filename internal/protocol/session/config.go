package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-stream transport defaults shared by both backends.
type Config struct {
	// QueueSize is the socket high-water mark on mq and the keep-last depth
	// on topic channels. Values below 1 are raised to 1.
	QueueSize int
	Linger    time.Duration
	// ReceiveTimeout bounds one subscriber poll. Zero polls without waiting.
	ReceiveTimeout time.Duration
	// Conflate drains queued frames and keeps only the newest one.
	Conflate bool
	// DropIfBusy makes publishers return false instead of blocking on a
	// full outbound queue.
	DropIfBusy bool
	// Retry paces retry-until-accepted shared-memory reads and writes.
	Retry BackoffConfig
}

// DefaultConfig keeps only the latest value in flight.
func DefaultConfig() Config {
	return Config{
		QueueSize:      1,
		Linger:         0,
		ReceiveTimeout: 0,
		Conflate:       true,
		DropIfBusy:     false,
		Retry: BackoffConfig{
			InitialDelay: 50 * time.Microsecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Millisecond,
			Jitter:       false,
		},
	}
}

// WithDefaults normalizes out-of-range values.
func (c Config) WithDefaults() Config {
	if c.QueueSize < 1 {
		c.QueueSize = 1
	}
	if c.Linger < 0 {
		c.Linger = 0
	}
	if c.ReceiveTimeout < 0 {
		c.ReceiveTimeout = 0
	}
	if c.Retry == (BackoffConfig{}) {
		c.Retry = DefaultConfig().Retry
	}
	return c
}
