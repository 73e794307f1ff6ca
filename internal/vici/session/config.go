package session

import "github.com/danmuck/charonctl/internal/vici/frame"

// Config defines session resource bounds.
type Config struct {
	// Limits caps the size of a single inbound packet.
	Limits frame.Limits

	// EventQueueSize bounds each subscription queue. When a consumer falls
	// behind, the oldest queued event is dropped so the read path never
	// stalls behind a slow subscriber.
	EventQueueSize int
}

func DefaultConfig() Config {
	return Config{
		Limits:         frame.DefaultLimits(),
		EventQueueSize: 16,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Limits.MaxPacketBytes == 0 {
		c.Limits = def.Limits
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = def.EventQueueSize
	}
	return c
}
