package broadcast

import (
	"time"

	"github.com/GoPolymarket/tradefeed/internal/config"
)

type Config struct {
	// ResumeLifetime is how long an event stays replayable.
	ResumeLifetime time.Duration
	// Retry is the reconnect delay advertised to clients.
	Retry        time.Duration
	PingEnable   bool
	PingInterval time.Duration
	// QueueSize bounds each subscription's outbound queue; overflow
	// disconnects the subscriber.
	QueueSize int
	// BufferSize caps retained events per channel regardless of age.
	BufferSize      int
	JanitorInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ResumeLifetime:  300 * time.Second,
		Retry:           3000 * time.Millisecond,
		PingEnable:      true,
		PingInterval:    30 * time.Second,
		QueueSize:       256,
		BufferSize:      1024,
		JanitorInterval: 30 * time.Second,
	}
}

// FromSettings converts the broadcast section of the service config.
// Non-positive values keep their defaults.
func FromSettings(s config.BroadcastConfig) Config {
	c := DefaultConfig()
	if s.ResumeLifetime > 0 {
		c.ResumeLifetime = time.Duration(s.ResumeLifetime) * time.Second
	}
	if s.Retry > 0 {
		c.Retry = time.Duration(s.Retry) * time.Millisecond
	}
	c.PingEnable = s.Ping.Enable
	if s.Ping.Frequency > 0 {
		c.PingInterval = time.Duration(s.Ping.Frequency) * time.Second
	}
	if s.QueueSize > 0 {
		c.QueueSize = s.QueueSize
	}
	if s.BufferSize > 0 {
		c.BufferSize = s.BufferSize
	}
	if c.ResumeLifetime/4 < c.JanitorInterval {
		c.JanitorInterval = c.ResumeLifetime / 4
	}
	return c
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ResumeLifetime <= 0 {
		c.ResumeLifetime = d.ResumeLifetime
	}
	if c.Retry <= 0 {
		c.Retry = d.Retry
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = d.JanitorInterval
	}
	return c
}
