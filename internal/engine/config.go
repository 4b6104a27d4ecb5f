// Package engine wires the Event Generator, Notification Bundler,
// Dispatcher, and Heartbeat & Timeout Scheduler into a single per-tenant
// subscription engine, with pluggable delivery channels over in-memory
// state.
package engine

import "time"

// Config holds the engine-wide settings a deployment can override at
// startup.
type Config struct {
	RetryLimit           int
	ErrorLimit           uint32
	EndOfLifeInterval    time.Duration
	DispatcherWorkers    int
	GeneratorWorkers     int
	IngressQueueCapacity int
	HeartbeatTick        time.Duration

	// HandshakeTimeout is how long an unconfirmed rest-hook subscription is
	// allowed to sit in requested before the scheduler retires it.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the engine's built-in defaults.
func DefaultConfig() Config {
	return Config{
		RetryLimit:           5,
		ErrorLimit:           5,
		EndOfLifeInterval:    30 * 24 * time.Hour,
		DispatcherWorkers:    16,
		GeneratorWorkers:     4,
		IngressQueueCapacity: 1024,
		HeartbeatTick:        5 * time.Second,
		HandshakeTimeout:     24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryLimit <= 0 {
		c.RetryLimit = d.RetryLimit
	}
	if c.ErrorLimit == 0 {
		c.ErrorLimit = d.ErrorLimit
	}
	if c.EndOfLifeInterval <= 0 {
		c.EndOfLifeInterval = d.EndOfLifeInterval
	}
	if c.DispatcherWorkers <= 0 {
		c.DispatcherWorkers = d.DispatcherWorkers
	}
	if c.GeneratorWorkers <= 0 {
		c.GeneratorWorkers = d.GeneratorWorkers
	}
	if c.IngressQueueCapacity <= 0 {
		c.IngressQueueCapacity = d.IngressQueueCapacity
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = d.HeartbeatTick
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}
