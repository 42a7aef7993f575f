package queue

import (
	"log/slog"
	"time"
)

// Tunable bounds. Runtime updates outside them are ignored.
const (
	MinBatchSize          = 1
	MaxBatchSize          = 1000
	MinBatchDelay         = 30 * time.Second
	MinConcurrentRequests = 1
	MaxConcurrentRequests = 20
)

type Config struct {
	// BatchSize is the number of items drained per batch.
	BatchSize int
	// BatchDelay is the pause between batches, the main provider rate guard.
	BatchDelay            time.Duration
	MaxConcurrentRequests int
	// TokenLimit bounds the estimated tokens of one grouped call.
	TokenLimit int
	// WavePause separates successive waves of concurrent calls within a batch.
	WavePause time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:             500,
		BatchDelay:            60 * time.Second,
		MaxConcurrentRequests: 10,
		TokenLimit:            8000,
		WavePause:             time.Second,
	}
}

// ConfigUpdate carries the runtime-tunable fields. Nil fields are left alone.
type ConfigUpdate struct {
	BatchSize             *int   `json:"batch_size,omitempty"`
	BatchDelayMs          *int64 `json:"batch_delay_ms,omitempty"`
	MaxConcurrentRequests *int   `json:"max_concurrent_requests,omitempty"`
}

// apply returns cfg with every in-range field of u applied. Out-of-range fields
// keep their prior value.
func (u ConfigUpdate) apply(cfg Config) Config {
	if u.BatchSize != nil {
		if n := *u.BatchSize; n >= MinBatchSize && n <= MaxBatchSize {
			cfg.BatchSize = n
		} else {
			slog.Warn("queue: batch_size out of range, keeping previous value", "requested", n, "current", cfg.BatchSize)
		}
	}
	if u.BatchDelayMs != nil {
		if d := time.Duration(*u.BatchDelayMs) * time.Millisecond; d >= MinBatchDelay {
			cfg.BatchDelay = d
		} else {
			slog.Warn("queue: batch_delay_ms below minimum, keeping previous value", "requested", *u.BatchDelayMs, "current", cfg.BatchDelay.Milliseconds())
		}
	}
	if u.MaxConcurrentRequests != nil {
		if n := *u.MaxConcurrentRequests; n >= MinConcurrentRequests && n <= MaxConcurrentRequests {
			cfg.MaxConcurrentRequests = n
		} else {
			slog.Warn("queue: max_concurrent_requests out of range, keeping previous value", "requested", n, "current", cfg.MaxConcurrentRequests)
		}
	}
	return cfg
}
