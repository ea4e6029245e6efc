package health

import (
	"context"
	"time"
)

// Result represents the outcome of a probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every probe
type Checker interface {
	// Check performs the probe and returns the result
	Check(ctx context.Context) Result
}
