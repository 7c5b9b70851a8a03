package health

import (
	"context"
	"time"
)

// Result is the outcome of one probe attempt.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one backend. Check never returns an error; failures are
// a Result with Healthy false and the reason in Message.
type Checker interface {
	Check(ctx context.Context) Result
}
