package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker reports whether a backend accepts connections at all. The
// scheduler runs it as a cheap precheck before the supervisor probe, so a
// dead container fails fast instead of burning an HTTP timeout.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// WithTimeout overrides the dial timeout.
func (t *TCPChecker) WithTimeout(d time.Duration) *TCPChecker {
	t.Timeout = d
	return t
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("dial %s: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s accepts connections", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
