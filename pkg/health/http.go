package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes a backend over HTTP. Any status inside
// [StatusMin, StatusMax] counts as healthy.
type HTTPChecker struct {
	URL       string
	Method    string
	StatusMin int
	StatusMax int
	Client    *http.Client
}

func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Method:    http.MethodGet,
		StatusMin: 200,
		StatusMax: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithTimeout overrides the request timeout.
func (h *HTTPChecker) WithTimeout(d time.Duration) *HTTPChecker {
	h.Client.Timeout = d
	return h
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("build request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.StatusMin, h.StatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
