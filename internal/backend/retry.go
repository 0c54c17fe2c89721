package backend

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryDelay extracts a retry hint from a throttled response.
// It checks the standard Retry-After header, as seconds first, then as an
// HTTP date. Returns 0 if no retry information is found. The hint paces the
// next poll; it never triggers an automatic retry of a failed action.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return time.Until(t)
	}
	return 0
}
