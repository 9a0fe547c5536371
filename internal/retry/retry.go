// Package retry holds the backoff policy used when failed transfers are
// resubmitted automatically.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/vaultfetch/vaultfetch/internal/config"
)

// Policy configures exponential backoff for resubmitting a failed unit of work.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// FromConfig converts a RetryConfig into a Policy, filling unset fields.
func FromConfig(c config.RetryConfig) Policy {
	p := Policy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		p.InitialDelay = p.MaxDelay
	}
	return p
}

// Disabled returns a policy that never retries.
func Disabled() Policy {
	return Policy{}
}

// Allows reports whether another attempt may be made after `failures` failures.
func (p Policy) Allows(failures int) bool {
	return failures <= p.MaxAttempts
}

// Delay returns the wait before retry number `attempt` (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// IsNetworkError checks if an error is likely due to network unavailability.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	var dnsErr *net.DNSError
	if errors.As(err, &netErr) || errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkIndicators := []string{
		"connection refused",
		"no such host",
		"timeout",
		"network is unreachable",
		"no route to host",
		"connection reset",
		"unexpected eof",
		"temporary failure in name resolution",
	}
	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
