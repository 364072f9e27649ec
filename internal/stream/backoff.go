package stream

import (
	"fmt"
	"time"
)

// Reconnect policies.
const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"
)

// DefaultStableAfter is how long a connection must stay up before the
// backoff starts over from Initial.
const DefaultStableAfter = time.Minute

// ReconnectPolicy decides how long to wait between reconnect attempts.
type ReconnectPolicy struct {
	Mode    string
	Initial time.Duration
	Max     time.Duration

	// StableAfter overrides DefaultStableAfter when positive.
	StableAfter time.Duration
}

// DefaultReconnectPolicy starts at 5s and doubles up to 5 minutes.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Mode: PolicyExponential, Initial: 5 * time.Second, Max: 5 * time.Minute}
}

// FixedReconnect always waits d.
func FixedReconnect(d time.Duration) ReconnectPolicy {
	return ReconnectPolicy{Mode: PolicyFixed, Initial: d, Max: d}
}

// ExponentialReconnect doubles the delay from initial up to max.
func ExponentialReconnect(initial, max time.Duration) ReconnectPolicy {
	return ReconnectPolicy{Mode: PolicyExponential, Initial: initial, Max: max}
}

// Next returns the delay to use after current.
func (p ReconnectPolicy) Next(current time.Duration) time.Duration {
	if p.Mode != PolicyExponential {
		return p.Initial
	}
	next := current * 2
	if next > p.Max || next <= 0 {
		next = p.Max
	}
	return next
}

// Stable reports whether a connection that stayed up for uptime resets the
// backoff. Connections the server drops right away keep it growing.
func (p ReconnectPolicy) Stable(uptime time.Duration) bool {
	stable := p.StableAfter
	if stable <= 0 {
		stable = DefaultStableAfter
	}
	return uptime >= stable
}

// Validate checks the policy values.
func (p ReconnectPolicy) Validate() error {
	switch p.Mode {
	case PolicyFixed, PolicyExponential:
	default:
		return fmt.Errorf("unknown reconnect policy %q", p.Mode)
	}
	if p.Initial <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if p.Mode == PolicyExponential && p.Max < p.Initial {
		return fmt.Errorf("max reconnect delay %s is below initial %s", p.Max, p.Initial)
	}
	return nil
}
