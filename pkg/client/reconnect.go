package client

import "time"

// ReconnectPolicy decides how long to wait before each reconnect attempt.
// The zero Multiplier keeps the wait fixed.
type ReconnectPolicy struct {
	Wait        time.Duration
	Multiplier  float64
	MaxWait     time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy retries every two seconds, forever
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Wait: 2 * time.Second}
}

// Allowed reports whether attempt (starting at 1) may run
func (p ReconnectPolicy) Allowed(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt <= p.MaxAttempts
}

// Delay returns the wait before attempt (starting at 1)
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	wait := p.Wait
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			wait = time.Duration(float64(wait) * p.Multiplier)
			if p.MaxWait > 0 && wait >= p.MaxWait {
				break
			}
		}
	}
	if p.MaxWait > 0 && wait > p.MaxWait {
		wait = p.MaxWait
	}
	return wait
}
