package vault

import "time"

// Stepped lockout windows for failed unlock attempts. The counter survives
// until a successful unlock; it is not reset by the window elapsing, so
// repeat offenders climb to the longer windows.
const (
	cooldownThreshold1 = 5
	cooldownThreshold2 = 10
	cooldownThreshold3 = 20

	cooldownWindow1 = 30 * time.Second
	cooldownWindow2 = 5 * time.Minute
	cooldownWindow3 = 30 * time.Minute
)

// rateLimitLocked returns the active lockout, if any. Callers hold mu.
func (v *Vault) rateLimitLocked() *RateLimitedError {
	if v.lockoutUntil.IsZero() {
		return nil
	}
	remaining := v.lockoutUntil.Sub(v.now())
	if remaining <= 0 {
		v.lockoutUntil = time.Time{}
		return nil
	}
	return &RateLimitedError{
		RemainingMs:       remaining.Milliseconds(),
		RemainingAttempts: v.remainingAttemptsLocked(),
	}
}

// registerFailureLocked advances the counter and opens the lockout window
// when a threshold is crossed. The stored hash and salt are never touched.
func (v *Vault) registerFailureLocked() {
	v.failures++
	var window time.Duration
	switch {
	case v.failures >= cooldownThreshold3:
		window = cooldownWindow3
	case v.failures >= cooldownThreshold2:
		window = cooldownWindow2
	case v.failures >= cooldownThreshold1:
		window = cooldownWindow1
	default:
		return
	}
	v.lockoutUntil = v.now().Add(window)
	v.log.Warn().Int("failures", v.failures).Dur("lockout", window).Msg("unlock attempts rate limited")
}

func (v *Vault) remainingAttemptsLocked() int {
	next := cooldownThreshold1
	switch {
	case v.failures >= cooldownThreshold2:
		next = cooldownThreshold3
	case v.failures >= cooldownThreshold1:
		next = cooldownThreshold2
	}
	if r := next - v.failures; r > 0 {
		return r
	}
	return 0
}
