package standby

import (
	"context"
	"time"

	"github.com/driftmail/mailforge/internal/domain"
	"github.com/driftmail/mailforge/internal/pkg/logger"
	"github.com/driftmail/mailforge/internal/registry"
)

const (
	// Each consecutive failure adds five minutes of quarantine,
	// capped at one hour.
	backoffStep = 5 * time.Minute
	backoffCap  = 60 * time.Minute

	// DefaultSweepInterval is how often Run re-checks standby timers while
	// the engine is active, so accounts recover even when no new batch
	// triggers an eligibility pass.
	DefaultSweepInterval = 30 * time.Second
)

// Duration returns the quarantine window for the given consecutive failure
// count: min(failureCount * 5, 60) minutes.
func Duration(failureCount int) time.Duration {
	d := time.Duration(failureCount) * backoffStep
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Policy owns the health fields of SMTP accounts. It is the only writer of
// Status/FailureCount/StandbyUntil/LastError besides the success path,
// which also lives here.
type Policy struct {
	reg *registry.Registry
}

// NewPolicy creates a standby policy over the given registry.
func NewPolicy(reg *registry.Registry) *Policy {
	return &Policy{reg: reg}
}

// RecordFailure bumps the account's failure count and quarantines it with
// backoff proportional to the accumulated count. The count only resets on a
// successful send, so a flaky account earns ever-longer windows.
func (p *Policy) RecordFailure(accountID, errMsg string, now time.Time) {
	var failures int
	var until time.Time
	err := p.reg.Update(accountID, func(a *domain.SmtpAccount) {
		a.FailureCount++
		failures = a.FailureCount
		until = now.Add(Duration(a.FailureCount))
		a.Status = domain.AccountStandby
		a.StandbyUntil = &until
		a.LastError = errMsg
	})
	if err != nil {
		logger.Warn("standby: failure on unknown account", "account_id", accountID)
		return
	}
	logger.Warn("account placed on standby",
		"account_id", accountID,
		"failure_count", failures,
		"standby_until", until.Format(time.RFC3339),
		"error", errMsg,
	)
}

// RecordSuccess clears all quarantine state on the account. A single
// successful send forgives any accumulated failures.
func (p *Policy) RecordSuccess(accountID string, now time.Time) {
	_ = p.reg.Update(accountID, func(a *domain.SmtpAccount) {
		a.Status = domain.AccountActive
		a.FailureCount = 0
		a.StandbyUntil = nil
		a.LastError = ""
		t := now
		a.LastUsedAt = &t
	})
}

// ReactivateExpired flips every standby account whose timer has elapsed
// back to active and clears the timer. Returns the number reactivated.
// Invoked at the top of every drain cycle and by the periodic sweep.
func (p *Policy) ReactivateExpired(now time.Time) int {
	n := 0
	for _, a := range p.reg.List() {
		if a.Status != domain.AccountStandby {
			continue
		}
		if a.StandbyUntil == nil || a.StandbyUntil.After(now) {
			continue
		}
		id := a.ID
		_ = p.reg.Update(id, func(a *domain.SmtpAccount) {
			// Re-check under the account lock; a concurrent failure may
			// have pushed the timer out again.
			if a.Status != domain.AccountStandby || a.StandbyUntil == nil || a.StandbyUntil.After(now) {
				return
			}
			a.Status = domain.AccountActive
			a.StandbyUntil = nil
			n++
		})
	}
	if n > 0 {
		logger.Info("reactivated standby accounts", "count", n)
	}
	return n
}

// Run sweeps standby timers on the given interval until ctx is cancelled.
func (p *Policy) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReactivateExpired(time.Now())
		}
	}
}
