package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/driftmail/mailforge/internal/domain"
)

// minRate keeps the remaining-time estimate finite before the first send
// of a run completes.
const minRate = 0.001

// Progress returns a live snapshot of the current run. Counters reset when
// a fresh run starts, not when the previous one finishes, so the final
// numbers of a drained run stay readable until the next enqueue.
func (s *Scheduler) Progress() domain.ProgressSnapshot {
	sent := atomic.LoadInt64(&s.sent)
	failed := atomic.LoadInt64(&s.failed)

	s.mu.Lock()
	total := s.total
	start := s.runStart
	batch := make([]string, len(s.currentBatch))
	copy(batch, s.currentBatch)
	s.mu.Unlock()

	return computeProgress(total, sent, failed, batch, start, time.Now())
}

// computeProgress derives the percentage, throughput, and remaining-time
// estimate. Pure so the arithmetic is testable without a running scheduler.
func computeProgress(total, sent, failed int64, batch []string, start, now time.Time) domain.ProgressSnapshot {
	snap := domain.ProgressSnapshot{
		TotalEmails:            total,
		SentCount:              sent,
		FailedCount:            failed,
		CurrentBatchRecipients: batch,
		RunStartedAt:           start,
	}
	if total <= 0 {
		return snap
	}

	processed := sent + failed
	if processed > total {
		processed = total
	}
	snap.ProgressPercent = float64(processed) / float64(total) * 100

	var rate float64
	if elapsed := now.Sub(start).Seconds(); !start.IsZero() && elapsed > 0 {
		rate = float64(sent) / elapsed
	}
	snap.EmailsPerSecond = rate

	if remaining := total - processed; remaining > 0 {
		if rate < minRate {
			rate = minRate
		}
		snap.EstimatedSecondsRemaining = float64(remaining) / rate
	}
	return snap
}
