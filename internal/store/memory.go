package store

import (
	"context"
	"sync"

	"github.com/driftmail/mailforge/internal/domain"
)

// MemoryLog is an in-memory delivery log used when the server runs without
// a database. It keeps a bounded ring of the most recent outcomes.
type MemoryLog struct {
	mu       sync.Mutex
	outcomes []domain.DeliveryOutcome
	cap      int
}

// NewMemoryLog creates a bounded in-memory log. capN <= 0 defaults to 10000.
func NewMemoryLog(capN int) *MemoryLog {
	if capN <= 0 {
		capN = 10000
	}
	return &MemoryLog{cap: capN}
}

// RecordDeliveryOutcome appends one outcome, evicting the oldest when full.
func (m *MemoryLog) RecordDeliveryOutcome(_ context.Context, o domain.DeliveryOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	if len(m.outcomes) > m.cap {
		m.outcomes = m.outcomes[len(m.outcomes)-m.cap:]
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes, newest first, optionally
// filtered by campaign and result.
func (m *MemoryLog) RecentOutcomes(_ context.Context, f OutcomeFilter) ([]domain.DeliveryOutcome, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.DeliveryOutcome
	for i := len(m.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		o := m.outcomes[i]
		if f.CampaignID != "" && o.CampaignID != f.CampaignID {
			continue
		}
		if f.Result != "" && o.Result != f.Result {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
