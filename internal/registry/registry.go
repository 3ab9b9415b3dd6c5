package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftmail/mailforge/internal/domain"
)

// ErrNotFound is returned when an account id has no registry entry.
var ErrNotFound = errors.New("smtp account not found")

// AccountSource supplies the configured accounts from the persistent store.
type AccountSource interface {
	GetAllSmtpAccounts(ctx context.Context) ([]domain.SmtpAccount, error)
}

// entry wraps one account with its own lock so two concurrent sends that
// landed on the same account never race on its health fields. Round-robin
// assignment can pick the same account twice within a wide batch, so a
// single registry-wide lock would serialize whole batches instead.
type entry struct {
	mu   sync.Mutex
	acct domain.SmtpAccount
}

// Registry holds the live view of the SMTP account pool. Listing and
// lookups copy the account value out; health mutation goes through Update
// and is serialized per account.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*entry
	order    []string // insertion order, keeps rotation deterministic
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{accounts: make(map[string]*entry)}
}

// Load replaces the pool with the accounts from the source. Health state of
// accounts that survive the reload is preserved so a config refresh does not
// reset quarantine timers.
func (r *Registry) Load(ctx context.Context, src AccountSource) error {
	accts, err := src.GetAllSmtpAccounts(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*entry, len(accts))
	order := make([]string, 0, len(accts))
	for _, a := range accts {
		if a.Status == "" {
			a.Status = domain.AccountActive
		}
		if prev, ok := r.accounts[a.ID]; ok {
			prev.mu.Lock()
			a.Status = prev.acct.Status
			a.FailureCount = prev.acct.FailureCount
			a.StandbyUntil = prev.acct.StandbyUntil
			a.LastError = prev.acct.LastError
			a.LastUsedAt = prev.acct.LastUsedAt
			prev.mu.Unlock()
		}
		next[a.ID] = &entry{acct: a}
		order = append(order, a.ID)
	}
	r.accounts = next
	r.order = order
	return nil
}

// Put inserts or replaces a single account. Used by tests and by callers
// that manage accounts without a persistent store.
func (r *Registry) Put(a domain.SmtpAccount) {
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.ID]; !ok {
		r.order = append(r.order, a.ID)
	}
	r.accounts[a.ID] = &entry{acct: a}
}

// Upsert inserts the account or replaces its configuration while keeping
// the existing entry's health fields, the same way Load preserves health
// across a reload. Returns the stored account.
func (r *Registry) Upsert(a domain.SmtpAccount) domain.SmtpAccount {
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.accounts[a.ID]
	if !ok {
		r.order = append(r.order, a.ID)
		r.accounts[a.ID] = &entry{acct: a}
		return a
	}
	prev.mu.Lock()
	a.Status = prev.acct.Status
	a.FailureCount = prev.acct.FailureCount
	a.StandbyUntil = prev.acct.StandbyUntil
	a.LastError = prev.acct.LastError
	a.LastUsedAt = prev.acct.LastUsedAt
	prev.acct = a
	prev.mu.Unlock()
	return a
}

// Get returns a copy of the account, or ErrNotFound.
func (r *Registry) Get(id string) (domain.SmtpAccount, error) {
	r.mu.RLock()
	e, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return domain.SmtpAccount{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct, nil
}

// List returns copies of all accounts in insertion order.
func (r *Registry) List() []domain.SmtpAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SmtpAccount, 0, len(r.order))
	for _, id := range r.order {
		e := r.accounts[id]
		e.mu.Lock()
		out = append(out, e.acct)
		e.mu.Unlock()
	}
	return out
}

// Update applies fn to the account under its per-account lock. This is the
// only mutation path for health fields.
func (r *Registry) Update(id string, fn func(*domain.SmtpAccount)) error {
	r.mu.RLock()
	e, ok := r.accounts[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	fn(&e.acct)
	e.mu.Unlock()
	return nil
}

// Remove deletes an account from the pool. In-flight sends against it
// finish; they just fail their registry lookups afterwards.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(r.accounts, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// EligibleIDs returns the ids of accounts currently allowed to receive
// jobs, in insertion order. Standby accounts with elapsed timers are
// included; the standby policy flips them back to active before any
// selection happens.
func (r *Registry) EligibleIDs(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.order {
		e := r.accounts[id]
		e.mu.Lock()
		ok := e.acct.Eligible(now)
		e.mu.Unlock()
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of configured accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts)
}
