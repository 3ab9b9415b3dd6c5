package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftmail/mailforge/internal/domain"
	"github.com/driftmail/mailforge/internal/pkg/httputil"
	"github.com/driftmail/mailforge/internal/registry"
	"github.com/driftmail/mailforge/internal/scheduler"
	"github.com/driftmail/mailforge/internal/store"
	"github.com/driftmail/mailforge/internal/transport"
)

// OutcomeReader serves delivery log queries. Satisfied by both the Postgres
// store and the in-memory log.
type OutcomeReader interface {
	RecentOutcomes(ctx context.Context, f store.OutcomeFilter) ([]domain.DeliveryOutcome, error)
}

// AccountWriter persists account CRUD. Nil when running without a database.
type AccountWriter interface {
	UpsertSmtpAccount(ctx context.Context, a domain.SmtpAccount) error
	DeleteSmtpAccount(ctx context.Context, id string) error
}

// Handlers carries the wired components behind the HTTP surface.
type Handlers struct {
	sched    *scheduler.Scheduler
	reg      *registry.Registry
	pool     *transport.Pool
	outcomes OutcomeReader
	accounts AccountWriter // may be nil
}

// NewHandlers wires the handler set. accounts may be nil for store-less runs.
func NewHandlers(sched *scheduler.Scheduler, reg *registry.Registry, pool *transport.Pool, outcomes OutcomeReader, accounts AccountWriter) *Handlers {
	return &Handlers{sched: sched, reg: reg, pool: pool, outcomes: outcomes, accounts: accounts}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status":   "ok",
		"accounts": h.reg.Len(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

type jobPayload struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	HTMLBody  string `json:"html_body"`
	TextBody  string `json:"text_body"`
}

type enqueueRequest struct {
	CampaignID string       `json:"campaign_id"`
	Jobs       []jobPayload `json:"jobs"`
}

// EnqueueJobs appends jobs to the send queue and kicks off draining.
func (h *Handlers) EnqueueJobs(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Jobs) == 0 {
		httputil.BadRequest(w, "jobs is empty")
		return
	}

	jobs := make([]domain.SendJob, 0, len(req.Jobs))
	for i, p := range req.Jobs {
		if p.Recipient == "" {
			httputil.BadRequest(w, "job "+strconv.Itoa(i)+" has no recipient")
			return
		}
		if p.HTMLBody == "" && p.TextBody == "" {
			httputil.BadRequest(w, "job "+strconv.Itoa(i)+" has no body")
			return
		}
		jobs = append(jobs, domain.SendJob{
			Recipient: p.Recipient,
			Subject:   p.Subject,
			HTMLBody:  p.HTMLBody,
			TextBody:  p.TextBody,
		})
	}

	queued := h.sched.Enqueue(jobs, req.CampaignID)
	httputil.Accepted(w, map[string]any{
		"queued":       queued,
		"queue_length": h.sched.Status().QueueLength,
	})
}

// QueueStatus returns the scheduler's queue-centric state.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.sched.Status())
}

// PauseQueue stops new batches from starting.
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.sched.Pause()
	httputil.OK(w, h.sched.Status())
}

// ResumeQueue restarts draining.
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.sched.Resume()
	httputil.OK(w, h.sched.Status())
}

// ClearQueue drops all queued jobs; in-flight sends finish.
func (h *Handlers) ClearQueue(w http.ResponseWriter, r *http.Request) {
	h.sched.Clear()
	httputil.OK(w, h.sched.Status())
}

// Progress returns the live progress snapshot for the current run.
func (h *Handlers) Progress(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.sched.Progress())
}

// ListAccounts returns every account with its health state. Credentials are
// never serialized.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"accounts": h.reg.List()})
}

type accountPayload struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	UseSSL         bool   `json:"use_ssl"`
	FromEmail      string `json:"from_email"`
	FromName       string `json:"from_name"`
	RateLimit      int    `json:"rate_limit"`
	MaxConnections int    `json:"max_connections"`
}

func (p accountPayload) toDomain() domain.SmtpAccount {
	return domain.SmtpAccount{
		ID:             p.ID,
		Name:           p.Name,
		Host:           p.Host,
		Port:           p.Port,
		Username:       p.Username,
		Password:       p.Password,
		UseSSL:         p.UseSSL,
		FromEmail:      p.FromEmail,
		FromName:       p.FromName,
		RateLimit:      p.RateLimit,
		MaxConnections: p.MaxConnections,
		Status:         domain.AccountActive,
	}
}

// SaveAccount creates or replaces an SMTP account in the pool, persisting
// it when a store is configured.
func (h *Handlers) SaveAccount(w http.ResponseWriter, r *http.Request) {
	var p accountPayload
	if !httputil.Decode(w, r, &p) {
		return
	}
	if p.Host == "" || p.FromEmail == "" {
		httputil.BadRequest(w, "host and from_email are required")
		return
	}

	// Editing an existing account must not wipe its quarantine state, so
	// the registry merges health the same way a reload does.
	a := h.reg.Upsert(p.toDomain())
	if h.accounts != nil {
		if err := h.accounts.UpsertSmtpAccount(r.Context(), a); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	httputil.OK(w, a)
}

// DeleteAccount removes an account from the pool and the store.
func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if err := h.reg.Remove(id); err != nil {
		httputil.NotFound(w, "account not found")
		return
	}
	if h.accounts != nil {
		if err := h.accounts.DeleteSmtpAccount(r.Context(), id); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	httputil.OK(w, map[string]string{"deleted": id})
}

// TestAccount probes connectivity and auth for the posted account config
// without saving anything.
func (h *Handlers) TestAccount(w http.ResponseWriter, r *http.Request) {
	var p accountPayload
	if !httputil.Decode(w, r, &p) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := h.pool.Verify(ctx, p.toDomain()); err != nil {
		httputil.OK(w, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	httputil.OK(w, map[string]any{"ok": true})
}

// ListOutcomes queries the delivery log, newest first.
func (h *Handlers) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	f := store.OutcomeFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Result:     domain.DeliveryResult(r.URL.Query().Get("result")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}

	out, err := h.outcomes.RecentOutcomes(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if out == nil {
		out = []domain.DeliveryOutcome{}
	}
	httputil.OK(w, map[string]any{"outcomes": out, "count": len(out)})
}
