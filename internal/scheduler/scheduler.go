package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/mailforge/internal/domain"
	"github.com/driftmail/mailforge/internal/pkg/logger"
	"github.com/driftmail/mailforge/internal/registry"
	"github.com/driftmail/mailforge/internal/standby"
)

// Transport delivers one job through one account. Implemented by the
// transport pool; tests substitute fakes.
type Transport interface {
	Send(ctx context.Context, accountID string, job domain.SendJob) error
}

// OutcomeSink records one delivery outcome per job attempt. Implemented by
// the persistent store.
type OutcomeSink interface {
	RecordDeliveryOutcome(ctx context.Context, o domain.DeliveryOutcome) error
}

// RateLimiter gates sends against an account's per-minute ceiling.
type RateLimiter interface {
	Wait(ctx context.Context, accountID string, perMinute int) error
}

// Config tunes the drain loop.
type Config struct {
	// MaxConcurrent bounds how many sends run in parallel per batch.
	MaxConcurrent int
	// DelayBetweenBatches is the pause after each settled batch.
	DelayBetweenBatches time.Duration
	// SendTimeout bounds each individual send attempt.
	SendTimeout time.Duration
}

const (
	defaultMaxConcurrent = 5
	defaultBatchDelay    = time.Second
	defaultSendTimeout   = 30 * time.Second
)

// Scheduler drains an in-memory job queue across the SMTP account pool.
// States are Idle and Draining, with paused as an orthogonal flag. At most
// one drain loop runs at a time; the processing flag is the exclusive lock
// over the queue.
type Scheduler struct {
	reg       *registry.Registry
	policy    *standby.Policy
	transport Transport
	sink      OutcomeSink
	limiter   RateLimiter // nil disables rate limiting

	maxConcurrent int
	delay         time.Duration
	sendTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	queue        []domain.SendJob
	processing   bool
	paused       bool
	lastWarning  string
	currentBatch []string
	runStart     time.Time
	total        int64

	sent   int64 // atomic
	failed int64 // atomic
}

// New creates a scheduler. limiter may be nil.
func New(reg *registry.Registry, policy *standby.Policy, transport Transport, sink OutcomeSink, limiter RateLimiter, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DelayBetweenBatches <= 0 {
		cfg.DelayBetweenBatches = defaultBatchDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		reg:           reg,
		policy:        policy,
		transport:     transport,
		sink:          sink,
		limiter:       limiter,
		maxConcurrent: cfg.MaxConcurrent,
		delay:         cfg.DelayBetweenBatches,
		sendTimeout:   cfg.SendTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Enqueue appends jobs to the queue tail and starts a drain cycle if the
// scheduler is idle and not paused. Jobs get ids assigned if missing; the
// campaign id is stamped on every job when given. Returns the number of
// jobs accepted.
func (s *Scheduler) Enqueue(jobs []domain.SendJob, campaignID string) int {
	if len(jobs) == 0 {
		return 0
	}
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.New().String()
		}
		if campaignID != "" {
			jobs[i].CampaignID = campaignID
		}
	}

	s.mu.Lock()
	// A fresh run starts when the previous one fully settled: queue empty
	// and no drain loop owning it. Mid-run appends just grow the total.
	if !s.processing && len(s.queue) == 0 {
		atomic.StoreInt64(&s.sent, 0)
		atomic.StoreInt64(&s.failed, 0)
		s.total = int64(len(jobs))
		s.runStart = time.Now()
	} else {
		s.total += int64(len(jobs))
	}
	s.queue = append(s.queue, jobs...)

	start := !s.processing && !s.paused
	if start {
		s.processing = true
		s.wg.Add(1)
	}
	qlen := len(s.queue)
	s.mu.Unlock()

	logger.Info("jobs enqueued", "count", len(jobs), "campaign_id", campaignID, "queue_length", qlen)
	if start {
		go s.drain()
	}
	return len(jobs)
}

// Pause blocks new batches from starting. The in-flight batch, if any,
// runs to completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	logger.Info("scheduler paused")
}

// Resume clears the paused flag and restarts draining if jobs remain.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	start := !s.processing && len(s.queue) > 0
	if start {
		s.processing = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	logger.Info("scheduler resumed")
	if start {
		go s.drain()
	}
}

// Clear empties the queue. In-flight sends are not cancelled; they still
// settle and still update health and the delivery log.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.lastWarning = ""
	s.mu.Unlock()
	logger.Info("queue cleared", "dropped", dropped)
}

// Status returns the queue-centric scheduler state.
func (s *Scheduler) Status() domain.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.QueueStatus{
		IsProcessing:          s.processing,
		IsPaused:              s.paused,
		QueueLength:           len(s.queue),
		MaxConcurrent:         s.maxConcurrent,
		DelayBetweenBatchesMs: int(s.delay / time.Millisecond),
		LastWarning:           s.lastWarning,
	}
}

// Stop cancels the drain loop and waits for the in-flight batch to settle.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// drain is the exclusive queue-processing loop. One cycle per iteration:
// refresh eligibility, pull up to maxConcurrent jobs, dispatch them
// concurrently with round-robin assignment, join, pace, repeat.
func (s *Scheduler) drain() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			s.goIdle()
			return
		}

		s.mu.Lock()
		if s.paused || len(s.queue) == 0 {
			s.processing = false
			s.currentBatch = nil
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		// Standby expiry is checked before every eligibility computation.
		now := time.Now()
		s.policy.ReactivateExpired(now)
		eligible := s.reg.EligibleIDs(now)
		if len(eligible) == 0 {
			s.mu.Lock()
			s.lastWarning = "all smtp accounts are on standby or disabled; sending halted"
			qlen := len(s.queue)
			s.processing = false
			s.currentBatch = nil
			s.mu.Unlock()
			logger.Warn("no eligible accounts, drain halted", "queue_length", qlen)
			return
		}

		// Pull the next batch off the queue head.
		s.mu.Lock()
		s.lastWarning = ""
		n := s.maxConcurrent
		if n > len(s.queue) {
			n = len(s.queue)
		}
		batch := make([]domain.SendJob, n)
		copy(batch, s.queue[:n])
		s.queue = s.queue[n:]
		recipients := make([]string, n)
		for i, job := range batch {
			recipients[i] = job.Recipient
		}
		s.currentBatch = recipients
		s.mu.Unlock()

		// Round-robin over the eligible snapshot with a cycle-local index:
		// job i goes to eligible[i mod len(eligible)]. The index never
		// persists across cycles, so account churn cannot skew it.
		var batchWG sync.WaitGroup
		for i, job := range batch {
			accountID := eligible[i%len(eligible)]
			batchWG.Add(1)
			go func(job domain.SendJob, accountID string) {
				defer batchWG.Done()
				s.sendOne(job, accountID)
			}(job, accountID)
		}
		batchWG.Wait()

		s.mu.Lock()
		s.currentBatch = nil
		done := len(s.queue) == 0
		paused := s.paused
		if done || paused {
			s.processing = false
			s.mu.Unlock()
			if done {
				logger.Info("queue drained",
					"sent", atomic.LoadInt64(&s.sent),
					"failed", atomic.LoadInt64(&s.failed),
				)
			}
			return
		}
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			s.goIdle()
			return
		case <-time.After(s.delay):
		}
	}
}

func (s *Scheduler) goIdle() {
	s.mu.Lock()
	s.processing = false
	s.currentBatch = nil
	s.mu.Unlock()
}

// sendOne performs a single delivery attempt. Errors never escape: every
// path ends in exactly one recorded DeliveryOutcome plus the matching
// health update.
func (s *Scheduler) sendOne(job domain.SendJob, accountID string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.sendTimeout)
	defer cancel()

	acct, err := s.reg.Get(accountID)
	if err != nil {
		// Account vanished between selection and dispatch. Fatal for this
		// job only; no health state exists to update.
		atomic.AddInt64(&s.failed, 1)
		s.record(job, accountID, domain.DeliveryFailed, err.Error())
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, accountID, acct.RateLimit); err != nil {
			atomic.AddInt64(&s.failed, 1)
			s.policy.RecordFailure(accountID, err.Error(), time.Now())
			s.record(job, accountID, domain.DeliveryFailed, err.Error())
			return
		}
	}

	if err := s.transport.Send(ctx, accountID, job); err != nil {
		atomic.AddInt64(&s.failed, 1)
		s.policy.RecordFailure(accountID, err.Error(), time.Now())
		s.record(job, accountID, domain.DeliveryFailed, err.Error())
		logger.Debug("send failed", "recipient", job.Recipient, "account_id", accountID, "error", err.Error())
		return
	}

	atomic.AddInt64(&s.sent, 1)
	s.policy.RecordSuccess(accountID, time.Now())
	s.record(job, accountID, domain.DeliverySent, "")
}

// record appends the delivery outcome. Uses its own context so outcomes of
// in-flight sends still land during shutdown.
func (s *Scheduler) record(job domain.SendJob, accountID string, result domain.DeliveryResult, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o := domain.DeliveryOutcome{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		AccountID:  accountID,
		Recipient:  job.Recipient,
		Result:     result,
		Error:      errMsg,
		Timestamp:  time.Now(),
	}
	if err := s.sink.RecordDeliveryOutcome(ctx, o); err != nil {
		logger.Error("delivery outcome not recorded", "job_id", job.ID, "error", err.Error())
	}
}
