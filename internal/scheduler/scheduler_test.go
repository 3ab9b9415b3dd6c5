package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmail/mailforge/internal/domain"
	"github.com/driftmail/mailforge/internal/registry"
	"github.com/driftmail/mailforge/internal/standby"
)

// fakeTransport records which account each recipient was sent through and
// tracks the peak number of concurrent sends.
type fakeTransport struct {
	mu          sync.Mutex
	sends       map[string]string // recipient -> account id
	delay       time.Duration
	failAccount map[string]bool

	// When set, every send signals started and then blocks until release
	// is closed, so tests can act while a batch is in flight.
	started chan struct{}
	release chan struct{}

	inFlight    int64
	maxInFlight int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sends: make(map[string]string), failAccount: make(map[string]bool)}
}

func (f *fakeTransport) Send(_ context.Context, accountID string, job domain.SendJob) error {
	cur := atomic.AddInt64(&f.inFlight, 1)
	for {
		max := atomic.LoadInt64(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt64(&f.maxInFlight, max, cur) {
			break
		}
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	atomic.AddInt64(&f.inFlight, -1)

	f.mu.Lock()
	f.sends[job.Recipient] = accountID
	fail := f.failAccount[accountID]
	f.mu.Unlock()

	if fail {
		return errors.New("smtp 550 rejected")
	}
	return nil
}

func (f *fakeTransport) sentThrough(recipient string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[recipient]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeSink collects delivery outcomes in memory.
type fakeSink struct {
	mu       sync.Mutex
	outcomes []domain.DeliveryOutcome
}

func (s *fakeSink) RecordDeliveryOutcome(_ context.Context, o domain.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *fakeSink) byRecipient(recipient string) (domain.DeliveryOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outcomes {
		if o.Recipient == recipient {
			return o, true
		}
	}
	return domain.DeliveryOutcome{}, false
}

func (s *fakeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func newTestScheduler(t *testing.T, tr *fakeTransport, sink *fakeSink, maxConcurrent int, accountIDs ...string) (*Scheduler, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for _, id := range accountIDs {
		reg.Put(domain.SmtpAccount{
			ID:        id,
			Host:      "smtp.example.com",
			Port:      587,
			FromEmail: id + "@example.com",
		})
	}
	s := New(reg, standby.NewPolicy(reg), tr, sink, nil, Config{
		MaxConcurrent:       maxConcurrent,
		DelayBetweenBatches: 5 * time.Millisecond,
		SendTimeout:         time.Second,
	})
	t.Cleanup(s.Stop)
	return s, reg
}

func jobs(recipients ...string) []domain.SendJob {
	out := make([]domain.SendJob, len(recipients))
	for i, r := range recipients {
		out[i] = domain.SendJob{Recipient: r, Subject: "hi", TextBody: "body"}
	}
	return out
}

func waitDrained(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.Status()
		return !st.IsProcessing && st.QueueLength == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRoundRobinAssignment(t *testing.T) {
	tr := newFakeTransport()
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, tr, sink, 3, "acct-a", "acct-b")

	n := s.Enqueue(jobs("r0@x.com", "r1@x.com", "r2@x.com", "r3@x.com"), "camp-1")
	assert.Equal(t, 4, n)
	waitDrained(t, s)

	// First batch of three cycles a, b, a; the index resets for the next
	// batch, so the fourth job starts over at a.
	assert.Equal(t, "acct-a", tr.sentThrough("r0@x.com"))
	assert.Equal(t, "acct-b", tr.sentThrough("r1@x.com"))
	assert.Equal(t, "acct-a", tr.sentThrough("r2@x.com"))
	assert.Equal(t, "acct-a", tr.sentThrough("r3@x.com"))

	o, ok := sink.byRecipient("r0@x.com")
	require.True(t, ok)
	assert.Equal(t, domain.DeliverySent, o.Result)
	assert.Equal(t, "camp-1", o.CampaignID)
	assert.NotEmpty(t, o.JobID)
}

func TestConcurrencyStaysBounded(t *testing.T) {
	tr := newFakeTransport()
	tr.delay = 20 * time.Millisecond
	s, _ := newTestScheduler(t, tr, &fakeSink{}, 3, "acct-a")

	recipients := make([]string, 10)
	for i := range recipients {
		recipients[i] = string(rune('a'+i)) + "@x.com"
	}
	s.Enqueue(jobs(recipients...), "")
	waitDrained(t, s)

	assert.Equal(t, 10, tr.count())
	assert.LessOrEqual(t, atomic.LoadInt64(&tr.maxInFlight), int64(3))

	p := s.Progress()
	assert.Equal(t, int64(10), p.TotalEmails)
	assert.Equal(t, int64(10), p.SentCount)
	assert.Equal(t, int64(0), p.FailedCount)
	assert.InDelta(t, 100.0, p.ProgressPercent, 0.01)
}

func TestFailedBatchQuarantinesAccount(t *testing.T) {
	tr := newFakeTransport()
	tr.failAccount["acct-a"] = true
	sink := &fakeSink{}
	s, reg := newTestScheduler(t, tr, sink, 3, "acct-a")

	start := time.Now()
	s.Enqueue(jobs("r0@x.com", "r1@x.com", "r2@x.com"), "")

	// All three fail concurrently on the only account, accumulating a
	// failure count of three and a fifteen minute window.
	require.Eventually(t, func() bool {
		return !s.Status().IsProcessing
	}, 3*time.Second, 5*time.Millisecond)

	acct, err := reg.Get("acct-a")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStandby, acct.Status)
	assert.Equal(t, 3, acct.FailureCount)
	require.NotNil(t, acct.StandbyUntil)
	assert.WithinDuration(t, start.Add(15*time.Minute), *acct.StandbyUntil, 5*time.Second)

	p := s.Progress()
	assert.Equal(t, int64(3), p.FailedCount)
	assert.Equal(t, int64(0), p.SentCount)
	assert.Equal(t, 3, sink.len())
}

func TestNoEligibleAccountsHaltsWithWarning(t *testing.T) {
	tr := newFakeTransport()
	reg := registry.New()
	reg.Put(domain.SmtpAccount{ID: "off", Status: domain.AccountDisabled})
	s := New(reg, standby.NewPolicy(reg), tr, &fakeSink{}, nil, Config{
		MaxConcurrent:       2,
		DelayBetweenBatches: 5 * time.Millisecond,
	})
	t.Cleanup(s.Stop)

	s.Enqueue(jobs("r0@x.com", "r1@x.com"), "")

	require.Eventually(t, func() bool {
		return !s.Status().IsProcessing
	}, 3*time.Second, 5*time.Millisecond)

	st := s.Status()
	assert.NotEmpty(t, st.LastWarning)
	// Jobs stay queued for when an account comes back
	assert.Equal(t, 2, st.QueueLength)
	assert.Equal(t, 0, tr.count())
}

func TestPauseHoldsQueueUntilResume(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestScheduler(t, tr, &fakeSink{}, 2, "acct-a")

	s.Pause()
	s.Enqueue(jobs("r0@x.com", "r1@x.com", "r2@x.com"), "")

	time.Sleep(30 * time.Millisecond)
	st := s.Status()
	assert.True(t, st.IsPaused)
	assert.False(t, st.IsProcessing)
	assert.Equal(t, 3, st.QueueLength)
	assert.Equal(t, 0, tr.count())

	s.Resume()
	waitDrained(t, s)
	assert.Equal(t, 3, tr.count())
	assert.False(t, s.Status().IsPaused)
}

func TestPauseMidBatchFinishesCurrentBatch(t *testing.T) {
	tr := newFakeTransport()
	tr.started = make(chan struct{}, 10)
	tr.release = make(chan struct{})
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, tr, sink, 1, "acct-a")

	s.Enqueue(jobs("r0@x.com", "r1@x.com", "r2@x.com"), "")

	// Pause while the first send is in flight, then let it finish.
	<-tr.started
	s.Pause()
	close(tr.release)

	require.Eventually(t, func() bool {
		return !s.Status().IsProcessing
	}, 3*time.Second, 5*time.Millisecond)

	// The in-flight batch settled; no further batch started.
	st := s.Status()
	assert.True(t, st.IsPaused)
	assert.Equal(t, 2, st.QueueLength)
	assert.Equal(t, 1, tr.count())
	assert.Equal(t, int64(1), s.Progress().SentCount)

	s.Resume()
	waitDrained(t, s)
	assert.Equal(t, 3, tr.count())
	assert.Equal(t, int64(3), s.Progress().SentCount)
}

func TestMidRunQuarantineLeavesJobsQueued(t *testing.T) {
	tr := newFakeTransport()
	tr.failAccount["acct-a"] = true
	sink := &fakeSink{}
	s, reg := newTestScheduler(t, tr, sink, 3, "acct-a")

	// The first batch of three fails and quarantines the only account, so
	// the next cycle finds nobody eligible and halts mid-run.
	s.Enqueue(jobs("r0@x.com", "r1@x.com", "r2@x.com", "r3@x.com", "r4@x.com", "r5@x.com"), "")

	require.Eventually(t, func() bool {
		return !s.Status().IsProcessing
	}, 3*time.Second, 5*time.Millisecond)

	st := s.Status()
	assert.NotEmpty(t, st.LastWarning)
	assert.Equal(t, 3, st.QueueLength)
	assert.Equal(t, int64(3), s.Progress().FailedCount)
	assert.Equal(t, 3, sink.len())

	acct, err := reg.Get("acct-a")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStandby, acct.Status)
}

func TestClearDropsQueuedJobs(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestScheduler(t, tr, &fakeSink{}, 2, "acct-a")

	s.Pause()
	s.Enqueue(jobs("r0@x.com", "r1@x.com"), "")
	s.Clear()

	assert.Equal(t, 0, s.Status().QueueLength)

	s.Resume()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, tr.count())
}

func TestMixedOutcomes(t *testing.T) {
	tr := newFakeTransport()
	tr.failAccount["acct-b"] = true
	sink := &fakeSink{}
	s, reg := newTestScheduler(t, tr, sink, 2, "acct-a", "acct-b")

	s.Enqueue(jobs("ok@x.com", "bad@x.com"), "")
	waitDrained(t, s)

	ok, found := sink.byRecipient("ok@x.com")
	require.True(t, found)
	assert.Equal(t, domain.DeliverySent, ok.Result)
	assert.Equal(t, "acct-a", ok.AccountID)
	assert.Empty(t, ok.Error)

	bad, found := sink.byRecipient("bad@x.com")
	require.True(t, found)
	assert.Equal(t, domain.DeliveryFailed, bad.Result)
	assert.Equal(t, "acct-b", bad.AccountID)
	assert.Contains(t, bad.Error, "550")

	a, _ := reg.Get("acct-a")
	assert.Equal(t, domain.AccountActive, a.Status)
	b, _ := reg.Get("acct-b")
	assert.Equal(t, domain.AccountStandby, b.Status)

	p := s.Progress()
	assert.Equal(t, int64(1), p.SentCount)
	assert.Equal(t, int64(1), p.FailedCount)
}

func TestFreshRunResetsCounters(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestScheduler(t, tr, &fakeSink{}, 2, "acct-a")

	s.Enqueue(jobs("r0@x.com", "r1@x.com"), "")
	waitDrained(t, s)
	assert.Equal(t, int64(2), s.Progress().TotalEmails)

	s.Enqueue(jobs("r2@x.com"), "")
	waitDrained(t, s)

	p := s.Progress()
	assert.Equal(t, int64(1), p.TotalEmails)
	assert.Equal(t, int64(1), p.SentCount)
}

func TestEnqueueEmpty(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeTransport(), &fakeSink{}, 2, "acct-a")
	assert.Equal(t, 0, s.Enqueue(nil, ""))
	assert.False(t, s.Status().IsProcessing)
}
