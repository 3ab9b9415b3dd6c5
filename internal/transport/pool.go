package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/driftmail/mailforge/internal/domain"
	"github.com/driftmail/mailforge/internal/pkg/logger"
	"github.com/driftmail/mailforge/internal/registry"
)

// ErrInvalidConfig is returned when an account's connection settings are
// malformed. Surfaced immediately to the caller, never batched.
var ErrInvalidConfig = errors.New("invalid smtp account configuration")

const (
	defaultMaxConnections = 3
	defaultMessageCap     = 100 // reconnect after this many sends per connection
	defaultSendTimeout    = 30 * time.Second
)

// conn is one reusable SMTP connection slot. sent counts messages since the
// last (re)dial so connections get recycled at the message cap.
type conn struct {
	client *mail.Client
	sent   int
}

// pooled holds the bounded connection set for one account. Slots circulate
// through a buffered channel: checkout blocks when every connection is in
// use, which is the per-account concurrency bound.
type pooled struct {
	acct  domain.SmtpAccount
	slots chan *conn
}

// Pool lazily creates and caches one pooled transport per SMTP account for
// the process lifetime.
type Pool struct {
	reg         *registry.Registry
	sendTimeout time.Duration
	messageCap  int

	mu     sync.Mutex
	byID   map[string]*pooled
	closed bool
}

// NewPool creates a transport pool over the registry. sendTimeout bounds
// each dial+send; messageCap caps messages per connection before a
// reconnect (0 means default).
func NewPool(reg *registry.Registry, sendTimeout time.Duration, messageCap int) *Pool {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	if messageCap <= 0 {
		messageCap = defaultMessageCap
	}
	return &Pool{
		reg:         reg,
		sendTimeout: sendTimeout,
		messageCap:  messageCap,
		byID:        make(map[string]*pooled),
	}
}

// get returns the cached pooled transport for the account, creating it on
// first use. Fails with registry.ErrNotFound for unknown ids.
func (p *Pool) get(accountID string) (*pooled, error) {
	acct, err := p.reg.Get(accountID)
	if err != nil {
		return nil, err
	}
	if err := validateAccount(acct); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("transport pool is closed")
	}
	if t, ok := p.byID[accountID]; ok {
		return t, nil
	}

	size := acct.MaxConnections
	if size <= 0 {
		size = defaultMaxConnections
	}
	t := &pooled{acct: acct, slots: make(chan *conn, size)}
	for i := 0; i < size; i++ {
		t.slots <- &conn{}
	}
	p.byID[accountID] = t
	logger.Debug("transport created", "account_id", accountID, "max_connections", size)
	return t, nil
}

// Send delivers one job through the given account. The from identity comes
// from the account, the content from the job. Connection reuse, the
// connection cap, and the per-connection message cap are all handled here.
func (p *Pool) Send(ctx context.Context, accountID string, job domain.SendJob) error {
	t, err := p.get(accountID)
	if err != nil {
		return err
	}

	msg, err := buildMessage(t.acct, job)
	if err != nil {
		return err
	}

	// Check out a connection slot, bounded by the account's connection cap.
	var c *conn
	select {
	case c = <-t.slots:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { t.slots <- c }()

	if c.client == nil {
		client, err := newClient(t.acct, p.sendTimeout)
		if err != nil {
			return err
		}
		if err := client.DialWithContext(ctx); err != nil {
			return fmt.Errorf("dial %s:%d: %w", t.acct.Host, t.acct.Port, err)
		}
		c.client = client
		c.sent = 0
	}

	if err := c.client.Send(msg); err != nil {
		// Connection state is suspect after a send error; drop it so the
		// next checkout redials.
		_ = c.client.Close()
		c.client = nil
		c.sent = 0
		return err
	}

	c.sent++
	if c.sent >= p.messageCap {
		_ = c.client.Close()
		c.client = nil
		c.sent = 0
	}
	return nil
}

// Verify performs a connectivity and auth probe against the given account
// config without caching anything. Used for one-off "test account" calls.
func (p *Pool) Verify(ctx context.Context, acct domain.SmtpAccount) error {
	if err := validateAccount(acct); err != nil {
		return err
	}
	client, err := newClient(acct, p.sendTimeout)
	if err != nil {
		return err
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("connect %s:%d: %w", acct.Host, acct.Port, err)
	}
	return client.Close()
}

// CloseAll tears down every cached transport and clears the cache. Called
// once at shutdown; safe to call repeatedly.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	byID := p.byID
	p.byID = make(map[string]*pooled)
	p.closed = true
	p.mu.Unlock()

	for id, t := range byID {
		for {
			select {
			case c := <-t.slots:
				if c.client != nil {
					_ = c.client.Close()
				}
			default:
				goto next
			}
		}
	next:
		logger.Debug("transport closed", "account_id", id)
	}
}

// validateAccount checks the connection settings an account must carry
// before any client can be built.
func validateAccount(a domain.SmtpAccount) error {
	if a.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, a.Port)
	}
	if a.FromEmail == "" {
		return fmt.Errorf("%w: from address is required", ErrInvalidConfig)
	}
	return nil
}

// newClient builds a go-mail client for the account. STARTTLS is mandatory
// on submission ports; UseSSL switches to implicit TLS instead.
func newClient(a domain.SmtpAccount, timeout time.Duration) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(a.Port),
		mail.WithTimeout(timeout),
	}
	if a.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(a.Username),
			mail.WithPassword(a.Password),
		)
	}
	if a.UseSSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	client, err := mail.NewClient(a.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return client, nil
}
