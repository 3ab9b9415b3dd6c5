package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmail/mailforge/internal/domain"
	"github.com/driftmail/mailforge/internal/registry"
)

func validAccount() domain.SmtpAccount {
	return domain.SmtpAccount{
		ID:        "acct-1",
		Host:      "smtp.example.com",
		Port:      587,
		Username:  "mailer",
		Password:  "secret",
		FromEmail: "news@example.com",
		FromName:  "Example News",
	}
}

func validJob() domain.SendJob {
	return domain.SendJob{
		ID:        "job-1",
		Recipient: "jane@example.org",
		Subject:   "hello",
		HTMLBody:  "<p>hi</p>",
		TextBody:  "hi",
	}
}

func TestValidateAccount(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.SmtpAccount)
		ok     bool
	}{
		{"valid", func(*domain.SmtpAccount) {}, true},
		{"missing host", func(a *domain.SmtpAccount) { a.Host = "" }, false},
		{"port zero", func(a *domain.SmtpAccount) { a.Port = 0 }, false},
		{"port out of range", func(a *domain.SmtpAccount) { a.Port = 70000 }, false},
		{"missing from", func(a *domain.SmtpAccount) { a.FromEmail = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAccount()
			tt.mutate(&a)
			err := validateAccount(a)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestBuildMessage(t *testing.T) {
	acct := validAccount()

	msg, err := buildMessage(acct, validJob())
	require.NoError(t, err)
	require.NotNil(t, msg)

	t.Run("no recipient", func(t *testing.T) {
		job := validJob()
		job.Recipient = ""
		_, err := buildMessage(acct, job)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("no body", func(t *testing.T) {
		job := validJob()
		job.HTMLBody = ""
		job.TextBody = ""
		_, err := buildMessage(acct, job)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("bad recipient", func(t *testing.T) {
		job := validJob()
		job.Recipient = "not an address"
		_, err := buildMessage(acct, job)
		assert.Error(t, err)
	})

	t.Run("text only", func(t *testing.T) {
		job := validJob()
		job.HTMLBody = ""
		msg, err := buildMessage(acct, job)
		require.NoError(t, err)
		assert.NotNil(t, msg)
	})

	t.Run("account without from name", func(t *testing.T) {
		a := validAccount()
		a.FromName = ""
		_, err := buildMessage(a, validJob())
		assert.NoError(t, err)
	})
}

func TestSendUnknownAccount(t *testing.T) {
	reg := registry.New()
	pool := NewPool(reg, time.Second, 10)
	t.Cleanup(pool.CloseAll)

	err := pool.Send(context.Background(), "missing", validJob())
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSendInvalidAccountConfig(t *testing.T) {
	reg := registry.New()
	a := validAccount()
	a.Host = ""
	reg.Put(a)
	pool := NewPool(reg, time.Second, 10)
	t.Cleanup(pool.CloseAll)

	err := pool.Send(context.Background(), a.ID, validJob())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestVerifyRejectsInvalidConfig(t *testing.T) {
	pool := NewPool(registry.New(), time.Second, 10)
	t.Cleanup(pool.CloseAll)

	a := validAccount()
	a.Port = 0
	err := pool.Verify(context.Background(), a)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCloseAllIsIdempotent(t *testing.T) {
	reg := registry.New()
	reg.Put(validAccount())
	pool := NewPool(reg, time.Second, 10)

	pool.CloseAll()
	pool.CloseAll()

	// A closed pool refuses further sends
	err := pool.Send(context.Background(), "acct-1", validJob())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, registry.ErrNotFound)
}
