// Package store persists SMTP accounts, the append-only delivery log, and
// application settings in PostgreSQL. The scheduler and registry never talk
// to the database directly; everything goes through this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/driftmail/mailforge/internal/domain"
)

// Store wraps the Postgres connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// GetAllSmtpAccounts loads every configured account, oldest first, so the
// registry's insertion order is stable across restarts.
func (s *Store) GetAllSmtpAccounts(ctx context.Context) ([]domain.SmtpAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, host, port, username, password, use_ssl,
		       from_email, COALESCE(from_name,''), rate_limit, max_connections,
		       status, failure_count, standby_until, COALESCE(last_error,''), last_used_at
		FROM smtp_accounts
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list smtp accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.SmtpAccount
	for rows.Next() {
		var a domain.SmtpAccount
		if err := rows.Scan(
			&a.ID, &a.Name, &a.Host, &a.Port, &a.Username, &a.Password, &a.UseSSL,
			&a.FromEmail, &a.FromName, &a.RateLimit, &a.MaxConnections,
			&a.Status, &a.FailureCount, &a.StandbyUntil, &a.LastError, &a.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan smtp account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpsertSmtpAccount inserts or replaces an account's configuration. Health
// columns are written too so a restart restores standby timers.
func (s *Store) UpsertSmtpAccount(ctx context.Context, a domain.SmtpAccount) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO smtp_accounts (id, name, host, port, username, password, use_ssl,
		                           from_email, from_name, rate_limit, max_connections,
		                           status, failure_count, standby_until, last_error, last_used_at,
		                           created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = $2, host = $3, port = $4, username = $5, password = $6, use_ssl = $7,
			from_email = $8, from_name = $9, rate_limit = $10, max_connections = $11,
			status = $12, failure_count = $13, standby_until = $14, last_error = $15,
			last_used_at = $16, updated_at = NOW()
	`, a.ID, a.Name, a.Host, a.Port, a.Username, a.Password, a.UseSSL,
		a.FromEmail, a.FromName, a.RateLimit, a.MaxConnections,
		a.Status, a.FailureCount, a.StandbyUntil, nullIfEmpty(a.LastError), a.LastUsedAt)
	if err != nil {
		return fmt.Errorf("upsert smtp account: %w", err)
	}
	return nil
}

// DeleteSmtpAccount removes an account. Delivery log rows keep referencing
// the id; the log is append-only history, not a foreign-keyed ledger.
func (s *Store) DeleteSmtpAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM smtp_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete smtp account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordDeliveryOutcome appends one row to the delivery log.
func (s *Store) RecordDeliveryOutcome(ctx context.Context, o domain.DeliveryOutcome) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_log (id, job_id, campaign_id, account_id, recipient, result, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.JobID, nullIfEmpty(o.CampaignID), o.AccountID, o.Recipient, o.Result, nullIfEmpty(o.Error), o.Timestamp)
	if err != nil {
		return fmt.Errorf("record delivery outcome: %w", err)
	}
	return nil
}

// OutcomeFilter narrows delivery log queries.
type OutcomeFilter struct {
	CampaignID string
	Result     domain.DeliveryResult
	Limit      int
}

// RecentOutcomes returns delivery log rows, newest first.
func (s *Store) RecentOutcomes(ctx context.Context, f OutcomeFilter) ([]domain.DeliveryOutcome, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `
		SELECT id, job_id, COALESCE(campaign_id,''), account_id, recipient, result, COALESCE(error,''), created_at
		FROM delivery_log
		WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if f.CampaignID != "" {
		q += fmt.Sprintf(" AND campaign_id = $%d", idx)
		args = append(args, f.CampaignID)
		idx++
	}
	if f.Result != "" {
		q += fmt.Sprintf(" AND result = $%d", idx)
		args = append(args, f.Result)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryOutcome
	for rows.Next() {
		var o domain.DeliveryOutcome
		if err := rows.Scan(&o.ID, &o.JobID, &o.CampaignID, &o.AccountID,
			&o.Recipient, &o.Result, &o.Error, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scan delivery outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetSetting returns the value for a settings key, or the fallback when the
// key is absent.
func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_settings WHERE key = $1`, key,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}

// SetSetting stores a settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
