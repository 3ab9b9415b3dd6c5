package domain

import "time"

// AccountStatus is the health state of an SMTP account in the rotation.
type AccountStatus string

const (
	// AccountActive means the account is eligible for new sends.
	AccountActive AccountStatus = "active"
	// AccountStandby means the account is quarantined until StandbyUntil.
	AccountStandby AccountStatus = "standby"
	// AccountDisabled means the account is excluded regardless of timers.
	AccountDisabled AccountStatus = "disabled"
)

// SmtpAccount holds the connection settings, sender identity, and runtime
// health of one SMTP account in the sending pool.
//
// The health fields (Status, FailureCount, StandbyUntil, LastError,
// LastUsedAt) are owned by the dispatch scheduler and standby policy at
// runtime. External CRUD may edit everything else.
type SmtpAccount struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	Host     string `json:"host" db:"host"`
	Port     int    `json:"port" db:"port"`
	Username string `json:"-" db:"username"`
	Password string `json:"-" db:"password"`
	// UseSSL selects implicit TLS (typically port 465). When false the
	// transport negotiates STARTTLS on the submission port.
	UseSSL bool `json:"use_ssl" db:"use_ssl"`

	FromEmail string `json:"from_email" db:"from_email"`
	FromName  string `json:"from_name" db:"from_name"`

	// RateLimit caps sends per minute through this account. 0 = uncapped.
	RateLimit int `json:"rate_limit" db:"rate_limit"`
	// MaxConnections caps concurrent transport connections. 0 = default.
	MaxConnections int `json:"max_connections" db:"max_connections"`

	Status       AccountStatus `json:"status" db:"status"`
	FailureCount int           `json:"failure_count" db:"failure_count"`
	StandbyUntil *time.Time    `json:"standby_until,omitempty" db:"standby_until"`
	LastError    string        `json:"last_error,omitempty" db:"last_error"`
	LastUsedAt   *time.Time    `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Eligible reports whether the account may receive new jobs at the given
// instant. A standby account whose timer has elapsed counts as eligible;
// the standby policy is responsible for flipping it back to active before
// selection. Disabled accounts are never eligible.
func (a *SmtpAccount) Eligible(now time.Time) bool {
	switch a.Status {
	case AccountActive:
		return true
	case AccountStandby:
		return a.StandbyUntil != nil && !a.StandbyUntil.After(now)
	default:
		return false
	}
}
