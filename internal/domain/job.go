package domain

import "time"

// SendJob is one recipient plus rendered content awaiting a single send
// attempt. Jobs are consumed exactly once by the scheduler; retry is a
// caller-level policy (re-enqueue with RetryCount bumped).
type SendJob struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id,omitempty"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	HTMLBody   string `json:"html_body,omitempty"`
	TextBody   string `json:"text_body,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// DeliveryResult is the terminal state of one send attempt.
type DeliveryResult string

const (
	DeliverySent   DeliveryResult = "sent"
	DeliveryFailed DeliveryResult = "failed"
)

// DeliveryOutcome records the result of one job attempt. Append-only;
// written exactly once per attempt.
type DeliveryOutcome struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	CampaignID string         `json:"campaign_id,omitempty"`
	AccountID  string         `json:"account_id"`
	Recipient  string         `json:"recipient"`
	Result     DeliveryResult `json:"result"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// QueueStatus is the scheduler's queue-centric view for the control API.
type QueueStatus struct {
	IsProcessing          bool   `json:"is_processing"`
	IsPaused              bool   `json:"is_paused"`
	QueueLength           int    `json:"queue_length"`
	MaxConcurrent         int    `json:"max_concurrent"`
	DelayBetweenBatchesMs int    `json:"delay_between_batches_ms"`
	LastWarning           string `json:"last_warning,omitempty"`
}

// ProgressSnapshot is derived from scheduler counters after each batch.
// Never persisted; recomputed on demand.
type ProgressSnapshot struct {
	TotalEmails               int64     `json:"total_emails"`
	SentCount                 int64     `json:"sent_count"`
	FailedCount               int64     `json:"failed_count"`
	CurrentBatchRecipients    []string  `json:"current_batch_recipients,omitempty"`
	ProgressPercent           float64   `json:"progress_percent"`
	EmailsPerSecond           float64   `json:"emails_per_second"`
	EstimatedSecondsRemaining float64   `json:"estimated_seconds_remaining"`
	RunStartedAt              time.Time `json:"run_started_at,omitempty"`
}
