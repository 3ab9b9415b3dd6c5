package transport

import (
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/driftmail/mailforge/internal/domain"
)

// buildMessage assembles the wire message for one job. The sender identity
// always comes from the account so rotation never leaks another account's
// from address. HTML-only, text-only, and multipart/alternative bodies are
// all supported; a job with neither body is rejected.
func buildMessage(acct domain.SmtpAccount, job domain.SendJob) (*mail.Msg, error) {
	if job.Recipient == "" {
		return nil, fmt.Errorf("%w: job has no recipient", ErrInvalidConfig)
	}
	if job.HTMLBody == "" && job.TextBody == "" {
		return nil, fmt.Errorf("%w: job has neither html nor text body", ErrInvalidConfig)
	}

	msg := mail.NewMsg()
	if acct.FromName != "" {
		if err := msg.FromFormat(acct.FromName, acct.FromEmail); err != nil {
			return nil, fmt.Errorf("%w: from address: %v", ErrInvalidConfig, err)
		}
	} else {
		if err := msg.From(acct.FromEmail); err != nil {
			return nil, fmt.Errorf("%w: from address: %v", ErrInvalidConfig, err)
		}
	}
	if err := msg.To(job.Recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	msg.Subject(job.Subject)
	switch {
	case job.HTMLBody != "" && job.TextBody != "":
		msg.SetBodyString(mail.TypeTextPlain, job.TextBody)
		msg.AddAlternativeString(mail.TypeTextHTML, job.HTMLBody)
	case job.HTMLBody != "":
		msg.SetBodyString(mail.TypeTextHTML, job.HTMLBody)
	default:
		msg.SetBodyString(mail.TypeTextPlain, job.TextBody)
	}
	if job.CampaignID != "" {
		// Correlates bounces and provider logs back to the campaign.
		msg.SetGenHeader(mail.Header("X-Campaign-ID"), job.CampaignID)
	}
	return msg, nil
}
