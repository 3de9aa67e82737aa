// Package resend implements mailer.Sender using the Resend API.
package resend

import (
	"context"

	"github.com/resend/resend-go/v3"

	"github.com/dripsend/dripsend/pkg/mailer"
)

// emailSender is the slice of the Resend SDK the adapter uses.
type emailSender interface {
	SendWithContext(ctx context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Sender sends email through Resend on behalf of one sending configuration.
type Sender struct {
	emails emailSender
}

// New creates a Resend sender for the given per-configuration API key.
func New(apiKey string) *Sender {
	return &Sender{emails: resend.NewClient(apiKey).Emails}
}

// Send implements mailer.Sender.
func (s *Sender) Send(ctx context.Context, email *mailer.Email) (*mailer.Receipt, error) {
	if email.To == "" {
		return nil, mailer.ErrNoRecipient
	}
	if email.HTML == "" {
		return nil, mailer.ErrNoContent
	}

	req := &resend.SendEmailRequest{
		From:    email.From,
		To:      []string{email.To},
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
	}

	sent, err := s.emails.SendWithContext(ctx, req)
	if err != nil {
		// The SDK does not expose status codes, so classification falls back
		// to transport-level rules; bounded retries cover the ambiguity.
		return nil, &mailer.ProviderError{
			Kind:   mailer.Classify(err),
			Detail: err.Error(),
		}
	}

	return &mailer.Receipt{MessageID: sent.Id}, nil
}
