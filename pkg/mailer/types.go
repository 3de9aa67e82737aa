package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Email represents a fully-prepared email message ready for sending.
type Email struct {
	From          string // Sender in RFC 5322 form, e.g. "Name <addr>"
	To            string // Recipient address
	RecipientName string // Optional display name for the recipient
	Subject       string
	HTML          string // HTML body
	Text          string // Plain text alternative
}

// Receipt is returned by a Sender on successful delivery to the provider.
type Receipt struct {
	// MessageID is the provider-assigned message identifier, used for
	// delivery status lookups and outcome auditing.
	MessageID string
}

// Sender delivers a prepared email through an external provider.
// Implementations must return a *ProviderError for provider rejections so
// callers can classify the failure.
type Sender interface {
	Send(ctx context.Context, email *Email) (*Receipt, error)
}

// Recipient formats a name and address into RFC 5322 form.
// Returns "Name <addr>" when a name is present, the bare address otherwise.
func Recipient(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

// FailureKind distinguishes provider failures that retrying can fix from
// definitive rejections that it cannot.
type FailureKind string

const (
	// FailureTransient marks retryable failures: rate limiting, provider
	// outages, timeouts, network errors.
	FailureTransient FailureKind = "transient"

	// FailurePermanent marks definitive rejections: invalid credentials,
	// malformed requests, rejected recipients.
	FailurePermanent FailureKind = "permanent"
)

// ProviderError is a send failure reported by (or on the way to) the provider.
// Detail must be human-readable and must never contain credentials.
type ProviderError struct {
	StatusCode int
	Kind       FailureKind
	Detail     string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider: %s failure (status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("provider: %s failure: %s", e.Kind, e.Detail)
}

func (e *ProviderError) Unwrap() error { return ErrSendFailed }

// ClassifyStatus maps an HTTP status code from a send attempt to a FailureKind.
// 408 and 429 are retryable despite being 4xx; all 5xx are retryable.
func ClassifyStatus(code int) FailureKind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return FailureTransient
	case code >= 400 && code < 500:
		return FailurePermanent
	default:
		return FailureTransient
	}
}

// Classify determines the failure kind of a send error. Provider errors carry
// their own kind; timeouts and network errors are transient. Unknown errors
// are treated as transient, bounded retries make that safe.
func Classify(err error) FailureKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return FailureTransient
	}
	return FailureTransient
}
