// Package executor performs one send attempt: render the recipient's content
// and make exactly one provider call. Retry decisions belong to the dispatch
// loop; the executor only reports what happened.
package executor

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dripsend/dripsend/internal/configs"
	"github.com/dripsend/dripsend/internal/recipients"
	"github.com/dripsend/dripsend/pkg/mailer"
)

// Status is the outcome category of one attempt.
type Status int

const (
	// StatusSent means the provider accepted the email.
	StatusSent Status = iota
	// StatusRenderFailed means rendering failed before any network call.
	// No quota was spent on the provider.
	StatusRenderFailed
	// StatusSendFailed means the provider call was made and failed.
	StatusSendFailed
)

// Result describes one attempt. Detail is human-readable for dashboards and
// never contains credentials.
type Result struct {
	Status            Status
	ProviderMessageID string
	Kind              mailer.FailureKind
	Detail            string
}

// SenderFactory builds a provider sender for a configuration. Credentials are
// per-configuration, so senders cannot be shared across units.
type SenderFactory func(cfg *configs.SendingConfiguration) mailer.Sender

// Config tunes executor behavior.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	// SendTimeout bounds each provider call. Keep it shorter than the lease
	// timeout so a hung call can never outlive its lease.
	SendTimeout time.Duration `env:"EXECUTOR_SEND_TIMEOUT" envDefault:"30s"`

	// DefaultLayout is the HTML layout wrapped around every rendered body.
	DefaultLayout string `env:"EXECUTOR_DEFAULT_LAYOUT" envDefault:"base.html"`

	// DefaultTemplate is used when a configuration selects no template.
	DefaultTemplate string `env:"EXECUTOR_DEFAULT_TEMPLATE" envDefault:"mail.md"`

	// DefaultDisplayName replaces blank recipient names ("Hey there!").
	DefaultDisplayName string `env:"EXECUTOR_DEFAULT_DISPLAY_NAME" envDefault:"there"`

	// FallbackSubject is used when neither the configuration nor the
	// template frontmatter provides one.
	FallbackSubject string `env:"EXECUTOR_FALLBACK_SUBJECT" envDefault:"Campaign Update"`
}

// Executor renders and sends for one recipient at a time. Safe for
// concurrent use; every dispatch unit shares one instance.
type Executor struct {
	renderer  *mailer.Renderer
	senderFor SenderFactory
	cfg       Config
}

// New creates an executor with the given renderer and provider factory.
func New(renderer *mailer.Renderer, senderFor SenderFactory, cfg Config) *Executor {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.DefaultLayout == "" {
		cfg.DefaultLayout = "base.html"
	}
	if cfg.DefaultTemplate == "" {
		cfg.DefaultTemplate = "mail.md"
	}
	if cfg.DefaultDisplayName == "" {
		cfg.DefaultDisplayName = "there"
	}
	return &Executor{
		renderer:  renderer,
		senderFor: senderFor,
		cfg:       cfg,
	}
}

// Execute renders the recipient's content and makes one provider call.
func (e *Executor) Execute(ctx context.Context, rcpt *recipients.Recipient, cfg *configs.SendingConfiguration) Result {
	name := e.displayName(rcpt.DisplayName)

	data := make(map[string]any, len(rcpt.Context)+2)
	for k, v := range rcpt.Context {
		data[k] = v
	}
	data["Name"] = name
	data["Email"] = rcpt.Email

	templateName := cfg.TemplateName
	if templateName == "" {
		templateName = e.cfg.DefaultTemplate
	}

	rendered, err := e.renderer.Render(e.cfg.DefaultLayout, templateName, data)
	if err != nil {
		return Result{
			Status: StatusRenderFailed,
			Kind:   mailer.FailurePermanent,
			Detail: "render failed: " + err.Error(),
		}
	}

	subject, err := e.subject(cfg, rendered, data)
	if err != nil {
		return Result{
			Status: StatusRenderFailed,
			Kind:   mailer.FailurePermanent,
			Detail: "render failed: " + err.Error(),
		}
	}

	email := &mailer.Email{
		From:          mailer.Recipient(cfg.SenderName, cfg.SenderAddress),
		To:            rcpt.Email,
		RecipientName: name,
		Subject:       subject,
		HTML:          rendered.HTML,
		Text:          rendered.Text,
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	receipt, err := e.senderFor(cfg).Send(sendCtx, email)
	if err != nil {
		return Result{
			Status: StatusSendFailed,
			Kind:   mailer.Classify(err),
			Detail: err.Error(),
		}
	}

	return Result{Status: StatusSent, ProviderMessageID: receipt.MessageID}
}

// displayName falls back to the configured default when the stored name is
// blank (case-insensitive, whitespace included) or already the placeholder.
// Real names are title-cased; the placeholder is used verbatim.
func (e *Executor) displayName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.EqualFold(trimmed, e.cfg.DefaultDisplayName) {
		return e.cfg.DefaultDisplayName
	}
	// A Caser is stateful and not safe for concurrent use, so it is built
	// per call rather than stored on the shared executor.
	return cases.Title(language.English).String(trimmed)
}

// subject resolution: configuration subject > template frontmatter > fallback.
// Subjects run through the template engine so they can reference context too.
func (e *Executor) subject(cfg *configs.SendingConfiguration, rendered *mailer.RenderResult, data map[string]any) (string, error) {
	subject := cfg.Subject
	if subject == "" {
		if meta, ok := rendered.Metadata["Subject"].(string); ok {
			subject = meta
		}
	}
	if subject == "" {
		subject = e.cfg.FallbackSubject
	}
	return e.renderer.RenderSubject(subject, data)
}
