// Package brevo implements mailer.Sender on top of the Brevo transactional
// email API (https://api.brevo.com/v3). Beyond sending it exposes the small
// slice of the contacts and events API the dispatcher needs: contact
// create/delete and per-message event lookup for delivery confirmation.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dripsend/dripsend/pkg/mailer"
)

const defaultBaseURL = "https://api.brevo.com/v3"

// maxErrorBodyBytes caps how much of a provider error response is retained in
// failure details shown on dashboards.
const maxErrorBodyBytes = 2048

// Config holds Brevo API configuration.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	BaseURL string        `env:"BREVO_BASE_URL" envDefault:"https://api.brevo.com/v3"`
	Timeout time.Duration `env:"BREVO_TIMEOUT" envDefault:"30s"`
}

// Client talks to the Brevo API on behalf of a single sending configuration.
// The API key is per-configuration, so one Client is built per configuration;
// the underlying http.Client can be shared.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a Brevo client with the given per-configuration API key.
// A nil httpClient falls back to a client with cfg.Timeout.
func New(cfg Config, apiKey string, httpClient *http.Client) *Client {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{httpClient: httpClient, baseURL: base, apiKey: apiKey}
}

type sendRequest struct {
	Sender      sendAddress   `json:"sender"`
	To          []sendAddress `json:"to"`
	Subject     string        `json:"subject"`
	HTMLContent string        `json:"htmlContent"`
	TextContent string        `json:"textContent,omitempty"`
}

type sendAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// Send implements mailer.Sender. The recipient is registered in the contact
// book first; if registration fails no email goes out, and the classified
// error decides whether the attempt is retried. The contact is deleted again
// by the cleanup job once the delivery outcome is known.
func (c *Client) Send(ctx context.Context, email *mailer.Email) (*mailer.Receipt, error) {
	if email.To == "" {
		return nil, mailer.ErrNoRecipient
	}
	if email.HTML == "" {
		return nil, mailer.ErrNoContent
	}

	if err := c.CreateContact(ctx, email.To, email.RecipientName); err != nil {
		return nil, err
	}

	senderName, senderEmail := splitAddress(email.From)
	payload := sendRequest{
		Sender:      sendAddress{Email: senderEmail, Name: senderName},
		To:          []sendAddress{{Email: email.To, Name: email.RecipientName}},
		Subject:     email.Subject,
		HTMLContent: email.HTML,
		TextContent: email.Text,
	}

	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/smtp/email", payload, &resp); err != nil {
		return nil, err
	}

	return &mailer.Receipt{MessageID: resp.MessageID}, nil
}

// CreateContact registers a recipient in the Brevo contact book before
// sending. An already existing contact (409) is treated as success.
func (c *Client) CreateContact(ctx context.Context, email, name string) error {
	first, last := splitName(name)
	attributes := map[string]string{"FIRSTNAME": first}
	if last != "" {
		attributes["LASTNAME"] = last
	}

	payload := map[string]any{
		"email":         email,
		"attributes":    attributes,
		"updateEnabled": true,
	}

	err := c.do(ctx, http.MethodPost, "/contacts", payload, nil)
	var pe *mailer.ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

// DeleteContact removes a recipient from the Brevo contact book after
// dispatch. A missing contact (404) is treated as success.
func (c *Client) DeleteContact(ctx context.Context, email string) error {
	path := "/contacts/" + url.PathEscape(email)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var pe *mailer.ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// MessageEvents returns the event names recorded for a sent message, in the
// order the provider reports them ("delivered", "bounced", ...).
func (c *Client) MessageEvents(ctx context.Context, messageID string) ([]string, error) {
	path := "/smtp/emails/" + url.PathEscape(messageID)

	var resp struct {
		Events []struct {
			Name string `json:"name"`
		} `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Events))
	for _, ev := range resp.Events {
		names = append(names, ev.Name)
	}
	return names, nil
}

// do executes one API call. Non-2xx responses become *mailer.ProviderError
// with the response body as detail. The API key travels only in the request
// header and never appears in returned errors.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("brevo: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("brevo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &mailer.ProviderError{
			Kind:   mailer.FailureTransient,
			Detail: sanitizeTransportError(err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &mailer.ProviderError{
			StatusCode: resp.StatusCode,
			Kind:       mailer.ClassifyStatus(resp.StatusCode),
			Detail:     strings.TrimSpace(string(detail)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("brevo: decode response: %w", err)
		}
	}
	return nil
}

// sanitizeTransportError keeps transport error text readable without leaking
// request internals beyond host and operation.
func sanitizeTransportError(err error) string {
	if ctxErr := contextCause(err); ctxErr != "" {
		return ctxErr
	}
	return err.Error()
}

func contextCause(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return "request timed out"
	case strings.Contains(msg, "context canceled"):
		return "request canceled"
	}
	return ""
}

// splitAddress parses "Name <addr>" into its parts; a bare address has no name.
func splitAddress(from string) (name, addr string) {
	open := strings.LastIndex(from, "<")
	end := strings.LastIndex(from, ">")
	if open == -1 || end == -1 || end < open {
		return "", strings.TrimSpace(from)
	}
	return strings.TrimSpace(from[:open]), strings.TrimSpace(from[open+1 : end])
}

// splitName breaks a display name into first/last on the first space.
func splitName(name string) (first, last string) {
	parts := strings.SplitN(strings.TrimSpace(name), " ", 2)
	first = parts[0]
	if len(parts) > 1 {
		last = parts[1]
	}
	return first, last
}
