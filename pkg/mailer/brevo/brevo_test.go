package brevo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripsend/dripsend/pkg/mailer"
)

const testAPIKey = "xkeysib-secret-test-key"

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL}, testAPIKey, srv.Client())
}

func testEmail() *mailer.Email {
	return &mailer.Email{
		From:          "Acme <news@acme.test>",
		To:            "jane@example.com",
		RecipientName: "Jane Doe",
		Subject:       "Hello",
		HTML:          "<p>Hi</p>",
		Text:          "Hi",
	}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	var got sendRequest
	var paths []string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, testAPIKey, r.Header.Get("api-key"))
		paths = append(paths, r.URL.Path)

		switch r.URL.Path {
		case "/contacts":
			w.WriteHeader(http.StatusCreated)
		case "/smtp/email":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(sendResponse{MessageID: "<202599@smtp.brevo.com>"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	receipt, err := client.Send(context.Background(), testEmail())
	require.NoError(t, err)
	assert.Equal(t, "<202599@smtp.brevo.com>", receipt.MessageID)

	// The recipient is registered as a contact before the email goes out.
	assert.Equal(t, []string{"/contacts", "/smtp/email"}, paths)

	assert.Equal(t, "news@acme.test", got.Sender.Email)
	assert.Equal(t, "Acme", got.Sender.Name)
	require.Len(t, got.To, 1)
	assert.Equal(t, "jane@example.com", got.To[0].Email)
	assert.Equal(t, "Jane Doe", got.To[0].Name)
	assert.Equal(t, "<p>Hi</p>", got.HTMLContent)
}

func TestSend_ContactFailureSkipsEmail(t *testing.T) {
	t.Parallel()

	var emailed bool
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/contacts":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"invalid_parameter","message":"bad email"}`))
		case "/smtp/email":
			emailed = true
		}
	})

	_, err := client.Send(context.Background(), testEmail())
	require.Error(t, err)
	assert.False(t, emailed)

	var pe *mailer.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.Equal(t, mailer.FailurePermanent, pe.Kind)
}

func TestSend_ValidatesInput(t *testing.T) {
	t.Parallel()

	client := New(Config{}, testAPIKey, nil)

	email := testEmail()
	email.To = ""
	_, err := client.Send(context.Background(), email)
	require.ErrorIs(t, err, mailer.ErrNoRecipient)

	email = testEmail()
	email.HTML = ""
	_, err = client.Send(context.Background(), email)
	require.ErrorIs(t, err, mailer.ErrNoContent)
}

func TestSend_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		kind   mailer.FailureKind
	}{
		{"bad request is permanent", http.StatusBadRequest, mailer.FailurePermanent},
		{"unauthorized is permanent", http.StatusUnauthorized, mailer.FailurePermanent},
		{"rate limited is transient", http.StatusTooManyRequests, mailer.FailureTransient},
		{"server error is transient", http.StatusServiceUnavailable, mailer.FailureTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/contacts" {
					w.WriteHeader(http.StatusCreated)
					return
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":"failure","message":"nope"}`))
			})

			_, err := client.Send(context.Background(), testEmail())
			require.ErrorIs(t, err, mailer.ErrSendFailed)

			var pe *mailer.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.status, pe.StatusCode)
			assert.Equal(t, tc.kind, pe.Kind)
		})
	}
}

func TestSend_TimeoutIsTransientAndRedacted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	client := New(Config{BaseURL: srv.URL}, testAPIKey, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, testEmail())
	require.Error(t, err)

	var pe *mailer.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, mailer.FailureTransient, pe.Kind)
	assert.Equal(t, "request timed out", pe.Detail)
}

func TestErrors_NeverContainAPIKey(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Key not found"}`))
	})

	_, err := client.Send(context.Background(), testEmail())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testAPIKey)
}

func TestCreateContact_ConflictIsSuccess(t *testing.T) {
	t.Parallel()

	var got map[string]any
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contacts", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusConflict)
	})

	err := client.CreateContact(context.Background(), "jane@example.com", "Jane Doe")
	require.NoError(t, err)

	attrs, ok := got["attributes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Jane", attrs["FIRSTNAME"])
	assert.Equal(t, "Doe", attrs["LASTNAME"])
}

func TestDeleteContact_NotFoundIsSuccess(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	require.NoError(t, client.DeleteContact(context.Background(), "gone@example.com"))
}

func TestMessageEvents(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"events":[{"name":"request"},{"name":"delivered"}]}`))
	})

	names, err := client.MessageEvents(context.Background(), "<id@smtp.brevo.com>")
	require.NoError(t, err)
	assert.Equal(t, []string{"request", "delivered"}, names)
}

func TestSplitAddress(t *testing.T) {
	t.Parallel()

	name, addr := splitAddress("Acme <news@acme.test>")
	assert.Equal(t, "Acme", name)
	assert.Equal(t, "news@acme.test", addr)

	name, addr = splitAddress("bare@acme.test")
	assert.Empty(t, name)
	assert.Equal(t, "bare@acme.test", addr)
}
