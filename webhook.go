package ripple

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a server-pushed change event (POST to a registered
// endpoint). It carries the same change events the realtime socket does,
// for consumers that prefer pull-free delivery over a held connection.
type WebhookPayload struct {
	Source    string      `json:"source"`
	Timestamp int64       `json:"timestamp"`
	Change    ChangeEvent `json:"change"`
}

// WebhookHandlerFunc is the callback signature for handling webhook
// payloads.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a Ripple webhook signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed payload and
// validates the embedded change event at the boundary.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "ripple" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	switch payload.Change.Event {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("unknown change event %q", payload.Change.Event)
	}
	if _, err := payload.Change.Record(); err != nil {
		return nil, fmt.Errorf("invalid change row: %w", err)
	}

	return &payload, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook handles verification, parsing, and dispatch of pushed change
// events.
type Webhook struct {
	secret   string
	onChange WebhookHandlerFunc
}

// NewWebhook creates a webhook handler.
func NewWebhook(secret string, onChange WebhookHandlerFunc) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Webhook{
		secret:   secret,
		onChange: onChange,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *Webhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onChange(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := ripple.NewWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-Ripple-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
