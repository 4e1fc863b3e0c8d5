package ripple

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestPayload() map[string]any {
	return map[string]any{
		"source":    "ripple",
		"timestamp": 1700000000,
		"change": map[string]any{
			"event": "insert",
			"table": "likes",
			"new": map[string]any{
				"id":     "l-001",
				"postId": "p-001",
				"userId": "u-001",
			},
		},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature(body+"x", sig, testSecret) {
			t.Fatal("expected invalid signature for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature("", sig, testSecret) {
			t.Fatal("empty body must not verify")
		}
		if VerifyWebhookSignature(body, "", testSecret) {
			t.Fatal("empty signature must not verify")
		}
		if VerifyWebhookSignature(body, sig, "") {
			t.Fatal("empty secret must not verify")
		}
		if VerifyWebhookSignature(body, "sha256=", testSecret) {
			t.Fatal("prefix-only signature must not verify")
		}
	})
}

// ============================================================================
// ParseWebhookPayload
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload, err := ParseWebhookPayload(makeTestPayloadString())
		if err != nil {
			t.Fatalf("ParseWebhookPayload: %v", err)
		}
		if payload.Source != "ripple" || payload.Change.Table != TableLikes {
			t.Fatalf("payload = %+v", payload)
		}
		rec, err := payload.Change.Record()
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if rec.(*Like).PostID != "p-001" {
			t.Fatalf("row = %+v", rec)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookPayload("{not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		p := makeTestPayload()
		p["source"] = "somewhere-else"
		b, _ := json.Marshal(p)
		if _, err := ParseWebhookPayload(string(b)); err == nil {
			t.Fatal("expected error for unknown source")
		}
	})

	t.Run("unknown event kind", func(t *testing.T) {
		p := makeTestPayload()
		p["change"].(map[string]any)["event"] = "upsert"
		b, _ := json.Marshal(p)
		if _, err := ParseWebhookPayload(string(b)); err == nil {
			t.Fatal("expected error for unknown event kind")
		}
	})

	t.Run("invalid row", func(t *testing.T) {
		p := makeTestPayload()
		p["change"].(map[string]any)["new"] = map[string]any{"id": "l-001"}
		b, _ := json.Marshal(p)
		if _, err := ParseWebhookPayload(string(b)); err == nil {
			t.Fatal("expected error for row missing required fields")
		}
	})
}

// ============================================================================
// Webhook HTTP handler
// ============================================================================

func TestWebhookHTTPHandler(t *testing.T) {
	newServer := func(t *testing.T, onChange WebhookHandlerFunc) *httptest.Server {
		t.Helper()
		wh, err := NewWebhook(testSecret, onChange)
		if err != nil {
			t.Fatalf("NewWebhook: %v", err)
		}
		srv := httptest.NewServer(wh.HTTPHandler())
		t.Cleanup(srv.Close)
		return srv
	}

	post := func(t *testing.T, url, body, signature string) (int, string) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
		if signature != "" {
			req.Header.Set("X-Ripple-Signature", signature)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(respBody)
	}

	t.Run("valid request dispatches", func(t *testing.T) {
		var got *WebhookPayload
		srv := newServer(t, func(payload *WebhookPayload) error {
			got = payload
			return nil
		})

		body := makeTestPayloadString()
		status, _ := post(t, srv.URL, body, makeTestSignature(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200", status)
		}
		if got == nil || got.Change.Table != TableLikes {
			t.Fatalf("handler got %+v", got)
		}
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		srv := newServer(t, func(*WebhookPayload) error {
			t.Error("handler must not run for a bad signature")
			return nil
		})

		body := makeTestPayloadString()
		status, _ := post(t, srv.URL, body, makeTestSignature(body, "wrong"))
		if status != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", status)
		}
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		srv := newServer(t, func(*WebhookPayload) error { return nil })
		status, _ := post(t, srv.URL, makeTestPayloadString(), "")
		if status != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", status)
		}
	})

	t.Run("malformed payload rejected", func(t *testing.T) {
		srv := newServer(t, func(*WebhookPayload) error { return nil })
		body := `{"source":"ripple","change":{"event":"noop"}}`
		status, _ := post(t, srv.URL, body, makeTestSignature(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", status)
		}
	})

	t.Run("handler error surfaces as 500", func(t *testing.T) {
		srv := newServer(t, func(*WebhookPayload) error {
			return fmt.Errorf("downstream unavailable")
		})
		body := makeTestPayloadString()
		status, respBody := post(t, srv.URL, body, makeTestSignature(body, testSecret))
		if status != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", status)
		}
		if !strings.Contains(respBody, "downstream unavailable") {
			t.Fatalf("response = %s", respBody)
		}
	})

	t.Run("non-POST rejected", func(t *testing.T) {
		srv := newServer(t, func(*WebhookPayload) error { return nil })
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", resp.StatusCode)
		}
	})
}

func TestNewWebhookRequiresSecret(t *testing.T) {
	if _, err := NewWebhook("", func(*WebhookPayload) error { return nil }); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
