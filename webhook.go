package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// Notification is a self-describing change notification, as POSTed to a webhook
// endpoint or published on a Redis channel.
type Notification struct {
	Kind EntityKind `json:"kind"`
	ChangeEnvelope
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	expected = strings.TrimPrefix(expected, "sha256=")
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseNotification parses a raw notification into its envelope and event.
func ParseNotification(body string) (*Notification, ChangeEvent, error) {
	var n Notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, ChangeEvent{}, fmt.Errorf("invalid notification JSON: %w", err)
	}
	switch n.Kind {
	case KindMessages, KindTyping, KindConversations:
	case "":
		return nil, ChangeEvent{}, fmt.Errorf("missing kind field in notification")
	default:
		return nil, ChangeEvent{}, fmt.Errorf("unknown entity kind: %s", n.Kind)
	}
	switch n.Type {
	case ChangeCreated, ChangeUpdated, ChangeDeleted, ChangeError:
	case "":
		return nil, ChangeEvent{}, fmt.Errorf("missing type field in notification")
	default:
		return nil, ChangeEvent{}, fmt.Errorf("unknown change type: %s", n.Type)
	}
	if n.Type != ChangeError && len(n.Record) == 0 {
		return nil, ChangeEvent{}, fmt.Errorf("missing record in notification")
	}

	ev, err := decodeChange(n.Kind, n.ChangeEnvelope)
	if err != nil {
		return nil, ChangeEvent{}, fmt.Errorf("invalid %s record: %w", n.Kind, err)
	}
	return &n, ev, nil
}

// EncodeNotification encodes ev as a Notification of kind.
func EncodeNotification(kind EntityKind, ev ChangeEvent) ([]byte, error) {
	env, err := encodeChange(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Notification{Kind: kind, ChangeEnvelope: env})
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver is a push transport: it accepts signed change notifications over
// HTTP and fans them out to subscriptions opened through Subscribe. Mount it with
// http.Handle and pass it to a Client with WithPushReceiver.
type WebhookReceiver struct {
	secret string
	hub    *hub
}

// NewWebhookReceiver creates a receiver verifying bodies with secret.
func NewWebhookReceiver(secret string) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookReceiver{secret: secret, hub: newHub()}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook body (verify + parse + fan out).
// Returns the status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	n, ev, err := ParseNotification(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if ev.Kind == ChangeError {
		w.hub.fail(n.Kind, ev.Err)
	} else {
		w.hub.publish(n.Kind, ev)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// Subscribe opens a subscription fed by incoming notifications of kind.
func (w *WebhookReceiver) Subscribe(ctx context.Context, kind EntityKind, filter Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.hub.subscribe(kind, filter), nil
}

// ServeHTTP implements http.Handler.
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
	if statusCode != http.StatusOK {
		jww.WARN.Printf("webhook rejected with %d: %v", statusCode, data)
	}
	writeJSON(rw, statusCode, data)
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
