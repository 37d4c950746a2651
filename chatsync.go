// Package chatsync keeps a local view of two-party conversations consistent with a
// remote conversation store and its push-notification streams.
//
// The Coordinator owns the live state: the conversation list, the timeline of the
// active conversation, typing presence and optimistic sends. It tolerates duplicate
// delivery, out-of-order arrival, reconnect races and late responses from activations
// the user already navigated away from.
//
// Example:
//
//	store := chatsync.NewClient("https://chat.example.com", chatsync.WithToken(token))
//	coord := chatsync.NewCoordinator(store, chatsync.NewStaticIdentity("alice"), nil)
//	coord.OnTimelineChanged(func(v chatsync.TimelineView) { render(v) })
//	if err := coord.Start(); err != nil { ... }
//	defer coord.Close()
//
//	coord.OpenConversationWith("bob")
//	coord.SendMessage("hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultTimeout = 30 * time.Second
)

// Client is a Store speaking the chatsync HTTP API, with change streams over one
// WebSocket per subscription (or a WebhookReceiver when configured).
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	subConfig  SubscriptionConfig
	push       *WebhookReceiver
}

type ClientOption func(*Client)

// WithBaseURL overrides the base URL passed to NewClient.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSubscriptionConfig tunes the WebSocket change streams.
func WithSubscriptionConfig(cfg SubscriptionConfig) ClientOption {
	return func(c *Client) { c.subConfig = cfg }
}

// WithPushReceiver routes Subscribe to a webhook receiver instead of WebSockets.
func WithPushReceiver(r *WebhookReceiver) ClientOption {
	return func(c *Client) { c.push = r }
}

// NewClient creates a client for the store at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.subConfig.defaults()
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "request failed"}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Store methods
// ============================================================================

// QueryConversations implements Store.
func (c *Client) QueryConversations(ctx context.Context, id Identity) ([]Conversation, error) {
	result, err := c.doRequest(ctx, "GET", "/api/conversations", nil, map[string]string{"identity": string(id)})
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	if err := result.Decode(&convs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, nil
}

// FindOrCreateConversation implements Store.
func (c *Client) FindOrCreateConversation(ctx context.Context, a, b Identity) (Conversation, error) {
	result, err := c.doRequest(ctx, "POST", "/api/conversations", &createConversationRequest{A: a, B: b}, nil)
	if err != nil {
		return Conversation{}, err
	}
	var conv Conversation
	if err := result.Decode(&conv); err != nil {
		return Conversation{}, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return conv, nil
}

// QueryMessages implements Store.
func (c *Client) QueryMessages(ctx context.Context, conversationID string) ([]Message, error) {
	result, err := c.doRequest(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// CreateMessage implements Store.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, sender Identity, body string) (Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	result, err := c.doRequest(ctx, "POST", path, &createMessageRequest{Sender: sender, Body: body}, nil)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := result.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

// UpsertTypingState implements Store.
func (c *Client) UpsertTypingState(ctx context.Context, conversationID string, id Identity, isTyping bool) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/typing"
	_, err := c.doRequest(ctx, "PUT", path, &upsertTypingRequest{Identity: id, IsTyping: isTyping}, nil)
	return err
}

// Subscribe implements Store.
func (c *Client) Subscribe(ctx context.Context, kind EntityKind, filter Filter) (*Subscription, error) {
	if c.push != nil {
		return c.push.Subscribe(ctx, kind, filter)
	}
	return dialSubscription(ctx, c.SubscribeURL(kind, filter), c.token, kind, filter, c.subConfig)
}

// SubscribeURL returns the WebSocket URL of a change stream.
func (c *Client) SubscribeURL(kind EntityKind, filter Filter) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	params := url.Values{}
	params.Set("kind", string(kind))
	if filter.ConversationID != "" {
		params.Set("conversationId", filter.ConversationID)
	}
	if filter.Exclude != "" {
		params.Set("exclude", string(filter.Exclude))
	}
	if filter.Participant != "" {
		params.Set("participant", string(filter.Participant))
	}
	return base + "/ws/subscribe?" + params.Encode()
}

var _ Store = (*Client)(nil)
