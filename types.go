package chatsync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error returned by a remote store.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrNotAuthenticated is returned when no identity is available.
	ErrNotAuthenticated = errors.New("chatsync: no authenticated identity")
	// ErrNotActive is returned for actions that need an active conversation.
	ErrNotActive = errors.New("chatsync: no active conversation")
	// ErrSuperseded marks work discarded because a newer activation replaced it.
	ErrSuperseded = errors.New("chatsync: superseded by a newer activation")
	// ErrClosed is returned after the coordinator or a store has been closed.
	ErrClosed = errors.New("chatsync: closed")
	// ErrInvalidConversation marks a conversation record that is not a valid two-party conversation.
	ErrInvalidConversation = errors.New("chatsync: invalid two-party conversation")
	// ErrNotFound is returned by stores for unknown records.
	ErrNotFound = errors.New("chatsync: not found")
)

// ============================================================================
// Domain Types
// ============================================================================

// Identity is a user handle.
type Identity string

// Conversation is a two-party conversation with a denormalized last-message preview.
type Conversation struct {
	ID                 string      `json:"id"`
	Participants       [2]Identity `json:"participants"`
	LastMessagePreview string      `json:"lastMessagePreview,omitempty"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Validate reports whether c has an id and exactly two distinct, non-empty participants.
func (c Conversation) Validate() error {
	a, b := c.Participants[0], c.Participants[1]
	if c.ID == "" || a == "" || b == "" || a == b {
		return ErrInvalidConversation
	}
	return nil
}

// Has reports whether id participates in c.
func (c Conversation) Has(id Identity) bool {
	return c.Participants[0] == id || c.Participants[1] == id
}

// Other returns the participant that is not self, or "" when self does not participate.
func (c Conversation) Other(self Identity) Identity {
	switch self {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// MessageStatus is the delivery state of a timeline entry.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
)

// Message is one entry of a conversation. ID is empty for provisional entries.
type Message struct {
	ID             string        `json:"id,omitempty"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Sender         Identity      `json:"sender"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Provisional reports whether m is an optimistic entry not yet confirmed by the store.
func (m Message) Provisional() bool {
	return m.ID == ""
}

// TypingState is an ephemeral typing record for (conversation, identity).
type TypingState struct {
	ConversationID string    `json:"conversationId"`
	Identity       Identity  `json:"identity"`
	IsTyping       bool      `json:"isTyping"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

// ============================================================================
// Change streams
// ============================================================================

// EntityKind names the record family a subscription watches.
type EntityKind string

const (
	KindMessages      EntityKind = "messages"
	KindTyping        EntityKind = "typing"
	KindConversations EntityKind = "conversations"
)

// ChangeKind is the kind of a change event.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	ChangeError   ChangeKind = "error"
)

// ChangeEvent is one notification of a change stream. Exactly one record field is set
// for non-error events, matching the subscription's EntityKind.
type ChangeEvent struct {
	Kind         ChangeKind
	Message      *Message
	Typing       *TypingState
	Conversation *Conversation
	Err          error
}

// Filter selects the records a subscription receives.
type Filter struct {
	// ConversationID restricts messages and typing records to one conversation.
	ConversationID string `json:"conversationId,omitempty"`
	// Exclude drops records authored by (or about) this identity.
	Exclude Identity `json:"exclude,omitempty"`
	// Participant restricts conversation records to those including this identity.
	Participant Identity `json:"participant,omitempty"`
}

// Match reports whether a change event passes the filter.
func (f Filter) Match(ev ChangeEvent) bool {
	switch {
	case ev.Message != nil:
		return f.matchScoped(ev.Message.ConversationID, ev.Message.Sender)
	case ev.Typing != nil:
		return f.matchScoped(ev.Typing.ConversationID, ev.Typing.Identity)
	case ev.Conversation != nil:
		if f.Participant != "" && !ev.Conversation.Has(f.Participant) {
			return false
		}
		return f.ConversationID == "" || f.ConversationID == ev.Conversation.ID
	}
	return ev.Kind == ChangeError
}

func (f Filter) matchScoped(conversationID string, who Identity) bool {
	if f.ConversationID != "" && f.ConversationID != conversationID {
		return false
	}
	return f.Exclude == "" || f.Exclude != who
}

// ChangeEnvelope is the wire format of a pushed change notification.
type ChangeEnvelope struct {
	Type   ChangeKind      `json:"type"`
	Record json.RawMessage `json:"record,omitempty"`
	Error  *APIError       `json:"error,omitempty"`
}

// decodeChange turns an envelope into a ChangeEvent for the given entity kind.
func decodeChange(kind EntityKind, env ChangeEnvelope) (ChangeEvent, error) {
	ev := ChangeEvent{Kind: env.Type}
	if env.Type == ChangeError {
		if env.Error != nil {
			ev.Err = env.Error
		} else {
			ev.Err = errors.New("remote stream error")
		}
		return ev, nil
	}
	var err error
	switch kind {
	case KindMessages:
		ev.Message = &Message{}
		err = json.Unmarshal(env.Record, ev.Message)
		ev.Message.Status = StatusConfirmed
	case KindTyping:
		ev.Typing = &TypingState{}
		err = json.Unmarshal(env.Record, ev.Typing)
	case KindConversations:
		ev.Conversation = &Conversation{}
		err = json.Unmarshal(env.Record, ev.Conversation)
	default:
		err = errors.New("unknown entity kind " + string(kind))
	}
	return ev, err
}

// encodeChange is the inverse of decodeChange.
func encodeChange(ev ChangeEvent) (ChangeEnvelope, error) {
	env := ChangeEnvelope{Type: ev.Kind}
	var record any
	switch {
	case ev.Kind == ChangeError:
		msg := "remote stream error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		env.Error = &APIError{Code: "STREAM_ERROR", Message: msg}
		return env, nil
	case ev.Message != nil:
		record = ev.Message
	case ev.Typing != nil:
		record = ev.Typing
	case ev.Conversation != nil:
		record = ev.Conversation
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return env, err
	}
	env.Record = raw
	return env, nil
}

// ============================================================================
// HTTP API Types
// ============================================================================

// APIResult is the response envelope of the HTTP store API.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type createConversationRequest struct {
	A Identity `json:"a"`
	B Identity `json:"b"`
}

type createMessageRequest struct {
	Sender Identity `json:"sender"`
	Body   string   `json:"body"`
}

type upsertTypingRequest struct {
	Identity Identity `json:"identity"`
	IsTyping bool     `json:"isTyping"`
}
