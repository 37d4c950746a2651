package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Hub
// ============================================================================

// hub fans change events out to open subscriptions.
type hub struct {
	mu   sync.RWMutex
	subs map[EntityKind]map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[EntityKind]map[*Subscription]struct{})}
}

func (h *hub) subscribe(kind EntityKind, filter Filter) *Subscription {
	var sub *Subscription
	sub = NewSubscription(kind, filter, func() { h.remove(kind, sub) })
	h.mu.Lock()
	set := h.subs[kind]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[kind] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) remove(kind EntityKind, sub *Subscription) {
	h.mu.Lock()
	delete(h.subs[kind], sub)
	h.mu.Unlock()
}

func (h *hub) publish(kind EntityKind, ev ChangeEvent) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[kind]))
	for sub := range h.subs[kind] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()
	for _, sub := range targets {
		sub.Deliver(ev)
	}
}

// fail delivers a transport error to every subscription of kind.
func (h *hub) fail(kind EntityKind, err error) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[kind]))
	for sub := range h.subs[kind] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()
	for _, sub := range targets {
		sub.Fail(err)
	}
}

func (h *hub) count(kind EntityKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[kind])
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. Conversations are unique per
// identity pair. It backs the local CLI backend and the tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	pairs         map[[2]Identity]string
	messages      map[string][]Message
	typing        map[string]map[Identity]TypingState
	now           func() time.Time
	lastStamp     time.Time

	hub *hub
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		pairs:         make(map[[2]Identity]string),
		messages:      make(map[string][]Message),
		typing:        make(map[string]map[Identity]TypingState),
		now:           time.Now,
		hub:           newHub(),
	}
}

// SetClock replaces the server clock used for timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// stamp returns a strictly increasing server timestamp. Caller holds s.mu.
func (s *MemoryStore) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

// ── Conversations ────────────────────────────────────────

// QueryConversations implements Store.
func (s *MemoryStore) QueryConversations(ctx context.Context, id Identity) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Conversation
	for _, c := range s.conversations {
		if c.Has(id) {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

// FindOrCreateConversation implements Store.
func (s *MemoryStore) FindOrCreateConversation(ctx context.Context, a, b Identity) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if a == "" || b == "" || a == b {
		return Conversation{}, ErrInvalidConversation
	}
	key := pairKey(a, b)

	s.mu.Lock()
	if id, ok := s.pairs[key]; ok {
		c := *s.conversations[id]
		s.mu.Unlock()
		return c, nil
	}
	c := &Conversation{
		ID:           "conv-" + uuid.NewString(),
		Participants: [2]Identity{a, b},
		UpdatedAt:    s.stamp(),
	}
	s.conversations[c.ID] = c
	s.pairs[key] = c.ID
	created := *c
	s.mu.Unlock()

	s.hub.publish(KindConversations, ChangeEvent{Kind: ChangeCreated, Conversation: &created})
	return created, nil
}

// PutConversation stores c as-is, bypassing pair uniqueness. It publishes an update.
func (s *MemoryStore) PutConversation(c Conversation) {
	s.mu.Lock()
	kind := ChangeUpdated
	if _, ok := s.conversations[c.ID]; !ok {
		kind = ChangeCreated
	}
	cc := c
	s.conversations[c.ID] = &cc
	if c.Validate() == nil {
		if _, ok := s.pairs[pairKey(c.Participants[0], c.Participants[1])]; !ok {
			s.pairs[pairKey(c.Participants[0], c.Participants[1])] = c.ID
		}
	}
	s.mu.Unlock()
	s.hub.publish(KindConversations, ChangeEvent{Kind: kind, Conversation: &c})
}

// ── Messages ─────────────────────────────────────────────

// QueryMessages implements Store.
func (s *MemoryStore) QueryMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return append([]Message(nil), s.messages[conversationID]...), nil
}

// CreateMessage implements Store. The server assigns the identifier and timestamp and
// publishes the message before returning it.
func (s *MemoryStore) CreateMessage(ctx context.Context, conversationID string, sender Identity, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if !conv.Has(sender) {
		s.mu.Unlock()
		return Message{}, &APIError{Code: "FORBIDDEN", Message: string(sender) + " is not a participant"}
	}
	m := Message{
		ID:             "msg-" + uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		CreatedAt:      s.stamp(),
		Status:         StatusConfirmed,
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	conv.LastMessagePreview = body
	conv.UpdatedAt = m.CreatedAt
	updated := *conv
	s.mu.Unlock()

	s.hub.publish(KindMessages, ChangeEvent{Kind: ChangeCreated, Message: &m})
	s.hub.publish(KindConversations, ChangeEvent{Kind: ChangeUpdated, Conversation: &updated})
	return m, nil
}

// ── Typing ───────────────────────────────────────────────

// UpsertTypingState implements Store.
func (s *MemoryStore) UpsertTypingState(ctx context.Context, conversationID string, id Identity, isTyping bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	records := s.typing[conversationID]
	if records == nil {
		records = make(map[Identity]TypingState)
		s.typing[conversationID] = records
	}
	kind := ChangeUpdated
	if _, ok := records[id]; !ok {
		kind = ChangeCreated
	}
	ts := TypingState{ConversationID: conversationID, Identity: id, IsTyping: isTyping, UpdatedAt: s.stamp()}
	records[id] = ts
	s.mu.Unlock()

	s.hub.publish(KindTyping, ChangeEvent{Kind: kind, Typing: &ts})
	return nil
}

// TypingState returns the stored typing record of id in conversationID.
func (s *MemoryStore) TypingState(conversationID string, id Identity) (TypingState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.typing[conversationID][id]
	return ts, ok
}

// ── Change streams ───────────────────────────────────────

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context, kind EntityKind, filter Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch kind {
	case KindMessages, KindTyping, KindConversations:
	default:
		return nil, fmt.Errorf("subscribe: unknown entity kind %q", kind)
	}
	return s.hub.subscribe(kind, filter), nil
}

// Publish pushes ev to the subscriptions of kind without storing anything. It is how
// tests and relays inject duplicates and out-of-order deliveries.
func (s *MemoryStore) Publish(kind EntityKind, ev ChangeEvent) {
	s.hub.publish(kind, ev)
}

// FailSubscriptions delivers a transport error to every open subscription of kind.
func (s *MemoryStore) FailSubscriptions(kind EntityKind, err error) {
	s.hub.fail(kind, err)
}

// Subscribers returns the number of open subscriptions of kind.
func (s *MemoryStore) Subscribers(kind EntityKind) int {
	return s.hub.count(kind)
}

var _ Store = (*MemoryStore)(nil)
