package chatsync

import (
	"context"
	"sync"
)

// Store is the remote conversation store the sync core consumes. Implementations own
// their own timeouts and retries; every call may block on a network round-trip.
type Store interface {
	QueryConversations(ctx context.Context, id Identity) ([]Conversation, error)
	FindOrCreateConversation(ctx context.Context, a, b Identity) (Conversation, error)
	QueryMessages(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, conversationID string, sender Identity, body string) (Message, error)
	UpsertTypingState(ctx context.Context, conversationID string, id Identity, isTyping bool) error
	Subscribe(ctx context.Context, kind EntityKind, filter Filter) (*Subscription, error)
}

// IdentityProvider reports the currently authenticated user.
type IdentityProvider interface {
	CurrentIdentity() (Identity, bool)
}

// StaticIdentity is an IdentityProvider that can be signed in and out.
type StaticIdentity struct {
	mu sync.RWMutex
	id Identity
}

// NewStaticIdentity returns a provider signed in as id ("" means signed out).
func NewStaticIdentity(id Identity) *StaticIdentity {
	return &StaticIdentity{id: id}
}

// CurrentIdentity implements IdentityProvider.
func (s *StaticIdentity) CurrentIdentity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.id != ""
}

// Set signs in as id, or signs out when id is empty.
func (s *StaticIdentity) Set(id Identity) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}
