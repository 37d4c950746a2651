package chatsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// Registry is the ordered list of conversations of the current user, most recently
// updated first. The store-facing calls (Load, FindOrCreate) never touch the list and
// may run concurrently; the mutators are owned by the coordinator loop.
type Registry struct {
	store         Store
	conversations []Conversation
}

// NewRegistry returns an empty registry reading from store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Load queries the conversations of id, drops records that are not valid two-party
// conversations including id, and sorts the rest by UpdatedAt descending.
func (r *Registry) Load(ctx context.Context, id Identity) ([]Conversation, error) {
	convs, err := r.store.QueryConversations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("query conversations of %s: %w", id, err)
	}
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		if !usable(c, id) {
			continue
		}
		out = append(out, c)
	}
	sortConversations(out)
	return out, nil
}

// FindOrCreate returns the two-party conversation between self and other, creating it
// when the store has none. Concurrent first contact from the other side may leave two
// conversations for the pair; both are kept.
func (r *Registry) FindOrCreate(ctx context.Context, self, other Identity) (Conversation, error) {
	if self == "" || other == "" || self == other {
		return Conversation{}, fmt.Errorf("find or create %s/%s: %w", self, other, ErrInvalidConversation)
	}
	c, err := r.store.FindOrCreateConversation(ctx, self, other)
	if err != nil {
		return Conversation{}, fmt.Errorf("find or create %s/%s: %w", self, other, err)
	}
	if !usable(c, self) {
		return Conversation{}, fmt.Errorf("find or create %s/%s: %w", self, other, ErrInvalidConversation)
	}
	return c, nil
}

// Replace merges a freshly loaded list into the registry. Entries in convs win unless
// the local entry is newer; local entries missing from convs arrived through the change
// stream after the load was issued and are kept.
func (r *Registry) Replace(convs []Conversation) {
	next := make([]Conversation, 0, len(convs)+len(r.conversations))
	loaded := make(map[string]bool, len(convs))
	for _, c := range convs {
		if loaded[c.ID] {
			continue
		}
		loaded[c.ID] = true
		if i := r.indexOf(c.ID); i >= 0 && r.conversations[i].UpdatedAt.After(c.UpdatedAt) {
			c.LastMessagePreview = r.conversations[i].LastMessagePreview
			c.UpdatedAt = r.conversations[i].UpdatedAt
		}
		next = append(next, c)
	}
	for _, c := range r.conversations {
		if !loaded[c.ID] {
			next = append(next, c)
		}
	}
	sortConversations(next)
	r.conversations = next
	r.warnDuplicatePairs()
}

// Reset empties the registry.
func (r *Registry) Reset() {
	r.conversations = nil
}

// Upsert adds c or merges it into the existing entry. A record older than the local
// entry never moves UpdatedAt or the preview backwards.
func (r *Registry) Upsert(c Conversation) bool {
	i := r.indexOf(c.ID)
	if i < 0 {
		r.conversations = append(r.conversations, c)
		sortConversations(r.conversations)
		r.warnDuplicatePairs()
		return true
	}
	cur := r.conversations[i]
	if !c.UpdatedAt.After(cur.UpdatedAt) {
		return false
	}
	r.conversations[i] = c
	sortConversations(r.conversations)
	return true
}

// ApplyPreviewUpdate sets the preview of conversationID. It is a no-op when the
// conversation is absent or at is older than its current UpdatedAt.
func (r *Registry) ApplyPreviewUpdate(conversationID, text string, at time.Time) bool {
	i := r.indexOf(conversationID)
	if i < 0 {
		return false
	}
	if at.Before(r.conversations[i].UpdatedAt) {
		jww.DEBUG.Printf("stale preview for %s ignored (%s < %s)",
			conversationID, at, r.conversations[i].UpdatedAt)
		return false
	}
	r.conversations[i].LastMessagePreview = text
	r.conversations[i].UpdatedAt = at
	sortConversations(r.conversations)
	return true
}

// Get returns the conversation with id.
func (r *Registry) Get(id string) (Conversation, bool) {
	if i := r.indexOf(id); i >= 0 {
		return r.conversations[i], true
	}
	return Conversation{}, false
}

// Conversations returns a copy of the ordered list.
func (r *Registry) Conversations() []Conversation {
	return append([]Conversation(nil), r.conversations...)
}

func (r *Registry) indexOf(id string) int {
	for i := range r.conversations {
		if r.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) warnDuplicatePairs() {
	seen := make(map[[2]Identity]string, len(r.conversations))
	for _, c := range r.conversations {
		key := pairKey(c.Participants[0], c.Participants[1])
		if prev, ok := seen[key]; ok {
			jww.WARN.Printf("duplicate conversations %s and %s for %s/%s", prev, c.ID, key[0], key[1])
			continue
		}
		seen[key] = c.ID
	}
}

func usable(c Conversation, self Identity) bool {
	if err := c.Validate(); err != nil {
		jww.WARN.Printf("dropping conversation %q %v: %v", c.ID, c.Participants, err)
		return false
	}
	if !c.Has(self) {
		jww.WARN.Printf("dropping conversation %s: %s is not a participant", c.ID, self)
		return false
	}
	return true
}

func sortConversations(cs []Conversation) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].UpdatedAt.After(cs[j].UpdatedAt) })
}

// pairKey orders two identities so a pair has one key regardless of who asks.
func pairKey(a, b Identity) [2]Identity {
	if b < a {
		a, b = b, a
	}
	return [2]Identity{a, b}
}
