package chatsync

import (
	"context"
	"fmt"
	"sort"
)

// Timeline is the ordered message sequence of the active conversation. Entries are
// ordered by CreatedAt with ties kept in arrival order. Not safe for concurrent use.
type Timeline struct {
	conversationID string
	entries        []Message
}

// NewTimeline returns an empty timeline with no conversation.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// LoadSnapshot fetches the messages of conversationID ordered by CreatedAt. It does not
// touch timeline state, so it may run off the coordinator loop.
func LoadSnapshot(ctx context.Context, store Store, conversationID string) ([]Message, error) {
	msgs, err := store.QueryMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages of %s: %w", conversationID, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID != conversationID || m.ID == "" {
			continue
		}
		m.Status = StatusConfirmed
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ConversationID returns the conversation the timeline shows.
func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// Reset replaces the timeline with snapshot for conversationID. Duplicate identifiers
// in the snapshot keep their first occurrence.
func (t *Timeline) Reset(conversationID string, snapshot []Message) {
	t.conversationID = conversationID
	t.entries = t.entries[:0:0]
	for _, m := range snapshot {
		t.Append(m)
	}
}

// Append inserts m at the position consistent with its CreatedAt, after any entries
// with an equal timestamp. It is a no-op when m's identifier is already present or m
// belongs to another conversation.
func (t *Timeline) Append(m Message) bool {
	if m.ConversationID != t.conversationID {
		return false
	}
	if m.ID != "" && t.indexOfID(m.ID) >= 0 {
		return false
	}
	if m.ID == "" && m.ClientID != "" && t.indexOfClientID(m.ClientID) >= 0 {
		return false
	}
	t.insert(m)
	return true
}

// Reconcile promotes the provisional entry with clientID to confirmed. If confirmed's
// identifier is already present (its echo won the race), the provisional entry is
// dropped instead. When no provisional entry exists, confirmed is appended.
func (t *Timeline) Reconcile(clientID string, confirmed Message) {
	confirmed.ClientID = clientID
	confirmed.Status = StatusConfirmed
	if i := t.indexOfClientID(clientID); i >= 0 && t.entries[i].Provisional() {
		t.removeAt(i)
	}
	if i := t.indexOfID(confirmed.ID); i >= 0 {
		if t.entries[i].ClientID == "" {
			t.entries[i].ClientID = clientID
		}
		return
	}
	t.Append(confirmed)
}

// RemoveProvisional drops the optimistic entry with clientID.
func (t *Timeline) RemoveProvisional(clientID string) bool {
	i := t.indexOfClientID(clientID)
	if i < 0 || !t.entries[i].Provisional() {
		return false
	}
	t.removeAt(i)
	return true
}

// Remove drops the confirmed entry with id.
func (t *Timeline) Remove(id string) bool {
	i := t.indexOfID(id)
	if i < 0 {
		return false
	}
	t.removeAt(i)
	return true
}

// Contains reports whether an entry with id is present.
func (t *Timeline) Contains(id string) bool {
	return t.indexOfID(id) >= 0
}

// Messages returns a copy of the entries.
func (t *Timeline) Messages() []Message {
	return append([]Message(nil), t.entries...)
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	return len(t.entries)
}

func (t *Timeline) insert(m Message) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].CreatedAt.After(m.CreatedAt)
	})
	t.entries = append(t.entries, Message{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = m
}

func (t *Timeline) removeAt(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

func (t *Timeline) indexOfID(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.entries {
		if t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) indexOfClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range t.entries {
		if t.entries[i].ClientID == clientID {
			return i
		}
	}
	return -1
}
