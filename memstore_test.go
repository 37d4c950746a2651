package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreConversations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c1, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	c2, err := s.FindOrCreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)

	_, err = s.FindOrCreateConversation(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrInvalidConversation)

	convs, err := s.QueryConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, convs, 1)

	convs, err = s.QueryConversations(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestMemoryStoreMessages(t *testing.T) {
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return t0 })
	ctx := context.Background()
	c, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	sub, err := s.Subscribe(ctx, KindMessages, Filter{ConversationID: c.ID})
	require.NoError(t, err)
	defer sub.Close()

	m1, err := s.CreateMessage(ctx, c.ID, "alice", "one")
	require.NoError(t, err)
	m2, err := s.CreateMessage(ctx, c.ID, "bob", "two")
	require.NoError(t, err)
	assert.True(t, m2.CreatedAt.After(m1.CreatedAt), "server timestamps are strictly increasing")

	assert.Equal(t, m1.ID, nextEvent(t, sub).Message.ID)
	assert.Equal(t, m2.ID, nextEvent(t, sub).Message.ID)

	convs, _ := s.QueryConversations(ctx, "alice")
	require.Len(t, convs, 1)
	assert.Equal(t, "two", convs[0].LastMessagePreview)
	assert.Equal(t, m2.CreatedAt, convs[0].UpdatedAt)

	_, err = s.CreateMessage(ctx, c.ID, "mallory", "hi")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "FORBIDDEN", apiErr.Code)

	_, err = s.CreateMessage(ctx, "missing", "alice", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTyping(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, _ := s.FindOrCreateConversation(ctx, "alice", "bob")

	sub, err := s.Subscribe(ctx, KindTyping, Filter{ConversationID: c.ID, Exclude: "bob"})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.UpsertTypingState(ctx, c.ID, "bob", true))
	require.NoError(t, s.UpsertTypingState(ctx, c.ID, "alice", true))
	require.NoError(t, s.UpsertTypingState(ctx, c.ID, "alice", false))

	ev := nextEvent(t, sub)
	assert.Equal(t, ChangeCreated, ev.Kind)
	assert.Equal(t, Identity("alice"), ev.Typing.Identity)
	ev = nextEvent(t, sub)
	assert.Equal(t, ChangeUpdated, ev.Kind)
	assert.False(t, ev.Typing.IsTyping)

	ts, ok := s.TypingState(c.ID, "alice")
	require.True(t, ok)
	assert.False(t, ts.IsTyping)
}

func TestMemoryStoreSubscriptions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, KindConversations, Filter{Participant: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers(KindConversations))

	s.FailSubscriptions(KindConversations, errors.New("lost"))
	assert.Equal(t, ChangeError, nextEvent(t, sub).Kind)

	sub.Close()
	assert.Equal(t, 0, s.Subscribers(KindConversations))

	_, err = s.Subscribe(ctx, EntityKind("reactions"), Filter{})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Subscribe(cancelled, KindMessages, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
