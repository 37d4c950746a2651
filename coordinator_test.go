package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const settle = 2 * time.Second

// scriptedStore wraps a MemoryStore with hooks that hold, fail or observe calls.
type scriptedStore struct {
	*MemoryStore

	mu            sync.Mutex
	snapshotGates map[string]chan struct{}
	subGates      map[EntityKind]chan struct{}
	sendGate      chan struct{}
	echoFirst     bool
	sendErr       error
	failSubscribe map[EntityKind]int
	subscribes    map[EntityKind]int
	onSubscribe   func(kind EntityKind, n int)
	typingWrites  map[string][]bool
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{
		MemoryStore:   NewMemoryStore(),
		snapshotGates: make(map[string]chan struct{}),
		subGates:      make(map[EntityKind]chan struct{}),
		failSubscribe: make(map[EntityKind]int),
		subscribes:    make(map[EntityKind]int),
		typingWrites:  make(map[string][]bool),
	}
}

// holdSnapshot makes QueryMessages for id block until the returned func is called.
func (s *scriptedStore) holdSnapshot(id string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.snapshotGates[id] = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// holdSubscribe makes the next Subscribe of kind block until the returned func is called.
func (s *scriptedStore) holdSubscribe(kind EntityKind) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.subGates[kind] = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// holdSends makes CreateMessage block until the returned func is called. With
// echoFirst the message is stored and published before blocking.
func (s *scriptedStore) holdSends(echoFirst bool) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.sendGate = gate
	s.echoFirst = echoFirst
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *scriptedStore) QueryMessages(ctx context.Context, id string) ([]Message, error) {
	s.mu.Lock()
	gate := s.snapshotGates[id]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.MemoryStore.QueryMessages(ctx, id)
}

func (s *scriptedStore) CreateMessage(ctx context.Context, id string, sender Identity, body string) (Message, error) {
	s.mu.Lock()
	gate, echoFirst, sendErr := s.sendGate, s.echoFirst, s.sendErr
	s.mu.Unlock()
	if sendErr != nil {
		return Message{}, sendErr
	}
	if gate == nil {
		return s.MemoryStore.CreateMessage(ctx, id, sender, body)
	}
	if echoFirst {
		m, err := s.MemoryStore.CreateMessage(ctx, id, sender, body)
		<-gate
		return m, err
	}
	<-gate
	return s.MemoryStore.CreateMessage(ctx, id, sender, body)
}

func (s *scriptedStore) UpsertTypingState(ctx context.Context, id string, who Identity, isTyping bool) error {
	s.mu.Lock()
	s.typingWrites[id] = append(s.typingWrites[id], isTyping)
	s.mu.Unlock()
	return s.MemoryStore.UpsertTypingState(ctx, id, who, isTyping)
}

func (s *scriptedStore) Subscribe(ctx context.Context, kind EntityKind, filter Filter) (*Subscription, error) {
	s.mu.Lock()
	s.subscribes[kind]++
	n := s.subscribes[kind]
	hook := s.onSubscribe
	fail := s.failSubscribe[kind] > 0
	if fail {
		s.failSubscribe[kind]--
	}
	gate := s.subGates[kind]
	delete(s.subGates, kind)
	s.mu.Unlock()
	if hook != nil {
		hook(kind, n)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("subscribe refused")
	}
	return s.MemoryStore.Subscribe(ctx, kind, filter)
}

func (s *scriptedStore) subscribeCount(kind EntityKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[kind]
}

func (s *scriptedStore) writesTo(id string) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.typingWrites[id]...)
}

// recorder captures listener emissions.
type recorder struct {
	mu       sync.Mutex
	typing   []bool
	failures []SendFailure
	statuses []SyncStatus
}

func (r *recorder) attach(c *Coordinator) {
	c.OnOtherPartyTyping(func(v bool) {
		r.mu.Lock()
		r.typing = append(r.typing, v)
		r.mu.Unlock()
	})
	c.OnSendFailed(func(f SendFailure) {
		r.mu.Lock()
		r.failures = append(r.failures, f)
		r.mu.Unlock()
	})
	c.OnStatusChanged(func(s SyncStatus) {
		r.mu.Lock()
		r.statuses = append(r.statuses, s)
		r.mu.Unlock()
	})
}

func (r *recorder) sendFailures() []SendFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SendFailure(nil), r.failures...)
}

func (r *recorder) typingValues() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.typing...)
}

func startCoordinator(t *testing.T, store Store, self Identity, opts *Options) (*Coordinator, *recorder) {
	t.Helper()
	c := NewCoordinator(store, NewStaticIdentity(self), opts)
	rec := &recorder{}
	rec.attach(c)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Close() })
	return c, rec
}

func activeOn(c *Coordinator, id string) func() bool {
	return func() bool {
		return c.Status() == StatusActive && c.Timeline().ConversationID == id
	}
}

func mustConversation(t *testing.T, s *MemoryStore, a, b Identity) Conversation {
	t.Helper()
	c, err := s.FindOrCreateConversation(context.Background(), a, b)
	require.NoError(t, err)
	return c
}

func bodies(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestCoordinatorRequiresIdentity(t *testing.T) {
	c := NewCoordinator(NewMemoryStore(), NewStaticIdentity(""), nil)
	defer c.Close()

	assert.ErrorIs(t, c.Start(), ErrNotAuthenticated)
	assert.Equal(t, StatusIdle, c.Status())
}

func TestCoordinatorClose(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, _ := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return store.Subscribers(KindMessages) == 0 &&
			store.Subscribers(KindTyping) == 0 &&
			store.Subscribers(KindConversations) == 0
	}, settle, 5*time.Millisecond)
	assert.ErrorIs(t, c.Start(), ErrClosed)

	c.SendMessage("ignored")
}

func TestCoordinatorCloseFromListener(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c := NewCoordinator(store, NewStaticIdentity("alice"), nil)
	defer c.Close()

	closed := make(chan struct{})
	c.OnStatusChanged(func(s SyncStatus) {
		if s == StatusActive {
			c.Close()
			close(closed)
		}
	})
	require.NoError(t, c.Start())
	c.SelectConversation(conv.ID)

	select {
	case <-closed:
	case <-time.After(settle):
		t.Fatal("Close called from a listener did not return")
	}
	require.Eventually(t, func() bool {
		return store.Subscribers(KindMessages) == 0 &&
			store.Subscribers(KindTyping) == 0 &&
			store.Subscribers(KindConversations) == 0
	}, settle, 5*time.Millisecond)
	assert.ErrorIs(t, c.Start(), ErrClosed)
}

func TestCoordinatorSignOutStopsActivation(t *testing.T) {
	store := newScriptedStore()
	c1 := mustConversation(t, store.MemoryStore, "alice", "bob")
	c2 := mustConversation(t, store.MemoryStore, "alice", "carol")
	identity := NewStaticIdentity("alice")
	c := NewCoordinator(store, identity, nil)
	rec := &recorder{}
	rec.attach(c)
	require.NoError(t, c.Start())
	defer c.Close()

	c.SelectConversation(c1.ID)
	require.Eventually(t, activeOn(c, c1.ID), settle, 5*time.Millisecond)

	release := store.holdSnapshot(c2.ID)
	defer release()
	c.SelectConversation(c2.ID)
	require.Eventually(t, func() bool { return c.Status() == StatusActivating }, settle, 5*time.Millisecond)
	c.SendMessage("before sign-out")

	identity.Set("")
	c.SelectConversation(c1.ID)

	require.Eventually(t, func() bool { return len(rec.sendFailures()) == 1 }, settle, 5*time.Millisecond)
	assert.ErrorIs(t, rec.sendFailures()[0].Err, ErrNotAuthenticated)
	assert.Equal(t, "before sign-out", rec.sendFailures()[0].Text)
	assert.Equal(t, StatusIdle, c.Status())

	release()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusIdle, c.Status())
	assert.Equal(t, 0, store.Subscribers(KindMessages))
	assert.Equal(t, 0, store.Subscribers(KindTyping))

	c.SendMessage("while signed out")
	require.Eventually(t, func() bool { return len(rec.sendFailures()) == 2 }, settle, 5*time.Millisecond)
	assert.ErrorIs(t, rec.sendFailures()[1].Err, ErrNotActive)
}

func TestCoordinatorLoadsConversations(t *testing.T) {
	store := newScriptedStore()
	store.SetClock(func() time.Time { return t0 })
	old := mustConversation(t, store.MemoryStore, "alice", "bob")
	store.PutConversation(conv("broken", "alice", "alice", "", t0.Add(time.Hour)))
	newer := mustConversation(t, store.MemoryStore, "carol", "alice")

	c, _ := startCoordinator(t, store, "alice", nil)

	require.Eventually(t, func() bool { return len(c.Conversations()) == 2 }, settle, 5*time.Millisecond)
	assert.Equal(t, []string{newer.ID, old.ID}, convIDs(c.Conversations()))

	require.Eventually(t, func() bool { return store.Subscribers(KindConversations) == 1 }, settle, 5*time.Millisecond)
	latest := mustConversation(t, store.MemoryStore, "dave", "alice")
	mustConversation(t, store.MemoryStore, "dave", "erin")

	require.Eventually(t, func() bool { return len(c.Conversations()) == 3 }, settle, 5*time.Millisecond)
	assert.Equal(t, latest.ID, c.Conversations()[0].ID)
}

// ============================================================================
// Sending
// ============================================================================

func TestCoordinatorHelloScenario(t *testing.T) {
	store := newScriptedStore()
	c, _ := startCoordinator(t, store, "alice", nil)

	c.OpenConversationWith("bob")
	require.Eventually(t, func() bool { return c.Status() == StatusActive }, settle, 5*time.Millisecond)
	convID := c.Timeline().ConversationID

	release := store.holdSends(false)
	c.SetDraft("hello")
	c.SendMessage("hello")

	require.Eventually(t, func() bool { return len(c.Timeline().Messages) == 1 }, settle, 5*time.Millisecond)
	pending := c.Timeline().Messages[0]
	assert.True(t, pending.Provisional())
	assert.Equal(t, StatusPending, pending.Status)
	assert.Equal(t, "", c.Draft())

	release()
	require.Eventually(t, func() bool {
		msgs := c.Timeline().Messages
		return len(msgs) == 1 && !msgs[0].Provisional()
	}, settle, 5*time.Millisecond)
	confirmed := c.Timeline().Messages[0]
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, "hello", confirmed.Body)
	assert.Equal(t, pending.ClientID, confirmed.ClientID)

	require.Eventually(t, func() bool {
		for _, cv := range c.Conversations() {
			if cv.ID == convID {
				return cv.LastMessagePreview == "hello" && cv.UpdatedAt.Equal(confirmed.CreatedAt)
			}
		}
		return false
	}, settle, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.Timeline().Messages, 1)
}

func TestCoordinatorEchoBeforeConfirmation(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, _ := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	release := store.holdSends(true)
	c.SendMessage("same")
	c.SendMessage("same")

	require.Eventually(t, func() bool {
		msgs := c.Timeline().Messages
		return len(msgs) == 2 && !msgs[0].Provisional() && !msgs[1].Provisional()
	}, settle, 5*time.Millisecond)

	release()
	time.Sleep(50 * time.Millisecond)
	msgs := c.Timeline().Messages
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
	assert.NotEqual(t, msgs[0].ClientID, msgs[1].ClientID)
}

func TestCoordinatorSendFailureRestoresDraft(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, rec := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	store.mu.Lock()
	store.sendErr = errors.New("network down")
	store.mu.Unlock()

	c.SetDraft("hello")
	c.SendMessage("hello")

	require.Eventually(t, func() bool { return len(rec.sendFailures()) == 1 }, settle, 5*time.Millisecond)
	f := rec.sendFailures()[0]
	assert.Equal(t, "hello", f.Text)
	assert.Equal(t, conv.ID, f.ConversationID)
	assert.ErrorIs(t, f.Err, ErrSendFailed)
	assert.Equal(t, "hello", c.Draft())
	assert.Empty(t, c.Timeline().Messages)
	assert.Equal(t, StatusActive, c.Status())
}

func TestCoordinatorSendWithoutActiveConversation(t *testing.T) {
	c, rec := startCoordinator(t, newScriptedStore(), "alice", nil)

	c.SendMessage("into the void")
	require.Eventually(t, func() bool { return len(rec.sendFailures()) == 1 }, settle, 5*time.Millisecond)
	assert.ErrorIs(t, rec.sendFailures()[0].Err, ErrNotActive)
	assert.Equal(t, "into the void", c.Draft())
}

func TestCoordinatorQueuedSendReplays(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, _ := startCoordinator(t, store, "alice", nil)

	release := store.holdSnapshot(conv.ID)
	c.SelectConversation(conv.ID)
	require.Eventually(t, func() bool { return c.Status() == StatusActivating }, settle, 5*time.Millisecond)

	c.SendMessage("early")
	release()

	require.Eventually(t, func() bool {
		msgs := c.Timeline().Messages
		return len(msgs) == 1 && !msgs[0].Provisional() && msgs[0].Body == "early"
	}, settle, 5*time.Millisecond)
}

func TestCoordinatorSupersededQueuedSendIsReported(t *testing.T) {
	store := newScriptedStore()
	c1 := mustConversation(t, store.MemoryStore, "alice", "bob")
	c2 := mustConversation(t, store.MemoryStore, "alice", "carol")
	c, rec := startCoordinator(t, store, "alice", nil)

	store.holdSnapshot(c1.ID)
	c.SelectConversation(c1.ID)
	require.Eventually(t, func() bool { return c.Status() == StatusActivating }, settle, 5*time.Millisecond)
	c.SendMessage("for bob")
	c.SelectConversation(c2.ID)

	require.Eventually(t, activeOn(c, c2.ID), settle, 5*time.Millisecond)
	require.Len(t, rec.sendFailures(), 1)
	f := rec.sendFailures()[0]
	assert.ErrorIs(t, f.Err, ErrSuperseded)
	assert.Equal(t, "for bob", f.Text)
	assert.Empty(t, c.Timeline().Messages)
}

// ============================================================================
// Delivery
// ============================================================================

func TestCoordinatorDuplicateAndOutOfOrderDelivery(t *testing.T) {
	store := newScriptedStore()
	store.SetClock(func() time.Time { return t0.Add(time.Second) })
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	first, err := store.MemoryStore.CreateMessage(context.Background(), conv.ID, "bob", "first")
	require.NoError(t, err)

	c, _ := startCoordinator(t, store, "alice", nil)
	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)
	require.Len(t, c.Timeline().Messages, 1)

	older := msg("older", conv.ID, "bob", "older", t0)
	later := msg("later", conv.ID, "bob", "later", t0.Add(time.Hour))
	for i := 0; i < 3; i++ {
		f := first
		store.Publish(KindMessages, ChangeEvent{Kind: ChangeCreated, Message: &f})
		l := later
		store.Publish(KindMessages, ChangeEvent{Kind: ChangeCreated, Message: &l})
	}
	o := older
	store.Publish(KindMessages, ChangeEvent{Kind: ChangeCreated, Message: &o})
	o2 := older
	store.Publish(KindMessages, ChangeEvent{Kind: ChangeUpdated, Message: &o2})

	require.Eventually(t, func() bool { return len(c.Timeline().Messages) == 3 }, settle, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"older", "first", "later"}, bodies(c.Timeline().Messages))
}

func TestCoordinatorDeleteEventRemovesMessage(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	m, err := store.MemoryStore.CreateMessage(context.Background(), conv.ID, "bob", "oops")
	require.NoError(t, err)

	c, _ := startCoordinator(t, store, "alice", nil)
	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)
	require.Len(t, c.Timeline().Messages, 1)

	store.Publish(KindMessages, ChangeEvent{Kind: ChangeDeleted, Message: &m})
	require.Eventually(t, func() bool { return len(c.Timeline().Messages) == 0 }, settle, 5*time.Millisecond)
}

func TestCoordinatorGenerationIsolation(t *testing.T) {
	store := newScriptedStore()
	c1 := mustConversation(t, store.MemoryStore, "alice", "bob")
	c2 := mustConversation(t, store.MemoryStore, "alice", "carol")
	ctx := context.Background()
	_, err := store.MemoryStore.CreateMessage(ctx, c1.ID, "bob", "from bob")
	require.NoError(t, err)
	_, err = store.MemoryStore.CreateMessage(ctx, c2.ID, "carol", "from carol")
	require.NoError(t, err)

	c, _ := startCoordinator(t, store, "alice", nil)

	release := store.holdSnapshot(c1.ID)
	c.SelectConversation(c1.ID)
	c.SelectConversation(c2.ID)
	require.Eventually(t, activeOn(c, c2.ID), settle, 5*time.Millisecond)

	release()
	time.Sleep(50 * time.Millisecond)

	_, err = store.MemoryStore.CreateMessage(ctx, c1.ID, "bob", "late for c1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StatusActive, c.Status())
	tl := c.Timeline()
	assert.Equal(t, c2.ID, tl.ConversationID)
	assert.Equal(t, []string{"from carol"}, bodies(tl.Messages))
	assert.Equal(t, 1, store.Subscribers(KindMessages))
	assert.Equal(t, 1, store.Subscribers(KindTyping))
}

// ============================================================================
// Typing
// ============================================================================

func TestCoordinatorTypingDebounce(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, _ := startCoordinator(t, store, "alice", &Options{TypingQuietPeriod: 50 * time.Millisecond})

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	c.SetComposing(true)
	c.SetComposing(true)
	c.SetComposing(true)
	require.Eventually(t, func() bool { return len(store.writesTo(conv.ID)) == 2 }, settle, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, store.writesTo(conv.ID))

	c.SetComposing(true)
	c.SendMessage("done typing")
	require.Eventually(t, func() bool { return len(store.writesTo(conv.ID)) == 4 }, settle, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []bool{true, false, true, false}, store.writesTo(conv.ID))
}

func TestCoordinatorTypingCleanupOnSwitch(t *testing.T) {
	store := newScriptedStore()
	c1 := mustConversation(t, store.MemoryStore, "alice", "bob")
	c2 := mustConversation(t, store.MemoryStore, "alice", "carol")
	c, _ := startCoordinator(t, store, "alice", &Options{TypingQuietPeriod: 50 * time.Millisecond})

	c.SelectConversation(c1.ID)
	require.Eventually(t, activeOn(c, c1.ID), settle, 5*time.Millisecond)

	c.SetComposing(true)
	require.Eventually(t, func() bool { return len(store.writesTo(c1.ID)) == 1 }, settle, 5*time.Millisecond)

	c.SelectConversation(c2.ID)
	require.Eventually(t, activeOn(c, c2.ID), settle, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, []bool{true}, store.writesTo(c1.ID))
	assert.Empty(t, store.writesTo(c2.ID))
}

func TestCoordinatorOtherPartyTyping(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, rec := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, store.MemoryStore.UpsertTypingState(ctx, conv.ID, "alice", true))
	require.NoError(t, store.MemoryStore.UpsertTypingState(ctx, conv.ID, "bob", true))
	require.NoError(t, store.MemoryStore.UpsertTypingState(ctx, conv.ID, "bob", false))

	require.Eventually(t, func() bool { return len(rec.typingValues()) == 2 }, settle, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.typingValues())
	assert.False(t, c.OtherPartyTyping())
}

func TestCoordinatorTypingDoesNotLeakAcrossSwitch(t *testing.T) {
	store := newScriptedStore()
	c1 := mustConversation(t, store.MemoryStore, "alice", "bob")
	c2 := mustConversation(t, store.MemoryStore, "alice", "carol")
	c, _ := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(c1.ID)
	require.Eventually(t, activeOn(c, c1.ID), settle, 5*time.Millisecond)
	require.NoError(t, store.MemoryStore.UpsertTypingState(context.Background(), c1.ID, "bob", true))
	require.Eventually(t, c.OtherPartyTyping, settle, 5*time.Millisecond)

	c.SelectConversation(c2.ID)
	require.Eventually(t, activeOn(c, c2.ID), settle, 5*time.Millisecond)
	assert.False(t, c.OtherPartyTyping())
}

// ============================================================================
// Failures
// ============================================================================

func TestCoordinatorRetriesOnce(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	store.failSubscribe[KindMessages] = 1
	c, _ := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)
}

func TestCoordinatorDisconnectsAfterSecondFailure(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	store.failSubscribe[KindMessages] = 2
	c, rec := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, func() bool { return c.Status() == StatusDisconnected }, settle, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.Subscribers(KindMessages))
	assert.Equal(t, 0, store.Subscribers(KindTyping))

	rec.mu.Lock()
	assert.Equal(t, []SyncStatus{StatusActivating, StatusDisconnected}, rec.statuses)
	rec.mu.Unlock()

	// Reselecting starts a fresh activation.
	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)
}

func TestCoordinatorStreamErrorResubscribesAndCatchesUp(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	store.onSubscribe = func(kind EntityKind, n int) {
		if kind == KindMessages && n == 2 {
			// Published while no stream is listening.
			store.MemoryStore.CreateMessage(context.Background(), conv.ID, "bob", "during the gap")
		}
	}
	c, _ := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	store.FailSubscriptions(KindMessages, errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return len(c.Timeline().Messages) == 1
	}, settle, 5*time.Millisecond)
	assert.Equal(t, "during the gap", c.Timeline().Messages[0].Body)
	assert.Equal(t, StatusActive, c.Status())

	_, err := store.MemoryStore.CreateMessage(context.Background(), conv.ID, "bob", "after")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Timeline().Messages) == 2 }, settle, 5*time.Millisecond)
}

func TestCoordinatorListenerPanicIsContained(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c := NewCoordinator(store, NewStaticIdentity("alice"), nil)
	defer c.Close()

	var mu sync.Mutex
	var views []TimelineView
	c.OnTimelineChanged(func(TimelineView) { panic("render bug") })
	c.OnTimelineChanged(func(v TimelineView) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})
	require.NoError(t, c.Start())

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, views)
	assert.Equal(t, conv.ID, views[len(views)-1].ConversationID)
}

func TestCoordinatorTypingSeenWhileActivating(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, rec := startCoordinator(t, store, "alice", nil)

	release := store.holdSubscribe(KindMessages)
	defer release()
	c.SelectConversation(conv.ID)
	require.Eventually(t, func() bool { return store.Subscribers(KindTyping) == 1 }, settle, 5*time.Millisecond)

	require.NoError(t, store.MemoryStore.UpsertTypingState(context.Background(), conv.ID, "bob", true))
	require.Eventually(t, c.OtherPartyTyping, settle, 5*time.Millisecond)
	assert.Equal(t, StatusActivating, c.Status())

	release()
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)
	assert.True(t, c.OtherPartyTyping())
	assert.Equal(t, []bool{true}, rec.typingValues())
}

func TestCoordinatorSurvivesUnrelatedStreamDrops(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, _ := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	for drop := 1; drop <= 3; drop++ {
		store.FailSubscriptions(KindMessages, errors.New("connection reset"))
		require.Eventually(t, func() bool {
			return store.subscribeCount(KindMessages) == drop+1 && store.Subscribers(KindMessages) == 1
		}, settle, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, StatusActive, c.Status(), "after drop %d", drop)
	}

	_, err := store.MemoryStore.CreateMessage(context.Background(), conv.ID, "bob", "still here")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Timeline().Messages) == 1 }, settle, 5*time.Millisecond)
}

func TestCoordinatorDisconnectsWhenResubscribeFails(t *testing.T) {
	store := newScriptedStore()
	conv := mustConversation(t, store.MemoryStore, "alice", "bob")
	c, _ := startCoordinator(t, store, "alice", nil)

	c.SelectConversation(conv.ID)
	require.Eventually(t, activeOn(c, conv.ID), settle, 5*time.Millisecond)

	store.mu.Lock()
	store.failSubscribe[KindMessages] = 1
	store.mu.Unlock()
	store.FailSubscriptions(KindMessages, errors.New("connection reset"))

	require.Eventually(t, func() bool { return c.Status() == StatusDisconnected }, settle, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.Subscribers(KindMessages))
	assert.Equal(t, 0, store.Subscribers(KindTyping))
}
