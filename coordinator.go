package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// ErrSendFailed wraps the cause of a SendFailure.
var ErrSendFailed = errors.New("chatsync: send failed")

// Options configures a Coordinator.
type Options struct {
	// TypingQuietPeriod is the pause after the last keystroke before "typing=false".
	TypingQuietPeriod time.Duration
	// SeenCapacity bounds the deduplication cache.
	SeenCapacity int
	// InboxSize is the buffer of the coordinator event queue.
	InboxSize int
	// Now stamps provisional messages.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.TypingQuietPeriod == 0 {
		o.TypingQuietPeriod = DefaultTypingQuietPeriod
	}
	if o.SeenCapacity == 0 {
		o.SeenCapacity = DefaultSeenCapacity
	}
	if o.InboxSize == 0 {
		o.InboxSize = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type queuedAction struct {
	send   string
	typing *bool
}

type typingWrite struct {
	conversationID string
	identity       Identity
	isTyping       bool
}

// Coordinator keeps the conversation list and the active conversation's timeline in
// sync with a Store. Every state mutation runs on a single loop goroutine fed by one
// inbound queue; store calls run on their own goroutines and post their completion
// back tagged with the generation that issued them, so completions belonging to a
// superseded activation are discarded.
type Coordinator struct {
	store    Store
	identity IdentityProvider
	opts     Options

	ctx          context.Context
	cancel       context.CancelFunc
	inbox        chan func()
	typingWrites chan typingWrite
	done         chan struct{}
	loopDone     chan struct{}
	startOnce    sync.Once
	closeOnce    sync.Once
	started      bool
	startMu      sync.Mutex

	hooks listeners
	view  view

	// Owned by the loop.
	self         Identity
	session      uint64
	generation   uint64
	status       SyncStatus
	target       string
	seen         *SeenCache
	timeline     *Timeline
	registry     *Registry
	sends        *sendReconciler
	typing       *TypingTracker
	msgSub       *Subscription
	typingSub    *Subscription
	convSub      *Subscription
	failures     int
	convFailures int
	queued       []queuedAction
	draft        string
	otherTyping  bool
}

// view is the last state published to listeners, readable from any goroutine.
type view struct {
	mu            sync.RWMutex
	status        SyncStatus
	timeline      TimelineView
	conversations []Conversation
	otherTyping   bool
	draft         string
}

// NewCoordinator creates a coordinator over store. Call Start to begin syncing.
func NewCoordinator(store Store, identity IdentityProvider, opts *Options) *Coordinator {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	seen := NewSeenCache(o.SeenCapacity)
	timeline := NewTimeline()
	c := &Coordinator{
		store:        store,
		identity:     identity,
		opts:         o,
		ctx:          ctx,
		cancel:       cancel,
		inbox:        make(chan func(), o.InboxSize),
		typingWrites: make(chan typingWrite, o.InboxSize),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		status:       StatusIdle,
		seen:         seen,
		timeline:     timeline,
		registry:     NewRegistry(store),
		sends:        newSendReconciler(seen, timeline),
	}
	c.view.status = StatusIdle
	return c
}

// ============================================================================
// Commands
// ============================================================================

// Start loads the conversation list of the current identity and starts the loop.
func (c *Coordinator) Start() error {
	self, ok := c.identity.CurrentIdentity()
	if !ok {
		return ErrNotAuthenticated
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.startOnce.Do(func() {
		c.startMu.Lock()
		c.started = true
		c.startMu.Unlock()
		go c.run()
		go c.writeTyping()
	})
	c.post(func() { c.bootstrap(self) })
	return nil
}

// SelectConversation activates conversationID, superseding any activation in flight.
func (c *Coordinator) SelectConversation(conversationID string) {
	c.post(func() { c.selectConversation(conversationID) })
}

// OpenConversationWith finds or creates the conversation with other and selects it.
func (c *Coordinator) OpenConversationWith(other Identity) {
	c.post(func() { c.openWith(other) })
}

// SendMessage submits text to the active conversation. The draft is cleared at once
// and restored if the send fails.
func (c *Coordinator) SendMessage(text string) {
	c.post(func() { c.sendMessage(text) })
}

// SetComposing reports local typing activity for the active conversation.
func (c *Coordinator) SetComposing(isTyping bool) {
	c.post(func() { c.setComposing(isTyping) })
}

// SetDraft replaces the compose text and reports typing activity accordingly.
func (c *Coordinator) SetDraft(text string) {
	c.post(func() {
		c.setDraft(text)
		c.setComposing(text != "")
	})
}

// Close tears down all subscriptions and stops the loop. In-flight store calls are
// cancelled through their context. Called from a listener, Close returns at once and
// the teardown runs when the listener returns.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.startMu.Lock()
		started := c.started
		c.startMu.Unlock()
		if !started {
			c.cancel()
			return
		}
		if c.hooks.dispatching.Load() {
			jww.DEBUG.Printf("close requested from a listener")
			return
		}
		<-c.loopDone
	})
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

// Status returns the lifecycle status.
func (c *Coordinator) Status() SyncStatus {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.status
}

// Timeline returns the active timeline.
func (c *Coordinator) Timeline() TimelineView {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return TimelineView{
		ConversationID: c.view.timeline.ConversationID,
		Messages:       append([]Message(nil), c.view.timeline.Messages...),
	}
}

// Conversations returns the ordered conversation list.
func (c *Coordinator) Conversations() []Conversation {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return append([]Conversation(nil), c.view.conversations...)
}

// OtherPartyTyping reports whether the other participant is typing.
func (c *Coordinator) OtherPartyTyping() bool {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.otherTyping
}

// Draft returns the compose text.
func (c *Coordinator) Draft() string {
	c.view.mu.RLock()
	defer c.view.mu.RUnlock()
	return c.view.draft
}

// ============================================================================
// Loop
// ============================================================================

func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.done:
			c.shutdown()
			c.cancel()
			return
		}
	}
}

func (c *Coordinator) shutdown() {
	c.deactivate()
	closeSub(&c.convSub)
	c.dropQueued(ErrClosed)
	c.generation++
	c.session++
	jww.INFO.Printf("coordinator for %s closed", c.self)
}

// current reports whether gen is still the live generation.
func (c *Coordinator) current(gen uint64, what string) bool {
	if gen == c.generation {
		return true
	}
	jww.DEBUG.Printf("discarding %s of superseded generation %d (current %d)", what, gen, c.generation)
	return false
}

// ============================================================================
// Session: conversation list
// ============================================================================

func (c *Coordinator) bootstrap(self Identity) {
	if self == c.self && c.session > 0 {
		return
	}
	if c.self != "" && self != c.self {
		jww.INFO.Printf("identity changed from %s to %s", c.self, self)
		c.deactivate()
		c.generation++
		c.setStatus(StatusIdle)
	}
	c.self = self
	c.session++
	c.convFailures = 0
	closeSub(&c.convSub)
	c.registry.Reset()
	c.emitConversations()
	c.loadConversations(c.session)
	c.subscribeConversations(c.session)
}

func (c *Coordinator) loadConversations(session uint64) {
	self := c.self
	go func() {
		convs, err := c.registry.Load(c.ctx, self)
		c.post(func() { c.onConversationsLoaded(session, convs, err) })
	}()
}

func (c *Coordinator) onConversationsLoaded(session uint64, convs []Conversation, err error) {
	if session != c.session {
		jww.DEBUG.Printf("discarding conversation list of superseded session %d", session)
		return
	}
	if err != nil {
		c.convFailures++
		if c.convFailures > 1 {
			jww.ERROR.Printf("loading conversations failed again, giving up: %v", err)
			return
		}
		jww.WARN.Printf("loading conversations failed, retrying once: %v", err)
		c.loadConversations(session)
		return
	}
	c.registry.Replace(convs)
	c.emitConversations()
}

func (c *Coordinator) subscribeConversations(session uint64) {
	filter := Filter{Participant: c.self}
	go func() {
		sub, err := c.store.Subscribe(c.ctx, KindConversations, filter)
		if !c.post(func() { c.onConversationsSubscribed(session, sub, err) }) && sub != nil {
			sub.Close()
		}
	}()
}

func (c *Coordinator) onConversationsSubscribed(session uint64, sub *Subscription, err error) {
	if session != c.session {
		if sub != nil {
			sub.Close()
		}
		return
	}
	if err != nil {
		c.convFailures++
		if c.convFailures > 1 {
			jww.ERROR.Printf("conversation stream unavailable: %v", err)
			return
		}
		jww.WARN.Printf("conversation stream failed, retrying once: %v", err)
		c.subscribeConversations(session)
		return
	}
	c.convSub = sub
	go c.forward(sub, func(ev ChangeEvent) {
		if session != c.session || c.convSub != sub {
			return
		}
		c.onConversationChange(session, ev)
	})
}

func (c *Coordinator) onConversationChange(session uint64, ev ChangeEvent) {
	switch ev.Kind {
	case ChangeError:
		closeSub(&c.convSub)
		c.onConversationsSubscribed(session, nil, ev.Err)
	case ChangeCreated, ChangeUpdated:
		c.convFailures = 0
		if ev.Conversation == nil || !usable(*ev.Conversation, c.self) {
			return
		}
		if c.registry.Upsert(*ev.Conversation) {
			c.emitConversations()
		}
	case ChangeDeleted:
		jww.DEBUG.Printf("ignoring conversation delete event")
	}
}

func (c *Coordinator) openWith(other Identity) {
	self, ok := c.identity.CurrentIdentity()
	if !ok {
		jww.WARN.Printf("cannot open conversation with %s: %v", other, ErrNotAuthenticated)
		return
	}
	gen := c.generation
	go func() {
		conv, err := c.registry.FindOrCreate(c.ctx, self, other)
		c.post(func() { c.onOpened(gen, conv, err) })
	}()
}

func (c *Coordinator) onOpened(gen uint64, conv Conversation, err error) {
	if err != nil {
		jww.WARN.Printf("find or create conversation failed: %v", err)
		return
	}
	if c.registry.Upsert(conv) {
		c.emitConversations()
	}
	if gen != c.generation {
		jww.DEBUG.Printf("not selecting %s: a newer selection was made", conv.ID)
		return
	}
	c.selectConversation(conv.ID)
}

// ============================================================================
// Activation
// ============================================================================

func (c *Coordinator) selectConversation(id string) {
	self, ok := c.identity.CurrentIdentity()
	if !ok {
		jww.WARN.Printf("not activating %s: %v", id, ErrNotAuthenticated)
		c.deactivate()
		c.generation++
		c.dropQueued(ErrNotAuthenticated)
		c.setStatus(StatusIdle)
		return
	}
	if id == "" {
		return
	}
	if self != c.self || c.session == 0 {
		c.bootstrap(self)
	}

	c.deactivate()
	c.generation++
	gen := c.generation
	c.dropQueued(ErrSuperseded)
	c.target = id
	c.failures = 0
	c.setStatus(StatusActivating)

	c.seen.Reset()
	c.timeline.Reset(id, nil)
	c.setOtherTyping(false)
	c.emitTimeline()

	jww.DEBUG.Printf("activating %s (generation %d)", id, gen)
	c.loadSnapshot(gen, id)
}

// deactivate closes the live subscriptions and cancels typing timers of the current
// activation before any new state is touched.
func (c *Coordinator) deactivate() {
	if c.status == StatusActive {
		c.setStatus(StatusDeactivating)
	}
	if c.typing != nil {
		c.typing.Stop()
		c.typing = nil
	}
	closeSub(&c.msgSub)
	closeSub(&c.typingSub)
}

func (c *Coordinator) loadSnapshot(gen uint64, id string) {
	go func() {
		msgs, err := LoadSnapshot(c.ctx, c.store, id)
		c.post(func() { c.onSnapshot(gen, id, msgs, err) })
	}()
}

func (c *Coordinator) onSnapshot(gen uint64, id string, msgs []Message, err error) {
	if !c.current(gen, "snapshot of "+id) {
		return
	}
	if err != nil {
		c.transientFailure(gen, "snapshot of "+id, err, func() { c.loadSnapshot(gen, id) })
		return
	}
	for _, m := range msgs {
		c.seen.MarkSeen(m.ID)
	}
	c.timeline.Reset(id, msgs)
	c.emitTimeline()

	// The tracker exists before the typing stream opens so remote records arriving
	// while still activating are folded in.
	if c.typing != nil {
		c.typing.Stop()
	}
	c.typing = NewTypingTracker(id, c.self, c.opts.TypingQuietPeriod,
		c.typingPublisher(id), c.scheduler(gen))

	c.subscribe(gen, KindMessages, Filter{ConversationID: id})
	c.subscribe(gen, KindTyping, Filter{ConversationID: id, Exclude: c.self})
}

func (c *Coordinator) subscribe(gen uint64, kind EntityKind, filter Filter) {
	go func() {
		sub, err := c.store.Subscribe(c.ctx, kind, filter)
		if !c.post(func() { c.onSubscribed(gen, kind, filter, sub, err) }) && sub != nil {
			sub.Close()
		}
	}()
}

func (c *Coordinator) onSubscribed(gen uint64, kind EntityKind, filter Filter, sub *Subscription, err error) {
	if !c.current(gen, string(kind)+" subscription") {
		if sub != nil {
			sub.Close()
		}
		return
	}
	if err != nil {
		c.transientFailure(gen, string(kind)+" subscription", err, func() { c.subscribe(gen, kind, filter) })
		return
	}

	switch kind {
	case KindMessages:
		closeSub(&c.msgSub)
		c.msgSub = sub
	case KindTyping:
		closeSub(&c.typingSub)
		c.typingSub = sub
	}
	go c.forward(sub, func(ev ChangeEvent) { c.onChange(gen, sub, ev) })

	if c.status == StatusActivating {
		if c.msgSub != nil && c.typingSub != nil {
			c.becomeActive(gen)
		}
		return
	}
	// A resubscribe that succeeds ends the run of failures.
	c.failures = 0
	if kind == KindMessages {
		c.catchUp(gen, c.target)
	}
}

func (c *Coordinator) becomeActive(gen uint64) {
	c.failures = 0
	id := c.target
	c.setStatus(StatusActive)
	jww.INFO.Printf("conversation %s active (generation %d)", id, gen)

	queued := c.queued
	c.queued = nil
	for _, a := range queued {
		if a.typing != nil {
			c.typing.Notify(*a.typing)
			continue
		}
		c.submit(a.send)
	}
}

// transientFailure allows one automatic retry per run of failures; the second
// consecutive failure leaves the conversation disconnected until it is reselected.
func (c *Coordinator) transientFailure(gen uint64, what string, err error, retry func()) {
	c.failures++
	if c.failures <= 1 {
		jww.WARN.Printf("%s failed, retrying once: %v", what, err)
		retry()
		return
	}
	jww.ERROR.Printf("%s failed again, disconnecting %s: %v", what, c.target, err)
	c.deactivate()
	c.generation++
	c.dropQueued(ErrNotActive)
	c.setOtherTyping(false)
	c.setStatus(StatusDisconnected)
}

// catchUp merges a fresh snapshot after a resubscribe so messages published while the
// stream was down are not lost.
func (c *Coordinator) catchUp(gen uint64, id string) {
	go func() {
		msgs, err := LoadSnapshot(c.ctx, c.store, id)
		c.post(func() {
			if !c.current(gen, "catch-up of "+id) {
				return
			}
			if err != nil {
				jww.WARN.Printf("catch-up of %s failed: %v", id, err)
				return
			}
			for _, m := range msgs {
				c.acceptRemote(m)
			}
		})
	}()
}

// ============================================================================
// Change streams
// ============================================================================

// forward moves events of sub onto the loop until the subscription ends.
func (c *Coordinator) forward(sub *Subscription, handle func(ChangeEvent)) {
	for ev := range sub.Events() {
		ev := ev
		if !c.post(func() { handle(ev) }) {
			return
		}
	}
}

func (c *Coordinator) onChange(gen uint64, sub *Subscription, ev ChangeEvent) {
	if !c.current(gen, string(sub.Kind())+" event") {
		return
	}
	if sub != c.msgSub && sub != c.typingSub {
		jww.DEBUG.Printf("discarding event of replaced %s subscription", sub.Kind())
		return
	}
	if ev.Kind == ChangeError {
		kind, filter := sub.Kind(), sub.Filter()
		if kind == KindMessages {
			closeSub(&c.msgSub)
		} else {
			closeSub(&c.typingSub)
		}
		c.transientFailure(gen, string(kind)+" stream", ev.Err, func() { c.subscribe(gen, kind, filter) })
		return
	}
	c.failures = 0

	switch sub.Kind() {
	case KindMessages:
		c.applyMessageEvent(ev)
	case KindTyping:
		c.applyTypingEvent(ev)
	}
}

func (c *Coordinator) applyMessageEvent(ev ChangeEvent) {
	if ev.Message == nil || ev.Message.ConversationID != c.target {
		return
	}
	switch ev.Kind {
	case ChangeCreated:
		c.acceptRemote(*ev.Message)
	case ChangeUpdated:
		if c.seen.Seen(ev.Message.ID) {
			jww.DEBUG.Printf("ignoring update of confirmed message %s", ev.Message.ID)
			return
		}
		c.acceptRemote(*ev.Message)
	case ChangeDeleted:
		if c.timeline.Remove(ev.Message.ID) {
			c.emitTimeline()
		}
	}
}

// acceptRemote inserts a store-confirmed message unless its identifier was seen.
func (c *Coordinator) acceptRemote(m Message) {
	if m.ID == "" || m.ConversationID != c.target {
		return
	}
	if !c.seen.MarkSeen(m.ID) {
		jww.DEBUG.Printf("duplicate delivery of %s suppressed", m.ID)
		return
	}
	m.Status = StatusConfirmed
	if m.Sender == c.self {
		if clientID, ok := c.sends.matchEcho(m); ok {
			c.timeline.Reconcile(clientID, m)
		} else {
			c.timeline.Append(m)
		}
	} else {
		c.timeline.Append(m)
	}
	if c.registry.ApplyPreviewUpdate(m.ConversationID, m.Body, m.CreatedAt) {
		c.emitConversations()
	}
	c.emitTimeline()
}

func (c *Coordinator) applyTypingEvent(ev ChangeEvent) {
	if ev.Typing == nil || c.typing == nil {
		return
	}
	ts := *ev.Typing
	if ev.Kind == ChangeDeleted {
		ts.IsTyping = false
	}
	if c.typing.ApplyRemote(ts) {
		c.setOtherTyping(c.typing.OtherTyping())
	}
}

// ============================================================================
// Sending and typing
// ============================================================================

func (c *Coordinator) sendMessage(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.setDraft("")

	switch c.status {
	case StatusActivating:
		c.queued = append(c.queued, queuedAction{send: text})
		return
	case StatusActive:
		c.submit(text)
	default:
		c.setDraft(text)
		c.hooks.emitSendFailed(SendFailure{ConversationID: c.target, Text: text, Err: ErrNotActive})
	}
}

func (c *Coordinator) submit(text string) {
	gen, id, self := c.generation, c.target, c.self
	if c.typing != nil {
		c.typing.Flush()
	}
	m := c.sends.begin(gen, id, self, text, c.opts.Now())
	c.emitTimeline()

	go func() {
		confirmed, err := c.store.CreateMessage(c.ctx, id, self, text)
		c.post(func() { c.onSent(gen, m.ClientID, confirmed, err) })
	}()
}

func (c *Coordinator) onSent(gen uint64, clientID string, confirmed Message, err error) {
	live := gen == c.generation
	o, ok := c.sends.lookup(clientID)
	if !ok {
		return
	}
	if err != nil {
		f := c.sends.fail(clientID, fmt.Errorf("%w: %v", ErrSendFailed, err), live)
		if f.ConversationID == c.target && c.draft == "" {
			c.setDraft(f.Text)
		}
		if live {
			c.emitTimeline()
		}
		c.hooks.emitSendFailed(f)
		return
	}

	if confirmed.ConversationID == "" {
		confirmed.ConversationID = o.conversationID
	}
	if !live {
		jww.DEBUG.Printf("send %s confirmed after generation %d ended", clientID, gen)
	}
	c.sends.confirm(clientID, confirmed, live)
	if c.registry.ApplyPreviewUpdate(confirmed.ConversationID, confirmed.Body, confirmed.CreatedAt) {
		c.emitConversations()
	}
	if live {
		c.emitTimeline()
	}
}

func (c *Coordinator) setComposing(isTyping bool) {
	switch c.status {
	case StatusActivating:
		v := isTyping
		c.queued = append(c.queued, queuedAction{typing: &v})
	case StatusActive:
		if c.typing != nil {
			c.typing.Notify(isTyping)
		}
	}
}

// dropQueued discards actions queued for an activation that will never complete.
// Queued sends are surfaced as failures so their text is not lost.
func (c *Coordinator) dropQueued(reason error) {
	queued := c.queued
	c.queued = nil
	for _, a := range queued {
		if a.typing != nil {
			continue
		}
		c.hooks.emitSendFailed(SendFailure{ConversationID: c.target, Text: a.send, Err: reason})
	}
}

// typingPublisher returns the write function of a tracker. Writes are serialized
// through one worker so "true" and "false" reach the store in order.
func (c *Coordinator) typingPublisher(conversationID string) func(bool) {
	self := c.self
	return func(isTyping bool) {
		select {
		case c.typingWrites <- typingWrite{conversationID: conversationID, identity: self, isTyping: isTyping}:
		case <-c.done:
		}
	}
}

func (c *Coordinator) writeTyping() {
	for {
		select {
		case w := <-c.typingWrites:
			if err := c.store.UpsertTypingState(c.ctx, w.conversationID, w.identity, w.isTyping); err != nil {
				jww.WARN.Printf("typing=%t for %s failed: %v", w.isTyping, w.conversationID, err)
			}
		case <-c.done:
			return
		}
	}
}

// scheduler arms timers whose firing is delivered through the loop and dropped once
// gen is superseded.
func (c *Coordinator) scheduler(gen uint64) scheduleFunc {
	return func(d time.Duration, fn func()) func() {
		t := time.AfterFunc(d, func() {
			c.post(func() {
				if c.current(gen, "typing timer") {
					fn()
				}
			})
		})
		return func() { t.Stop() }
	}
}

// ============================================================================
// Publishing state
// ============================================================================

func (c *Coordinator) setStatus(s SyncStatus) {
	if c.status == s {
		return
	}
	c.status = s
	c.view.mu.Lock()
	c.view.status = s
	c.view.mu.Unlock()
	c.hooks.emitStatus(s)
}

func (c *Coordinator) setDraft(text string) {
	c.draft = text
	c.view.mu.Lock()
	c.view.draft = text
	c.view.mu.Unlock()
}

func (c *Coordinator) setOtherTyping(v bool) {
	if c.otherTyping == v {
		return
	}
	c.otherTyping = v
	c.view.mu.Lock()
	c.view.otherTyping = v
	c.view.mu.Unlock()
	c.hooks.emitTyping(v)
}

func (c *Coordinator) emitTimeline() {
	v := TimelineView{ConversationID: c.timeline.ConversationID(), Messages: c.timeline.Messages()}
	c.view.mu.Lock()
	c.view.timeline = v
	c.view.mu.Unlock()
	c.hooks.emitTimeline(v)
}

func (c *Coordinator) emitConversations() {
	convs := c.registry.Conversations()
	c.view.mu.Lock()
	c.view.conversations = convs
	c.view.mu.Unlock()
	c.hooks.emitConversations(convs)
}

func closeSub(s **Subscription) {
	if *s != nil {
		(*s).Close()
		*s = nil
	}
}
