package chatsync

import (
	"sync"
	"sync/atomic"

	jww "github.com/spf13/jwalterweatherman"
)

// SyncStatus is the coordinator lifecycle state surfaced to listeners.
type SyncStatus string

const (
	StatusIdle         SyncStatus = "idle"
	StatusActivating   SyncStatus = "activating"
	StatusActive       SyncStatus = "active"
	StatusDeactivating SyncStatus = "deactivating"
	StatusDisconnected SyncStatus = "disconnected"
)

// TimelineView is the materialized timeline delivered to listeners.
type TimelineView struct {
	ConversationID string
	Messages       []Message
}

// listeners holds the observation hooks. Every hook receives the full current state,
// never a delta. Hooks run on the coordinator loop; a panicking hook is logged and
// does not stop the others.
type listeners struct {
	mu             sync.RWMutex
	onConversation []func([]Conversation)
	onTimeline     []func(TimelineView)
	onTyping       []func(bool)
	onSendFailed   []func(SendFailure)
	onStatus       []func(SyncStatus)

	// dispatching is set while a hook runs on the loop.
	dispatching atomic.Bool
}

// OnConversationsChanged registers a handler for the conversation list.
func (c *Coordinator) OnConversationsChanged(h func([]Conversation)) {
	c.hooks.mu.Lock()
	c.hooks.onConversation = append(c.hooks.onConversation, h)
	c.hooks.mu.Unlock()
}

// OnTimelineChanged registers a handler for the active timeline.
func (c *Coordinator) OnTimelineChanged(h func(TimelineView)) {
	c.hooks.mu.Lock()
	c.hooks.onTimeline = append(c.hooks.onTimeline, h)
	c.hooks.mu.Unlock()
}

// OnOtherPartyTyping registers a handler for the other participant's typing flag.
func (c *Coordinator) OnOtherPartyTyping(h func(bool)) {
	c.hooks.mu.Lock()
	c.hooks.onTyping = append(c.hooks.onTyping, h)
	c.hooks.mu.Unlock()
}

// OnSendFailed registers a handler for recoverable send failures.
func (c *Coordinator) OnSendFailed(h func(SendFailure)) {
	c.hooks.mu.Lock()
	c.hooks.onSendFailed = append(c.hooks.onSendFailed, h)
	c.hooks.mu.Unlock()
}

// OnStatusChanged registers a handler for lifecycle status changes.
func (c *Coordinator) OnStatusChanged(h func(SyncStatus)) {
	c.hooks.mu.Lock()
	c.hooks.onStatus = append(c.hooks.onStatus, h)
	c.hooks.mu.Unlock()
}

func (l *listeners) emitConversations(convs []Conversation) {
	l.mu.RLock()
	handlers := append([]func([]Conversation){}, l.onConversation...)
	l.mu.RUnlock()
	for _, h := range handlers {
		l.call("conversations", func() { h(append([]Conversation(nil), convs...)) })
	}
}

func (l *listeners) emitTimeline(v TimelineView) {
	l.mu.RLock()
	handlers := append([]func(TimelineView){}, l.onTimeline...)
	l.mu.RUnlock()
	for _, h := range handlers {
		view := TimelineView{ConversationID: v.ConversationID, Messages: append([]Message(nil), v.Messages...)}
		l.call("timeline", func() { h(view) })
	}
}

func (l *listeners) emitTyping(typing bool) {
	l.mu.RLock()
	handlers := append([]func(bool){}, l.onTyping...)
	l.mu.RUnlock()
	for _, h := range handlers {
		l.call("typing", func() { h(typing) })
	}
}

func (l *listeners) emitSendFailed(f SendFailure) {
	l.mu.RLock()
	handlers := append([]func(SendFailure){}, l.onSendFailed...)
	l.mu.RUnlock()
	for _, h := range handlers {
		l.call("send failed", func() { h(f) })
	}
}

func (l *listeners) emitStatus(s SyncStatus) {
	l.mu.RLock()
	handlers := append([]func(SyncStatus){}, l.onStatus...)
	l.mu.RUnlock()
	for _, h := range handlers {
		l.call("status", func() { h(s) })
	}
}

func (l *listeners) call(hook string, fn func()) {
	l.dispatching.Store(true)
	defer func() {
		l.dispatching.Store(false)
		if r := recover(); r != nil {
			jww.ERROR.Printf("%s listener panicked: %v", hook, r)
		}
	}()
	fn()
}
