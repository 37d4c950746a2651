package chatsync

import (
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// DefaultTypingQuietPeriod is how long after the last keystroke "typing=false" is published.
const DefaultTypingQuietPeriod = 2 * time.Second

// scheduleFunc runs fn after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, fn func()) (cancel func())

// TypingTracker is the typing presence of one conversation activation. The local side
// debounces keystrokes into at most one "typing=true" write followed by exactly one
// "typing=false" write; the remote side folds other participants' records into a single
// flag. A tracker is never reused across conversations. Not safe for concurrent use.
type TypingTracker struct {
	conversationID string
	self           Identity
	quiet          time.Duration
	publish        func(isTyping bool)
	schedule       scheduleFunc

	published bool
	timerSeq  uint64
	cancel    func()
	stopped   bool

	remote map[Identity]bool
}

// NewTypingTracker returns a tracker for self in conversationID. publish issues the
// typing-state write; schedule arms the quiet-period timer.
func NewTypingTracker(conversationID string, self Identity, quiet time.Duration,
	publish func(isTyping bool), schedule scheduleFunc) *TypingTracker {
	if quiet <= 0 {
		quiet = DefaultTypingQuietPeriod
	}
	return &TypingTracker{
		conversationID: conversationID,
		self:           self,
		quiet:          quiet,
		publish:        publish,
		schedule:       schedule,
		remote:         make(map[Identity]bool),
	}
}

// ConversationID returns the conversation the tracker belongs to.
func (t *TypingTracker) ConversationID() string { return t.conversationID }

// Notify records local typing activity.
func (t *TypingTracker) Notify(isTyping bool) {
	if t.stopped {
		return
	}
	if !isTyping {
		t.Flush()
		return
	}
	if !t.published {
		t.published = true
		t.publish(true)
	}
	t.arm()
}

// Flush publishes "typing=false" immediately if "typing=true" is outstanding.
func (t *TypingTracker) Flush() {
	if t.stopped {
		return
	}
	t.disarm()
	if t.published {
		t.published = false
		t.publish(false)
	}
}

// Stop cancels the pending quiet-period timer. No write is issued after Stop.
func (t *TypingTracker) Stop() {
	t.disarm()
	t.stopped = true
	t.remote = make(map[Identity]bool)
}

// ApplyRemote folds a remote typing record in and reports whether OtherTyping changed.
func (t *TypingTracker) ApplyRemote(ts TypingState) bool {
	if t.stopped || ts.ConversationID != t.conversationID || ts.Identity == t.self {
		return false
	}
	before := t.OtherTyping()
	if ts.IsTyping {
		t.remote[ts.Identity] = true
	} else {
		delete(t.remote, ts.Identity)
	}
	return before != t.OtherTyping()
}

// OtherTyping reports whether another participant is typing.
func (t *TypingTracker) OtherTyping() bool {
	return len(t.remote) > 0
}

// Publishing reports whether "typing=true" is outstanding.
func (t *TypingTracker) Publishing() bool {
	return t.published
}

func (t *TypingTracker) arm() {
	t.disarm()
	t.timerSeq++
	seq := t.timerSeq
	t.cancel = t.schedule(t.quiet, func() { t.quietElapsed(seq) })
}

func (t *TypingTracker) disarm() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.timerSeq++
}

func (t *TypingTracker) quietElapsed(seq uint64) {
	if t.stopped || seq != t.timerSeq {
		jww.DEBUG.Printf("stale typing timer for %s ignored", t.conversationID)
		return
	}
	t.cancel = nil
	if t.published {
		t.published = false
		t.publish(false)
	}
}
