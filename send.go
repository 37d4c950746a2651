package chatsync

import (
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
)

// SendState is the state of one outgoing message.
type SendState string

const (
	SendComposing SendState = "composing"
	SendSending   SendState = "sending"
	SendConfirmed SendState = "confirmed"
	SendFailed    SendState = "failed"
)

// SendFailure describes a send that did not reach the store. Text is the original body,
// restored into the draft when the failure belongs to the active conversation.
type SendFailure struct {
	ConversationID string
	ClientID       string
	Text           string
	Err            error
}

type outgoing struct {
	clientID       string
	conversationID string
	generation     uint64
	body           string
	state          SendState
	// serverID is set when the change-stream echo was matched before confirmation.
	serverID string
}

// sendReconciler tracks optimistic sends until the store confirms or rejects them.
// Both the confirmation and the change-stream echo converge on "insert if not seen".
type sendReconciler struct {
	seen     *SeenCache
	timeline *Timeline
	pending  map[string]*outgoing
	order    []string
}

func newSendReconciler(seen *SeenCache, timeline *Timeline) *sendReconciler {
	return &sendReconciler{
		seen:     seen,
		timeline: timeline,
		pending:  make(map[string]*outgoing),
	}
}

// begin registers an outgoing message and appends its provisional entry.
func (r *sendReconciler) begin(gen uint64, conversationID string, sender Identity, body string, now time.Time) Message {
	clientID := uuid.NewString()
	o := &outgoing{
		clientID:       clientID,
		conversationID: conversationID,
		generation:     gen,
		body:           body,
		state:          SendSending,
	}
	r.pending[clientID] = o
	r.order = append(r.order, clientID)

	m := Message{
		ClientID:       clientID,
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		CreatedAt:      now,
		Status:         StatusPending,
	}
	r.timeline.Append(m)
	return m
}

// lookup returns the outgoing message with clientID.
func (r *sendReconciler) lookup(clientID string) (*outgoing, bool) {
	o, ok := r.pending[clientID]
	return o, ok
}

// confirm settles a successful send. When live is false the timeline belongs to
// another activation and only the bookkeeping is updated.
func (r *sendReconciler) confirm(clientID string, confirmed Message, live bool) {
	o, ok := r.pending[clientID]
	if !ok {
		return
	}
	o.state = SendConfirmed
	r.forget(clientID)
	if !live {
		return
	}
	r.seen.MarkSeen(confirmed.ID)
	r.timeline.Reconcile(clientID, confirmed)
}

// fail settles a rejected send and rolls back its provisional entry.
func (r *sendReconciler) fail(clientID string, err error, live bool) SendFailure {
	o, ok := r.pending[clientID]
	if !ok {
		return SendFailure{ClientID: clientID, Err: err}
	}
	o.state = SendFailed
	r.forget(clientID)
	if live {
		r.timeline.RemoveProvisional(clientID)
	}
	jww.WARN.Printf("send %s to %s failed: %v", clientID, o.conversationID, err)
	return SendFailure{ConversationID: o.conversationID, ClientID: clientID, Text: o.body, Err: err}
}

// matchEcho pairs a change-stream message authored by self with the oldest matching
// send still waiting for confirmation.
func (r *sendReconciler) matchEcho(m Message) (string, bool) {
	for _, id := range r.order {
		o := r.pending[id]
		if o.state != SendSending || o.serverID != "" {
			continue
		}
		if o.conversationID == m.ConversationID && o.body == m.Body {
			o.serverID = m.ID
			return id, true
		}
	}
	return "", false
}

func (r *sendReconciler) forget(clientID string) {
	delete(r.pending, clientID)
	for i, id := range r.order {
		if id == clientID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// inFlight returns the number of sends waiting for the store.
func (r *sendReconciler) inFlight() int {
	return len(r.pending)
}
