// Package redisstore implements chatsync.Store on Redis. Records are stored as JSON
// strings and lists; change notifications travel over one pub/sub channel per entity
// kind so every process sharing the Redis instance sees every write.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/Prismer-AI/chatsync"
)

const defaultPrefix = "chatsync:"

// Store is a chatsync.Store backed by Redis.
//
// Layout, relative to the key prefix:
//
//	conv:<id>          JSON conversation
//	pair:<a>|<b>       conversation id of the (sorted) identity pair
//	convs:<identity>   sorted set of conversation ids scored by update time
//	msgs:<id>          list of JSON messages in creation order
//	typing:<id>        hash identity -> JSON typing state
//	changes:<kind>     pub/sub channel of chatsync.Notification payloads
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time

	mu        sync.Mutex
	lastStamp time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key and channel.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock replaces the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the Redis server at url (redis://...). An empty url falls back to
// the REDIS_URL environment variable.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url == "" {
		return nil, errors.New("redis: no url given and REDIS_URL is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return New(c, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// ── Keys ─────────────────────────────────────────────────

func (s *Store) convKey(id string) string { return s.prefix + "conv:" + id }
func (s *Store) indexKey(id chatsync.Identity) string { return s.prefix + "convs:" + string(id) }
func (s *Store) msgsKey(id string) string { return s.prefix + "msgs:" + id }
func (s *Store) typingKey(id string) string { return s.prefix + "typing:" + id }

func (s *Store) channel(kind chatsync.EntityKind) string {
	return s.prefix + "changes:" + string(kind)
}

func (s *Store) pairKey(a, b chatsync.Identity) string {
	if b < a {
		a, b = b, a
	}
	return s.prefix + "pair:" + string(a) + "|" + string(b)
}

// stamp returns a strictly increasing timestamp for this process.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

// ── Conversations ────────────────────────────────────────

// QueryConversations implements chatsync.Store.
func (s *Store) QueryConversations(ctx context.Context, id chatsync.Identity) ([]chatsync.Conversation, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: conversations of %s: %w", id, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, cid := range ids {
		keys[i] = s.convKey(cid)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load conversations: %w", err)
	}
	convs := make([]chatsync.Conversation, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			jww.DEBUG.Printf("conversation %s indexed but missing", ids[i])
			continue
		}
		var c chatsync.Conversation
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			jww.WARN.Printf("skipping undecodable conversation %s: %v", ids[i], err)
			continue
		}
		convs = append(convs, c)
	}
	return convs, nil
}

// FindOrCreateConversation implements chatsync.Store. The pair key is claimed with
// SETNX after the record is written, so a reader that wins the pair always finds it.
func (s *Store) FindOrCreateConversation(ctx context.Context, a, b chatsync.Identity) (chatsync.Conversation, error) {
	if a == "" || b == "" || a == b {
		return chatsync.Conversation{}, chatsync.ErrInvalidConversation
	}
	pair := s.pairKey(a, b)

	existing, err := s.client.Get(ctx, pair).Result()
	switch {
	case err == nil:
		return s.conversation(ctx, existing)
	case err != redis.Nil:
		return chatsync.Conversation{}, fmt.Errorf("redis: lookup pair: %w", err)
	}

	c := chatsync.Conversation{
		ID:           "conv-" + uuid.NewString(),
		Participants: [2]chatsync.Identity{a, b},
		UpdatedAt:    s.stamp(),
	}
	data, err := json.Marshal(c)
	if err != nil {
		return chatsync.Conversation{}, err
	}
	if err := s.client.Set(ctx, s.convKey(c.ID), data, 0).Err(); err != nil {
		return chatsync.Conversation{}, fmt.Errorf("redis: write conversation: %w", err)
	}
	won, err := s.client.SetNX(ctx, pair, c.ID, 0).Result()
	if err != nil {
		return chatsync.Conversation{}, fmt.Errorf("redis: claim pair: %w", err)
	}
	if !won {
		s.client.Del(ctx, s.convKey(c.ID))
		winner, err := s.client.Get(ctx, pair).Result()
		if err != nil {
			return chatsync.Conversation{}, fmt.Errorf("redis: lookup pair: %w", err)
		}
		return s.conversation(ctx, winner)
	}

	if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		members := []redis.Z{{Score: float64(c.UpdatedAt.UnixNano()), Member: c.ID}}
		p.ZAddArgs(ctx, s.indexKey(a), redis.ZAddArgs{GT: true, Members: members})
		p.ZAddArgs(ctx, s.indexKey(b), redis.ZAddArgs{GT: true, Members: members})
		return nil
	}); err != nil {
		return chatsync.Conversation{}, fmt.Errorf("redis: index conversation: %w", err)
	}

	s.publish(ctx, chatsync.KindConversations, chatsync.ChangeEvent{Kind: chatsync.ChangeCreated, Conversation: &c})
	return c, nil
}

func (s *Store) conversation(ctx context.Context, id string) (chatsync.Conversation, error) {
	return decodeConversation(id, s.client.Get(ctx, s.convKey(id)))
}

func decodeConversation(id string, cmd *redis.StringCmd) (chatsync.Conversation, error) {
	var c chatsync.Conversation
	data, err := cmd.Bytes()
	if err == redis.Nil {
		return c, fmt.Errorf("conversation %s: %w", id, chatsync.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("redis: load conversation %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("redis: decode conversation %s: %w", id, err)
	}
	return c, nil
}

// ── Messages ─────────────────────────────────────────────

// QueryMessages implements chatsync.Store.
func (s *Store) QueryMessages(ctx context.Context, conversationID string) ([]chatsync.Message, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.msgsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: messages of %s: %w", conversationID, err)
	}
	msgs := make([]chatsync.Message, 0, len(raw))
	for _, r := range raw {
		var m chatsync.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			jww.WARN.Printf("skipping undecodable message in %s: %v", conversationID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// maxWatchRetries bounds how often CreateMessage retries after another writer
// touched the conversation between its read and its commit.
const maxWatchRetries = 8

// CreateMessage implements chatsync.Store. The conversation record is read and
// rewritten under WATCH so concurrent writers cannot roll its preview back.
func (s *Store) CreateMessage(ctx context.Context, conversationID string, sender chatsync.Identity, body string) (chatsync.Message, error) {
	var (
		m    chatsync.Message
		conv chatsync.Conversation
	)
	write := func(tx *redis.Tx) error {
		var err error
		conv, err = decodeConversation(conversationID, tx.Get(ctx, s.convKey(conversationID)))
		if err != nil {
			return err
		}
		if !conv.Has(sender) {
			return &chatsync.APIError{Code: "FORBIDDEN", Message: string(sender) + " is not a participant"}
		}

		m = chatsync.Message{
			ID:             "msg-" + uuid.NewString(),
			ConversationID: conversationID,
			Sender:         sender,
			Body:           body,
			CreatedAt:      s.stamp(),
			Status:         chatsync.StatusConfirmed,
		}
		touched := touch(&conv, m)

		msgData, err := json.Marshal(m)
		if err != nil {
			return err
		}
		convData, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.RPush(ctx, s.msgsKey(conversationID), msgData)
			if touched {
				p.Set(ctx, s.convKey(conversationID), convData, 0)
			}
			// GT keeps each index score at the newest update seen.
			score := float64(m.CreatedAt.UnixNano())
			for _, id := range conv.Participants {
				p.ZAddArgs(ctx, s.indexKey(id), redis.ZAddArgs{
					GT:      true,
					Members: []redis.Z{{Score: score, Member: conv.ID}},
				})
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err = s.client.Watch(ctx, write, s.convKey(conversationID))
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		jww.DEBUG.Printf("conversation %s changed during write, retrying", conversationID)
	}
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		return chatsync.Message{}, fmt.Errorf("redis: write message: conversation %s kept changing: %w", conversationID, err)
	default:
		var apiErr *chatsync.APIError
		if errors.As(err, &apiErr) || errors.Is(err, chatsync.ErrNotFound) {
			return chatsync.Message{}, err
		}
		return chatsync.Message{}, fmt.Errorf("redis: write message: %w", err)
	}

	s.publish(ctx, chatsync.KindMessages, chatsync.ChangeEvent{Kind: chatsync.ChangeCreated, Message: &m})
	s.publish(ctx, chatsync.KindConversations, chatsync.ChangeEvent{Kind: chatsync.ChangeUpdated, Conversation: &conv})
	return m, nil
}

// touch advances the preview and update time of conv to m unless conv already
// reflects a later message. It reports whether conv changed.
func touch(conv *chatsync.Conversation, m chatsync.Message) bool {
	if !m.CreatedAt.After(conv.UpdatedAt) {
		return false
	}
	conv.LastMessagePreview = m.Body
	conv.UpdatedAt = m.CreatedAt
	return true
}

// ── Typing ───────────────────────────────────────────────

// UpsertTypingState implements chatsync.Store.
func (s *Store) UpsertTypingState(ctx context.Context, conversationID string, id chatsync.Identity, isTyping bool) error {
	ts := chatsync.TypingState{
		ConversationID: conversationID,
		Identity:       id,
		IsTyping:       isTyping,
		UpdatedAt:      s.stamp(),
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	added, err := s.client.HSet(ctx, s.typingKey(conversationID), string(id), data).Result()
	if err != nil {
		return fmt.Errorf("redis: write typing state: %w", err)
	}
	kind := chatsync.ChangeUpdated
	if added > 0 {
		kind = chatsync.ChangeCreated
	}
	s.publish(ctx, chatsync.KindTyping, chatsync.ChangeEvent{Kind: kind, Typing: &ts})
	return nil
}

// ── Change streams ───────────────────────────────────────

func (s *Store) publish(ctx context.Context, kind chatsync.EntityKind, ev chatsync.ChangeEvent) {
	payload, err := chatsync.EncodeNotification(kind, ev)
	if err != nil {
		jww.ERROR.Printf("cannot encode %s notification: %v", kind, err)
		return
	}
	if err := s.client.Publish(ctx, s.channel(kind), payload).Err(); err != nil {
		jww.WARN.Printf("publish %s notification: %v", kind, err)
	}
}

// Subscribe implements chatsync.Store. It returns once Redis has confirmed the channel
// subscription. A receive failure surfaces as a ChangeError event and ends the stream.
func (s *Store) Subscribe(ctx context.Context, kind chatsync.EntityKind, filter chatsync.Filter) (*chatsync.Subscription, error) {
	switch kind {
	case chatsync.KindMessages, chatsync.KindTyping, chatsync.KindConversations:
	default:
		return nil, fmt.Errorf("subscribe: unknown entity kind %q", kind)
	}

	ps := s.client.Subscribe(ctx, s.channel(kind))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", kind, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	sub := chatsync.NewSubscription(kind, filter, func() {
		cancel()
		_ = ps.Close()
	})
	go receive(streamCtx, ps, sub)
	return sub, nil
}

func receive(ctx context.Context, ps *redis.PubSub, sub *chatsync.Subscription) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-sub.Done():
				return
			default:
			}
			sub.Fail(fmt.Errorf("redis: receive: %w", err))
			return
		}
		n, ev, err := chatsync.ParseNotification(msg.Payload)
		if err != nil {
			jww.WARN.Printf("skipping notification on %s: %v", msg.Channel, err)
			continue
		}
		if n.Kind != sub.Kind() {
			continue
		}
		sub.Deliver(ev)
	}
}

var _ chatsync.Store = (*Store)(nil)
