package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// frameSubscribed is the first frame the server sends once a subscription is open.
const frameSubscribed ChangeKind = "subscribed"

// ============================================================================
// Configuration
// ============================================================================

// SubscriptionConfig configures WebSocket change streams.
type SubscriptionConfig struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	HTTPClient        *http.Client
}

func (c *SubscriptionConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// WebSocket change stream
// ============================================================================

// dialSubscription opens one WebSocket change stream. It returns once the server has
// confirmed the subscription. The stream never reconnects on its own: a read failure
// or missed heartbeat surfaces as a ChangeError event.
func dialSubscription(ctx context.Context, wsURL, token string, kind EntityKind, filter Filter, cfg SubscriptionConfig) (*Subscription, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	var ack ChangeEnvelope
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != frameSubscribed {
		conn.Close(websocket.StatusNormalClosure, "")
		if ack.Error != nil {
			return nil, ack.Error
		}
		return nil, fmt.Errorf("expected '%s', got '%s'", frameSubscribed, ack.Type)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	sub := NewSubscription(kind, filter, func() {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})

	go readLoop(streamCtx, conn, sub)
	go heartbeatLoop(streamCtx, conn, sub, cfg)

	jww.DEBUG.Printf("%s stream open at %s", kind, wsURL)
	return sub, nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-sub.Done():
				return
			default:
			}
			sub.Fail(fmt.Errorf("read: %w", err))
			return
		}

		var env ChangeEnvelope
		if json.Unmarshal(data, &env) != nil {
			jww.DEBUG.Printf("skipping undecodable %s frame", sub.Kind())
			continue
		}
		ev, err := decodeChange(sub.Kind(), env)
		if err != nil {
			jww.WARN.Printf("skipping malformed %s record: %v", sub.Kind(), err)
			continue
		}
		sub.Deliver(ev)
	}
}

func heartbeatLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription, cfg SubscriptionConfig) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				select {
				case <-sub.Done():
					return
				default:
				}
				// Heartbeat failed: force close, the read loop reports it.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
