package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Server
// ============================================================================

// Server exposes a Store over the HTTP+WebSocket protocol spoken by Client. It lets a
// MemoryStore or a Redis store be shared by several processes.
type Server struct {
	store Store
	token string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerToken requires every request to carry "Authorization: Bearer <token>".
func WithServerToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// NewServer creates a server in front of store.
func NewServer(store Store, opts ...ServerOption) *Server {
	s := &Server{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		writeResult(w, http.StatusUnauthorized, nil, &APIError{Code: "UNAUTHORIZED", Message: "invalid or missing token"})
		return
	}

	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")
	switch {
	case path == "ws/subscribe":
		s.subscribe(w, r)
	case path == "api/conversations":
		s.conversations(w, r)
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "conversations" && parts[3] == "messages":
		s.messages(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "conversations" && parts[3] == "typing":
		s.typing(w, r, parts[2])
	default:
		writeResult(w, http.StatusNotFound, nil, &APIError{Code: "NOT_FOUND", Message: "no route for " + r.URL.Path})
	}
}

// ── REST ─────────────────────────────────────────────────

func (s *Server) conversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id := Identity(r.URL.Query().Get("identity"))
		if id == "" {
			writeResult(w, http.StatusBadRequest, nil, &APIError{Code: "BAD_REQUEST", Message: "identity is required"})
			return
		}
		convs, err := s.store.QueryConversations(r.Context(), id)
		respond(w, convs, err)
	case http.MethodPost:
		var req createConversationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		conv, err := s.store.FindOrCreateConversation(r.Context(), req.A, req.B)
		respond(w, conv, err)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.store.QueryMessages(r.Context(), conversationID)
		respond(w, msgs, err)
	case http.MethodPost:
		var req createMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		m, err := s.store.CreateMessage(r.Context(), conversationID, req.Sender, req.Body)
		respond(w, m, err)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) typing(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req upsertTypingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.store.UpsertTypingState(r.Context(), conversationID, req.Identity, req.IsTyping)
	respond(w, nil, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeResult(w, http.StatusBadRequest, nil, &APIError{Code: "BAD_REQUEST", Message: "invalid JSON body"})
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeResult(w, http.StatusMethodNotAllowed, nil, &APIError{Code: "METHOD_NOT_ALLOWED", Message: "Method not allowed"})
}

func respond(w http.ResponseWriter, data any, err error) {
	if err == nil {
		writeResult(w, http.StatusOK, data, nil)
		return
	}
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == "FORBIDDEN" {
			status = http.StatusForbidden
		}
		writeResult(w, status, nil, apiErr)
	case errors.Is(err, ErrNotFound):
		writeResult(w, http.StatusNotFound, nil, &APIError{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, ErrInvalidConversation):
		writeResult(w, http.StatusBadRequest, nil, &APIError{Code: "INVALID_CONVERSATION", Message: err.Error()})
	default:
		jww.ERROR.Printf("store error: %v", err)
		writeResult(w, http.StatusInternalServerError, nil, &APIError{Code: "INTERNAL", Message: err.Error()})
	}
}

func writeResult(w http.ResponseWriter, status int, data any, apiErr *APIError) {
	res := APIResult{OK: apiErr == nil, Error: apiErr}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			res = APIResult{Error: &APIError{Code: "INTERNAL", Message: err.Error()}}
			status = http.StatusInternalServerError
		} else {
			res.Data = raw
		}
	}
	writeJSON(w, status, res)
}

// ── WebSocket change streams ─────────────────────────────

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := EntityKind(q.Get("kind"))
	filter := Filter{
		ConversationID: q.Get("conversationId"),
		Exclude:        Identity(q.Get("exclude")),
		Participant:    Identity(q.Get("participant")),
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		jww.WARN.Printf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	sub, err := s.store.Subscribe(ctx, kind, filter)
	if err != nil {
		wsjson.Write(ctx, conn, ChangeEnvelope{Type: ChangeError, Error: &APIError{Code: "SUBSCRIBE_FAILED", Message: err.Error()}})
		conn.Close(websocket.StatusPolicyViolation, "subscribe failed")
		return
	}
	defer sub.Close()

	if err := wsjson.Write(ctx, conn, ChangeEnvelope{Type: frameSubscribed}); err != nil {
		return
	}
	jww.DEBUG.Printf("serving %s stream %+v", kind, filter)

	if err := pushChanges(ctx, conn, sub); err != nil && !errors.Is(err, context.Canceled) {
		jww.DEBUG.Printf("%s stream ended: %v", kind, err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func pushChanges(ctx context.Context, conn *websocket.Conn, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			env, err := encodeChange(ev)
			if err != nil {
				jww.WARN.Printf("cannot encode %s change: %v", sub.Kind(), err)
				continue
			}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return err
			}
		}
	}
}
