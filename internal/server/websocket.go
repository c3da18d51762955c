package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kitstream/backend/internal/pubsub"
)

type SessionConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxMessageBytes: 64 << 10,
	}
}

// session is one WebSocket connection speaking the JSON-RPC subscription
// protocol. It is also the pubsub.Sink for every subscription it opens.
type session struct {
	id         string
	conn       *websocket.Conn
	engine     *pubsub.Engine
	authorizer Authorizer
	principal  Principal
	config     SessionConfig
	logger     *zap.Logger

	// gorilla/websocket allows one concurrent writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	subscriptions map[pubsub.SubscriptionID]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(
	conn *websocket.Conn,
	engine *pubsub.Engine,
	authorizer Authorizer,
	principal Principal,
	config SessionConfig,
	logger *zap.Logger,
) *session {
	id := uuid.NewString()
	return &session{
		id:            id,
		conn:          conn,
		engine:        engine,
		authorizer:    authorizer,
		principal:     principal,
		config:        config,
		logger:        logger.With(zap.String("session", id), zap.String("user", principal.Username)),
		subscriptions: make(map[pubsub.SubscriptionID]struct{}),
		done:          make(chan struct{}),
	}
}

// run serves the connection until the peer goes away or ctx ends.
func (session *session) run(ctx context.Context) {
	defer session.close()

	session.conn.SetReadLimit(session.config.MaxMessageBytes)
	_ = session.conn.SetReadDeadline(time.Now().Add(session.config.PongTimeout))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(session.config.PongTimeout))
	})

	go session.keepalive(ctx)

	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				session.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		response, ok := session.handle(ctx, data)
		if !ok {
			continue
		}
		if err := session.write(ctx, response); err != nil {
			session.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (session *session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(session.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			session.shutdown("server shutting down")
			return
		case <-session.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(session.config.WriteTimeout)
			if err := session.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				session.close()
				return
			}
		}
	}
}

// handle dispatches one JSON-RPC message. The bool is false when no response
// must be written.
func (session *session) handle(ctx context.Context, data []byte) (rpcResponse, bool) {
	var request rpcRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return errorResponse(nil, codeParseError, "parse error"), true
	}
	if request.JSONRPC != jsonRPCVersion || request.Method == "" {
		return errorResponse(request.ID, codeInvalidRequest, "invalid request"), true
	}

	switch request.Method {
	case methodSubscribe:
		return session.subscribe(ctx, request)
	case methodUnsubscribe:
		return session.unsubscribe(request), true
	default:
		return errorResponse(request.ID, codeMethodNotFound, "method not found"), true
	}
}

// subscribe writes its own success response so that it goes out before any
// replayed notification.
func (session *session) subscribe(ctx context.Context, request rpcRequest) (rpcResponse, bool) {
	params, err := decodeSubscribeParams(request.Params)
	if err != nil {
		return errorResponse(request.ID, codeInvalidParams, err.Error()), true
	}

	if err := session.authorizer.AuthorizeSubscription(ctx, session.principal, params.KitSerial); err != nil {
		switch {
		case errors.Is(err, ErrKitNotFound):
			return errorResponse(request.ID, codeKitNotFound, "kit not found"), true
		case errors.Is(err, ErrNotAuthorized):
			return errorResponse(request.ID, codeNotAuthorized, "not authorized"), true
		default:
			session.logger.Error("authorize subscription", zap.String("kit", params.KitSerial), zap.Error(err))
			return errorResponse(request.ID, codeInternalError, "internal error"), true
		}
	}

	// Replayed notifications wait on the write lock until the response with the
	// subscription id is out.
	session.writeMu.Lock()
	defer session.writeMu.Unlock()

	id := session.engine.Subscribe(params.KitSerial, session)

	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		session.engine.Unsubscribe(id)
		return errorResponse(request.ID, codeInternalError, "session closed"), false
	}
	session.subscriptions[id] = struct{}{}
	session.mu.Unlock()

	session.logger.Info("subscribed", zap.String("kit", params.KitSerial), zap.String("subscription", string(id)))

	response := resultResponse(request.ID, id)
	if err := session.writeLocked(ctx, response); err != nil {
		session.logger.Debug("write subscribe response", zap.Error(err))
		session.close()
	}
	return response, false
}

func (session *session) unsubscribe(request rpcRequest) rpcResponse {
	id, err := decodeUnsubscribeParams(request.Params)
	if err != nil {
		return errorResponse(request.ID, codeInvalidParams, err.Error())
	}

	session.mu.Lock()
	_, owned := session.subscriptions[id]
	delete(session.subscriptions, id)
	session.mu.Unlock()

	if owned {
		session.engine.Unsubscribe(id)
	}
	return resultResponse(request.ID, true)
}

// Notify implements pubsub.Sink.
func (session *session) Notify(ctx context.Context, notification pubsub.Notification) error {
	session.mu.Lock()
	closed := session.closed
	session.mu.Unlock()
	if closed {
		return pubsub.ErrSinkClosed
	}

	err := session.write(ctx, rpcNotification{
		JSONRPC: jsonRPCVersion,
		Method:  methodNotification,
		Params: subscriptionResult{
			Subscription: notification.Subscription,
			Result:       notification.Measurement,
		},
	})
	if err != nil {
		session.close()
		return fmt.Errorf("notify session %s: %w", session.id, err)
	}
	return nil
}

func (session *session) write(ctx context.Context, message any) error {
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	return session.writeLocked(ctx, message)
}

func (session *session) writeLocked(ctx context.Context, message any) error {
	deadline := time.Now().Add(session.config.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := session.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return session.conn.WriteJSON(message)
}

// shutdown tells the peer we are going away before closing.
func (session *session) shutdown(reason string) {
	deadline := time.Now().Add(time.Second)
	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = session.conn.WriteControl(websocket.CloseMessage, message, deadline)
	session.close()
}

// close drops every subscription of the session and the connection. Safe to
// call more than once and from any goroutine.
func (session *session) close() {
	session.closeOnce.Do(func() {
		session.mu.Lock()
		session.closed = true
		ids := make([]pubsub.SubscriptionID, 0, len(session.subscriptions))
		for id := range session.subscriptions {
			ids = append(ids, id)
		}
		session.subscriptions = map[pubsub.SubscriptionID]struct{}{}
		session.mu.Unlock()

		for _, id := range ids {
			session.engine.Unsubscribe(id)
		}
		close(session.done)
		_ = session.conn.Close()

		session.logger.Debug("session closed", zap.Int("subscriptions", len(ids)))
	})
}
