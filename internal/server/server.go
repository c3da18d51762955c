package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kitstream/backend/internal/pubsub"
)

type API struct {
	engine     *pubsub.Engine
	store      Store
	authorizer Authorizer
	verifier   *TokenVerifier
	ingestKey  string
	logger     *zap.Logger

	metricsHandler    http.Handler
	ingestLimiter     *requestLimiter
	connectLimiter    *requestLimiter
	trustProxyHeaders bool
	maxBodyBytes      int64
	maxBatch          int
	allowedOrigin     string
	sessionConfig     SessionConfig
	upgrader          websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

type APIOption func(*API)

func WithLogger(logger *zap.Logger) APIOption {
	return func(api *API) {
		if logger != nil {
			api.logger = logger
		}
	}
}

func WithAuthorizer(authorizer Authorizer) APIOption {
	return func(api *API) {
		api.authorizer = authorizer
	}
}

func WithTokenVerifier(verifier *TokenVerifier) APIOption {
	return func(api *API) {
		api.verifier = verifier
	}
}

func WithMetricsHandler(handler http.Handler) APIOption {
	return func(api *API) {
		api.metricsHandler = handler
	}
}

func WithIngestLimits(maxBodyBytes int64, maxBatch int, rateLimit int, rateWindow time.Duration) APIOption {
	return func(api *API) {
		if maxBodyBytes > 0 {
			api.maxBodyBytes = maxBodyBytes
		}
		if maxBatch > 0 {
			api.maxBatch = maxBatch
		}
		api.ingestLimiter = newRequestLimiter(rateLimit, rateWindow)
	}
}

func WithConnectLimit(limit int, window time.Duration, trustProxyHeaders bool) APIOption {
	return func(api *API) {
		api.connectLimiter = newRequestLimiter(limit, window)
		api.trustProxyHeaders = trustProxyHeaders
	}
}

func WithAllowedOrigin(origin string) APIOption {
	return func(api *API) {
		api.allowedOrigin = strings.TrimSpace(origin)
	}
}

func WithSessionConfig(config SessionConfig) APIOption {
	return func(api *API) {
		api.sessionConfig = config
	}
}

func NewAPI(engine *pubsub.Engine, store Store, ingestKey string, options ...APIOption) *API {
	api := &API{
		engine:         engine,
		store:          store,
		ingestKey:      ingestKey,
		logger:         zap.NewNop(),
		ingestLimiter:  newRequestLimiter(600, time.Minute),
		connectLimiter: newRequestLimiter(60, time.Minute),
		maxBodyBytes:   1 << 20,
		maxBatch:       500,
		allowedOrigin:  "*",
		sessionConfig:  DefaultSessionConfig(),
	}
	for _, option := range options {
		option(api)
	}
	if api.authorizer == nil {
		api.authorizer = NewKitAuthorizer(store)
	}
	api.logger = api.logger.With(zap.String("component", "api"))
	api.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     api.checkOrigin,
	}
	api.ctx, api.cancel = context.WithCancel(context.Background())
	return api
}

func (api *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.handleHealth)
	mux.HandleFunc("/ready", api.handleReady)
	mux.HandleFunc("/ws", api.handleWebSocket)
	mux.HandleFunc("/api/kits/{serial}/measurements", api.handleIngest)
	mux.HandleFunc("/api/kits/{serial}/measurements/latest", api.handleLatest)
	if api.metricsHandler != nil {
		mux.Handle("/metrics", api.metricsHandler)
	}
	return mux
}

// Close ends every WebSocket session and waits for them until ctx expires.
func (api *API) Close(ctx context.Context) error {
	api.mu.Lock()
	api.closing = true
	api.mu.Unlock()
	api.cancel()

	done := make(chan struct{})
	go func() {
		api.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (api *API) handleHealth(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := api.engine.Stats()
	writeJSON(response, http.StatusOK, map[string]any{
		"status":        "ok",
		"kits":          stats.Kits,
		"subscriptions": stats.Subscriptions,
	})
}

func (api *API) handleReady(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := api.store.Ping(request.Context()); err != nil {
		writeError(response, http.StatusServiceUnavailable, "not ready")
		return
	}

	writeJSON(response, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (api *API) handleIngest(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !api.validIngestKey(request.Header.Get("X-API-Key")) {
		writeError(response, http.StatusUnauthorized, "invalid api key")
		return
	}

	kitSerial := strings.TrimSpace(request.PathValue("serial"))
	if kitSerial == "" {
		writeError(response, http.StatusBadRequest, "kit serial is required")
		return
	}

	if allowed, retryAfter := api.ingestLimiter.take(kitSerial, time.Now()); !allowed {
		rejectRateLimited(response, retryAfter, "ingest rate limit exceeded")
		return
	}

	request.Body = http.MaxBytesReader(response, request.Body, api.maxBodyBytes)
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(response, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(response, http.StatusBadRequest, "invalid request body")
		return
	}

	measurements, err := DecodeMeasurements(
		payload,
		request.Header.Get("Content-Type"),
		kitSerial,
		api.maxBatch,
		time.Now(),
	)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	for _, measurement := range measurements {
		api.engine.Publish(kitSerial, measurement)
	}

	writeJSON(response, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"measurements": len(measurements),
	})
}

func (api *API) handleLatest(response http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writeError(response, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	principal, err := api.principal(request)
	if err != nil {
		writeError(response, http.StatusUnauthorized, "invalid token")
		return
	}

	kitSerial := strings.TrimSpace(request.PathValue("serial"))
	if !api.authorize(response, request.Context(), principal, kitSerial) {
		return
	}

	measurements := api.engine.Latest(kitSerial)
	slices.SortFunc(measurements, func(left, right pubsub.Measurement) int {
		if left.Peripheral != right.Peripheral {
			return int(left.Peripheral) - int(right.Peripheral)
		}
		return int(left.QuantityType) - int(right.QuantityType)
	})

	writeJSON(response, http.StatusOK, map[string]any{
		"kitSerial":    kitSerial,
		"measurements": measurements,
	})
}

func (api *API) handleWebSocket(response http.ResponseWriter, request *http.Request) {
	client := clientIdentity(request, api.trustProxyHeaders)
	if allowed, retryAfter := api.connectLimiter.take(client, time.Now()); !allowed {
		rejectRateLimited(response, retryAfter, "too many connection attempts")
		return
	}

	principal, err := api.principal(request)
	if err != nil {
		writeError(response, http.StatusUnauthorized, "invalid token")
		return
	}

	api.mu.Lock()
	if api.closing {
		api.mu.Unlock()
		writeError(response, http.StatusServiceUnavailable, "shutting down")
		return
	}
	api.sessions.Add(1)
	api.mu.Unlock()
	defer api.sessions.Done()

	conn, err := api.upgrader.Upgrade(response, request, nil)
	if err != nil {
		api.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(conn, api.engine, api.authorizer, principal, api.sessionConfig, api.logger)
	api.logger.Debug("websocket connected", zap.String("session", session.id), zap.String("client", client))
	session.run(api.ctx)
}

func (api *API) authorize(
	response http.ResponseWriter,
	ctx context.Context,
	principal Principal,
	kitSerial string,
) bool {
	err := api.authorizer.AuthorizeSubscription(ctx, principal, kitSerial)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrKitNotFound):
		writeError(response, http.StatusNotFound, "kit not found")
	case errors.Is(err, ErrNotAuthorized):
		writeError(response, http.StatusForbidden, "not authorized")
	default:
		api.logger.Error("authorize kit access", zap.String("kit", kitSerial), zap.Error(err))
		writeError(response, http.StatusInternalServerError, "failed to authorize")
	}
	return false
}

// principal resolves the bearer token. A request without a token is
// anonymous; a token that cannot be verified is rejected.
func (api *API) principal(request *http.Request) (Principal, error) {
	token := bearerToken(request)
	if token == "" {
		return Principal{}, nil
	}
	if api.verifier == nil {
		return Principal{}, ErrInvalidToken
	}
	return api.verifier.Verify(token)
}

func (api *API) validIngestKey(provided string) bool {
	if api.ingestKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), []byte(api.ingestKey)) == 1
}

func (api *API) checkOrigin(request *http.Request) bool {
	if api.allowedOrigin == "" || api.allowedOrigin == "*" {
		return true
	}
	origin := request.Header.Get("Origin")
	return origin == "" || origin == api.allowedOrigin
}

func writeJSON(response http.ResponseWriter, statusCode int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(statusCode)
	_ = json.NewEncoder(response).Encode(payload)
}

func writeError(response http.ResponseWriter, statusCode int, message string) {
	writeJSON(response, statusCode, map[string]string{"error": message})
}
