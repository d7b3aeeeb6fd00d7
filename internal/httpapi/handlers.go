// Package httpapi exposes the REST surface around the realtime core: auth,
// queue entry, leaderboard/profile reads, and the ops endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/errs"
	"tickarena/server/internal/logging"
	"tickarena/server/internal/obs"
	"tickarena/server/internal/rating"
	"tickarena/server/internal/store/postgres"
	"tickarena/server/internal/wire"
)

// AuthService is the slice of the auth layer the handlers consume.
type AuthService interface {
	Register(ctx context.Context, username, password string) (auth.User, error)
	Login(ctx context.Context, username, password string) (string, auth.User, error)
	Logout(tokenString string) error
	Authenticate(tokenString string) (auth.User, error)
}

// QueueService is the slice of the matchmaking queue the handlers consume.
type QueueService interface {
	Join(user auth.User, timeout time.Duration) *wire.Error
	Cancel(userID int) *wire.Error
	QueueLength() int
}

// SessionCounter exposes the active session gauge.
type SessionCounter interface {
	ActiveSessionCount() int
}

// RatingDirectory serves the profile and leaderboard reads.
type RatingDirectory interface {
	GetSummary(ctx context.Context, userID int) (postgres.RatingSummary, error)
	GetLeaderboard(ctx context.Context, page, size int) (postgres.LeaderboardPage, error)
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Auth         AuthService
	Queue        QueueService
	Sessions     SessionCounter
	Ratings      RatingDirectory
	Metrics      *obs.Metrics
	Connections  func() int
	WS           http.Handler
	OpsToken     string
	QueueTimeout time.Duration
	TimeSource   func() time.Time
}

// HandlerSet bundles the REST handlers.
type HandlerSet struct {
	logger       *logging.Logger
	auth         AuthService
	queue        QueueService
	sessions     SessionCounter
	ratings      RatingDirectory
	metrics      *obs.Metrics
	connections  func() int
	ws           http.Handler
	opsToken     string
	queueTimeout time.Duration
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet from the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	connections := opts.Connections
	if connections == nil {
		connections = func() int { return 0 }
	}
	return &HandlerSet{
		logger:       logger,
		auth:         opts.Auth,
		queue:        opts.Queue,
		sessions:     opts.Sessions,
		ratings:      opts.Ratings,
		metrics:      opts.Metrics,
		connections:  connections,
		ws:           opts.WS,
		opsToken:     strings.TrimSpace(opts.OpsToken),
		queueTimeout: opts.QueueTimeout,
		now:          now,
	}
}

// Register attaches every handler to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/api/health", h.HealthHandler())
	mux.HandleFunc("/api/auth/register", h.RegisterHandler())
	mux.HandleFunc("/api/auth/login", h.LoginHandler())
	mux.HandleFunc("/api/auth/logout", h.LogoutHandler())
	mux.HandleFunc("/api/queue/join", h.QueueJoinHandler())
	mux.HandleFunc("/api/queue/cancel", h.QueueCancelHandler())
	mux.HandleFunc("/api/leaderboard", h.LeaderboardHandler())
	mux.HandleFunc("/api/profile", h.ProfileHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/ops/status", h.OpsStatusHandler())
	if h.ws != nil {
		mux.Handle("/ws", h.ws)
	}
}

// HealthHandler reports that the HTTP server is reachable.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": wire.ISOTime(h.now()),
		})
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterHandler creates an account.
func (h *HandlerSet) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, wire.CodeBadRequest, "invalid JSON body")
			return
		}
		user, err := h.auth.Register(r.Context(), req.Username, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, errs.ErrAlreadyExists):
				writeError(w, wire.CodeAuthDuplicate, "username is taken")
			case errors.Is(err, errs.ErrInvalidInput):
				writeError(w, wire.CodeBadRequest, "username and password are required")
			default:
				h.serverError(w, r, "register failed", err)
			}
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"user": user})
	}
}

// LoginHandler verifies credentials and issues a bearer token.
func (h *HandlerSet) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, wire.CodeBadRequest, "invalid JSON body")
			return
		}
		token, user, err := h.auth.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, errs.ErrRateLimited):
				writeError(w, wire.CodeRateLimited, "too many login attempts")
			case errors.Is(err, errs.ErrUnauthorized):
				writeError(w, wire.CodeUnauthorized, "invalid credentials")
			default:
				h.serverError(w, r, "login failed", err)
			}
			return
		}
		writeData(w, http.StatusOK, map[string]any{"token": token, "user": user})
	}
}

// LogoutHandler revokes the presented bearer token.
func (h *HandlerSet) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		token := bearerToken(r)
		if _, err := h.auth.Authenticate(token); err != nil {
			writeError(w, wire.CodeUnauthorized, "invalid bearer token")
			return
		}
		if err := h.auth.Logout(token); err != nil {
			writeError(w, wire.CodeUnauthorized, "invalid bearer token")
			return
		}
		writeData(w, http.StatusOK, map[string]any{"loggedOut": true})
	}
}

type queueJoinRequest struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// QueueJoinHandler enqueues the authenticated user for matchmaking.
func (h *HandlerSet) QueueJoinHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		user, ok := h.requireUser(w, r)
		if !ok {
			return
		}
		var req queueJoinRequest
		if r.Body != nil {
			//1.- The body is optional; an empty or absent one means defaults.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		timeout := time.Duration(req.TimeoutSeconds) * time.Second
		if werr := h.queue.Join(user, timeout); werr != nil {
			writeWireError(w, werr)
			return
		}
		effective := timeout
		if effective <= 0 {
			effective = h.queueTimeout
		}
		writeData(w, http.StatusOK, map[string]any{
			"queued":         true,
			"timeoutSeconds": int(effective.Seconds()),
		})
	}
}

// QueueCancelHandler removes the authenticated user from the queue.
func (h *HandlerSet) QueueCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		user, ok := h.requireUser(w, r)
		if !ok {
			return
		}
		if werr := h.queue.Cancel(user.ID); werr != nil {
			writeWireError(w, werr)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"cancelled": true})
	}
}

// LeaderboardHandler pages the rating ladder.
func (h *HandlerSet) LeaderboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, size, err := leaderboardParams(r)
		if err != nil {
			writeError(w, wire.CodeLeaderboardRange, "page or size out of range")
			return
		}
		result, lerr := h.ratings.GetLeaderboard(r.Context(), page, size)
		if lerr != nil {
			h.serverError(w, r, "leaderboard query failed", lerr)
			return
		}
		writeData(w, http.StatusOK, result)
	}
}

// ProfileHandler returns the authenticated user's rating summary. A player
// who has not finished a match yet reads as a fresh initial-rating row.
func (h *HandlerSet) ProfileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.requireUser(w, r)
		if !ok {
			return
		}
		summary, err := h.ratings.GetSummary(r.Context(), user.ID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				writeData(w, http.StatusOK, postgres.RatingSummary{
					UserID:   user.ID,
					Username: user.Username,
					Rating:   rating.InitialRating,
				})
				return
			}
			h.serverError(w, r, "profile query failed", err)
			return
		}
		writeData(w, http.StatusOK, summary)
	}
}

// MetricsHandler emits the counter snapshot as JSON.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.statusSnapshot())
	}
}

// OpsStatusHandler reports operational state behind the ops token.
func (h *HandlerSet) OpsStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opsToken == "" {
			writeErrorStatus(w, http.StatusForbidden, wire.CodeUnauthorized, "ops access not configured")
			return
		}
		presented := strings.TrimSpace(r.Header.Get("X-Ops-Token"))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.opsToken)) != 1 {
			writeError(w, wire.CodeUnauthorized, "invalid ops token")
			return
		}
		snapshot := h.statusSnapshot()
		snapshot["timestamp"] = wire.ISOTime(h.now())
		writeJSON(w, http.StatusOK, snapshot)
	}
}

func (h *HandlerSet) statusSnapshot() map[string]any {
	snapshot := map[string]any{
		"ws":       map[string]any{"connections": h.connections()},
		"sessions": map[string]any{"active": h.sessions.ActiveSessionCount()},
		"queue":    map[string]any{"length": h.queue.QueueLength()},
	}
	if h.metrics != nil {
		snapshot["requests"] = map[string]any{
			"total":         h.metrics.RequestsTotal(),
			"errors":        h.metrics.ErrorsTotal(),
			"uptimeSeconds": int(h.metrics.Uptime().Seconds()),
		}
	}
	return snapshot
}

// CountingMiddleware feeds the request and error counters.
func CountingMiddleware(metrics *obs.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.IncRequest()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			if recorder.status >= http.StatusBadRequest {
				metrics.IncError()
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *HandlerSet) requireUser(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	user, err := h.auth.Authenticate(bearerToken(r))
	if err != nil {
		writeError(w, wire.CodeUnauthorized, "invalid bearer token")
		return auth.User{}, false
	}
	return user, true
}

func (h *HandlerSet) serverError(w http.ResponseWriter, r *http.Request, message string, err error) {
	logging.LoggerFromContext(r.Context()).Error(message, logging.Error(err))
	writeErrorStatus(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func leaderboardParams(r *http.Request) (page, size int, err error) {
	page, size = 1, 10
	query := r.URL.Query()
	if raw := query.Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil {
			return 0, 0, err
		}
	}
	if raw := query.Get("size"); raw != "" {
		if size, err = strconv.Atoi(raw); err != nil {
			return 0, 0, err
		}
	}
	if page < 1 || size < 1 || size > 50 {
		return 0, 0, errors.New("leaderboard parameters out of range")
	}
	return page, size, nil
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// statusForCode maps protocol error codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case wire.CodeQueueDuplicate, wire.CodeAuthDuplicate:
		return http.StatusConflict
	case wire.CodeQueueNotFound:
		return http.StatusNotFound
	case wire.CodeBadRequest, wire.CodeLeaderboardRange:
		return http.StatusBadRequest
	case wire.CodeUnauthorized:
		return http.StatusUnauthorized
	case wire.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

type apiEnvelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, apiEnvelope{OK: true, Data: data})
}

func writeWireError(w http.ResponseWriter, werr *wire.Error) {
	writeErrorStatus(w, statusForCode(werr.Code), werr.Code, werr.Message)
}

func writeError(w http.ResponseWriter, code, message string) {
	writeErrorStatus(w, statusForCode(code), code, message)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiEnvelope{OK: false, Error: &apiError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
