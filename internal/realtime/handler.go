package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/logging"
	"tickarena/server/internal/resume"
)

// Authenticator resolves a bearer token into an identity.
type Authenticator interface {
	Authenticate(token string) (auth.User, error)
}

// HandlerOptions configures the websocket upgrade endpoint.
type HandlerOptions struct {
	Hub              *Hub
	Inputs           InputSink
	Resume           *resume.Store
	Auth             Authenticator
	Logger           *logging.Logger
	MaxQueueMessages int
	MaxQueueBytes    int
	AllowedOrigins   []string
	Now              func() time.Time
}

// NewHandler returns the HTTP handler that authenticates the peer, upgrades
// the connection, and runs a connection session until it ends.
func NewHandler(opts HandlerOptions) http.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	upgrader := websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}

	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		user, err := opts.Auth.Authenticate(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", logging.Error(err))
			return
		}

		conn := newConn(ws, connOptions{
			user:             user,
			hub:              opts.Hub,
			inputs:           opts.Inputs,
			resume:           opts.Resume,
			logger:           logger,
			maxQueueMessages: opts.MaxQueueMessages,
			maxQueueBytes:    opts.MaxQueueBytes,
			now:              opts.Now,
		})
		go conn.Run()
	}
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for browser websocket clients.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// originChecker allows every origin when no allowlist is configured.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
