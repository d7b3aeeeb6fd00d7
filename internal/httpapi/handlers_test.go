package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/errs"
	"tickarena/server/internal/logging"
	"tickarena/server/internal/obs"
	"tickarena/server/internal/store/postgres"
	"tickarena/server/internal/wire"
)

type fakeAuth struct {
	user      auth.User
	loginErr  error
	authErr   error
	loggedOut []string
}

func (f *fakeAuth) Register(_ context.Context, username, _ string) (auth.User, error) {
	if username == "taken" {
		return auth.User{}, errs.ErrAlreadyExists
	}
	if username == "" {
		return auth.User{}, errs.ErrInvalidInput
	}
	return f.user, nil
}

func (f *fakeAuth) Login(context.Context, string, string) (string, auth.User, error) {
	if f.loginErr != nil {
		return "", auth.User{}, f.loginErr
	}
	return "token-1", f.user, nil
}

func (f *fakeAuth) Logout(token string) error {
	f.loggedOut = append(f.loggedOut, token)
	return nil
}

func (f *fakeAuth) Authenticate(token string) (auth.User, error) {
	if f.authErr != nil || token == "" {
		return auth.User{}, errs.ErrUnauthorized
	}
	return f.user, nil
}

type fakeQueue struct {
	joinErr   *wire.Error
	cancelErr *wire.Error
	joined    []time.Duration
	length    int
}

func (f *fakeQueue) Join(_ auth.User, timeout time.Duration) *wire.Error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, timeout)
	return nil
}

func (f *fakeQueue) Cancel(int) *wire.Error { return f.cancelErr }

func (f *fakeQueue) QueueLength() int { return f.length }

type fakeSessions struct{ active int }

func (f *fakeSessions) ActiveSessionCount() int { return f.active }

type fakeRatings struct {
	summary    postgres.RatingSummary
	summaryErr error
	page       postgres.LeaderboardPage
}

func (f *fakeRatings) GetSummary(context.Context, int) (postgres.RatingSummary, error) {
	if f.summaryErr != nil {
		return postgres.RatingSummary{}, f.summaryErr
	}
	return f.summary, nil
}

func (f *fakeRatings) GetLeaderboard(context.Context, int, int) (postgres.LeaderboardPage, error) {
	return f.page, nil
}

func newHandlerSet(t *testing.T) (*HandlerSet, *fakeAuth, *fakeQueue, *fakeRatings) {
	t.Helper()
	fa := &fakeAuth{user: auth.User{ID: 1, Username: "ann"}}
	fq := &fakeQueue{length: 2}
	fr := &fakeRatings{}
	h := NewHandlerSet(Options{
		Logger:       logging.NewTestLogger(),
		Auth:         fa,
		Queue:        fq,
		Sessions:     &fakeSessions{active: 1},
		Ratings:      fr,
		Metrics:      obs.NewMetrics(nil),
		Connections:  func() int { return 3 },
		OpsToken:     "ops-secret",
		QueueTimeout: 10 * time.Second,
		TimeSource:   func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	return h, fa, fq, fr
}

func doRequest(t *testing.T, h *HandlerSet, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apiEnvelope {
	t.Helper()
	var env apiEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestHealthReportsOK(t *testing.T) {
	h, _, _, _ := newHandlerSet(t)
	rec := doRequest(t, h, http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); !env.OK {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestRegisterMapsDuplicateTo409(t *testing.T) {
	h, _, _, _ := newHandlerSet(t)
	rec := doRequest(t, h, http.MethodPost, "/api/auth/register", `{"username":"taken","password":"pw"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error == nil || env.Error.Code != wire.CodeAuthDuplicate {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestLoginRateLimitMapsTo429(t *testing.T) {
	h, fa, _, _ := newHandlerSet(t)
	fa.loginErr = errs.ErrRateLimited
	rec := doRequest(t, h, http.MethodPost, "/api/auth/login", `{"username":"a","password":"b"}`, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestQueueJoinRequiresBearer(t *testing.T) {
	h, _, _, _ := newHandlerSet(t)
	rec := doRequest(t, h, http.MethodPost, "/api/queue/join", `{"timeoutSeconds":5}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestQueueJoinMapsDuplicateTo409(t *testing.T) {
	h, _, fq, _ := newHandlerSet(t)
	fq.joinErr = wire.NewError(wire.CodeQueueDuplicate, "already queued")
	rec := doRequest(t, h, http.MethodPost, "/api/queue/join", `{"timeoutSeconds":5}`, "tok")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestQueueJoinReportsEffectiveTimeout(t *testing.T) {
	h, _, fq, _ := newHandlerSet(t)

	//1.- An omitted timeout falls back to the configured default.
	rec := doRequest(t, h, http.MethodPost, "/api/queue/join", `{}`, "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	if data["timeoutSeconds"].(float64) != 10 {
		t.Fatalf("timeoutSeconds = %v, want default 10", data["timeoutSeconds"])
	}
	if len(fq.joined) != 1 || fq.joined[0] != 0 {
		t.Fatalf("queue received timeout %v", fq.joined)
	}
}

func TestQueueCancelMapsNotFoundTo404(t *testing.T) {
	h, _, fq, _ := newHandlerSet(t)
	fq.cancelErr = wire.NewError(wire.CodeQueueNotFound, "not queued")
	rec := doRequest(t, h, http.MethodPost, "/api/queue/cancel", "", "tok")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestLeaderboardRangeValidation(t *testing.T) {
	h, _, _, fr := newHandlerSet(t)
	fr.page = postgres.LeaderboardPage{Total: 1, Entries: []postgres.RatingSummary{{UserID: 1, Rating: 1016}}}

	cases := []struct {
		query string
		want  int
	}{
		{"?page=0", http.StatusBadRequest},
		{"?size=0", http.StatusBadRequest},
		{"?size=51", http.StatusBadRequest},
		{"?page=abc", http.StatusBadRequest},
		{"?page=1&size=50", http.StatusOK},
		{"", http.StatusOK},
	}
	for _, tc := range cases {
		rec := doRequest(t, h, http.MethodGet, "/api/leaderboard"+tc.query, "", "")
		if rec.Code != tc.want {
			t.Fatalf("query %q status = %d, want %d", tc.query, rec.Code, tc.want)
		}
		if tc.want == http.StatusBadRequest {
			if env := decodeEnvelope(t, rec); env.Error == nil || env.Error.Code != wire.CodeLeaderboardRange {
				t.Fatalf("query %q envelope = %+v", tc.query, env)
			}
		}
	}
}

func TestProfileFallsBackToInitialRating(t *testing.T) {
	h, _, _, fr := newHandlerSet(t)
	fr.summaryErr = errs.ErrNotFound

	rec := doRequest(t, h, http.MethodGet, "/api/profile", "", "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	if data["rating"].(float64) != 1000 || data["userId"].(float64) != 1 {
		t.Fatalf("profile = %v", data)
	}
}

func TestMetricsExposesGauges(t *testing.T) {
	h, _, _, _ := newHandlerSet(t)
	rec := doRequest(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot["ws"].(map[string]any)["connections"].(float64) != 3 {
		t.Fatalf("ws gauge = %v", snapshot["ws"])
	}
	if snapshot["queue"].(map[string]any)["length"].(float64) != 2 {
		t.Fatalf("queue gauge = %v", snapshot["queue"])
	}
	if snapshot["sessions"].(map[string]any)["active"].(float64) != 1 {
		t.Fatalf("sessions gauge = %v", snapshot["sessions"])
	}
}

func TestOpsStatusGuardsToken(t *testing.T) {
	h, _, _, _ := newHandlerSet(t)
	mux := http.NewServeMux()
	h.Register(mux)

	//1.- A wrong token is unauthorized.
	req := httptest.NewRequest(http.MethodGet, "/ops/status", nil)
	req.Header.Set("X-Ops-Token", "wrong")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	//2.- The configured token passes.
	req = httptest.NewRequest(http.MethodGet, "/ops/status", nil)
	req.Header.Set("X-Ops-Token", "ops-secret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCountingMiddlewareTracksErrors(t *testing.T) {
	metrics := obs.NewMetrics(nil)
	handler := CountingMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/ok", "/boom", "/ok"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}
	if metrics.RequestsTotal() != 3 {
		t.Fatalf("requests = %d, want 3", metrics.RequestsTotal())
	}
	if metrics.ErrorsTotal() != 1 {
		t.Fatalf("errors = %d, want 1", metrics.ErrorsTotal())
	}
}
