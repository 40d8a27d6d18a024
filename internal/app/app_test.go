package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/buildpay/buildpay/internal/observability"
	"github.com/buildpay/buildpay/internal/rbac"
	"github.com/buildpay/buildpay/internal/shared"
)

type roleStore map[int64]string

func (s roleStore) UserRole(_ context.Context, userID int64) (string, error) {
	role, ok := s[userID]
	if !ok {
		return "", rbac.ErrNotFound
	}
	return role, nil
}

type testServer struct {
	handler  http.Handler
	sessions *shared.SessionManager
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &Config{AppEnv: "development", AppRequestTimeout: 5 * time.Second, RateLimitPerMinute: 1000}
	sessions := shared.NewSessionManager(client, "buildpay_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")

	handler := NewRouter(RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessions,
		CSRFManager:        csrf,
		RBACMiddleware:     rbac.Middleware{Service: rbac.NewServiceWithStore(roleStore{1: "reviewer"}), Logger: logger},
		PermissionsHandler: rbac.NewPermissionsHandler(csrf),
		Metrics:            observability.NewMetrics(),
	})
	return testServer{handler: handler, sessions: sessions}
}

func (s testServer) signIn(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	ctx := context.Background()
	sess, err := s.sessions.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(userID)
	rec := httptest.NewRecorder()
	require.NoError(t, s.sessions.Commit(ctx, rec, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func (s testServer) do(req *http.Request, cookie *http.Cookie) *httptest.ResponseRecorder {
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "buildpay_http_requests_total")
}

func TestAuthenticatedRoutesNeedSession(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/me", nil), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/me", nil), srv.signIn(t, "9"))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCSRFGuardsUnsafeMethods(t *testing.T) {
	srv := newTestServer(t)
	cookie := srv.signIn(t, "1")

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/me", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		UserID    int64    `json:"user_id"`
		Role      string   `json:"role"`
		CSRFToken string   `json:"csrf_token"`
		Perms     []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	require.Equal(t, int64(1), me.UserID)
	require.Equal(t, "reviewer", me.Role)
	require.Contains(t, me.Perms, rbac.PermBillingReview)
	require.NotEmpty(t, me.CSRFToken)

	post := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/billing/requests", bytes.NewBufferString(`{}`))
		if token != "" {
			req.Header.Set(shared.CSRFHeader, token)
		}
		return srv.do(req, cookie)
	}

	rec = post("")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "csrf")

	rec = post("forged")
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Billing is not mounted here, so a valid token falls through to the router.
	rec = post(me.CSRFToken)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("BILLING_LOCK_TTL", "45s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, int64(1), cfg.OrgID)
	require.Equal(t, 45*time.Second, cfg.BillingLockTTL)
	require.Equal(t, 10*time.Minute, cfg.ReportCacheTTL)
	require.False(t, cfg.IsProduction())
	require.Equal(t, "Asia/Bangkok", cfg.Location().String())

	t.Setenv("ORG_ID", "0")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("ORG_ID", "1")
	t.Setenv("APP_LOCATION", "Mars/Olympus")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.Int64("billing_id", 7))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.True(t, strings.HasPrefix(out, "{"))
	require.Contains(t, out, `"billing_id":7`)
}
