// ABOUTME: Tests for the admin HTTP surface
// ABOUTME: Covers auth gating, role enforcement, session lifecycle and ACL endpoints

package httpadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warelay/internal/auth"
	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/hub"
	"github.com/2389/warelay/internal/mediacache"
	"github.com/2389/warelay/internal/platform"
	"github.com/2389/warelay/internal/policy"
	"github.com/2389/warelay/internal/rbac"
	"github.com/2389/warelay/internal/registry"
	"github.com/2389/warelay/internal/session"
	"github.com/2389/warelay/internal/store"
)

type noopClient struct{}

func (noopClient) Initialize(context.Context) error { return nil }
func (noopClient) Logout(context.Context) error     { return nil }
func (noopClient) Destroy(context.Context) error    { return nil }
func (noopClient) SendText(context.Context, string, string) (string, error) {
	return "wa-1", nil
}
func (noopClient) SendMedia(context.Context, string, platform.Media) (string, error) {
	return "wa-2", nil
}
func (noopClient) DownloadMedia(context.Context, platform.MessageRef) (*platform.MediaBlob, error) {
	return &platform.MediaBlob{}, nil
}
func (noopClient) SetHandlers(platform.Handlers) {}

type adminEnv struct {
	router   *gin.Engine
	store    *store.SQLiteStore
	verifier *auth.JWTVerifier
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "warelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	bus := event.NewBus(nil)
	cache := mediacache.New(0)
	t.Cleanup(cache.Close)

	factory := func(string, string, string, *slog.Logger) (platform.Client, error) {
		return noopClient{}, nil
	}
	sup := session.NewSupervisor(factory, bus, cache, registry.New(s, nil), t.TempDir(), nil)
	rbacSvc := rbac.New(s, nil)
	policies := policy.New(s, 0, nil)
	h := hub.New(verifier, rbacSvc, bus, nil)

	srv := New(verifier, rbacSvc, sup, s, policies, h, nil)
	return &adminEnv{router: srv.Router(), store: s, verifier: verifier}
}

func (e *adminEnv) request(t *testing.T, method, path, uid string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if uid != "" {
		token, err := e.verifier.Generate(uid, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newAdminEnv(t)
	rec := env.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthGating(t *testing.T) {
	env := newAdminEnv(t)

	rec := env.request(t, http.MethodGet, "/api/accounts/acct-1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token, but no role in the account.
	rec = env.request(t, http.MethodGet, "/api/accounts/acct-1/sessions", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminOnlyMutations(t *testing.T) {
	env := newAdminEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SetMemberRole(ctx, "acct-1", "viewer", "Agent"))
	require.NoError(t, env.store.SetACL(ctx, "acct-1", "viewer", []string{"main"}))

	rec := env.request(t, http.MethodPost, "/api/accounts/acct-1/sessions/main/init", "viewer", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	env := newAdminEnv(t)
	require.NoError(t, env.store.SetMemberRole(context.Background(), "acct-1", "admin", store.RoleAdministrator))

	rec := env.request(t, http.MethodPost, "/api/accounts/acct-1/sessions/main/init", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), store.SessionStatusStarting)

	rec = env.request(t, http.MethodGet, "/api/accounts/acct-1/sessions", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"label":"main"`)
	assert.Contains(t, rec.Body.String(), `"running":true`)

	// No QR pending for the fake client.
	rec = env.request(t, http.MethodGet, "/api/accounts/acct-1/sessions/main/qr", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/accounts/acct-1/sessions/main/stop", "admin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Stopping again: not running.
	rec = env.request(t, http.MethodPost, "/api/accounts/acct-1/sessions/main/stop", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestACLEndpoints(t *testing.T) {
	env := newAdminEnv(t)
	require.NoError(t, env.store.SetMemberRole(context.Background(), "acct-1", "admin", store.RoleAdministrator))

	rec := env.request(t, http.MethodPut, "/api/accounts/acct-1/acl/user-9", "admin",
		map[string]any{"sessions": []string{"main", "alt"}})
	require.Equal(t, http.StatusOK, rec.Code)

	sessions, err := env.store.GetACL(context.Background(), "acct-1", "user-9")
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "alt"}, sessions)

	rec = env.request(t, http.MethodDelete, "/api/accounts/acct-1/acl/user-9", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sessions, err = env.store.GetACL(context.Background(), "acct-1", "user-9")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestBotToggleEndpoints(t *testing.T) {
	env := newAdminEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SetMemberRole(ctx, "acct-1", "admin", store.RoleAdministrator))
	require.NoError(t, env.store.UpdateSessionStatus(ctx, "acct-1", "main", store.SessionStatusReady, ""))

	enabled := false
	rec := env.request(t, http.MethodPost, "/api/accounts/acct-1/sessions/main/bot", "admin",
		store.BotConfig{Enabled: &enabled})
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := env.store.GetSession(ctx, "acct-1", "main")
	require.NoError(t, err)
	require.NotNil(t, doc.Bot.Enabled)
	assert.False(t, *doc.Bot.Enabled)

	rec = env.request(t, http.MethodPost, "/api/accounts/acct-1/sessions/main/threads/5255/bot", "admin",
		store.ThreadSettings{BotEnabled: &enabled})
	require.Equal(t, http.StatusOK, rec.Code)

	settings, err := env.store.GetThreadSettings(ctx, "acct-1", "main", "5255@c.us")
	require.NoError(t, err)
	require.NotNil(t, settings.BotEnabled)
	assert.False(t, *settings.BotEnabled)
}
