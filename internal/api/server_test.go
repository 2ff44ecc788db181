package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statehub/statehub/internal/auth"
	"github.com/statehub/statehub/internal/config"
	"github.com/statehub/statehub/internal/store"
)

const (
	testEmail    = "dev@example.com"
	testPassword = "correct horse battery"
	testAPIToken = "static-api-token"
)

type testEnv struct {
	router *gin.Engine
	store  *store.Store
	svc    *auth.Service
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DatabasePath:        filepath.Join(t.TempDir(), "statehub.db"),
		AccessTokenTTL:      30 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		JWTSecret:           "test-access-secret",
		RefreshSecret:       "test-refresh-secret",
		RefreshCookie:       "statehub_refresh",
		CookieSameSite:      "lax",
		APIToken:            testAPIToken,
		BackendFetchTimeout: 5 * time.Second,
	}

	st, err := store.Open(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repo := auth.NewRepository(st.DB())
	tokens := auth.NewTokenService(repo, auth.TokenConfig{
		AccessSecret:  []byte(cfg.JWTSecret),
		RefreshSecret: []byte(cfg.RefreshSecret),
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	svc := auth.NewService(repo, tokens, auth.NewLoginLimiter())

	server := NewServer(cfg, st, svc, nil)
	return &testEnv{router: server.Router(), store: st, svc: svc, cfg: cfg}
}

func (e *testEnv) createUser(t *testing.T, email, password string, scopes []string) *auth.User {
	t.Helper()
	hash, err := e.svc.Hasher().Hash(password)
	require.NoError(t, err)
	user, err := e.svc.Repository().CreateUser(context.Background(), email, hash, scopes, true, false)
	require.NoError(t, err)
	return user
}

type session struct {
	accessToken   string
	refreshCookie *http.Cookie
	antiCSRF      string
}

func (e *testEnv) login(t *testing.T, email, password string) *session {
	t.Helper()
	rec := e.loginAttempt(email, password)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		AccessToken   string `json:"access_token"`
		AntiCSRFToken string `json:"anti_csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	cookie := refreshCookie(t, rec, e.cfg.RefreshCookie)
	require.NotNil(t, cookie)
	return &session{
		accessToken:   body.AccessToken,
		refreshCookie: cookie,
		antiCSRF:      rec.Header().Get(csrfHeader),
	}
}

func (e *testEnv) loginAttempt(email, password string) *httptest.ResponseRecorder {
	form := url.Values{"username": {email}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) refresh(cookie *http.Cookie, antiCSRF string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(cookie)
	if antiCSRF != "" {
		req.Header.Set(csrfHeader, antiCSRF)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	res := rec.Result()
	defer res.Body.Close()
	for _, c := range res.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func writeStateFile(t *testing.T, serial int) string {
	t.Helper()
	doc := map[string]any{
		"version":           4,
		"terraform_version": "1.6.2",
		"serial":            serial,
		"lineage":           "3f8a5c1e-4c2a-4b4f-9a76-0f2a1d9f4e21",
		"resources": []any{
			map[string]any{
				"mode":     "managed",
				"type":     "aws_s3_bucket",
				"name":     "example",
				"provider": `provider["registry.terraform.io/hashicorp/aws"]`,
				"instances": []any{
					map[string]any{
						"schema_version": 0,
						"attributes":     map[string]any{"bucket": "example", "acl": "private"},
					},
				},
			},
			map[string]any{
				"mode":     "data",
				"type":     "aws_ami",
				"name":     "ubuntu",
				"provider": `provider["registry.terraform.io/hashicorp/aws"]`,
				"instances": []any{
					map[string]any{
						"schema_version": 0,
						"attributes":     map[string]any{"id": "ami-0abcd1234"},
					},
				},
			},
			map[string]any{
				"module":   "module.logging",
				"mode":     "managed",
				"type":     "aws_cloudwatch_log_group",
				"name":     "this",
				"provider": `provider["registry.terraform.io/hashicorp/aws"]`,
				"instances": []any{
					map[string]any{
						"index_key":      0,
						"schema_version": 1,
						"attributes":     map[string]any{"name": "/aws/app", "retention_in_days": 30},
					},
				},
			},
		},
		"outputs": map[string]any{
			"bucket_name": map[string]any{"value": "example", "type": "string"},
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "terraform.tfstate")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func (e *testEnv) importState(t *testing.T, token, path string) string {
	t.Helper()
	rec := e.doJSON(t, http.MethodPost, "/state/import", token, map[string]any{
		"project_id": "proj-1",
		"backend":    map[string]any{"type": "local", "path": path},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Snapshot struct {
			ID string `json:"id"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Snapshot.ID)
	return body.Snapshot.ID
}

func TestLoginIssuesTokenBundle(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead, auth.ScopeConsoleWrite})

	rec := env.loginAttempt(testEmail, testPassword)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "bearer", body["token_type"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.NotEmpty(t, body["anti_csrf_token"])
	assert.NotEmpty(t, rec.Header().Get(csrfHeader))

	cookie := refreshCookie(t, rec, env.cfg.RefreshCookie)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/auth", cookie.Path)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead})

	rec := env.loginAttempt(testEmail, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Incorrect credentials")
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead})

	for i := 0; i < 5; i++ {
		rec := env.loginAttempt(testEmail, "wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := env.loginAttempt(testEmail, "wrong")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)

	// The block holds even with correct credentials.
	rec = env.loginAttempt(testEmail, testPassword)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRefreshRotationAndReplayRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead})
	sess := env.login(t, testEmail, testPassword)

	rotated := env.refresh(sess.refreshCookie, sess.antiCSRF)
	require.Equal(t, http.StatusOK, rotated.Code, rotated.Body.String())
	next := refreshCookie(t, rotated, env.cfg.RefreshCookie)
	require.NotNil(t, next)
	assert.NotEqual(t, sess.refreshCookie.Value, next.Value)
	nextCSRF := rotated.Header().Get(csrfHeader)

	// Replaying the consumed token trips reuse detection.
	replay := env.refresh(sess.refreshCookie, sess.antiCSRF)
	require.Equal(t, http.StatusUnauthorized, replay.Code)
	assert.Contains(t, replay.Body.String(), "reuse")
	cleared := refreshCookie(t, replay, env.cfg.RefreshCookie)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	// Reuse revokes the whole family, including the fresh token.
	dead := env.refresh(next, nextCSRF)
	assert.Equal(t, http.StatusUnauthorized, dead.Code)
}

func TestRefreshWithoutCookie(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing refresh token")
}

func TestLogoutClearsCookieAndRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead})
	sess := env.login(t, testEmail, testPassword)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(sess.refreshCookie)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := refreshCookie(t, rec, env.cfg.RefreshCookie)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	dead := env.refresh(sess.refreshCookie, sess.antiCSRF)
	assert.Equal(t, http.StatusUnauthorized, dead.Code)
}

func TestScopeEnforcement(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead})
	sess := env.login(t, testEmail, testPassword)

	missing := env.doJSON(t, http.MethodGet, "/state?project_id=proj-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, missing.Code)

	allowed := env.doJSON(t, http.MethodGet, "/state?project_id=proj-1", sess.accessToken, nil)
	assert.Equal(t, http.StatusOK, allowed.Code)

	denied := env.doJSON(t, http.MethodPost, "/state/workspaces", sess.accessToken,
		map[string]any{"project_id": "proj-1", "name": "prod"})
	assert.Equal(t, http.StatusForbidden, denied.Code)
}

func TestStaticAPITokenActsAsSuperuser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doJSON(t, http.MethodGet, "/state?project_id=proj-1", testAPIToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.doJSON(t, http.MethodPost, "/state/workspaces", testAPIToken,
		map[string]any{"project_id": "proj-1", "name": "prod"})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestMeAndSessions(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead, auth.ScopeConsoleWrite})
	sess := env.login(t, testEmail, testPassword)

	me := env.doJSON(t, http.MethodGet, "/auth/me", sess.accessToken, nil)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Contains(t, me.Body.String(), testEmail)

	sessions := env.doJSON(t, http.MethodGet, "/auth/sessions", sess.accessToken, nil)
	require.Equal(t, http.StatusOK, sessions.Code)
	var listed struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(sessions.Body.Bytes(), &listed))
	require.Len(t, listed.Sessions, 1)

	events := env.doJSON(t, http.MethodGet, "/auth/events", sess.accessToken, nil)
	require.Equal(t, http.StatusOK, events.Code)
	assert.Contains(t, events.Body.String(), "login_success")
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead, auth.ScopeConsoleWrite})
	other := env.login(t, testEmail, testPassword)
	current := env.login(t, testEmail, testPassword)

	rec := env.doJSON(t, http.MethodPost, "/auth/me/password", current.accessToken, map[string]any{
		"current_password": testPassword,
		"new_password":     "an even longer secret",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"revoked_sessions":1`)

	dead := env.refresh(other.refreshCookie, other.antiCSRF)
	assert.Equal(t, http.StatusUnauthorized, dead.Code)
}

func TestImportListAndInspectState(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, testEmail, testPassword, []string{auth.ScopeConsoleRead, auth.ScopeConsoleWrite})
	sess := env.login(t, testEmail, testPassword)
	id := env.importState(t, sess.accessToken, writeStateFile(t, 7))

	listed := env.doJSON(t, http.MethodGet, "/state?project_id=proj-1", sess.accessToken, nil)
	require.Equal(t, http.StatusOK, listed.Code)
	assert.Contains(t, listed.Body.String(), id)

	rec := env.doJSON(t, http.MethodGet, "/state/"+id+"/resources", sess.accessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resources struct {
		Resources []struct {
			Address  string  `json:"address"`
			IndexKey *string `json:"index_key"`
		} `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resources))
	require.Len(t, resources.Resources, 3)
	addresses := make([]string, 0, 3)
	for _, r := range resources.Resources {
		addresses = append(addresses, r.Address)
	}
	assert.Contains(t, addresses, "aws_s3_bucket.example")
	assert.Contains(t, addresses, "data.aws_ami.ubuntu")
	assert.Contains(t, addresses, "module.logging.aws_cloudwatch_log_group.this[0]")

	outputs := env.doJSON(t, http.MethodGet, "/state/"+id+"/outputs", sess.accessToken, nil)
	require.Equal(t, http.StatusOK, outputs.Code)
	assert.Contains(t, outputs.Body.String(), "bucket_name")

	export := env.doJSON(t, http.MethodGet, "/state/"+id+"/export", sess.accessToken, nil)
	require.Equal(t, http.StatusOK, export.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(export.Body.Bytes(), &doc))
	assert.Equal(t, float64(7), doc["serial"])
}

func TestImportRedactsBackendCredentials(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doJSON(t, http.MethodPost, "/state/import", testAPIToken, map[string]any{
		"project_id": "proj-1",
		"backend": map[string]any{
			"type":  "local",
			"path":  writeStateFile(t, 1),
			"token": "tfc-credential",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body struct {
		Snapshot struct {
			ID string `json:"id"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	snap, err := env.store.GetSnapshot(context.Background(), body.Snapshot.ID, false)
	require.NoError(t, err)
	assert.NotContains(t, snap.BackendConfig, "tfc-credential")
	assert.Contains(t, snap.BackendConfig, `"type":"local"`)
}

func TestImportWarnsOnSerialRegression(t *testing.T) {
	env := newTestEnv(t)
	env.importState(t, testAPIToken, writeStateFile(t, 7))

	rec := env.doJSON(t, http.MethodPost, "/state/import", testAPIToken, map[string]any{
		"project_id": "proj-1",
		"backend":    map[string]any{"type": "local", "path": writeStateFile(t, 3)},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body struct {
		Warnings []string `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Warnings, 1)
	assert.Contains(t, body.Warnings[0], "serial regressed")
}

func TestImportRejectsMissingFile(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doJSON(t, http.MethodPost, "/state/import", testAPIToken, map[string]any{
		"project_id": "proj-1",
		"backend":    map[string]any{"type": "local", "path": filepath.Join(t.TempDir(), "missing.tfstate")},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveAndMoveOperations(t *testing.T) {
	env := newTestEnv(t)
	id := env.importState(t, testAPIToken, writeStateFile(t, 7))

	rec := env.doJSON(t, http.MethodPost, "/state/"+id+"/operations/remove", testAPIToken,
		map[string]any{"addresses": []string{"data.aws_ami.ubuntu"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.doJSON(t, http.MethodPost, "/state/"+id+"/operations/move", testAPIToken, map[string]any{
		"source":      "aws_s3_bucket.example",
		"destination": "aws_s3_bucket.archive",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.doJSON(t, http.MethodGet, "/state/"+id+"/resources", testAPIToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Resources []struct {
			Address string `json:"address"`
		} `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	addresses := make([]string, 0, len(listed.Resources))
	for _, r := range listed.Resources {
		addresses = append(addresses, r.Address)
	}
	assert.Contains(t, addresses, "aws_s3_bucket.archive")
	assert.NotContains(t, addresses, "aws_s3_bucket.example")
	assert.NotContains(t, addresses, "data.aws_ami.ubuntu")

	export := env.doJSON(t, http.MethodGet, "/state/"+id+"/export", testAPIToken, nil)
	require.Equal(t, http.StatusOK, export.Code)
	assert.NotContains(t, export.Body.String(), "aws_ami")

	missing := env.doJSON(t, http.MethodPost, "/state/"+id+"/operations/remove", testAPIToken,
		map[string]any{"addresses": []string{"aws_instance.nope"}})
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestDriftPlanEndpoint(t *testing.T) {
	env := newTestEnv(t)
	id := env.importState(t, testAPIToken, writeStateFile(t, 7))

	plan := map[string]any{
		"format_version": "1.2",
		"planned_values": map[string]any{
			"root_module": map[string]any{
				"resources": []any{
					map[string]any{"address": "aws_s3_bucket.example"},
					map[string]any{"address": "aws_instance.web"},
				},
			},
		},
		"resource_changes": []any{
			map[string]any{
				"address": "aws_instance.web",
				"change":  map[string]any{"actions": []string{"create"}},
			},
			map[string]any{
				"address": "aws_s3_bucket.example",
				"change":  map[string]any{"actions": []string{"update"}},
			},
			map[string]any{
				"address": "module.logging.aws_cloudwatch_log_group.this[0]",
				"change":  map[string]any{"actions": []string{"delete"}},
			},
		},
	}
	rec := env.doJSON(t, http.MethodPost, "/state/"+id+"/drift/plan", testAPIToken,
		map[string]any{"plan": plan, "record_result": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary struct {
		ResourcesAdded     int `json:"resources_added"`
		ResourcesChanged   int `json:"resources_changed"`
		ResourcesDestroyed int `json:"resources_destroyed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.ResourcesAdded)
	assert.Equal(t, 1, summary.ResourcesChanged)
	assert.Equal(t, 1, summary.ResourcesDestroyed)

	var recorded int
	require.NoError(t, env.store.DB().QueryRow(
		"SELECT COUNT(*) FROM drift_detections WHERE snapshot_id = ?", id).Scan(&recorded))
	assert.Equal(t, 1, recorded)
}

func TestWorkspaceLifecycleAndCompare(t *testing.T) {
	env := newTestEnv(t)

	create := func(name string) string {
		rec := env.doJSON(t, http.MethodPost, "/state/workspaces", testAPIToken,
			map[string]any{"project_id": "proj-1", "name": name})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var ws struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
		return ws.ID
	}
	left := create("staging")
	right := create("prod")

	dup := env.doJSON(t, http.MethodPost, "/state/workspaces", testAPIToken,
		map[string]any{"project_id": "proj-1", "name": "staging"})
	assert.Equal(t, http.StatusConflict, dup.Code)

	invalid := env.doJSON(t, http.MethodPost, "/state/workspaces", testAPIToken,
		map[string]any{"project_id": "proj-1", "name": "bad name!"})
	assert.Equal(t, http.StatusBadRequest, invalid.Code)

	setVar := func(ws, key, value string, sensitive bool) {
		rec := env.doJSON(t, http.MethodPut, "/state/workspaces/"+ws+"/variables", testAPIToken,
			map[string]any{"key": key, "value": value, "sensitive": sensitive})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	setVar(left, "instance_type", "t3.small", false)
	setVar(right, "instance_type", "t3.large", false)
	setVar(left, "db_password", "hunter2", true)
	setVar(right, "db_password", "hunter2", true)

	vars := env.doJSON(t, http.MethodGet, "/state/workspaces/"+left+"/variables", testAPIToken, nil)
	require.Equal(t, http.StatusOK, vars.Code)
	assert.NotContains(t, vars.Body.String(), "hunter2")
	assert.Contains(t, vars.Body.String(), "***REDACTED***")

	rec := env.doJSON(t, http.MethodPost, "/state/workspaces/compare", testAPIToken, map[string]any{
		"left_workspace_id":  left,
		"right_workspace_id": right,
		"types":              []string{"variables"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Differences []struct {
			Field    string `json:"field"`
			Severity string `json:"severity"`
			Left     string `json:"left"`
		} `json:"differences"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Differences, 2)
	for _, d := range result.Differences {
		if d.Field == "db_password" {
			assert.Equal(t, "critical", d.Severity)
			assert.Equal(t, "***REDACTED***", d.Left)
		}
	}

	del := env.doJSON(t, http.MethodDelete, "/state/workspaces/"+left, testAPIToken, nil)
	assert.Equal(t, http.StatusOK, del.Code)
	gone := env.doJSON(t, http.MethodGet, "/state/workspaces/"+left, testAPIToken, nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestPlanStorage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doJSON(t, http.MethodPost, "/state/plans", testAPIToken, map[string]any{
		"project_id":  "proj-1",
		"description": "weekly drift check",
		"payload":     map[string]any{"format_version": "1.2"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var plan struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))

	got := env.doJSON(t, http.MethodGet, "/state/plans/"+plan.ID, testAPIToken, nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Contains(t, got.Body.String(), "weekly drift check")

	del := env.doJSON(t, http.MethodDelete, "/state/plans/"+plan.ID, testAPIToken, nil)
	require.Equal(t, http.StatusOK, del.Code)
	gone := env.doJSON(t, http.MethodGet, "/state/plans/"+plan.ID, testAPIToken, nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestProjectIdentifierRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.doJSON(t, http.MethodGet, "/state", testAPIToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
