package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/ratelimit"
)

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/chat/conversations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/chat/conversations", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", rec.Code)
	}
}

func TestTokenQueryParamFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, memberSession())

	rec := env.do(t, http.MethodGet, "/api/chat/conversations?token="+token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, &auth.Session{UserID: "user-2", Permissions: []string{"some:other"}})

	rec := env.do(t, http.MethodPost, "/api/chat/messages", token, map[string]string{"content": "hi"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "missing permission chat:send" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAdminRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/admin/model-routing", env.token(t, memberSession()), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member status = %d, want 403", rec.Code)
	}
}

func TestWildcardPermissionGrantsAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := &auth.Session{UserID: "svc-1", Permissions: []string{auth.WildcardPermission}}

	// 503 rather than 403: past the admin gate, routing is unconfigured.
	rec := env.do(t, http.MethodGet, "/api/admin/model-routing", env.token(t, sess), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) {
		cfg.Limiter = ratelimit.NewFixedWindow(1)
	})
	token := env.token(t, memberSession())

	if rec := env.do(t, http.MethodGet, "/api/chat/conversations", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/chat/conversations", token, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After header")
	}
}

func TestRateLimitKeysPerUser(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) {
		cfg.Limiter = ratelimit.NewFixedWindow(1)
	})

	first := env.token(t, memberSession())
	second := env.token(t, &auth.Session{UserID: "user-2", Permissions: []string{"chat:send"}})

	if rec := env.do(t, http.MethodGet, "/api/chat/conversations", first, nil); rec.Code != http.StatusOK {
		t.Fatalf("user-1 status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/chat/conversations", second, nil); rec.Code != http.StatusOK {
		t.Fatalf("user-2 status = %d, want 200; budgets must not be shared", rec.Code)
	}
}

func TestPermissionCheckedBeforeRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) {
		cfg.Limiter = ratelimit.NewFixedWindow(1)
	})
	token := env.token(t, &auth.Session{UserID: "user-3", Permissions: nil})

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/chat/messages", token, map[string]string{"content": "hi"})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("request %d status = %d, want 403 regardless of budget", i, rec.Code)
		}
	}
}

func TestDevModeSession(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) {
		cfg.Verifier = nil
		cfg.DevMode = true
	})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	req.Header.Set("X-Dev-User", "casey")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestNoVerifierOutsideDevModeRefuses(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) {
		cfg.Verifier = nil
		cfg.DevMode = false
	})

	rec := env.do(t, http.MethodGet, "/api/chat/conversations", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *Config) {
		cfg.CORSOrigins = []string{"https://desk.example.com"}
	})

	t.Run("preflight allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/chat/messages", nil)
		req.Header.Set("Origin", "https://desk.example.com")
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://desk.example.com" {
			t.Errorf("allow-origin = %q", got)
		}
	})

	t.Run("unknown origin gets no cors headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/chat/messages", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("allow-origin = %q, want empty", got)
		}
	})
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/does-not-exist", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
