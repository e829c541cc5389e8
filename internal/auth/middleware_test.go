package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(m *Manager, adminSecret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/whoami", RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c)})
	})
	r.GET("/admin", RequireAdmin(adminSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": UserID(c)})
	})
	return r
}

func TestMiddleware_APIKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	rawKey, _, err := m.GenerateKey(context.Background(), "usr_1", "k")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	r := newTestRouter(m, "")

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequireAuth_Rejects(t *testing.T) {
	r := newTestRouter(NewManager(NewMemoryStore()), "")

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestHeaderIdentity_DevelopmentOnly(t *testing.T) {
	// Disabled by default.
	r := newTestRouter(NewManager(NewMemoryStore()), "")
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-User-ID", "usr_1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("header identity honored while disabled: %d", w.Code)
	}

	// Enabled for development.
	r = newTestRouter(NewManager(NewMemoryStore()).AllowHeaderIdentity(true), "")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with header identity, got %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	m := NewManager(NewMemoryStore())

	// No secret configured: admin surface disabled.
	r := newTestRouter(m, "")
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Secret", "anything")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 with no configured secret, got %d", w.Code)
	}

	// Wrong secret.
	r = newTestRouter(m, "topsecret")
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 with wrong secret, got %d", w.Code)
	}

	// Right secret, with actor attribution.
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Secret", "topsecret")
	req.Header.Set("X-Admin-Actor", "support_7")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
