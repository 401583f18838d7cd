package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

func signToken(t *testing.T, secret string, expiresIn time.Duration) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestVerifyJWT(t *testing.T) {
	gate := NewGate("test-secret", "")

	if err := gate.Verify(signToken(t, "test-secret", time.Hour)); err != nil {
		t.Fatalf("expected valid token to verify, got %v", err)
	}

	if err := gate.Verify(signToken(t, "wrong-secret", time.Hour)); err == nil {
		t.Fatal("expected token signed with wrong secret to fail")
	}

	if err := gate.Verify(signToken(t, "test-secret", -time.Hour)); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestVerifyAdminKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash key: %v", err)
	}

	gate := NewGate("", string(hash))

	if err := gate.Verify("hunter2"); err != nil {
		t.Fatalf("expected matching key to verify, got %v", err)
	}
	if err := gate.Verify("wrong"); err == nil {
		t.Fatal("expected mismatched key to fail")
	}
}

func TestVerifyWithNothingConfigured(t *testing.T) {
	gate := NewGate("", "")

	if err := gate.Verify("anything"); err == nil {
		t.Fatal("expected verification to fail with no methods configured")
	}
}

func TestMiddlewareSetsAuthorizedFlag(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gate := NewGate("test-secret", "")

	var flag any
	router := gin.New()
	router.Use(gate.Middleware())
	router.GET("/open", func(c *gin.Context) {
		flag, _ = c.Get(AuthorizedKey)
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("middleware must not reject, got %d", rec.Code)
	}
	if flag != false {
		t.Fatalf("expected authorized=false without credentials, got %v", flag)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", time.Hour))
	router.ServeHTTP(rec, req)
	if flag != true {
		t.Fatalf("expected authorized=true with valid token, got %v", flag)
	}
}

func TestRequireAdminReusesMiddlewareFlag(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gate := NewGate("test-secret", "")

	router := gin.New()
	router.Use(gate.Middleware())
	router.GET("/metrics", gate.RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when middleware resolved unauthorized, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", time.Hour))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when middleware resolved authorized, got %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gate := NewGate("test-secret", "")

	router := gin.New()
	router.GET("/metrics", gate.RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", time.Hour))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
}
