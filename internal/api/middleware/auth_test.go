package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

func newRouter(a *AuthMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(a.RequireAuth())
	r.GET("/api/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func do(r http.Handler, target string, header http.Header) int {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestAuthDisabledPassesEverything(t *testing.T) {
	r := newRouter(NewAuthMiddleware("", ""))
	if code := do(r, "/api/ping", nil); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestAuthSharedSecret(t *testing.T) {
	r := newRouter(NewAuthMiddleware("s3cret", ""))

	cases := []struct {
		name   string
		target string
		header http.Header
		want   int
	}{
		{"none", "/api/ping", nil, http.StatusUnauthorized},
		{"header", "/api/ping", http.Header{HeaderKey: {"s3cret"}}, http.StatusOK},
		{"query", "/api/ping?key=s3cret", nil, http.StatusOK},
		{"wrong", "/api/ping?key=nope", nil, http.StatusUnauthorized},
		{"garbage token", "/api/ping", http.Header{"Authorization": {"Bearer abc"}}, http.StatusUnauthorized},
	}
	for _, c := range cases {
		if code := do(r, c.target, c.header); code != c.want {
			t.Fatalf("%s: expected %d, got %d", c.name, c.want, code)
		}
	}
}

func TestAuthBearerToken(t *testing.T) {
	r := newRouter(NewAuthMiddleware("s3cret", ""))

	token, err := GenerateToken("s3cret", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if code := do(r, "/api/ping", http.Header{"Authorization": {"Bearer " + token}}); code != http.StatusOK {
		t.Fatalf("valid token rejected: %d", code)
	}

	other, _ := GenerateToken("different", time.Hour)
	if code := do(r, "/api/ping", http.Header{"Authorization": {"Bearer " + other}}); code != http.StatusUnauthorized {
		t.Fatalf("foreign token accepted: %d", code)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Authenticated: true,
	})
	signed, _ := expired.SignedString([]byte("s3cret"))
	if code := do(r, "/api/ping", http.Header{"Authorization": {"Bearer " + signed}}); code != http.StatusUnauthorized {
		t.Fatalf("expired token accepted: %d", code)
	}

	if _, err := GenerateToken("", time.Hour); err == nil {
		t.Fatalf("token without secret")
	}
}

func TestAuthSecretHash(t *testing.T) {
	hash, err := HashSecret("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	r := newRouter(NewAuthMiddleware("", hash))

	if code := do(r, "/api/ping", http.Header{HeaderKey: {"hunter2"}}); code != http.StatusOK {
		t.Fatalf("hashed secret rejected: %d", code)
	}
	if code := do(r, "/api/ping", http.Header{HeaderKey: {"hunter3"}}); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret accepted: %d", code)
	}

	token, _ := GenerateToken("hunter2", time.Hour)
	if code := do(r, "/api/ping", http.Header{"Authorization": {"Bearer " + token}}); code != http.StatusUnauthorized {
		t.Fatalf("bearer token accepted without raw secret: %d", code)
	}
}

func TestAuthSecretHashComparedOnce(t *testing.T) {
	hash, err := HashSecret("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	var compares int
	compareHash = func(hashed, key []byte) error {
		compares++
		return bcrypt.CompareHashAndPassword(hashed, key)
	}
	t.Cleanup(func() { compareHash = bcrypt.CompareHashAndPassword })

	r := newRouter(NewAuthMiddleware("", hash))
	for i := 0; i < 3; i++ {
		if code := do(r, "/api/ping?key=hunter2", nil); code != http.StatusOK {
			t.Fatalf("request %d rejected: %d", i, code)
		}
	}
	if compares != 1 {
		t.Fatalf("expected one bcrypt comparison, got %d", compares)
	}

	for i := 0; i < 2; i++ {
		if code := do(r, "/api/ping?key=hunter3", nil); code != http.StatusUnauthorized {
			t.Fatalf("wrong secret accepted: %d", code)
		}
	}
	if compares != 3 {
		t.Fatalf("rejected keys must be compared every time, got %d", compares)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	SetAccessLogger(zerolog.New(&buf))
	defer func() { zlog = nil }()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AccessLog(), SecurityHeaders())
	r.GET("/missing", func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "nope"}) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security header missing")
	}
	line := buf.String()
	if !strings.Contains(line, `"status":404`) || !strings.Contains(line, `"level":"warn"`) || !strings.Contains(line, `"path":"/missing"`) {
		t.Fatalf("unexpected access log %q", line)
	}
}
