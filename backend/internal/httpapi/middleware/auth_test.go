package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, userID, username, typ string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(getSecret())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"userId": c.GetString("userId"), "username": c.GetString("username")})
	})
	return r
}

func TestAuthMiddleware_BearerHeader(t *testing.T) {
	r := newAuthRouter()
	token := signToken(t, "u1", "alice", "access", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
}

func TestAuthMiddleware_QueryTokenFallback(t *testing.T) {
	r := newAuthRouter()
	token := signToken(t, "u1", "alice", "access", time.Now().Add(time.Hour))

	// WebSocket 场景：浏览器发不了自定义 Header，走 ?token=
	req := httptest.NewRequest(http.MethodGet, "/ping?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	r := newAuthRouter()

	cases := []struct {
		name  string
		setup func(req *http.Request)
	}{
		{"missing token", func(req *http.Request) {}},
		{"garbage token", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer not-a-jwt")
		}},
		{"expired token", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signToken(t, "u1", "alice", "access", time.Now().Add(-time.Hour)))
		}},
		{"refresh token", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signToken(t, "u1", "alice", "refresh", time.Now().Add(time.Hour)))
		}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		tc.setup(req)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("%s: status = %d, want 401", tc.name, w.Code)
		}
	}
}

func TestParseToken_ClaimsRoundTrip(t *testing.T) {
	token := signToken(t, "u42", "bob", "access", time.Now().Add(time.Hour))
	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken error: %v", err)
	}
	if claims.UserID != "u42" || claims.Username != "bob" {
		t.Fatalf("claims = %+v, want u42/bob", claims)
	}
}
