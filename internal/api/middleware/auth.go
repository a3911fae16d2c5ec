package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	HeaderKey       = "X-Grid-Key"
	queryKey        = "key"
	tokenIssuer     = "gridlocal"
	DefaultTokenTTL = 24 * time.Hour
)

type Claims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

// AuthMiddleware guards the API with a shared secret. Clients present the
// raw key (header or query) or a bearer token signed with it. When only a
// bcrypt hash is configured, bearer tokens are not accepted.
type AuthMiddleware struct {
	secret     []byte
	secretHash []byte

	// verified holds sha256 digests of keys that matched secretHash.
	verified sync.Map
}

var compareHash = bcrypt.CompareHashAndPassword

func NewAuthMiddleware(secret, secretHash string) *AuthMiddleware {
	a := &AuthMiddleware{}
	if secret != "" {
		a.secret = []byte(secret)
	}
	if secretHash != "" {
		a.secretHash = []byte(secretHash)
	}
	return a
}

func (a *AuthMiddleware) Enabled() bool {
	return len(a.secret) > 0 || len(a.secretHash) > 0
}

// HashSecret returns the bcrypt hash to store as server.secret_hash.
func HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// GenerateToken signs a bearer token with the shared secret.
func GenerateToken(secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
		Authenticated: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("bearer tokens not enabled")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

func (a *AuthMiddleware) checkKey(key string) bool {
	if len(a.secret) > 0 && subtle.ConstantTimeCompare([]byte(key), a.secret) == 1 {
		return true
	}
	if len(a.secretHash) == 0 {
		return false
	}
	digest := sha256.Sum256([]byte(key))
	if _, ok := a.verified.Load(digest); ok {
		return true
	}
	if compareHash(a.secretHash, []byte(key)) != nil {
		return false
	}
	a.verified.Store(digest, struct{}{})
	return true
}

func getKeyFromRequest(c *gin.Context) string {
	if key := c.GetHeader(HeaderKey); key != "" {
		return key
	}
	return c.Query(queryKey)
}

func getTokenFromRequest(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// RequireAuth rejects requests lacking a valid key or token. With no secret
// configured every request passes.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		if key := getKeyFromRequest(c); key != "" {
			if !a.checkKey(key) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid key"})
				return
			}
			c.Set("authenticated", true)
			c.Next()
			return
		}

		token := getTokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		if !claims.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		c.Set("authenticated", true)
		c.Set("claims", claims)
		c.Next()
	}
}
