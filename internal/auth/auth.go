package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// The subsystem performs no authentication of its own: admin endpoints
// trust credentials issued elsewhere. The gate verifies either an HMAC JWT
// from the external identity system or a shared admin key checked against a
// bcrypt hash, and exposes the result as a per-request authorized flag.

var (
	ErrNoVerifier   = errors.New("auth: no verification method configured")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// AuthorizedKey is the gin context key carrying the per-request flag.
const AuthorizedKey = "authorized"

type Gate struct {
	jwtSecret []byte
	keyHash   []byte
}

// NewGate builds a gate from an optional JWT secret and an optional bcrypt
// hash of a shared admin key. At least one must be set for any request to
// ever be authorized; with neither, every admin request is refused.
func NewGate(jwtSecret, keyHash string) *Gate {
	g := &Gate{}
	if s := strings.TrimSpace(jwtSecret); s != "" {
		g.jwtSecret = []byte(s)
	}
	if h := strings.TrimSpace(keyHash); h != "" {
		g.keyHash = []byte(h)
	}
	return g
}

// Verify checks a bearer credential against the configured methods.
func (g *Gate) Verify(credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrInvalidToken
	}
	if g.jwtSecret == nil && g.keyHash == nil {
		return ErrNoVerifier
	}

	if g.jwtSecret != nil {
		if err := g.verifyJWT(credential); err == nil {
			return nil
		}
	}

	if g.keyHash != nil {
		if err := bcrypt.CompareHashAndPassword(g.keyHash, []byte(credential)); err == nil {
			return nil
		}
	}

	return ErrInvalidToken
}

func (g *Gate) verifyJWT(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return g.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// Middleware resolves the request's credential and stores the authorized
// flag without rejecting anything; downstream handlers decide.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(AuthorizedKey, g.Verify(bearerToken(c)) == nil)
		c.Next()
	}
}

// RequireAdmin aborts unauthorized requests with a JSON 401. When
// Middleware ran earlier in the chain its flag is reused; the credential is
// verified at most once per request.
func (g *Gate) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		authorized, resolved := c.Get(AuthorizedKey)
		if !resolved {
			authorized = g.Verify(bearerToken(c)) == nil
			c.Set(AuthorizedKey, authorized)
		}

		if allowed, _ := authorized.(bool); !allowed {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "admin authentication required",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}
