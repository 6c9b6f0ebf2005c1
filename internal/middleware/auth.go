package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	AuthContextKey = "client_id"
)

// Claims represents JWT claims of an API client
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Authenticator checks API keys and bearer tokens. With no keys and no
// secret configured every request passes.
type Authenticator struct {
	apiKeys   []string
	jwtSecret []byte
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(apiKeys []string, jwtSecret string) *Authenticator {
	a := &Authenticator{}
	for _, k := range apiKeys {
		if k != "" {
			a.apiKeys = append(a.apiKeys, k)
		}
	}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// Enabled reports whether any credential is configured
func (a *Authenticator) Enabled() bool {
	return len(a.apiKeys) > 0 || len(a.jwtSecret) > 0
}

func (a *Authenticator) validKey(key string) bool {
	for _, k := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (a *Authenticator) parseToken(header string) (*Claims, bool) {
	if len(a.jwtSecret) == 0 {
		return nil, false
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, false
	}

	token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, false
	}
	claims, ok := token.Claims.(*Claims)
	return claims, ok
}

// Auth middleware accepts either a valid X-API-Key or a bearer JWT
func Auth(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" && a.validKey(key) {
			c.Set(AuthContextKey, "apikey")
			c.Next()
			return
		}

		if header := c.GetHeader("Authorization"); header != "" {
			if claims, ok := a.parseToken(header); ok {
				c.Set(AuthContextKey, claims.ClientID)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Valid authentication required"})
		c.Abort()
	}
}

// GenerateToken issues a JWT for an API client
func (a *Authenticator) GenerateToken(clientID string, expiresIn time.Duration) (string, error) {
	claims := Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// GetClientID retrieves the client ID from the context
func GetClientID(c *gin.Context) (string, bool) {
	id, exists := c.Get(AuthContextKey)
	if !exists {
		return "", false
	}

	idStr, ok := id.(string)
	return idStr, ok
}
