package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ─── JWT control-plane auth ───────────────────────────────────────────────────

// tokenTTL is how long a dashboard login stays valid.
const tokenTTL = 24 * time.Hour

// Auth holds the control-plane signing key and the data-plane agent token.
// An empty secret or token turns the matching check off.
type Auth struct {
	jwtSecret  []byte
	agentToken string
	adminUser  string
	adminPass  string
}

// NewAuth builds an Auth from explicit settings.
func NewAuth(jwtSecret, agentToken, adminUser, adminPass string) *Auth {
	return &Auth{
		jwtSecret:  []byte(jwtSecret),
		agentToken: agentToken,
		adminUser:  adminUser,
		adminPass:  adminPass,
	}
}

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed HS256 JWT valid for 24 hours.
func (a *Auth) GenerateJWT(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "inventra",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

func (a *Auth) parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// checkLogin compares credentials in constant time.
func (a *Auth) checkLogin(user, pass string) bool {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(a.adminUser))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(a.adminPass))
	return u&p == 1
}

// JWTMiddleware validates "Authorization: Bearer <jwt>" on the control plane
// and stores the username in the Gin context as "username".
func (a *Auth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(a.jwtSecret) == 0 {
			c.Next()
			return
		}
		tok, ok := bearer(c)
		if !ok {
			return
		}
		claims, err := a.parseJWT(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid or expired token"))
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

// ─── Bearer-token data-plane auth ────────────────────────────────────────────

// AgentTokenMiddleware checks "Authorization: Bearer <agent_token>".
func (a *Auth) AgentTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.agentToken == "" {
			c.Next()
			return
		}
		tok, ok := bearer(c)
		if !ok {
			return
		}
		if subtle.ConstantTimeCompare([]byte(tok), []byte(a.agentToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid or missing agent token"))
			return
		}
		c.Next()
	}
}

// bearer extracts the token and aborts the request when the header is unusable.
func bearer(c *gin.Context) (string, bool) {
	raw := c.GetHeader("Authorization")
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("missing Authorization header"))
		return "", false
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid Authorization format, expected: Bearer <token>"))
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}
