package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"nexus-core/internal/accounts"
)

const handleContextKey = "Handle"

// UserClaims scope a bearer token to one handle.
type UserClaims struct {
	Handle string `json:"handle"`
	jwt.RegisteredClaims
}

// HashOperatorToken returns the bcrypt hash stored in OPERATOR_TOKEN_HASH.
func HashOperatorToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func GenerateToken(handle, secret string, expiresAt time.Time) (string, error) {
	claims := UserClaims{
		Handle: handle,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   handle,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid && claims.Handle != "" {
		return claims.Handle, nil
	}
	return "", errors.New("invalid token claims")
}

func bearer(c *gin.Context) (string, string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", "MISSING_TOKEN", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", "INVALID_AUTH_HEADER", false
	}
	return parts[1], "", true
}

// AuthMiddleware enforces JWT auth for user routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, code, ok := bearer(c)
		if !ok {
			respondError(c, http.StatusUnauthorized, code, "missing or malformed Authorization header")
			c.Abort()
			return
		}
		handle, err := parseToken(tok, secret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(handleContextKey, handle)
		c.Next()
	}
}

// OperatorMiddleware checks the bearer token against the bcrypt hash. With
// no hash configured the ops surface is closed.
func OperatorMiddleware(hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash == "" {
			respondError(c, http.StatusForbidden, "OPS_DISABLED", "operator token not configured")
			c.Abort()
			return
		}
		tok, code, ok := bearer(c)
		if !ok {
			respondError(c, http.StatusUnauthorized, code, "missing or malformed Authorization header")
			c.Abort()
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok)) != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid operator token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentHandle returns the authenticated handle from context.
func CurrentHandle(c *gin.Context) string {
	return c.GetString(handleContextKey)
}

// issueToken mints a user token for a handle (ops only).
func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		Handle string `json:"handle" binding:"required"`
		TTL    string `json:"ttl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	handle, err := accounts.NormalizeHandle(req.Handle)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_HANDLE", err.Error())
		return
	}
	ttl := 72 * time.Hour
	if req.TTL != "" {
		if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_TTL", "ttl must be a positive duration")
			return
		}
	}
	expiresAt := time.Now().Add(ttl)
	token, err := GenerateToken(handle, s.opts.JWTSecret, expiresAt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"handle":     handle,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}
