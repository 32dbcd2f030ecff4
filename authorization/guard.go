package authorization

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const identityKey = "user_id"

// Guard validates bearer tokens issued by the account service and exposes
// the authenticated user id to handlers. Token issuance and user management
// live outside this service; only validation is consumed here.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

// NewGuardFromEnv builds the JWT guard from AUTH_JWT_SECRET.
func NewGuardFromEnv() (*Guard, error) {
	secret := strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: AUTH_JWT_SECRET environment variable is required")
	}

	middleware, err := jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "emerlya",
		Key:         []byte(secret),
		Timeout:     24 * time.Hour,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			return claims[identityKey]
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": "authentication required"})
		},
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
	})
	if err != nil {
		return nil, err
	}

	return &Guard{jwt: middleware}, nil
}

// RequireAuthenticated ensures the request carries a valid JWT.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// UserID extracts the authenticated user id from the request claims.
func UserID(c *gin.Context) (uint64, bool) {
	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0, false
	}
	switch v := claims[identityKey].(type) {
	case float64:
		if v <= 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, v > 0
	case int64:
		if v <= 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}
