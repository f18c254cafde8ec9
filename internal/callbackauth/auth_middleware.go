package callbackauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier verifies a worker's bearer token and returns its claims.
// Workers authenticate to the driver's callback endpoints with a signed
// JWT minted when the instance was created; there is no external identity
// provider in this trust boundary.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*WorkerClaims, error)
}

// WorkerClaims identifies the instance presenting the token.
type WorkerClaims struct {
	jwt.RegisteredClaims
	InstanceName string `json:"instance_name"`
}

// JWTVerifier verifies HS256 tokens signed with a shared driver secret.
type JWTVerifier struct {
	Secret []byte
}

func (v *JWTVerifier) Verify(_ context.Context, rawToken string) (*WorkerClaims, error) {
	claims := &WorkerClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid worker token")
	}
	return claims, nil
}

// TokenCache avoids re-verifying a token on every callback from the same
// worker within a short window.
type TokenCache interface {
	Get(token string) (bool, error)
	Set(token string) error
}

// RedisTokenCache backs TokenCache with Redis, scoped to the same client the
// rest of this module uses for IPR heartbeats.
type RedisTokenCache struct {
	Client *redis.Client
	Ctx    context.Context
	TTL    time.Duration
}

func (r *RedisTokenCache) Set(token string) error {
	ttl := r.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return r.Client.Set(r.Ctx, "workertoken:"+token, true, ttl).Err()
}

func (r *RedisTokenCache) Get(token string) (bool, error) {
	val, err := r.Client.Exists(r.Ctx, "workertoken:"+token).Result()
	if err != nil {
		return false, err
	}
	return val > 0, nil
}

// AuthMiddleware gates the worker-callback routes (mark-job-started,
// mark-job-complete) on a valid bearer token.
type AuthMiddleware struct {
	Verifier TokenVerifier
	Cache    TokenCache
}

func NewAuthMiddleware(verifier TokenVerifier, cache TokenCache) *AuthMiddleware {
	return &AuthMiddleware{Verifier: verifier, Cache: cache}
}

func (a *AuthMiddleware) MiddlewareFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawToken, err := ExtractToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		isCached, err := a.Cache.Get(rawToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if !isCached {
			claims, err := a.Verifier.Verify(c.Request.Context(), rawToken)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("failed to verify worker token: %v", err)})
				return
			}
			c.Set("instance_name", claims.InstanceName)

			if err := a.Cache.Set(rawToken); err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to cache worker token: %v", err)})
				return
			}
		}

		c.Next()
	}
}

// ExtractToken extracts the token from the Authorization header.
func ExtractToken(headerValue string) (string, error) {
	const prefix = "Bearer "

	if !strings.HasPrefix(headerValue, prefix) {
		return "", fmt.Errorf("missing or incorrect Authorization header format")
	}

	token := strings.TrimPrefix(headerValue, prefix)
	if token == "" {
		return "", fmt.Errorf("missing token in Authorization header")
	}

	return token, nil
}
