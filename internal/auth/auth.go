package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var ErrKeyNotFound = errors.New("api key not found")

const (
	ScopeUser  = "user"
	ScopeAdmin = "admin"
)

const cacheTTL = 5 * time.Minute

// Identity is the owner of an API key. APIKey holds the raw bearer token of
// the current request and is never persisted or cached.
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Scope  string `json:"scope"`
	APIKey string `json:"-"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (i *Identity) MarshalBinary() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (i *Identity) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, i)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*Identity, error)
	Create(ctx context.Context, email, key, scope string) (*Identity, error)
	// Revoke deactivates the key with keyHash owned by userID.
	Revoke(ctx context.Context, userID int64, keyHash string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("auth:%s", keyHash)
}

func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := chimiddleware.GetReqID(ctx)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if key == "" {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			redisKey := cacheKey(HashKey(key))

			var cached Identity
			err := cache.Get(ctx, redisKey).Scan(&cached)
			if err == nil {
				cached.APIKey = key
				next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, &cached)))
				return
			} else if err != redis.Nil {
				log.WithField("request_id", requestID).WithError(err).Warn("auth: redis error")
			}

			id, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				log.WithField("request_id", requestID).WithError(err).Error("auth: key lookup failed")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			_ = cache.Set(ctx, redisKey, id, cacheTTL).Err()

			id.APIKey = key
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
		})
	}
}

// RequireAdmin rejects callers whose key lacks the admin scope.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if id.Scope != ScopeAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetIdentity(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Helpers for testing
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
