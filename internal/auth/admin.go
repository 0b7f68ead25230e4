package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrDuplicate    = errors.New("already exists")
)

type User struct {
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Key describes a stored API key. Only the hash of the key is kept.
type Key struct {
	KeyHash   string    `json:"key_hash"`
	Scope     string    `json:"scope"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UserID    int64     `json:"user_id"`
	UserEmail string    `json:"user_email"`
}

type AdminStore interface {
	ListUsers(ctx context.Context) ([]*User, error)
	CreateUser(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, userID int64, email string) (*User, error)
	DeleteUser(ctx context.Context, userID int64) error
	ListKeys(ctx context.Context, userID *int64) ([]*Key, error)
	CreateKey(ctx context.Context, userID int64, keyHash, scope string) error
	UpdateKey(ctx context.Context, userID int64, keyHash, scope string) error
	Revoke(ctx context.Context, userID int64, keyHash string) error
}

// Cache is the part of the identity cache the admin endpoints invalidate.
type Cache interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// AdminHandler serves user and API key management. Mount it behind
// NewMiddleware and RequireAdmin.
type AdminHandler struct {
	store AdminStore
	cache Cache
}

func NewAdminHandler(store AdminStore, cache Cache) *AdminHandler {
	return &AdminHandler{store: store, cache: cache}
}

type userCreateBody struct {
	Email string `json:"email"`
}

type userUpdateBody struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

type userDeleteBody struct {
	UserID int64 `json:"user_id"`
}

type keyListBody struct {
	UserID *int64 `json:"user_id"`
}

// keyBody identifies a key by its raw value or, for keys whose value is no
// longer known, by the hash shown in the key list.
type keyBody struct {
	APIKey  string `json:"api_key"`
	KeyHash string `json:"key_hash"`
	UserID  int64  `json:"user_id"`
	Scope   string `json:"scope"`
}

func (b *keyBody) hash() string {
	if b.APIKey != "" {
		return HashKey(b.APIKey)
	}
	return b.KeyHash
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    "invalid_request_error",
			"code":    code,
		},
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func validScope(scope string) bool {
	return scope == ScopeUser || scope == ScopeAdmin
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\n")
}

// purge drops cached identities so changes apply to the next request.
func (h *AdminHandler) purge(ctx context.Context, hashes ...string) {
	if len(hashes) == 0 {
		return
	}
	keys := make([]string, len(hashes))
	for i, hash := range hashes {
		keys[i] = cacheKey(hash)
	}
	if err := h.cache.Del(ctx, keys...).Err(); err != nil {
		log.WithFields(log.Fields{"keys": len(keys)}).WithError(err).Warn("auth: failed to purge cached identities")
	}
}

func (h *AdminHandler) userKeyHashes(ctx context.Context, userID int64) []string {
	keys, err := h.store.ListKeys(ctx, &userID)
	if err != nil {
		log.WithField("user_id", userID).WithError(err).Warn("auth: failed to list keys for cache purge")
		return nil
	}
	hashes := make([]string, len(keys))
	for i, k := range keys {
		hashes[i] = k.KeyHash
	}
	return hashes
}

func (h *AdminHandler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.WithField("request_id", GetRequestID(r.Context())).WithError(err).Error("auth: admin operation failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (h *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if users == nil {
		users = []*User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": users})
}

func (h *AdminHandler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body userCreateBody
	if !decode(w, r, &body) {
		return
	}
	if !validEmail(body.Email) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "a valid email is required")
		return
	}

	user, err := h.store.CreateUser(r.Context(), body.Email)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			writeAPIError(w, http.StatusBadRequest, "duplicate_email", "User with this email already exists")
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User created successfully",
		"object":  "user",
		"data":    user,
	})
}

func (h *AdminHandler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var body userUpdateBody
	if !decode(w, r, &body) {
		return
	}
	if !validEmail(body.Email) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "a valid email is required")
		return
	}

	user, err := h.store.UpdateUser(r.Context(), body.UserID, body.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrDuplicate) {
			writeAPIError(w, http.StatusNotFound, "user_error", "User not found or email already exists")
			return
		}
		h.internalError(w, r, err)
		return
	}
	h.purge(r.Context(), h.userKeyHashes(r.Context(), body.UserID)...)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User updated successfully",
		"object":  "user",
		"data":    user,
	})
}

func (h *AdminHandler) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	var body userDeleteBody
	if !decode(w, r, &body) {
		return
	}

	hashes := h.userKeyHashes(r.Context(), body.UserID)
	if err := h.store.DeleteUser(r.Context(), body.UserID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeAPIError(w, http.StatusNotFound, "user_not_found", "User not found")
			return
		}
		h.internalError(w, r, err)
		return
	}
	h.purge(r.Context(), hashes...)

	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted successfully"})
}

func (h *AdminHandler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	var body keyListBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	keys, err := h.store.ListKeys(r.Context(), body.UserID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*Key{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": keys})
}

// HandleCreateKey issues a key for an existing user. The raw key is only
// ever returned here.
func (h *AdminHandler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var body keyBody
	if !decode(w, r, &body) {
		return
	}
	if !validScope(body.Scope) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "scope must be user or admin")
		return
	}
	if body.APIKey == "" {
		body.APIKey = "sk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	if err := h.store.CreateKey(r.Context(), body.UserID, HashKey(body.APIKey), body.Scope); err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "User not found")
		case errors.Is(err, ErrDuplicate):
			writeAPIError(w, http.StatusBadRequest, "duplicate_key", "API key already exists")
		default:
			h.internalError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "API key created successfully",
		"object":  "key",
		"data": map[string]any{
			"api_key": body.APIKey,
			"scope":   body.Scope,
			"user_id": body.UserID,
		},
	})
}

func (h *AdminHandler) HandleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var body keyBody
	if !decode(w, r, &body) {
		return
	}
	if body.Scope == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "No updates provided")
		return
	}
	if !validScope(body.Scope) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "scope must be user or admin")
		return
	}

	hash := body.hash()
	if err := h.store.UpdateKey(r.Context(), body.UserID, hash, body.Scope); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			writeAPIError(w, http.StatusNotFound, "key_not_found", "API key not found or doesn't belong to the specified user")
			return
		}
		h.internalError(w, r, err)
		return
	}
	h.purge(r.Context(), hash)

	writeJSON(w, http.StatusOK, map[string]string{"message": "API key updated successfully"})
}

func (h *AdminHandler) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	var body keyBody
	if !decode(w, r, &body) {
		return
	}

	hash := body.hash()
	if err := h.store.Revoke(r.Context(), body.UserID, hash); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			writeAPIError(w, http.StatusNotFound, "key_not_found", "API key not found or doesn't belong to the specified user")
			return
		}
		h.internalError(w, r, err)
		return
	}
	h.purge(r.Context(), hash)

	writeJSON(w, http.StatusOK, map[string]string{"message": "API key deleted successfully"})
}
