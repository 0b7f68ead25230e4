package seeder

import (
	"context"
	"errors"
	"testing"

	"github.com/vnmchuo/completion-gateway/internal/auth"
)

type mockStore struct {
	createFunc func(ctx context.Context, email, key, scope string) (*auth.Identity, error)
	calls      int
}

func (m *mockStore) GetByKey(ctx context.Context, key string) (*auth.Identity, error) {
	return nil, auth.ErrKeyNotFound
}

func (m *mockStore) Create(ctx context.Context, email, key, scope string) (*auth.Identity, error) {
	m.calls++
	return m.createFunc(ctx, email, key, scope)
}

func (m *mockStore) Revoke(ctx context.Context, userID int64, keyHash string) error { return nil }

func TestSeedAdmin(t *testing.T) {
	store := &mockStore{createFunc: func(ctx context.Context, email, key, scope string) (*auth.Identity, error) {
		if scope != auth.ScopeAdmin {
			t.Errorf("Expected admin scope, got %s", scope)
		}
		return &auth.Identity{UserID: 1, Email: email, Scope: scope}, nil
	}}

	SeedAdmin(context.Background(), store, "admin@example.com", "sk-admin")

	if store.calls != 1 {
		t.Errorf("Expected one Create call, got %d", store.calls)
	}
}

func TestSeedAdmin_SkipsWithoutCredentials(t *testing.T) {
	store := &mockStore{}
	SeedAdmin(context.Background(), store, "", "sk-admin")
	if store.calls != 0 {
		t.Error("Create should not be called without an email")
	}
}

func TestSeedAdmin_ExistingKeyIsNotFatal(t *testing.T) {
	store := &mockStore{createFunc: func(ctx context.Context, email, key, scope string) (*auth.Identity, error) {
		return nil, errors.New("duplicate key value")
	}}
	SeedAdmin(context.Background(), store, "admin@example.com", "sk-admin")
}
