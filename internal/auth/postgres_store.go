package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id    BIGSERIAL PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_hash   TEXT PRIMARY KEY,
			user_id    BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
			scope      TEXT NOT NULL DEFAULT 'user',
			active     BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create auth tables: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*Identity, error) {
	query := `
		SELECT u.user_id, u.email, k.scope
		FROM api_keys k
		JOIN users u ON u.user_id = k.user_id
		WHERE k.key_hash = $1 AND k.active = true
	`

	var id Identity
	err := s.db.QueryRow(ctx, query, HashKey(key)).Scan(&id.UserID, &id.Email, &id.Scope)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	id.APIKey = key
	return &id, nil
}

// Create registers key for the user with email, creating the user when it
// does not exist yet.
func (s *PostgresStore) Create(ctx context.Context, email, key, scope string) (*Identity, error) {
	if email == "" || key == "" {
		return nil, fmt.Errorf("email and key are required")
	}
	if scope == "" {
		scope = ScopeUser
	}

	var userID int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING user_id
	`, email).Scan(&userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO api_keys (key_hash, user_id, scope, active)
		VALUES ($1, $2, $3, true)
	`, HashKey(key), userID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return &Identity{UserID: userID, Email: email, Scope: scope, APIKey: key}, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, userID int64, keyHash string) error {
	query := `UPDATE api_keys SET active = false WHERE key_hash = $1 AND user_id = $2`
	tag, err := s.db.Exec(ctx, query, keyHash, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id, email, created_at FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.Email, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CreateUser(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (email) VALUES ($1)
		RETURNING user_id, email, created_at
	`, email).Scan(&u.UserID, &u.Email, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, userID int64, email string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, `
		UPDATE users SET email = $1 WHERE user_id = $2
		RETURNING user_id, email, created_at
	`, email, userID).Scan(&u.UserID, &u.Email, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return &u, nil
}

// DeleteUser removes the user; its keys go with it.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListKeys returns every key, or only those of userID when it is non-nil.
func (s *PostgresStore) ListKeys(ctx context.Context, userID *int64) ([]*Key, error) {
	query := `
		SELECT k.key_hash, k.scope, k.active, k.created_at, u.user_id, u.email
		FROM api_keys k
		JOIN users u ON u.user_id = k.user_id
	`
	var args []any
	if userID != nil {
		query += ` WHERE k.user_id = $1`
		args = append(args, *userID)
	}
	query += ` ORDER BY k.created_at`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.KeyHash, &k.Scope, &k.Active, &k.CreatedAt, &k.UserID, &k.UserEmail); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) CreateKey(ctx context.Context, userID int64, keyHash, scope string) error {
	var exists int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM users WHERE user_id = $1`, userID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to look up user: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO api_keys (key_hash, user_id, scope, active)
		VALUES ($1, $2, $3, true)
	`, keyHash, userID, scope)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateKey(ctx context.Context, userID int64, keyHash, scope string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE api_keys SET scope = $1 WHERE key_hash = $2 AND user_id = $3
	`, scope, keyHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}
