package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const table = "llm_usage_stats"

var columns = []string{
	"user_id", "api_key", "model", "tokens_in", "tokens_out",
	"dollars_in", "dollars_out", "messages_cnt", "finish_reason", "created_at",
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS llm_usage_stats (
			record_id     BIGSERIAL PRIMARY KEY,
			user_id       BIGINT NOT NULL,
			api_key       TEXT NOT NULL,
			model         TEXT NOT NULL,
			tokens_in     INTEGER NOT NULL,
			tokens_out    INTEGER NOT NULL,
			dollars_in    DOUBLE PRECISION NOT NULL,
			dollars_out   DOUBLE PRECISION NOT NULL,
			messages_cnt  INTEGER NOT NULL,
			finish_reason TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create usage table: %w", err)
	}
	return nil
}

// InsertBatch writes all records in one COPY. Either every row lands or
// none does.
func (s *PostgresStore) InsertBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{
			r.UserID, r.APIKey, r.Model, r.TokensIn, r.TokensOut,
			r.DollarsIn, r.DollarsOut, r.MessagesCount, r.FinishReason, created,
		})
	}

	n, err := s.db.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert usage batch: %w", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("failed to insert usage batch: copied %d of %d rows", n, len(records))
	}
	return nil
}

const statsSelect = `
	SELECT
		user_id,
		COUNT(*),
		COALESCE(SUM(tokens_in), 0)::bigint,
		COALESCE(SUM(tokens_out), 0)::bigint,
		COALESCE(SUM(dollars_in), 0)::double precision,
		COALESCE(SUM(dollars_out), 0)::double precision,
		COALESCE(SUM(messages_cnt), 0)::bigint,
		COALESCE(array_agg(DISTINCT model ORDER BY model), '{}')::text[]
	FROM llm_usage_stats
`

func scanStats(row pgx.Row) (*UserStats, error) {
	var st UserStats
	err := row.Scan(
		&st.UserID, &st.Requests, &st.TokensIn, &st.TokensOut,
		&st.DollarsIn, &st.DollarsOut, &st.Messages, &st.Models,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) UserStats(ctx context.Context) ([]*UserStats, error) {
	query := statsSelect + `
		GROUP BY user_id
		ORDER BY 6 DESC
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query user stats: %w", err)
	}
	defer rows.Close()

	var out []*UserStats
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user stats: %w", err)
		}
		out = append(out, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user stats: %w", err)
	}

	return out, nil
}

// StatsForUser returns a zero aggregate for a user without records.
func (s *PostgresStore) StatsForUser(ctx context.Context, userID int64) (*UserStats, error) {
	query := statsSelect + `
		WHERE user_id = $1
		GROUP BY user_id
	`
	st, err := scanStats(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &UserStats{UserID: userID, Models: []string{}}, nil
		}
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	return st, nil
}
