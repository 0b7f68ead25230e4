package usage

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestAddTokens_Accumulates(t *testing.T) {
	r := NewRecord(1, "key", "openai/gpt-4.1", 3)
	p := Pricing{In: 2, Out: 8}

	r.AddTokens(10, 5, p)
	r.AddTokens(10, 8, p)

	if r.TokensIn != 20 || r.TokensOut != 13 {
		t.Errorf("Expected 20/13 tokens, got %d/%d", r.TokensIn, r.TokensOut)
	}
	if math.Abs(r.DollarsIn-0.00004) > 1e-12 {
		t.Errorf("Unexpected dollars in %v", r.DollarsIn)
	}
	if math.Abs(r.DollarsOut-0.0001) > 1e-12 {
		t.Errorf("Unexpected dollars out %v", r.DollarsOut)
	}
}

func TestAddTokens_RoundsToFivePlaces(t *testing.T) {
	r := &Record{}
	r.AddTokens(1_000_000, 0, Pricing{In: 0.123456})

	if r.DollarsIn != 0.12346 {
		t.Errorf("Expected 0.12346, got %v", r.DollarsIn)
	}
}

func TestAddTokens_BadPriceKeepsTokens(t *testing.T) {
	r := &Record{}
	r.AddTokens(100, 50, Pricing{In: math.NaN(), Out: math.Inf(1)})

	if r.TokensIn != 100 || r.TokensOut != 50 {
		t.Errorf("Tokens lost: %d/%d", r.TokensIn, r.TokensOut)
	}
	if r.DollarsIn != 0 || r.DollarsOut != 0 {
		t.Errorf("Expected no cost, got %v/%v", r.DollarsIn, r.DollarsOut)
	}
}

func TestSetFinishReason_Latches(t *testing.T) {
	r := &Record{}
	r.SetFinishReason("")
	if r.FinishReason != nil {
		t.Fatal("Empty reason should not latch")
	}
	r.SetFinishReason("stop")
	r.SetFinishReason("length")
	if r.FinishReason == nil || *r.FinishReason != "stop" {
		t.Errorf("Expected stop, got %v", r.FinishReason)
	}
}

// Mock DB

type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.vals)
}

type fakeRows struct {
	data [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(dest, r.data[r.pos-1])
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos-1], nil
}

func assign(dest, vals []any) error {
	if len(dest) != len(vals) {
		return errors.New("column count mismatch")
	}
	for i := range dest {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(vals[i]))
	}
	return nil
}

type mockDB struct {
	copyFunc     func(table pgx.Identifier, cols []string, rows [][]any) (int64, error)
	queryRows    [][]any
	queryRowFunc func(sql string, args ...any) pgx.Row
	execSQL      []string
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeRows{data: m.queryRows}, nil
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(sql, args...)
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execSQL = append(m.execSQL, sql)
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) CopyFrom(ctx context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	var rows [][]any
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, vals)
	}
	return m.copyFunc(table, cols, rows)
}

func TestInsertBatch_CopiesAllRows(t *testing.T) {
	var gotTable pgx.Identifier
	var gotRows [][]any
	db := &mockDB{copyFunc: func(table pgx.Identifier, cols []string, rows [][]any) (int64, error) {
		gotTable = table
		gotRows = rows
		if len(cols) != 10 {
			t.Errorf("Expected 10 columns, got %d", len(cols))
		}
		return int64(len(rows)), nil
	}}
	s := NewPostgresStore(db)

	reason := "stop"
	records := []*Record{
		{UserID: 1, APIKey: "k1", Model: "openai/gpt-4.1", TokensIn: 10, FinishReason: &reason, CreatedAt: time.Unix(100, 0)},
		{UserID: 2, APIKey: "k2", Model: "gemini/gemini-2.5-pro"},
	}

	if err := s.InsertBatch(context.Background(), records); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	if gotTable[0] != "llm_usage_stats" {
		t.Errorf("Unexpected table %v", gotTable)
	}
	if len(gotRows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(gotRows))
	}
	if gotRows[0][0] != int64(1) || gotRows[0][2] != "openai/gpt-4.1" {
		t.Errorf("Unexpected first row %v", gotRows[0])
	}
	if created, _ := gotRows[1][9].(time.Time); created.IsZero() {
		t.Error("Expected created_at default for zero timestamp")
	}
}

func TestInsertBatch_Empty(t *testing.T) {
	db := &mockDB{copyFunc: func(pgx.Identifier, []string, [][]any) (int64, error) {
		t.Fatal("CopyFrom should not be called for an empty batch")
		return 0, nil
	}}
	if err := NewPostgresStore(db).InsertBatch(context.Background(), nil); err != nil {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestInsertBatch_Error(t *testing.T) {
	db := &mockDB{copyFunc: func(pgx.Identifier, []string, [][]any) (int64, error) {
		return 0, errors.New("connection reset")
	}}
	err := NewPostgresStore(db).InsertBatch(context.Background(), []*Record{{UserID: 1}})
	if err == nil {
		t.Fatal("Expected error")
	}
}

func TestUserStats(t *testing.T) {
	db := &mockDB{queryRows: [][]any{
		{int64(2), int64(5), int64(100), int64(50), 0.5, 1.5, int64(12), []string{"a", "b"}},
		{int64(1), int64(1), int64(10), int64(5), 0.1, 0.2, int64(2), []string{"a"}},
	}}

	stats, err := NewPostgresStore(db).UserStats(context.Background())
	if err != nil {
		t.Fatalf("UserStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(stats))
	}
	if stats[0].UserID != 2 || stats[0].DollarsOut != 1.5 || len(stats[0].Models) != 2 {
		t.Errorf("Unexpected first row %+v", stats[0])
	}
}

func TestStatsForUser_NoRecords(t *testing.T) {
	db := &mockDB{queryRowFunc: func(sql string, args ...any) pgx.Row {
		if args[0] != int64(7) {
			t.Errorf("Expected user 7, got %v", args[0])
		}
		return &fakeRow{err: pgx.ErrNoRows}
	}}

	st, err := NewPostgresStore(db).StatsForUser(context.Background(), 7)
	if err != nil {
		t.Fatalf("Unexpected error %v", err)
	}
	if st.UserID != 7 || st.Requests != 0 {
		t.Errorf("Expected zero stats for user 7, got %+v", st)
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &mockDB{}
	if err := NewPostgresStore(db).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execSQL) != 1 {
		t.Errorf("Expected one statement, got %d", len(db.execSQL))
	}
}
