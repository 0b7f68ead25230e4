package usage

import (
	"context"
	"math"
	"time"
)

// Record is the metering outcome of one completion request. Token counts
// only grow; dollars are derived from them at the model's price.
type Record struct {
	UserID        int64
	APIKey        string
	Model         string
	TokensIn      int
	TokensOut     int
	DollarsIn     float64
	DollarsOut    float64
	MessagesCount int
	FinishReason  *string
	CreatedAt     time.Time
}

// Pricing is dollars per million tokens.
type Pricing struct {
	In  float64
	Out float64
}

func NewRecord(userID int64, apiKey, model string, messages int) *Record {
	return &Record{
		UserID:        userID,
		APIKey:        apiKey,
		Model:         model,
		MessagesCount: messages,
		CreatedAt:     time.Now().UTC(),
	}
}

// AddTokens accumulates a usage increment. Tokens are always recorded; a
// cost that cannot be computed is left out.
func (r *Record) AddTokens(in, out int, p Pricing) {
	r.TokensIn += in
	r.TokensOut += out
	if d, ok := cost(in, p.In); ok {
		r.DollarsIn += d
	}
	if d, ok := cost(out, p.Out); ok {
		r.DollarsOut += d
	}
}

// SetFinishReason latches the first non-empty reason.
func (r *Record) SetFinishReason(reason string) {
	if reason == "" || r.FinishReason != nil {
		return
	}
	r.FinishReason = &reason
}

func cost(tokens int, perMillion float64) (float64, bool) {
	d := round(float64(tokens)/1_000_000*perMillion, 5)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, false
	}
	return d, true
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// UserStats aggregates every record of one user.
type UserStats struct {
	UserID     int64    `json:"user_id"`
	Requests   int64    `json:"requests"`
	TokensIn   int64    `json:"tokens_in"`
	TokensOut  int64    `json:"tokens_out"`
	DollarsIn  float64  `json:"dollars_in"`
	DollarsOut float64  `json:"dollars_out"`
	Messages   int64    `json:"messages"`
	Models     []string `json:"models"`
}

type Store interface {
	InsertBatch(ctx context.Context, records []*Record) error
	UserStats(ctx context.Context) ([]*UserStats, error)
	StatsForUser(ctx context.Context, userID int64) (*UserStats, error)
}
