package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vnmchuo/completion-gateway/internal/usage"
)

func TestThousands(t *testing.T) {
	for in, want := range map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-45000:   "-45,000",
		10000000: "10,000,000",
	} {
		if got := thousands(in); got != want {
			t.Errorf("thousands(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestRender_TotalRow(t *testing.T) {
	var buf bytes.Buffer
	render(&buf, []*usage.UserStats{
		{UserID: 1, Requests: 2, TokensIn: 1500, TokensOut: 10, DollarsIn: 0.5, DollarsOut: 1.25, Messages: 4, Models: []string{"a", "b"}},
		{UserID: 2, Requests: 1, TokensIn: 500, TokensOut: 5, DollarsIn: 0.25, DollarsOut: 0.5, Messages: 1, Models: []string{"a"}},
	})

	out := buf.String()
	for _, want := range []string{"TOTAL", "2,000", "1.75", "ALL", "a, b"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}
