package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/vnmchuo/completion-gateway/internal/usage"
)

func main() {
	_ = godotenv.Load()

	dsn := pflag.String("dsn", os.Getenv("POSTGRES_DSN"), "postgres connection string")
	timeout := pflag.Duration("timeout", 30*time.Second, "query timeout")
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("postgres DSN is required (--dsn or POSTGRES_DSN)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	stats, err := usage.NewPostgresStore(pool).UserStats(ctx)
	if err != nil {
		log.Fatalf("failed to load usage stats: %v", err)
	}

	if len(stats) == 0 {
		fmt.Println("No usage statistics found")
		return
	}
	render(os.Stdout, stats)
}

func render(w io.Writer, stats []*usage.UserStats) {
	fmt.Fprintln(w, "\nLLM Usage Statistics per User")
	fmt.Fprintln(w, "============================")

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"User ID", "Requests", "Tokens In", "Tokens Out", "Cost In ($)", "Cost Out ($)", "Messages", "Models Used"})
	table.SetAutoWrapText(false)

	var total usage.UserStats
	for _, s := range stats {
		table.Append([]string{
			strconv.FormatInt(s.UserID, 10),
			thousands(s.Requests),
			thousands(s.TokensIn),
			thousands(s.TokensOut),
			fmt.Sprintf("%.2f", s.DollarsIn),
			fmt.Sprintf("%.2f", s.DollarsOut),
			thousands(s.Messages),
			strings.Join(s.Models, ", "),
		})
		total.Requests += s.Requests
		total.TokensIn += s.TokensIn
		total.TokensOut += s.TokensOut
		total.DollarsIn += s.DollarsIn
		total.DollarsOut += s.DollarsOut
		total.Messages += s.Messages
	}

	table.Append([]string{
		"TOTAL",
		thousands(total.Requests),
		thousands(total.TokensIn),
		thousands(total.TokensOut),
		fmt.Sprintf("%.2f", total.DollarsIn),
		fmt.Sprintf("%.2f", total.DollarsOut),
		thousands(total.Messages),
		"ALL",
	})
	table.Render()
}

var printer = message.NewPrinter(language.English)

// thousands formats n with comma separators.
func thousands(n int64) string {
	return printer.Sprintf("%d", n)
}
