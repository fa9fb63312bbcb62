package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/archonhq/archon72/pkg/config"
	"github.com/archonhq/archon72/pkg/ledger"
)

// runVerifyCmd replays the hash chain over a sequence range and
// reports the first break, if any.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.Uint64("from", 1, "first sequence to verify")
	to := fs.Uint64("to", 0, "last sequence to verify (0 = chain head)")
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := ledger.NewPostgresStore(db)
	if *to == 0 {
		head, err := store.Head(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "read chain head: %v\n", err)
			return 1
		}
		if head == nil {
			fmt.Fprintln(stdout, "ledger is empty; nothing to verify")
			return 0
		}
		*to = head.Sequence
	}

	report, err := ledger.VerifyChain(ctx, store, *from, *to)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else if report.Valid {
		fmt.Fprintf(stdout, "%sVALID%s  chain intact over [%d, %d]\n",
			ColorGreen, ColorReset, *from, *to)
	} else {
		fmt.Fprintf(stdout, "%sBROKEN%s at sequence %d\n  expected %s\n  actual   %s\n",
			ColorBold, ColorReset, report.BrokenAt, report.Expected, report.Actual)
	}

	if !report.Valid {
		return 1
	}
	return 0
}
