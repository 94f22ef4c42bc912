// reconcile-ledger compares every ledger account with the distribution rows behind it and writes
// a reconciliation_reports row per mismatch. Balances are never corrected.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/reconcile-ledger
//
// Exits 3 when mismatches were found so schedulers can alert on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/mmdatafocus/cashback_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	quiet := flag.Bool("quiet", false, "Only print the mismatch count")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	logger := config.GetLogger()
	logger.SetLevel(logrus.InfoLevel)

	reports, err := workflow.RunLedgerReconciliation(context.Background(), store.NewGormStore(db), logger)
	if err != nil {
		config.LogError(logger, "reconcile-ledger", "main", "Running ledger reconciliation", nil, err)
		os.Exit(1)
	}

	fmt.Printf("mismatches=%d\n", len(reports))
	if !*quiet {
		for _, r := range reports {
			fmt.Printf("%s affiliate=%s %s\n", r.CheckType, r.EntityId, r.Details)
		}
	}
	if len(reports) > 0 {
		os.Exit(3)
	}
}
