// reset-monthly-activity clears is_active_this_month on every ledger account.
// Schedule it at 00:00 on the first day of the month (WITHDRAWAL_TIMEZONE).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/mmdatafocus/cashback_backend/workflow"
)

func main() {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ledger := workflow.NewLedger(store.NewGormStore(db), logger)
	n, err := ledger.ResetMonthlyActivity(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("accounts reset: %d\n", n)
}
