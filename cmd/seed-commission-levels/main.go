// seed-commission-levels writes the commission level table.
//
// Without -file it writes the default ten levels at 10% each. With -file it reads a JSON array
// of {"level": 1, "percentage": "10"} objects. The table is validated before anything is written.
//
// Usage:
//
//	go run ./cmd/seed-commission-levels [-file levels.json] [-migrate]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/mmdatafocus/cashback_backend/workflow"
)

func main() {
	file := flag.String("file", "", "Optional: JSON file with the level table")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before seeding")
	flag.Parse()

	levels := workflow.DefaultCommissionLevels()
	if *file != "" {
		b, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *file, err)
			os.Exit(1)
		}
		levels = nil
		if err := json.Unmarshal(b, &levels); err != nil {
			fmt.Fprintf(os.Stderr, "invalid level file: %v\n", err)
			os.Exit(1)
		}
	}
	if err := workflow.ValidateLevels(levels); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	// The API caches the active table; connect Redis so the cached copy is dropped.
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	}
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if *migrate {
		if err := models.MigrateTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
			os.Exit(1)
		}
	}

	logger := config.GetLogger()
	policy := &workflow.CommissionPolicy{
		Store:  store.NewGormStore(db),
		Cache:  workflow.RedisPolicyCache{Logger: logger},
		Logger: logger,
	}
	rows, err := policy.Replace(context.Background(), levels)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	for _, r := range rows {
		fmt.Printf("level=%d percentage=%s\n", r.Level, r.Percentage.String())
	}
}
