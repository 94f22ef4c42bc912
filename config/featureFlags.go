package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

var defaultWithdrawalWindowDays = []int{10, 15}

// StrictLedgerAppendOnly installs the ledger guard plugin on the gorm connection:
// commission distribution rows cannot be deleted and only their release columns may be updated.
//
// Set via env:
// - STRICT_LEDGER_APPEND_ONLY=true
func StrictLedgerAppendOnly() bool {
	return envBool("STRICT_LEDGER_APPEND_ONLY")
}

// WithdrawalWindowDays lists the days of the month on which affiliates may request a payout.
//
// Set via env:
// - WITHDRAWAL_WINDOW_DAYS="10,15"
//
// Invalid entries are ignored; an empty result falls back to the default 10th and 15th.
func WithdrawalWindowDays() []int {
	raw := strings.TrimSpace(os.Getenv("WITHDRAWAL_WINDOW_DAYS"))
	if raw == "" {
		return append([]int(nil), defaultWithdrawalWindowDays...)
	}
	seen := map[int]bool{}
	var days []int
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > 31 || seen[n] {
			continue
		}
		seen[n] = true
		days = append(days, n)
	}
	if len(days) == 0 {
		return append([]int(nil), defaultWithdrawalWindowDays...)
	}
	sort.Ints(days)
	return days
}

// WithdrawalTimezone is the zone used to decide "today" for the withdrawal window.
//
// Set via env:
// - WITHDRAWAL_TIMEZONE=America/Sao_Paulo
func WithdrawalTimezone() string {
	v := strings.TrimSpace(os.Getenv("WITHDRAWAL_TIMEZONE"))
	if v == "" {
		return "America/Sao_Paulo"
	}
	return v
}

// LedgerMaxRetries bounds the retries of a ledger transaction that lost a lock race.
//
// Set via env:
// - LEDGER_MAX_RETRIES=5
func LedgerMaxRetries() uint64 {
	n := intFromEnv("LEDGER_MAX_RETRIES", 5)
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
