package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithdrawalWindowDays(t *testing.T) {
	t.Setenv("WITHDRAWAL_WINDOW_DAYS", "")
	require.Equal(t, []int{10, 15}, WithdrawalWindowDays())

	t.Setenv("WITHDRAWAL_WINDOW_DAYS", " 20, 5,x,5,40 ")
	require.Equal(t, []int{5, 20}, WithdrawalWindowDays())

	t.Setenv("WITHDRAWAL_WINDOW_DAYS", "0,32")
	require.Equal(t, []int{10, 15}, WithdrawalWindowDays())
}

func TestLedgerFlags(t *testing.T) {
	t.Setenv("STRICT_LEDGER_APPEND_ONLY", "YES")
	require.True(t, StrictLedgerAppendOnly())
	t.Setenv("STRICT_LEDGER_APPEND_ONLY", "off")
	require.False(t, StrictLedgerAppendOnly())

	t.Setenv("LEDGER_MAX_RETRIES", "")
	require.Equal(t, uint64(5), LedgerMaxRetries())
	t.Setenv("LEDGER_MAX_RETRIES", "-3")
	require.Equal(t, uint64(0), LedgerMaxRetries())

	t.Setenv("WITHDRAWAL_TIMEZONE", "")
	require.Equal(t, "America/Sao_Paulo", WithdrawalTimezone())
}
