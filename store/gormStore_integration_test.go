package store_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Usage (requires Docker): INTEGRATION_TESTS=1 go test ./store -run GormStore -v
func TestGormStore_LedgerAndWithdrawalConstraints(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()
	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "cashback_test")
	t.Setenv("STRICT_LEDGER_APPEND_ONLY", "true")

	config.ConnectDatabaseWithRetry()
	require.NoError(t, models.MigrateTable(config.GetDB()))
	s := store.NewGormStore(config.GetDB())

	// Ledger row is created lazily and locked.
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		acc, err := tx.LockLedgerAccount("u1")
		if err != nil {
			return err
		}
		acc.TotalEarnings = acc.TotalEarnings.Add(decimal.NewFromInt(7))
		acc.AvailableBalance = acc.AvailableBalance.Add(decimal.NewFromInt(7))
		return tx.SaveLedgerAccount(acc)
	}))
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		acc, err := tx.LockLedgerAccount("u1")
		require.NoError(t, err)
		require.True(t, acc.TotalEarnings.Equal(decimal.NewFromInt(7)))
		return nil
	}))

	// Distribution uniqueness and release under the append-only guard.
	row := models.CommissionDistribution{
		PurchaseId:       "p1",
		AffiliateId:      "b",
		Level:            2,
		CommissionAmount: decimal.RequireFromString("4.2"),
		IsBlocked:        true,
	}
	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		r := row
		return tx.InsertDistribution(&r)
	}))
	err := s.Transaction(ctx, func(tx store.Tx) error {
		r := row
		return tx.InsertDistribution(&r)
	})
	require.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, s.Transaction(ctx, func(tx store.Tx) error {
		sum, n, err := tx.ReleaseBlockedDistributions("b", time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.True(t, sum.Equal(decimal.RequireFromString("4.2")))
		return nil
	}))

	// Struct saves of distribution rows are refused by the guard.
	err = config.GetDB().Save(&models.CommissionDistribution{ID: 1, PurchaseId: "p1", AffiliateId: "b", Level: 2}).Error
	require.ErrorIs(t, err, config.ErrLedgerAppendOnly)

	// One withdrawal per user per month.
	insert := func(id string) error {
		return s.Transaction(ctx, func(tx store.Tx) error {
			return tx.InsertWithdrawal(&models.WithdrawalRequest{
				ID:              id,
				UserId:          "u1",
				AffiliateId:     "a1",
				AmountRequested: decimal.NewFromInt(1),
				NetAmount:       decimal.NewFromInt(1),
				Status:          models.WithdrawalStatusPending,
				PixDestination:  "pix",
				RequestMonth:    "2024-03",
			})
		})
	}
	require.NoError(t, insert("w1"))
	require.ErrorIs(t, insert("w2"), store.ErrDuplicate)
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cashback-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=cashback_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
