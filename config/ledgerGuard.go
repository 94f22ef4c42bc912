package config

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/cashback_backend/appctx"
	"gorm.io/gorm"
)

var ErrLedgerAppendOnly = errors.New("commission distributions are append-only")

const guardedTable = "commission_distributions"

// Columns a release may touch on an otherwise immutable distribution row.
var releasableColumns = map[string]bool{
	"is_blocked":  true,
	"released_at": true,
	"updated_at":  true,
}

// LedgerGuardPlugin keeps the commission audit trail append-only:
// deletes are refused and updates may only flip the release columns.
//
// NOTE:
// - This does NOT apply to Raw SQL. Maintenance tools writing raw SQL own that risk.
// - Bypass is explicit via appctx.ContextKeyAllowLedgerRewrite.
type LedgerGuardPlugin struct{}

func NewLedgerGuardPlugin() *LedgerGuardPlugin { return &LedgerGuardPlugin{} }

func (p *LedgerGuardPlugin) Name() string { return "ledger_guard" }

func (p *LedgerGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("ledger_guard:update", ledgerGuardUpdate); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("ledger_guard:delete", ledgerGuardDelete); err != nil {
		return err
	}
	return nil
}

func ledgerGuardDelete(db *gorm.DB) {
	if !isGuardedStatement(db) {
		return
	}
	_ = db.AddError(ErrLedgerAppendOnly)
}

func ledgerGuardUpdate(db *gorm.DB) {
	if !isGuardedStatement(db) {
		return
	}
	if len(db.Statement.Selects) > 0 {
		for _, col := range db.Statement.Selects {
			if !releasableColumns[columnName(db, col)] {
				_ = db.AddError(ErrLedgerAppendOnly)
				return
			}
		}
		return
	}
	updates, ok := db.Statement.Dest.(map[string]interface{})
	if !ok {
		// Struct saves rewrite every column.
		_ = db.AddError(ErrLedgerAppendOnly)
		return
	}
	for col := range updates {
		if !releasableColumns[columnName(db, col)] {
			_ = db.AddError(ErrLedgerAppendOnly)
			return
		}
	}
}

func isGuardedStatement(db *gorm.DB) bool {
	if db == nil || db.Statement == nil {
		return false
	}
	if allowLedgerRewrite(db.Statement.Context) {
		return false
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	return strings.EqualFold(table, guardedTable)
}

// columnName resolves struct field names ("IsBlocked") to their db name ("is_blocked").
func columnName(db *gorm.DB, name string) string {
	if db.Statement.Schema != nil {
		if f := db.Statement.Schema.LookUpField(name); f != nil {
			return f.DBName
		}
	}
	return strings.ToLower(name)
}

func allowLedgerRewrite(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := appctx.GetBool(ctx, appctx.ContextKeyAllowLedgerRewrite)
	return ok && v
}
