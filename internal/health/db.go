package health

import (
	"context"
	"database/sql"
	"fmt"
)

// DBChecker reports the ledger database healthy when it answers and the
// audit_ledger table can be read.
type DBChecker struct {
	db *sql.DB
}

func NewDBChecker(db *sql.DB) *DBChecker { return &DBChecker{db: db} }

func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	var genesis int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_ledger WHERE sequence_no = 0").Scan(&genesis)
	if err != nil {
		return fmt.Errorf("ledger table unreadable: %w", err)
	}
	return nil
}
