package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FailureLedger counts consecutive failed signon attempts per login.
type FailureLedger struct {
	db  *sql.DB
	now func() time.Time
}

func NewFailureLedger(db *sql.DB) *FailureLedger {
	return &FailureLedger{db: db, now: time.Now}
}

// Increment records one failure and returns the new count.
func (l *FailureLedger) Increment(ctx context.Context, login string) (int, error) {
	const q = `INSERT INTO signon_failures (login, failures, last_failed_at) VALUES (?, 1, ?)
ON CONFLICT(login) DO UPDATE SET failures = failures + 1, last_failed_at = excluded.last_failed_at
RETURNING failures`
	var n int
	if err := l.db.QueryRowContext(ctx, q, login, l.now().Unix()).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment signon failures: %w", err)
	}
	return n, nil
}

func (l *FailureLedger) Count(ctx context.Context, login string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT failures FROM signon_failures WHERE login = ?`, login).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count signon failures: %w", err)
	}
	return n, nil
}

func (l *FailureLedger) Reset(ctx context.Context, login string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM signon_failures WHERE login = ?`, login); err != nil {
		return fmt.Errorf("reset signon failures: %w", err)
	}
	return nil
}
