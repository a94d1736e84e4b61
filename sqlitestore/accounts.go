package sqlitestore

import (
	"context"

	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/ledger"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Accounts stores credit balances. It satisfies ledger.Store; the balance
// check and decrement happen in a single UPDATE inside an immediate
// transaction, so concurrent debits serialize on SQLite's write lock.
type Accounts struct {
	db *DB
}

func (db *DB) Accounts() *Accounts { return &Accounts{db: db} }

func (a *Accounts) Debit(ctx context.Context, subject string, amount int64) (remaining int64, err error) {
	conn, err := a.db.take(ctx)
	if err != nil {
		return 0, err
	}
	defer a.db.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, errors.Wrapf(err, "begin debit")
	}
	defer endTransaction(&err)

	updated := false
	err = sqlitex.Execute(conn,
		`UPDATE credit_accounts SET balance = balance - ? WHERE subject_id = ? AND balance >= ? RETURNING balance`,
		&sqlitex.ExecOptions{
			Args: []any{amount, subject, amount},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				remaining = stmt.ColumnInt64(0)
				updated = true
				return nil
			},
		})
	if err != nil {
		return 0, errors.Wrapf(err, "debit %s", subject)
	}
	if updated {
		return remaining, nil
	}

	balance, found, err := balanceOf(conn, subject)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ledger.ErrAccountNotFound()
	}
	return balance, ledger.ErrInsufficientCredit()
}

func (a *Accounts) Credit(ctx context.Context, subject string, amount int64) (int64, error) {
	conn, err := a.db.take(ctx)
	if err != nil {
		return 0, err
	}
	defer a.db.pool.Put(conn)

	var balance int64
	found := false
	err = sqlitex.Execute(conn,
		`UPDATE credit_accounts SET balance = balance + ? WHERE subject_id = ? RETURNING balance`,
		&sqlitex.ExecOptions{
			Args: []any{amount, subject},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				balance = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, errors.Wrapf(err, "credit %s", subject)
	}
	if !found {
		return 0, ledger.ErrAccountNotFound()
	}
	return balance, nil
}

func (a *Accounts) Balance(ctx context.Context, subject string) (int64, error) {
	conn, err := a.db.take(ctx)
	if err != nil {
		return 0, err
	}
	defer a.db.pool.Put(conn)

	balance, found, err := balanceOf(conn, subject)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ledger.ErrAccountNotFound()
	}
	return balance, nil
}

func (a *Accounts) Grant(ctx context.Context, subject string, amount int64) (int64, error) {
	conn, err := a.db.take(ctx)
	if err != nil {
		return 0, err
	}
	defer a.db.pool.Put(conn)

	var balance int64
	err = sqlitex.Execute(conn, `
		INSERT INTO credit_accounts (subject_id, balance) VALUES (?, ?)
		ON CONFLICT (subject_id) DO UPDATE SET balance = balance + excluded.balance
		RETURNING balance`,
		&sqlitex.ExecOptions{
			Args: []any{subject, amount},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				balance = stmt.ColumnInt64(0)
				return nil
			},
		})
	return balance, errors.Wrapf(err, "grant %s", subject)
}

func balanceOf(conn *sqlite.Conn, subject string) (balance int64, found bool, err error) {
	err = sqlitex.Execute(conn, `SELECT balance FROM credit_accounts WHERE subject_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{subject},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				balance = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, errors.Wrapf(err, "reading balance of %s", subject)
	}
	return balance, found, nil
}
