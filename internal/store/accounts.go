package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kelpejol/convoy/internal/money"
)

// Account is the durable balance of one account. Version increases by one on
// every balance mutation and fences cache writes.
type Account struct {
	ID        string       `db:"account_id" json:"account_id"`
	Balance   money.Amount `db:"balance_micros" json:"balance"`
	Version   int64        `db:"version" json:"version"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// ChargeKind classifies a charge record.
type ChargeKind string

const (
	KindGeneration   ChargeKind = "generation"
	KindTool         ChargeKind = "tool"
	KindCancellation ChargeKind = "cancellation"
	KindCredit       ChargeKind = "credit"
	KindAdjustment   ChargeKind = "adjustment"
)

// Charge is one applied balance mutation. Positive amounts debit the account,
// negative amounts credit it.
type Charge struct {
	OperationID string       `db:"operation_id" json:"operation_id"`
	AccountID   string       `db:"account_id" json:"account_id"`
	Amount      money.Amount `db:"amount_micros" json:"amount"`
	Kind        ChargeKind   `db:"kind" json:"kind"`
	Description string       `db:"description" json:"description"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// ChargeResult is the outcome of ApplyCharge.
type ChargeResult struct {
	// Applied is false when a charge with the same operation id already existed.
	Applied bool
	// Account is the balance after the charge (or the current balance for a duplicate).
	Account Account
	// Charge is the stored record, which for a duplicate is the original one.
	Charge Charge
}

const accountColumns = `account_id, balance_micros, version, created_at, updated_at`

// CreateAccount inserts an account with an opening balance. An existing
// account is left untouched and returned.
func (s *Store) CreateAccount(ctx context.Context, id string, opening money.Amount) (Account, error) {
	var acct Account
	err := s.withRetry(ctx, "create_account", func(ctx context.Context) error {
		ts := now()
		if _, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO accounts (account_id, balance_micros, version, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT (account_id) DO NOTHING
		`), id, opening, ts, ts); err != nil {
			return err
		}
		return s.db.GetContext(ctx, &acct, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`), id)
	})
	if err != nil {
		return Account{}, fmt.Errorf("create account %s: %w", id, err)
	}
	return acct, nil
}

// GetAccount returns the durable balance of id.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	var acct Account
	err := s.withRetry(ctx, "get_account", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &acct, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`), id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return acct, nil
}

// ListAccounts returns up to limit accounts ordered by id, starting after the
// given id (keyset pagination; pass "" for the first page).
func (s *Store) ListAccounts(ctx context.Context, after string, limit int) ([]Account, error) {
	var accts []Account
	err := s.withRetry(ctx, "list_accounts", func(ctx context.Context) error {
		accts = accts[:0]
		return s.db.SelectContext(ctx, &accts, s.rebind(`
			SELECT `+accountColumns+` FROM accounts
			WHERE account_id > ?
			ORDER BY account_id
			LIMIT ?
		`), after, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accts, nil
}

// AccountsUpdatedSince returns accounts whose balance changed at or after since.
func (s *Store) AccountsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]Account, error) {
	var accts []Account
	err := s.withRetry(ctx, "accounts_updated_since", func(ctx context.Context) error {
		accts = accts[:0]
		return s.db.SelectContext(ctx, &accts, s.rebind(`
			SELECT `+accountColumns+` FROM accounts
			WHERE updated_at >= ?
			ORDER BY updated_at DESC
			LIMIT ?
		`), since.UTC(), limit)
	})
	if err != nil {
		return nil, fmt.Errorf("accounts updated since: %w", err)
	}
	return accts, nil
}

// SampleAccounts returns up to n randomly chosen accounts.
func (s *Store) SampleAccounts(ctx context.Context, n int) ([]Account, error) {
	var accts []Account
	err := s.withRetry(ctx, "sample_accounts", func(ctx context.Context) error {
		accts = accts[:0]
		return s.db.SelectContext(ctx, &accts, s.rebind(`
			SELECT `+accountColumns+` FROM accounts ORDER BY RANDOM() LIMIT ?
		`), n)
	})
	if err != nil {
		return nil, fmt.Errorf("sample accounts: %w", err)
	}
	return accts, nil
}

// ApplyCharge records c and adjusts the account balance in one transaction.
//
// The charge row is inserted first with ON CONFLICT DO NOTHING; if the
// operation id already exists nothing else happens and the original record is
// returned with Applied=false. This makes ApplyCharge safe to call any number
// of times for the same operation, including retries after an ambiguous
// commit.
//
// The balance is allowed to go negative.
func (s *Store) ApplyCharge(ctx context.Context, c Charge) (ChargeResult, error) {
	if c.OperationID == "" {
		return ChargeResult{}, fmt.Errorf("charge requires an operation id")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}

	var res ChargeResult
	err := s.withRetry(ctx, "apply_charge", func(ctx context.Context) error {
		r, err := s.applyChargeTx(ctx, c)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return ChargeResult{}, fmt.Errorf("apply charge %s: %w", c.OperationID, err)
	}
	return res, nil
}

func (s *Store) applyChargeTx(ctx context.Context, c Charge) (ChargeResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.GetContext(ctx, &exists, s.rebind(`SELECT 1 FROM accounts WHERE account_id = ?`), c.AccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ChargeResult{}, ErrAccountNotFound
	}
	if err != nil {
		return ChargeResult{}, fmt.Errorf("lookup account failed: %w", err)
	}

	ins, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO charges (operation_id, account_id, amount_micros, kind, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_id) DO NOTHING
	`), c.OperationID, c.AccountID, c.Amount, c.Kind, c.Description, c.CreatedAt)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("insert charge failed: %w", err)
	}
	inserted, err := ins.RowsAffected()
	if err != nil {
		return ChargeResult{}, err
	}

	if inserted == 0 {
		var existing Charge
		if err := tx.GetContext(ctx, &existing, s.rebind(`
			SELECT operation_id, account_id, amount_micros, kind, description, created_at
			FROM charges WHERE operation_id = ?
		`), c.OperationID); err != nil {
			return ChargeResult{}, fmt.Errorf("load existing charge failed: %w", err)
		}

		var acct Account
		if err := tx.GetContext(ctx, &acct, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`), existing.AccountID); err != nil {
			return ChargeResult{}, fmt.Errorf("load account failed: %w", err)
		}
		return ChargeResult{Applied: false, Account: acct, Charge: existing}, tx.Commit()
	}

	var acct Account
	err = tx.QueryRowxContext(ctx, s.rebind(`
		UPDATE accounts
		SET balance_micros = balance_micros - ?, version = version + 1, updated_at = ?
		WHERE account_id = ?
		RETURNING `+accountColumns),
		c.Amount, c.CreatedAt, c.AccountID).StructScan(&acct)
	if errors.Is(err, sql.ErrNoRows) {
		return ChargeResult{}, ErrAccountNotFound
	}
	if err != nil {
		return ChargeResult{}, fmt.Errorf("update balance failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ChargeResult{}, fmt.Errorf("commit failed: %w", err)
	}
	return ChargeResult{Applied: true, Account: acct, Charge: c}, nil
}

// GetCharge returns the charge recorded under operation id.
func (s *Store) GetCharge(ctx context.Context, operationID string) (Charge, error) {
	var c Charge
	err := s.withRetry(ctx, "get_charge", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &c, s.rebind(`
			SELECT operation_id, account_id, amount_micros, kind, description, created_at
			FROM charges WHERE operation_id = ?
		`), operationID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Charge{}, ErrChargeNotFound
	}
	if err != nil {
		return Charge{}, fmt.Errorf("get charge %s: %w", operationID, err)
	}
	return c, nil
}

// ListCharges returns the most recent charges of an account, newest first.
func (s *Store) ListCharges(ctx context.Context, accountID string, limit int) ([]Charge, error) {
	var charges []Charge
	err := s.withRetry(ctx, "list_charges", func(ctx context.Context) error {
		charges = charges[:0]
		return s.db.SelectContext(ctx, &charges, s.rebind(`
			SELECT operation_id, account_id, amount_micros, kind, description, created_at
			FROM charges
			WHERE account_id = ?
			ORDER BY created_at DESC, operation_id
			LIMIT ?
		`), accountID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list charges for %s: %w", accountID, err)
	}
	return charges, nil
}

// SumCharges returns the net total charged to an account.
func (s *Store) SumCharges(ctx context.Context, accountID string) (money.Amount, error) {
	var total sql.NullInt64
	err := s.withRetry(ctx, "sum_charges", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &total, s.rebind(`
			SELECT SUM(amount_micros) FROM charges WHERE account_id = ?
		`), accountID)
	})
	if err != nil {
		return 0, fmt.Errorf("sum charges for %s: %w", accountID, err)
	}
	return money.Amount(total.Int64), nil
}
