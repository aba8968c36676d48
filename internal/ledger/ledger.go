// Package ledger owns every mutation of a user's credit balance.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrInsufficientCredits is returned when a debit would take a balance below zero.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrUnknownUser is returned when the target user row does not exist.
var ErrUnknownUser = errors.New("unknown user")

// Ledger debits and credits balances inside the caller's transaction, so a
// debit commits or rolls back together with the command status it pays for.
type Ledger struct{}

// TryDebit atomically checks balance >= amount and decrements it. A failed
// check leaves the row untouched and returns ErrInsufficientCredits.
func (Ledger) TryDebit(ctx context.Context, tx *sql.Tx, userID string, amount int) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be >= 0, got %d", amount)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET credit_balance = credit_balance - ? WHERE id=? AND credit_balance >= ?`,
		amount, userID, amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=?`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownUser
	}
	if err != nil {
		return err
	}
	return ErrInsufficientCredits
}

// Credit adds amount to the user's balance.
func (Ledger) Credit(ctx context.Context, tx *sql.Tx, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be > 0, got %d", amount)
	}
	res, err := tx.ExecContext(ctx, `UPDATE users SET credit_balance = credit_balance + ? WHERE id=?`, amount, userID)
	if err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrUnknownUser
	}
	return nil
}

// Balance reads the current balance within tx.
func (Ledger) Balance(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	var bal int
	err := tx.QueryRowContext(ctx, `SELECT credit_balance FROM users WHERE id=?`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownUser
	}
	return bal, err
}
