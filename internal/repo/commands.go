package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cmdgate/internal/domain"
)

const commandColumns = `id,user_id,command_text,status,matched_rule_id,credits_used,COALESCE(output,''),COALESCE(error_message,''),COALESCE(error_kind,''),created_at,executed_at`

func scanCommand(row rowScanner) (domain.Command, error) {
	var c domain.Command
	var ruleID, executedAt sql.NullString
	err := row.Scan(&c.ID, &c.UserID, &c.Text, &c.Status, &ruleID, &c.CreditsUsed, &c.Output, &c.ErrorMessage, &c.ErrorKind, &c.CreatedAt, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Command{}, ErrNotFound
	}
	if err != nil {
		return domain.Command{}, err
	}
	c.MatchedRuleID = stringPtr(ruleID)
	c.ExecutedAt = stringPtr(executedAt)
	return c, nil
}

func (r Repo) InsertCommand(ctx context.Context, tx *sql.Tx, c domain.Command) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO commands(id,user_id,command_text,status,matched_rule_id,credits_used,output,error_message,error_kind,created_at,executed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.Text, c.Status, nullableStringPtr(c.MatchedRuleID), c.CreditsUsed,
		nullable(c.Output), nullable(c.ErrorMessage), nullable(c.ErrorKind), c.CreatedAt, nullableStringPtr(c.ExecutedAt))
	return err
}

// TransitionCommand moves a command out of status from, writing the outcome
// columns of c. It fails with ErrStaleState if the command already moved,
// which keeps every terminal status write-once.
func (r Repo) TransitionCommand(ctx context.Context, tx *sql.Tx, from string, c domain.Command) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE commands SET status=?,credits_used=?,output=?,error_message=?,error_kind=?,executed_at=? WHERE id=? AND status=?`,
		c.Status, c.CreditsUsed, nullable(c.Output), nullable(c.ErrorMessage), nullable(c.ErrorKind), nullableStringPtr(c.ExecutedAt), c.ID, from)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrStaleState) {
			return fmt.Errorf("command %s not in status %s: %w", c.ID, from, err)
		}
		return err
	}
	return nil
}

func (r Repo) GetCommand(ctx context.Context, tx *sql.Tx, id string) (domain.Command, error) {
	return scanCommand(r.on(tx).QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id=?`, id))
}

type CommandFilters struct {
	UserID string
	Status string
	Limit  int
}

// ListCommands returns the most recent commands first.
func (r Repo) ListCommands(ctx context.Context, f CommandFilters) ([]domain.Command, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM commands WHERE %s ORDER BY created_at DESC, rowid DESC LIMIT ?`, commandColumns, strings.Join(clauses, " AND "))
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
