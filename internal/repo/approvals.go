package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cmdgate/internal/domain"
)

const approvalColumns = `id,command_id,requester_id,required_approvals,current_approvals,current_rejections,credit_cost,status,COALESCE(rejection_reason,''),created_at,expires_at,resolved_at,notified_at`

func scanApproval(row rowScanner) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var resolvedAt, notifiedAt sql.NullString
	err := row.Scan(&a.ID, &a.CommandID, &a.RequesterID, &a.RequiredApprovals, &a.CurrentApprovals, &a.CurrentRejections,
		&a.CreditCost, &a.Status, &a.RejectionReason, &a.CreatedAt, &a.ExpiresAt, &resolvedAt, &notifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalRequest{}, ErrNotFound
	}
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	a.ResolvedAt = stringPtr(resolvedAt)
	a.NotifiedAt = stringPtr(notifiedAt)
	return a, nil
}

func (r Repo) InsertApprovalRequest(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO approval_requests(id,command_id,requester_id,required_approvals,current_approvals,current_rejections,credit_cost,status,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CommandID, a.RequesterID, a.RequiredApprovals, a.CurrentApprovals, a.CurrentRejections, a.CreditCost, a.Status, a.CreatedAt, a.ExpiresAt)
	return err
}

func (r Repo) GetApprovalRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return scanApproval(r.on(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
}

func (r Repo) GetApprovalRequestByCommand(ctx context.Context, tx *sql.Tx, commandID string) (domain.ApprovalRequest, error) {
	return scanApproval(r.on(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE command_id=?`, commandID))
}

// IncrementApprovals bumps the tally of a request that is still pending and
// returns the new count.
func (r Repo) IncrementApprovals(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	return r.increment(ctx, tx, id, "current_approvals")
}

// IncrementRejections bumps the reject tally of a pending request.
func (r Repo) IncrementRejections(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	return r.increment(ctx, tx, id, "current_rejections")
}

func (r Repo) increment(ctx context.Context, tx *sql.Tx, id, column string) (int, error) {
	q := r.on(tx)
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE approval_requests SET %[1]s=%[1]s+1 WHERE id=? AND status=?`, column), id, domain.ApprovalPending)
	if err := expectOne(res, err); err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM approval_requests WHERE id=?`, column), id).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ResolveApprovalRequest performs the single terminal transition out of PENDING.
func (r Repo) ResolveApprovalRequest(ctx context.Context, tx *sql.Tx, id, status, reason, resolvedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE approval_requests SET status=?, rejection_reason=?, resolved_at=? WHERE id=? AND status=?`,
		status, nullable(reason), resolvedAt, id, domain.ApprovalPending)
	return expectOne(res, err)
}

// ListExpiredPending returns pending requests whose expiry is at or before now.
func (r Repo) ListExpiredPending(ctx context.Context, tx *sql.Tx, now string) ([]domain.ApprovalRequest, error) {
	return r.queryApprovals(ctx, tx, `SELECT `+approvalColumns+` FROM approval_requests WHERE status=? AND expires_at<=? ORDER BY expires_at, id`, domain.ApprovalPending, now)
}

// MarkNotified stamps notified_at the first time a notification went out.
func (r Repo) MarkNotified(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE approval_requests SET notified_at=? WHERE id=? AND notified_at IS NULL`, now, id)
	return err
}

type ApprovalFilters struct {
	Status      string
	RequesterID string
	Limit       int
}

func (r Repo) ListApprovalRequests(ctx context.Context, f ApprovalFilters) ([]domain.ApprovalRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	query := fmt.Sprintf(`SELECT %s FROM approval_requests WHERE %s ORDER BY created_at DESC, rowid DESC LIMIT ?`, approvalColumns, strings.Join(clauses, " AND "))
	args = append(args, normalizeLimit(f.Limit))
	return r.queryApprovals(ctx, nil, query, args...)
}

func (r Repo) queryApprovals(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.ApprovalRequest, error) {
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertVote stores a vote. The (request, admin) unique constraint rejects
// a second vote from the same admin.
func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.ApprovalVote) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO approval_votes(id,approval_request_id,admin_id,vote,comment,created_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.ApprovalRequestID, v.AdminID, v.Vote, nullable(v.Comment), v.CreatedAt)
	return err
}

func (r Repo) HasVoted(ctx context.Context, tx *sql.Tx, requestID, adminID string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT 1 FROM approval_votes WHERE approval_request_id=? AND admin_id=?`, requestID, adminID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CountVotes returns the number of distinct admins who voted vote on the request.
func (r Repo) CountVotes(ctx context.Context, tx *sql.Tx, requestID, vote string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(DISTINCT admin_id) FROM approval_votes WHERE approval_request_id=? AND vote=?`, requestID, vote).Scan(&n)
	return n, err
}

func (r Repo) ListVotes(ctx context.Context, requestID string) ([]domain.ApprovalVote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,approval_request_id,admin_id,vote,COALESCE(comment,''),created_at FROM approval_votes WHERE approval_request_id=? ORDER BY created_at, rowid`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalVote
	for rows.Next() {
		var v domain.ApprovalVote
		if err := rows.Scan(&v.ID, &v.ApprovalRequestID, &v.AdminID, &v.Vote, &v.Comment, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
