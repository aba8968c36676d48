package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cmdgate/internal/audit"
	"cmdgate/internal/config"
	"cmdgate/internal/db"
	"cmdgate/internal/domain"
	"cmdgate/internal/notify"
	"cmdgate/internal/repo"
)

const msgApprovalExpired = "Approval request expired"

// CastVote records one admin vote and applies any transition it triggers.
// Reaching quorum executes the held command inside the same transaction.
func (e Engine) CastVote(ctx context.Context, adminID, requestID, vote, comment string) (domain.ApprovalRequest, error) {
	vote = strings.ToUpper(strings.TrimSpace(vote))
	if vote != domain.VoteApprove && vote != domain.VoteReject {
		return domain.ApprovalRequest{}, invalid("vote", "must be %s or %s", domain.VoteApprove, domain.VoteReject)
	}
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	admin, err := e.Auth.RequireAdmin(ctx, tx, adminID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	req, err := e.Repo.GetApprovalRequest(ctx, tx, requestID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if req.RequesterID == admin.ID {
		return domain.ApprovalRequest{}, UnauthorizedError{Reason: "self-approval is not allowed"}
	}
	voted, err := e.Repo.HasVoted(ctx, tx, req.ID, admin.ID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if voted {
		return domain.ApprovalRequest{}, ErrDuplicateVote
	}
	if req.Status != domain.ApprovalPending {
		return req, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrRequestAlreadyResolved)
	}
	now := e.now()
	if !now.Before(e.expiry(req)) {
		evt, err := e.expireRequest(ctx, tx, &req, now, audit.Metadata{"trigger": "vote", "voter_id": admin.ID})
		if err != nil {
			return domain.ApprovalRequest{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ApprovalRequest{}, err
		}
		e.publish(evt)
		return req, fmt.Errorf("request %s expired at %s: %w", req.ID, req.ExpiresAt, ErrExpiredApprovalRequest)
	}

	v := domain.ApprovalVote{
		ID:                uuid.NewString(),
		ApprovalRequestID: req.ID,
		AdminID:           admin.ID,
		Vote:              vote,
		Comment:           strings.TrimSpace(comment),
		CreatedAt:         stamp(now),
	}
	if err := e.Repo.InsertVote(ctx, tx, v); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.ApprovalRequest{}, ErrDuplicateVote
		}
		return domain.ApprovalRequest{}, fmt.Errorf("insert vote: %w", err)
	}

	var evt *notify.Event
	switch vote {
	case domain.VoteApprove:
		evt, err = e.applyApprove(ctx, tx, &req, admin, v, now)
	case domain.VoteReject:
		evt, err = e.applyReject(ctx, tx, &req, admin, v, now)
	}
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	req, err = e.Repo.GetApprovalRequest(ctx, tx, req.ID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if evt != nil {
		e.publish(*evt)
	}
	return req, nil
}

func (e Engine) recordVote(ctx context.Context, tx *sql.Tx, req domain.ApprovalRequest, v domain.ApprovalVote, approvals, rejections int) error {
	return e.record(ctx, tx, audit.Entry{
		ActorID:      v.AdminID,
		ActionType:   audit.VoteCast,
		ResourceType: "approval_request",
		ResourceID:   req.ID,
		New:          map[string]any{"vote": v.Vote, "comment": v.Comment},
		Metadata: audit.Metadata{
			"vote_id":            v.ID,
			"command_id":         req.CommandID,
			"current_approvals":  approvals,
			"current_rejections": rejections,
			"required_approvals": req.RequiredApprovals,
		},
	})
}

func (e Engine) applyApprove(ctx context.Context, tx *sql.Tx, req *domain.ApprovalRequest, admin domain.User, v domain.ApprovalVote, now time.Time) (*notify.Event, error) {
	approvals, err := e.Repo.IncrementApprovals(ctx, tx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("count approval: %w", err)
	}
	if err := e.recordVote(ctx, tx, *req, v, approvals, req.CurrentRejections); err != nil {
		return nil, err
	}
	req.CurrentApprovals = approvals
	if approvals < req.RequiredApprovals {
		return nil, nil
	}
	if err := e.resolve(ctx, tx, req, admin.ID, domain.ApprovalApproved, "", audit.ApprovalApproved, now, nil); err != nil {
		return nil, err
	}
	cmd, err := e.Repo.GetCommand(ctx, tx, req.CommandID)
	if err != nil {
		return nil, err
	}
	meta := audit.Metadata{"approval_request_id": req.ID, "cost": req.CreditCost, "current_approvals": approvals}
	if _, err := e.executeCommand(ctx, tx, &cmd, admin.ID, req.CreditCost, simulatedApprovedOutput(cmd.Text), meta); err != nil {
		return nil, err
	}
	evt := e.decisionEvent(notify.ApprovalApproved, *req, now)
	evt.Payload["command_status"] = cmd.Status
	if cmd.ErrorMessage != "" {
		evt.Payload["error_message"] = cmd.ErrorMessage
	}
	return &evt, nil
}

func (e Engine) applyReject(ctx context.Context, tx *sql.Tx, req *domain.ApprovalRequest, admin domain.User, v domain.ApprovalVote, now time.Time) (*notify.Event, error) {
	rejections, err := e.Repo.IncrementRejections(ctx, tx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("count rejection: %w", err)
	}
	if err := e.recordVote(ctx, tx, *req, v, req.CurrentApprovals, rejections); err != nil {
		return nil, err
	}
	req.CurrentRejections = rejections
	if e.config().Policy.RejectionMode == config.RejectQuorum && rejections < req.RequiredApprovals {
		return nil, nil
	}
	reason := v.Comment
	if reason == "" {
		reason = fmt.Sprintf("Rejected by %s", admin.Username)
	}
	if err := e.resolve(ctx, tx, req, admin.ID, domain.ApprovalRejected, reason, audit.ApprovalRejected, now, nil); err != nil {
		return nil, err
	}
	cmd, err := e.Repo.GetCommand(ctx, tx, req.CommandID)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Approval rejected by %s", admin.Username)
	if err := e.rejectCommand(ctx, tx, &cmd, admin.ID, domain.CommandNeedsApproval, msg, domain.KindApprovalRejected,
		audit.Metadata{"approval_request_id": req.ID, "reason": reason}); err != nil {
		return nil, err
	}
	evt := e.decisionEvent(notify.ApprovalRejected, *req, now)
	evt.Payload["reason"] = reason
	return &evt, nil
}

// resolve performs the terminal transition of req and records it.
func (e Engine) resolve(ctx context.Context, tx *sql.Tx, req *domain.ApprovalRequest, actorID, status, reason, actionType string, now time.Time, extra audit.Metadata) error {
	resolvedAt := stamp(now)
	if err := e.Repo.ResolveApprovalRequest(ctx, tx, req.ID, status, reason, resolvedAt); err != nil {
		if errors.Is(err, repo.ErrStaleState) {
			return fmt.Errorf("request %s: %w", req.ID, ErrRequestAlreadyResolved)
		}
		return err
	}
	old := req.Status
	req.Status = status
	req.RejectionReason = reason
	req.ResolvedAt = &resolvedAt
	meta := audit.Metadata{
		"command_id":         req.CommandID,
		"current_approvals":  req.CurrentApprovals,
		"current_rejections": req.CurrentRejections,
		"required_approvals": req.RequiredApprovals,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	for k, v := range extra {
		meta[k] = v
	}
	var kind string
	if status == domain.ApprovalExpired {
		kind = domain.KindExpiredApprovalRequest
	}
	return e.record(ctx, tx, audit.Entry{
		ActorID:      actorID,
		ActionType:   actionType,
		ResourceType: "approval_request",
		ResourceID:   req.ID,
		Old:          map[string]any{"status": old},
		New:          map[string]any{"status": status},
		Metadata:     meta,
		ErrorKind:    kind,
	})
}

// expireRequest moves a pending request to EXPIRED and fails its command.
// Expiry is always attributed to the system actor; trigger says which path
// noticed it.
func (e Engine) expireRequest(ctx context.Context, tx *sql.Tx, req *domain.ApprovalRequest, now time.Time, trigger audit.Metadata) (notify.Event, error) {
	if err := e.resolve(ctx, tx, req, audit.SystemActor, domain.ApprovalExpired, "", audit.ApprovalExpired, now, trigger); err != nil {
		return notify.Event{}, err
	}
	cmd, err := e.Repo.GetCommand(ctx, tx, req.CommandID)
	if err != nil {
		return notify.Event{}, err
	}
	if cmd.Status == domain.CommandNeedsApproval {
		meta := audit.Metadata{"approval_request_id": req.ID, "expires_at": req.ExpiresAt}
		for k, v := range trigger {
			meta[k] = v
		}
		if err := e.failCommand(ctx, tx, &cmd, audit.SystemActor, msgApprovalExpired, domain.KindExpiredApprovalRequest, meta); err != nil {
			return notify.Event{}, err
		}
	}
	return e.decisionEvent(notify.ApprovalExpired, *req, now), nil
}

func (e Engine) decisionEvent(typ string, req domain.ApprovalRequest, now time.Time) notify.Event {
	return notify.Event{
		Type:        typ,
		RequestID:   req.ID,
		CommandID:   req.CommandID,
		RequesterID: req.RequesterID,
		Recipients:  []string{req.RequesterID},
		OccurredAt:  stamp(now),
		Payload: map[string]any{
			"status":             req.Status,
			"current_approvals":  req.CurrentApprovals,
			"required_approvals": req.RequiredApprovals,
		},
	}
}

func (e Engine) expiry(req domain.ApprovalRequest) time.Time {
	t, err := time.Parse(domain.TimeLayout, req.ExpiresAt)
	if err != nil {
		e.Log.Warn().Str("request_id", req.ID).Str("expires_at", req.ExpiresAt).Msg("unparseable expiry; treating request as expired")
		return time.Time{}
	}
	return t
}

// SweepExpiredApprovals expires every pending request whose window closed
// at or before now and returns the transitioned requests.
func (e Engine) SweepExpiredApprovals(ctx context.Context, now time.Time) ([]domain.ApprovalRequest, error) {
	now = now.UTC()
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	due, err := e.Repo.ListExpiredPending(ctx, tx, stamp(now))
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	expired := make([]domain.ApprovalRequest, 0, len(due))
	events := make([]notify.Event, 0, len(due))
	for _, req := range due {
		evt, err := e.expireRequest(ctx, tx, &req, now, audit.Metadata{"trigger": "sweep"})
		if err != nil {
			return nil, fmt.Errorf("expire %s: %w", req.ID, err)
		}
		expired = append(expired, req)
		events = append(events, evt)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, evt := range events {
		e.publish(evt)
	}
	return expired, nil
}

// GetApproval returns a request visible to the viewer. A pending request
// past its expiry is expired on the way out.
func (e Engine) GetApproval(ctx context.Context, viewerID, id string) (domain.ApprovalRequest, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetApprovalRequest(ctx, tx, id)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if _, err := e.Auth.RequireSelfOrAdmin(ctx, tx, viewerID, req.RequesterID); err != nil {
		return domain.ApprovalRequest{}, err
	}
	var evt *notify.Event
	now := e.now()
	if req.Status == domain.ApprovalPending && !now.Before(e.expiry(req)) {
		ev, err := e.expireRequest(ctx, tx, &req, now, audit.Metadata{"trigger": "read"})
		if err != nil {
			return domain.ApprovalRequest{}, err
		}
		evt = &ev
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if evt != nil {
		e.publish(*evt)
	}
	return req, nil
}

// ListApprovals lists requests. Members only see their own.
func (e Engine) ListApprovals(ctx context.Context, viewerID string, f repo.ApprovalFilters) ([]domain.ApprovalRequest, error) {
	viewer, err := e.Auth.Actor(ctx, nil, viewerID)
	if err != nil {
		return nil, err
	}
	if !viewer.IsAdmin() {
		if f.RequesterID != "" && f.RequesterID != viewer.ID {
			return nil, UnauthorizedError{Reason: "admin role required to list other users' requests"}
		}
		f.RequesterID = viewer.ID
	}
	f.Status = strings.ToUpper(f.Status)
	return e.Repo.ListApprovalRequests(ctx, f)
}

// ListVotes returns the votes cast on a request visible to the viewer.
func (e Engine) ListVotes(ctx context.Context, viewerID, requestID string) ([]domain.ApprovalVote, error) {
	req, err := e.Repo.GetApprovalRequest(ctx, nil, requestID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Auth.RequireSelfOrAdmin(ctx, nil, viewerID, req.RequesterID); err != nil {
		return nil, err
	}
	return e.Repo.ListVotes(ctx, req.ID)
}
