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
	"cmdgate/internal/domain"
	"cmdgate/internal/notify"
	"cmdgate/internal/repo"
)

const (
	msgInsufficientCredits = "Insufficient credits"
	msgNoMatchingRule      = "No matching rule and default policy is fail-closed"
)

func simulatedOutput(text string) string {
	return fmt.Sprintf("[SIMULATED] Command '%s' would execute here", text)
}

func simulatedApprovedOutput(text string) string {
	return fmt.Sprintf("[SIMULATED] Command '%s' approved and would execute here", text)
}

// decision is what the matcher resolved for one submission.
type decision struct {
	action string
	rule   *domain.Rule
	cost   int
}

func (d decision) metadata() audit.Metadata {
	m := audit.Metadata{"action": d.action, "cost": d.cost}
	if d.rule != nil {
		m["rule_id"] = d.rule.ID
		m["rule_pattern"] = d.rule.Pattern
		m["rule_seq"] = d.rule.Seq
	} else {
		m["default_policy"] = true
	}
	return m
}

// SubmitCommand runs one submission through the credit pre-check, the
// matcher and the branch its action selects. The returned command is always
// the persisted one; InsufficientCredits and NoMatchingRule come back as
// errors alongside it.
func (e Engine) SubmitCommand(ctx context.Context, userID, text string) (domain.Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Command{}, invalid("command_text", "command text is required")
	}
	cfg := e.config()
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return domain.Command{}, err
	}
	defer tx.Rollback()

	user, err := e.Auth.Actor(ctx, tx, userID)
	if err != nil {
		return domain.Command{}, err
	}
	now := e.now()
	cmd := domain.Command{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Text:      text,
		Status:    domain.CommandPending,
		CreatedAt: stamp(now),
	}

	if user.CreditBalance <= 0 {
		if err := e.Repo.InsertCommand(ctx, tx, cmd); err != nil {
			return domain.Command{}, fmt.Errorf("insert command: %w", err)
		}
		if err := e.failCommand(ctx, tx, &cmd, user.ID, msgInsufficientCredits, domain.KindInsufficientCredits,
			audit.Metadata{"stage": "credit_check", "balance": user.CreditBalance}); err != nil {
			return domain.Command{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Command{}, err
		}
		return cmd, fmt.Errorf("user %s: %w", user.Username, ErrInsufficientCredits)
	}

	set, err := e.ruleSet(ctx, tx)
	if err != nil {
		return domain.Command{}, err
	}
	d := decision{action: cfg.Policy.DefaultAction, cost: cfg.Policy.CommandCost}
	if rule, ok := set.Match(text); ok {
		d = decision{action: rule.Action, rule: &rule, cost: rule.Cost}
		cmd.MatchedRuleID = &rule.ID
	}
	if err := e.Repo.InsertCommand(ctx, tx, cmd); err != nil {
		return domain.Command{}, fmt.Errorf("insert command: %w", err)
	}

	var (
		resultErr error
		event     *notify.Event
	)
	switch d.action {
	case domain.ActionAutoAccept:
		var debited bool
		debited, err = e.executeCommand(ctx, tx, &cmd, user.ID, d.cost, simulatedOutput(text), d.metadata())
		if err == nil && !debited {
			resultErr = fmt.Errorf("user %s: %w", user.Username, ErrInsufficientCredits)
		}
	case domain.ActionAutoReject:
		msg := "Command rejected by default policy"
		if d.rule != nil {
			msg = fmt.Sprintf("Command rejected by rule: %s", d.rule.Pattern)
		}
		err = e.rejectCommand(ctx, tx, &cmd, user.ID, domain.CommandPending, msg, domain.KindRuleRejected, d.metadata())
	case domain.ActionNeedsApproval:
		event, err = e.openApproval(ctx, tx, &cmd, user, d, now)
	case config.DefaultFailClosed:
		err = e.rejectCommand(ctx, tx, &cmd, user.ID, domain.CommandPending, msgNoMatchingRule, domain.KindNoMatchingRule, d.metadata())
		resultErr = ErrNoMatchingRule
	default:
		err = fmt.Errorf("unknown action %q", d.action)
	}
	if err != nil {
		return domain.Command{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Command{}, err
	}
	if event != nil {
		e.publish(*event)
	}
	return cmd, resultErr
}

// executeCommand debits cost and marks cmd EXECUTED, or FAILED with
// InsufficientCredits when the debit is refused. It reports whether the
// debit went through; an error means the tx must be abandoned.
func (e Engine) executeCommand(ctx context.Context, tx *sql.Tx, cmd *domain.Command, actorID string, cost int, output string, meta audit.Metadata) (bool, error) {
	from := cmd.Status
	err := e.Ledger.TryDebit(ctx, tx, cmd.UserID, cost)
	if errors.Is(err, ErrInsufficientCredits) {
		meta["stage"] = "debit"
		if err := e.transitionCommand(ctx, tx, cmd, from, actorID, audit.CommandFailed, func(c *domain.Command) {
			c.Status = domain.CommandFailed
			c.ErrorMessage = msgInsufficientCredits
			c.ErrorKind = domain.KindInsufficientCredits
		}, meta); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	executedAt := stamp(e.now())
	if err := e.transitionCommand(ctx, tx, cmd, from, actorID, audit.CommandExecuted, func(c *domain.Command) {
		c.Status = domain.CommandExecuted
		c.CreditsUsed = cost
		c.Output = output
		c.ExecutedAt = &executedAt
	}, meta); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) rejectCommand(ctx context.Context, tx *sql.Tx, cmd *domain.Command, actorID, from, msg, kind string, meta audit.Metadata) error {
	return e.transitionCommand(ctx, tx, cmd, from, actorID, audit.CommandRejected, func(c *domain.Command) {
		c.Status = domain.CommandRejected
		c.ErrorMessage = msg
		c.ErrorKind = kind
	}, meta)
}

func (e Engine) failCommand(ctx context.Context, tx *sql.Tx, cmd *domain.Command, actorID, msg, kind string, meta audit.Metadata) error {
	return e.transitionCommand(ctx, tx, cmd, cmd.Status, actorID, audit.CommandFailed, func(c *domain.Command) {
		c.Status = domain.CommandFailed
		c.ErrorMessage = msg
		c.ErrorKind = kind
	}, meta)
}

// transitionCommand applies mutate to cmd, persists it guarded on from and
// records exactly one audit entry for the transition.
func (e Engine) transitionCommand(ctx context.Context, tx *sql.Tx, cmd *domain.Command, from, actorID, actionType string, mutate func(*domain.Command), meta audit.Metadata) error {
	old := *cmd
	mutate(cmd)
	if err := e.Repo.TransitionCommand(ctx, tx, from, *cmd); err != nil {
		return err
	}
	return e.record(ctx, tx, audit.Entry{
		ActorID:      actorID,
		ActionType:   actionType,
		ResourceType: "command",
		ResourceID:   cmd.ID,
		Old:          commandSnapshot(old),
		New:          commandSnapshot(*cmd),
		Metadata:     meta,
		ErrorKind:    cmd.ErrorKind,
	})
}

func commandSnapshot(c domain.Command) map[string]any {
	snap := map[string]any{"status": c.Status, "command_text": c.Text, "credits_used": c.CreditsUsed}
	if c.ErrorMessage != "" {
		snap["error_message"] = c.ErrorMessage
	}
	return snap
}

// openApproval holds cmd behind a new approval request and returns the
// notification to publish once the transaction commits.
// expiresAt rounds the end of the window up to a whole second, since stored
// timestamps drop the fraction and a request must never close early.
func expiresAt(now time.Time, window time.Duration) time.Time {
	end := now.Add(window)
	if whole := end.Truncate(time.Second); !whole.Equal(end) {
		return whole.Add(time.Second)
	}
	return end
}

func (e Engine) openApproval(ctx context.Context, tx *sql.Tx, cmd *domain.Command, requester domain.User, d decision, now time.Time) (*notify.Event, error) {
	cfg := e.config()
	required := cfg.Policy.TierThresholds.For(requester.Tier)
	if d.rule != nil {
		required = d.rule.RequiredApprovals(requester.Tier)
	}
	if required < 1 {
		required = 1
	}
	req := domain.ApprovalRequest{
		ID:                uuid.NewString(),
		CommandID:         cmd.ID,
		RequesterID:       requester.ID,
		RequiredApprovals: required,
		CreditCost:        d.cost,
		Status:            domain.ApprovalPending,
		CreatedAt:         stamp(now),
		ExpiresAt:         stamp(expiresAt(now, cfg.Policy.ApprovalWindow.Duration)),
	}
	if err := e.Repo.InsertApprovalRequest(ctx, tx, req); err != nil {
		return nil, fmt.Errorf("insert approval request: %w", err)
	}
	meta := d.metadata()
	meta["approval_request_id"] = req.ID
	meta["required_approvals"] = required
	meta["expires_at"] = req.ExpiresAt
	meta["requester_tier"] = requester.Tier
	if err := e.transitionCommand(ctx, tx, cmd, domain.CommandPending, requester.ID, audit.CommandPendingApproval, func(c *domain.Command) {
		c.Status = domain.CommandNeedsApproval
	}, meta); err != nil {
		return nil, err
	}
	admins, err := e.Repo.ListActiveAdmins(ctx, tx)
	if err != nil {
		return nil, err
	}
	var recipients []string
	for _, a := range admins {
		if a.ID != requester.ID {
			recipients = append(recipients, a.ID)
		}
	}
	return &notify.Event{
		Type:        notify.ApprovalRequested,
		RequestID:   req.ID,
		CommandID:   cmd.ID,
		RequesterID: requester.ID,
		Recipients:  recipients,
		OccurredAt:  req.CreatedAt,
		Payload: map[string]any{
			"command_text":       cmd.Text,
			"requester":          requester.Username,
			"required_approvals": required,
			"expires_at":         req.ExpiresAt,
		},
	}, nil
}

// GetCommand returns a command visible to the viewer.
func (e Engine) GetCommand(ctx context.Context, viewerID, id string) (domain.Command, error) {
	cmd, err := e.Repo.GetCommand(ctx, nil, id)
	if err != nil {
		return domain.Command{}, err
	}
	if _, err := e.Auth.RequireSelfOrAdmin(ctx, nil, viewerID, cmd.UserID); err != nil {
		return domain.Command{}, err
	}
	return cmd, nil
}

// ListCommands lists the viewer's commands, or everyone's when all is set
// and the viewer is an admin.
func (e Engine) ListCommands(ctx context.Context, viewerID string, all bool, status string, limit int) ([]domain.Command, error) {
	viewer, err := e.Auth.Actor(ctx, nil, viewerID)
	if err != nil {
		return nil, err
	}
	f := repo.CommandFilters{UserID: viewer.ID, Status: strings.ToUpper(status), Limit: limit}
	if all {
		if !viewer.IsAdmin() {
			return nil, UnauthorizedError{Reason: "admin role required to list all commands"}
		}
		f.UserID = ""
	}
	return e.Repo.ListCommands(ctx, f)
}
