package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"cmdgate/internal/audit"
	"cmdgate/internal/db"
	"cmdgate/internal/domain"
	"cmdgate/internal/matcher"
)

const ruleSeqStep = 10

// DefaultRules is the rule set installed for a fresh workspace.
var DefaultRules = []RuleCreateOptions{
	{Pattern: `:\(\)\{\s*:\|:&\s*\};:`, Action: domain.ActionAutoReject, Description: "Block fork bomb"},
	{Pattern: `rm\s+-rf\s+/`, Action: domain.ActionAutoReject, Description: "Block recursive root deletion"},
	{Pattern: `mkfs\.`, Action: domain.ActionAutoReject, Description: "Block filesystem formatting"},
	{Pattern: `git\s+`, Action: domain.ActionAutoReject, Description: "Block all git commands"},
	{Pattern: `^(ls|cat|pwd|echo)(\s|$)`, Action: domain.ActionAutoAccept, Description: "Allow basic read-only commands"},
}

// RuleCreateOptions are parameters for creating a rule. Seq zero appends the
// rule after the current last one.
type RuleCreateOptions struct {
	Pattern           string
	Action            string
	Description       string
	Seq               int
	ApprovalThreshold *int
	TierThresholds    *domain.TierThresholds
	Cost              *int
	ActorID           string
}

// RuleUpdateOptions encapsulates allowed rule updates. Nil fields are left
// unchanged.
type RuleUpdateOptions struct {
	ID                string
	Pattern           *string
	Action            *string
	Description       *string
	Seq               *int
	ApprovalThreshold *int
	ClearThreshold    bool
	TierThresholds    *domain.TierThresholds
	Cost              *int
	Active            *bool
	ActorID           string
}

// RuleChange is the outcome of a rule mutation: the rule as stored and the
// conflict set recomputed alongside it.
type RuleChange struct {
	Rule      domain.Rule           `json:"rule"`
	Conflicts []domain.RuleConflict `json:"conflicts"`
}

func (e Engine) validateRule(rl domain.Rule) error {
	if strings.TrimSpace(rl.Pattern) == "" {
		return invalid("pattern", "pattern is required")
	}
	if !domain.ValidAction(rl.Action) {
		return invalid("action", "unknown action %q", rl.Action)
	}
	if rl.Cost < 0 {
		return invalid("cost", "must be >= 0")
	}
	if rl.Seq < 0 {
		return invalid("seq", "must be >= 0")
	}
	if rl.ApprovalThreshold != nil && *rl.ApprovalThreshold < 1 {
		return invalid("approval_threshold", "must be >= 1")
	}
	if err := rl.TierThresholds.Validate(); err != nil {
		return invalid("tier_thresholds", "%s", err.Error())
	}
	if _, err := matcher.CompilePattern(rl.Pattern, e.config().Policy.CaseInsensitive); err != nil {
		return InvalidPatternError{RuleID: rl.ID, Pattern: rl.Pattern, Err: err}
	}
	return nil
}

func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (RuleChange, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return RuleChange{}, err
	}
	defer tx.Rollback()

	admin, err := e.Auth.RequireAdmin(ctx, tx, opts.ActorID)
	if err != nil {
		return RuleChange{}, err
	}
	rl, err := e.insertRule(ctx, tx, admin.ID, opts)
	if err != nil {
		return RuleChange{}, err
	}
	conflicts, err := e.refreshConflicts(ctx, tx, admin.ID, rl.ID)
	if err != nil {
		return RuleChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return RuleChange{}, err
	}
	return RuleChange{Rule: rl, Conflicts: conflicts}, nil
}

func (e Engine) insertRule(ctx context.Context, tx *sql.Tx, actorID string, opts RuleCreateOptions) (domain.Rule, error) {
	cfg := e.config()
	now := stamp(e.now())
	rl := domain.Rule{
		ID:                uuid.NewString(),
		Seq:               opts.Seq,
		Pattern:           opts.Pattern,
		Action:            strings.ToUpper(strings.TrimSpace(opts.Action)),
		Description:       strings.TrimSpace(opts.Description),
		ApprovalThreshold: opts.ApprovalThreshold,
		TierThresholds:    cfg.Policy.TierThresholds,
		Cost:              cfg.Policy.CommandCost,
		Active:            true,
		CreatedBy:         actorID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if opts.TierThresholds != nil {
		rl.TierThresholds = *opts.TierThresholds
	}
	if opts.Cost != nil {
		rl.Cost = *opts.Cost
	}
	if err := e.validateRule(rl); err != nil {
		return domain.Rule{}, err
	}
	if rl.Seq == 0 {
		seq, err := e.Repo.NextRuleSeq(ctx, tx, ruleSeqStep)
		if err != nil {
			return domain.Rule{}, err
		}
		rl.Seq = seq
	}
	if err := e.Repo.InsertRule(ctx, tx, rl); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.Rule{}, fmt.Errorf("rule seq %d: %w", rl.Seq, ErrAlreadyExists)
		}
		return domain.Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := e.record(ctx, tx, audit.Entry{
		ActorID:      actorID,
		ActionType:   audit.RuleCreated,
		ResourceType: "rule",
		ResourceID:   rl.ID,
		New:          rl,
	}); err != nil {
		return domain.Rule{}, err
	}
	return rl, nil
}

func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (RuleChange, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return RuleChange{}, err
	}
	defer tx.Rollback()

	admin, err := e.Auth.RequireAdmin(ctx, tx, opts.ActorID)
	if err != nil {
		return RuleChange{}, err
	}
	rl, err := e.Repo.GetRule(ctx, tx, opts.ID)
	if err != nil {
		return RuleChange{}, err
	}
	original := rl
	if opts.Pattern != nil {
		rl.Pattern = *opts.Pattern
	}
	if opts.Action != nil {
		rl.Action = strings.ToUpper(strings.TrimSpace(*opts.Action))
	}
	if opts.Description != nil {
		rl.Description = strings.TrimSpace(*opts.Description)
	}
	if opts.Seq != nil {
		rl.Seq = *opts.Seq
	}
	if opts.ClearThreshold {
		rl.ApprovalThreshold = nil
	} else if opts.ApprovalThreshold != nil {
		rl.ApprovalThreshold = opts.ApprovalThreshold
	}
	if opts.TierThresholds != nil {
		rl.TierThresholds = *opts.TierThresholds
	}
	if opts.Cost != nil {
		rl.Cost = *opts.Cost
	}
	if opts.Active != nil {
		rl.Active = *opts.Active
	}
	if err := e.validateRule(rl); err != nil {
		return RuleChange{}, err
	}
	rl.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateRule(ctx, tx, rl); err != nil {
		if db.IsUniqueViolation(err) {
			return RuleChange{}, fmt.Errorf("rule seq %d: %w", rl.Seq, ErrAlreadyExists)
		}
		return RuleChange{}, err
	}
	if err := e.record(ctx, tx, audit.Entry{
		ActorID:      admin.ID,
		ActionType:   audit.RuleUpdated,
		ResourceType: "rule",
		ResourceID:   rl.ID,
		Old:          original,
		New:          rl,
	}); err != nil {
		return RuleChange{}, err
	}
	conflicts, err := e.refreshConflicts(ctx, tx, admin.ID, rl.ID)
	if err != nil {
		return RuleChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return RuleChange{}, err
	}
	e.Rules.Invalidate(rl.ID)
	return RuleChange{Rule: rl, Conflicts: conflicts}, nil
}

// DeleteRule deactivates a rule. Rules stay in storage so commands and audit
// entries that reference them keep resolving.
func (e Engine) DeleteRule(ctx context.Context, actorID, id string) (RuleChange, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return RuleChange{}, err
	}
	defer tx.Rollback()

	admin, err := e.Auth.RequireAdmin(ctx, tx, actorID)
	if err != nil {
		return RuleChange{}, err
	}
	rl, err := e.Repo.GetRule(ctx, tx, id)
	if err != nil {
		return RuleChange{}, err
	}
	original := rl
	rl.Active = false
	rl.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateRule(ctx, tx, rl); err != nil {
		return RuleChange{}, err
	}
	if err := e.record(ctx, tx, audit.Entry{
		ActorID:      admin.ID,
		ActionType:   audit.RuleDeleted,
		ResourceType: "rule",
		ResourceID:   rl.ID,
		Old:          original,
		New:          rl,
	}); err != nil {
		return RuleChange{}, err
	}
	conflicts, err := e.refreshConflicts(ctx, tx, admin.ID, rl.ID)
	if err != nil {
		return RuleChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return RuleChange{}, err
	}
	e.Rules.Invalidate(rl.ID)
	return RuleChange{Rule: rl, Conflicts: conflicts}, nil
}

// refreshConflicts recomputes the conflict set over the active rules and
// stores it in tx. A non-empty result is audited against the rule that
// triggered the recomputation.
func (e Engine) refreshConflicts(ctx context.Context, tx *sql.Tx, actorID, ruleID string) ([]domain.RuleConflict, error) {
	set, err := e.ruleSet(ctx, tx)
	if err != nil {
		return nil, err
	}
	found := matcher.DetectConflicts(set)
	now := stamp(e.now())
	conflicts := make([]domain.RuleConflict, 0, len(found))
	pairs := make([]map[string]any, 0, len(found))
	for _, c := range found {
		conflicts = append(conflicts, domain.RuleConflict{
			ID:           uuid.NewString(),
			RuleID1:      c.First.ID,
			RuleID2:      c.Second.ID,
			ConflictType: c.Type,
			Severity:     c.Severity,
			TestCase:     c.TestCase,
			DetectedAt:   now,
		})
		pairs = append(pairs, map[string]any{
			"rule_1":    c.First.Pattern,
			"rule_2":    c.Second.Pattern,
			"type":      c.Type,
			"test_case": c.TestCase,
		})
	}
	if err := e.Repo.ReplaceConflicts(ctx, tx, conflicts); err != nil {
		return nil, fmt.Errorf("store conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		return conflicts, nil
	}
	if err := e.record(ctx, tx, audit.Entry{
		ActorID:      actorID,
		ActionType:   audit.RuleConflictsDetected,
		ResourceType: "rule",
		ResourceID:   ruleID,
		Metadata:     audit.Metadata{"count": len(conflicts), "conflicts": pairs},
	}); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// SeedDefaultRules installs DefaultRules, skipping any pattern that already
// has a rule. It returns the rules it created.
func (e Engine) SeedDefaultRules(ctx context.Context, actorID string) ([]domain.Rule, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	admin, err := e.Auth.RequireAdmin(ctx, tx, actorID)
	if err != nil {
		return nil, err
	}
	created, err := e.seedRules(ctx, tx, admin.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (e Engine) seedRules(ctx context.Context, tx *sql.Tx, actorID string) ([]domain.Rule, error) {
	existing, err := e.Repo.ListRules(ctx, tx, false)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, rl := range existing {
		have[rl.Pattern] = true
	}
	var created []domain.Rule
	for _, opts := range DefaultRules {
		if have[opts.Pattern] {
			continue
		}
		rl, err := e.insertRule(ctx, tx, actorID, opts)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", opts.Pattern, err)
		}
		created = append(created, rl)
	}
	if len(created) > 0 {
		if _, err := e.refreshConflicts(ctx, tx, actorID, created[len(created)-1].ID); err != nil {
			return nil, err
		}
	}
	return created, nil
}

func (e Engine) GetRule(ctx context.Context, viewerID, id string) (domain.Rule, error) {
	if _, err := e.Auth.Actor(ctx, nil, viewerID); err != nil {
		return domain.Rule{}, err
	}
	return e.Repo.GetRule(ctx, nil, id)
}

// ListRules returns rules in evaluation order.
func (e Engine) ListRules(ctx context.Context, viewerID string, activeOnly bool) ([]domain.Rule, error) {
	if _, err := e.Auth.Actor(ctx, nil, viewerID); err != nil {
		return nil, err
	}
	return e.Repo.ListRules(ctx, nil, activeOnly)
}

func (e Engine) ListConflicts(ctx context.Context, viewerID string) ([]domain.RuleConflict, error) {
	if _, err := e.Auth.RequireAdmin(ctx, nil, viewerID); err != nil {
		return nil, err
	}
	return e.Repo.ListConflicts(ctx)
}

// InvalidRules reports stored active rules whose pattern no longer compiles.
func (e Engine) InvalidRules(ctx context.Context, viewerID string) ([]InvalidPatternError, error) {
	if _, err := e.Auth.RequireAdmin(ctx, nil, viewerID); err != nil {
		return nil, err
	}
	rules, err := e.Repo.ListRules(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	_, bad := e.Rules.Compile(rules)
	return bad, nil
}
