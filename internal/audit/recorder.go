// Package audit appends immutable facts about state transitions. It exposes
// no update or delete; the schema rejects both with triggers.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cmdgate/internal/domain"
)

// Action types.
const (
	CommandExecuted        = "COMMAND_EXECUTED"
	CommandRejected        = "COMMAND_REJECTED"
	CommandFailed          = "COMMAND_FAILED"
	CommandPendingApproval = "COMMAND_PENDING_APPROVAL"
	VoteCast               = "APPROVAL_VOTE_CAST"
	ApprovalApproved       = "APPROVAL_APPROVED"
	ApprovalRejected       = "APPROVAL_REJECTED"
	ApprovalExpired        = "APPROVAL_EXPIRED"
	RuleCreated            = "RULE_CREATED"
	RuleUpdated            = "RULE_UPDATED"
	RuleDeleted            = "RULE_DELETED"
	RuleConflictsDetected  = "RULE_CONFLICTS_DETECTED"
	UserCreated            = "USER_CREATED"
	UserUpdated            = "USER_UPDATED"
	CreditsGranted         = "CREDITS_GRANTED"
)

// SystemActor is the actor id for transitions no user triggered.
const SystemActor = "system"

// Metadata is free-form context stored alongside an entry.
type Metadata map[string]any

// Entry is one fact to record. Old and New are marshalled as JSON snapshots.
type Entry struct {
	ActorID      string
	ActionType   string
	ResourceType string
	ResourceID   string
	Old          any
	New          any
	Metadata     Metadata
	ErrorKind    string
}

type Recorder struct {
	Now func() time.Time
}

// Record appends e inside tx. Any error must abort tx: a transition whose
// audit entry cannot be written does not happen.
func (r Recorder) Record(ctx context.Context, tx *sql.Tx, e Entry) error {
	if tx == nil {
		return errors.New("audit: transaction required")
	}
	if e.ActorID == "" || e.ActionType == "" || e.ResourceType == "" {
		return errors.New("audit: actor, action type and resource type are required")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	oldJSON, err := snapshot(e.Old)
	if err != nil {
		return fmt.Errorf("audit: marshal old value: %w", err)
	}
	newJSON, err := snapshot(e.New)
	if err != nil {
		return fmt.Errorf("audit: marshal new value: %w", err)
	}
	meta := e.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_logs(ts,actor_id,action_type,resource_type,resource_id,old_value_json,new_value_json,metadata_json,error_kind) VALUES (?,?,?,?,?,?,?,?,?)`,
		now().UTC().Format(domain.TimeLayout), e.ActorID, e.ActionType, e.ResourceType, nullable(e.ResourceID), oldJSON, newJSON, string(metaJSON), nullable(e.ErrorKind))
	if err != nil {
		return fmt.Errorf("audit: append %s: %w", e.ActionType, err)
	}
	return nil
}

func snapshot(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
