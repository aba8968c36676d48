package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cmdgate/internal/domain"
)

type AuditFilters struct {
	ActorID      string
	ActionType   string
	ResourceType string
	ResourceID   string
}

func (f AuditFilters) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type=?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	return clauses, args
}

// ListAudit returns entries newest first. A positive cursor returns entries
// older than that id.
func (r Repo) ListAudit(ctx context.Context, limit int, cursor int64, f AuditFilters) ([]domain.AuditLogEntry, error) {
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,actor_id,action_type,resource_type,resource_id,old_value_json,new_value_json,metadata_json,error_kind FROM audit_logs %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, normalizeLimit(limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var resourceID, oldV, newV, kind sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorID, &e.ActionType, &e.ResourceType, &resourceID, &oldV, &newV, &e.Metadata, &kind); err != nil {
			return nil, err
		}
		e.ResourceID = resourceID.String
		e.OldValue = oldV.String
		e.NewValue = newV.String
		e.ErrorKind = kind.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountAudit counts entries matching f.
func (r Repo) CountAudit(ctx context.Context, f AuditFilters) (int, error) {
	clauses, args := f.clauses()
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs WHERE `+strings.Join(clauses, " AND "), args...).Scan(&n)
	return n, err
}
