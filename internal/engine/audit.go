package engine

import (
	"context"

	"cmdgate/internal/domain"
	"cmdgate/internal/repo"
)

// AuditPage is one page of audit entries, newest first. NextCursor is zero
// on the last page.
type AuditPage struct {
	Entries    []domain.AuditLogEntry `json:"entries"`
	NextCursor int64                  `json:"next_cursor,omitempty"`
}

// ListAudit pages through the audit trail. Admin only.
func (e Engine) ListAudit(ctx context.Context, viewerID string, f repo.AuditFilters, limit int, cursor int64) (AuditPage, error) {
	if _, err := e.Auth.RequireAdmin(ctx, nil, viewerID); err != nil {
		return AuditPage{}, err
	}
	if limit <= 0 {
		limit = 50
	}
	entries, err := e.Repo.ListAudit(ctx, limit, cursor, f)
	if err != nil {
		return AuditPage{}, err
	}
	page := AuditPage{Entries: entries}
	if len(entries) == limit {
		page.NextCursor = entries[len(entries)-1].ID
	}
	return page, nil
}
