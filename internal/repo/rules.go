package repo

import (
	"context"
	"database/sql"
	"errors"

	"cmdgate/internal/domain"
)

const ruleColumns = `id,seq,pattern,action,COALESCE(description,''),approval_threshold,threshold_junior,threshold_mid,threshold_senior,threshold_lead,cost,active,COALESCE(created_by,''),created_at,updated_at`

func scanRule(row rowScanner) (domain.Rule, error) {
	var rl domain.Rule
	var threshold sql.NullInt64
	var active int
	err := row.Scan(&rl.ID, &rl.Seq, &rl.Pattern, &rl.Action, &rl.Description, &threshold,
		&rl.TierThresholds.Junior, &rl.TierThresholds.Mid, &rl.TierThresholds.Senior, &rl.TierThresholds.Lead,
		&rl.Cost, &active, &rl.CreatedBy, &rl.CreatedAt, &rl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Rule{}, ErrNotFound
	}
	if err != nil {
		return domain.Rule{}, err
	}
	if threshold.Valid {
		v := int(threshold.Int64)
		rl.ApprovalThreshold = &v
	}
	rl.Active = active == 1
	return rl, nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rl domain.Rule) error {
	t := rl.TierThresholds
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO rules(id,seq,pattern,action,description,approval_threshold,threshold_junior,threshold_mid,threshold_senior,threshold_lead,cost,active,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rl.ID, rl.Seq, rl.Pattern, rl.Action, nullable(rl.Description), nullableIntPtr(rl.ApprovalThreshold),
		t.Junior, t.Mid, t.Senior, t.Lead, rl.Cost, boolInt(rl.Active), nullable(rl.CreatedBy), rl.CreatedAt, rl.UpdatedAt)
	return err
}

// UpdateRule rewrites every mutable column of a rule.
func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rl domain.Rule) error {
	t := rl.TierThresholds
	res, err := r.on(tx).ExecContext(ctx, `UPDATE rules SET seq=?,pattern=?,action=?,description=?,approval_threshold=?,threshold_junior=?,threshold_mid=?,threshold_senior=?,threshold_lead=?,cost=?,active=?,updated_at=? WHERE id=?`,
		rl.Seq, rl.Pattern, rl.Action, nullable(rl.Description), nullableIntPtr(rl.ApprovalThreshold),
		t.Junior, t.Mid, t.Senior, t.Lead, rl.Cost, boolInt(rl.Active), rl.UpdatedAt, rl.ID)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrStaleState) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, id string) (domain.Rule, error) {
	return scanRule(r.on(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id))
}

// ListRules returns rules in evaluation order.
func (r Repo) ListRules(ctx context.Context, tx *sql.Tx, activeOnly bool) ([]domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY seq`
	rows, err := r.on(tx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// NextRuleSeq returns the sequence number for a newly appended rule.
func (r Repo) NextRuleSeq(ctx context.Context, tx *sql.Tx, step int) (int, error) {
	var seq int
	if err := r.on(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM rules`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq + step, nil
}

// ReplaceConflicts swaps the derived conflict set for a freshly computed one.
func (r Repo) ReplaceConflicts(ctx context.Context, tx *sql.Tx, conflicts []domain.RuleConflict) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM rule_conflicts`); err != nil {
		return err
	}
	for _, c := range conflicts {
		if _, err := q.ExecContext(ctx, `INSERT INTO rule_conflicts(id,rule_id_1,rule_id_2,conflict_type,severity,test_case,detected_at) VALUES (?,?,?,?,?,?,?)`,
			c.ID, c.RuleID1, c.RuleID2, c.ConflictType, c.Severity, c.TestCase, c.DetectedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListConflicts(ctx context.Context) ([]domain.RuleConflict, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT c.id,c.rule_id_1,c.rule_id_2,c.conflict_type,c.severity,c.test_case,c.detected_at
FROM rule_conflicts c
JOIN rules a ON a.id=c.rule_id_1
JOIN rules b ON b.id=c.rule_id_2
ORDER BY a.seq, b.seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleConflict
	for rows.Next() {
		var c domain.RuleConflict
		if err := rows.Scan(&c.ID, &c.RuleID1, &c.RuleID2, &c.ConflictType, &c.Severity, &c.TestCase, &c.DetectedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
