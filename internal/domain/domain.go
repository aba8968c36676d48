package domain

import "fmt"

// TimeLayout is the layout for every persisted timestamp. All values are UTC,
// so string order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05Z07:00"

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	TierJunior = "junior"
	TierMid    = "mid"
	TierSenior = "senior"
	TierLead   = "lead"
)

const (
	ActionAutoAccept    = "AUTO_ACCEPT"
	ActionAutoReject    = "AUTO_REJECT"
	ActionNeedsApproval = "NEEDS_APPROVAL"
)

const (
	CommandPending       = "PENDING"
	CommandExecuted      = "EXECUTED"
	CommandRejected      = "REJECTED"
	CommandFailed        = "FAILED"
	CommandNeedsApproval = "NEEDS_APPROVAL"
)

const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
	ApprovalExpired  = "EXPIRED"
)

const (
	VoteApprove = "APPROVE"
	VoteReject  = "REJECT"
)

// Error kinds recorded on commands and audit entries.
const (
	KindInsufficientCredits    = "InsufficientCredits"
	KindNoMatchingRule         = "NoMatchingRule"
	KindExpiredApprovalRequest = "ExpiredApprovalRequest"
	KindRuleRejected           = "RuleRejected"
	KindApprovalRejected       = "ApprovalRejected"
)

func ValidRole(r string) bool {
	return r == RoleAdmin || r == RoleMember
}

func ValidTier(t string) bool {
	switch t {
	case TierJunior, TierMid, TierSenior, TierLead:
		return true
	}
	return false
}

func ValidAction(a string) bool {
	switch a {
	case ActionAutoAccept, ActionAutoReject, ActionNeedsApproval:
		return true
	}
	return false
}

// TierThresholds maps each tier to the number of approvals it needs.
type TierThresholds struct {
	Junior int `json:"junior" yaml:"junior"`
	Mid    int `json:"mid" yaml:"mid"`
	Senior int `json:"senior" yaml:"senior"`
	Lead   int `json:"lead" yaml:"lead"`
}

// DefaultTierThresholds is used when a rule does not carry its own map.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{Junior: 3, Mid: 2, Senior: 1, Lead: 1}
}

// For returns the threshold for tier. Unknown tiers get the strictest value.
func (t TierThresholds) For(tier string) int {
	switch tier {
	case TierJunior:
		return t.Junior
	case TierMid:
		return t.Mid
	case TierSenior:
		return t.Senior
	case TierLead:
		return t.Lead
	}
	return max(t.Junior, t.Mid, t.Senior, t.Lead)
}

func (t TierThresholds) Validate() error {
	for _, tier := range []string{TierJunior, TierMid, TierSenior, TierLead} {
		if t.For(tier) < 1 {
			return fmt.Errorf("threshold for tier %s must be >= 1", tier)
		}
	}
	return nil
}

type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role" enum:"admin,member"`
	Tier          string `json:"tier" enum:"junior,mid,senior,lead"`
	CreditBalance int    `json:"credit_balance"`
	Active        bool   `json:"active"`
	APIKeyHash    string `json:"-"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

type Rule struct {
	ID                string         `json:"id"`
	Seq               int            `json:"seq"`
	Pattern           string         `json:"pattern"`
	Action            string         `json:"action" enum:"AUTO_ACCEPT,AUTO_REJECT,NEEDS_APPROVAL"`
	Description       string         `json:"description,omitempty"`
	ApprovalThreshold *int           `json:"approval_threshold,omitempty"`
	TierThresholds    TierThresholds `json:"tier_thresholds"`
	Cost              int            `json:"cost"`
	Active            bool           `json:"active"`
	CreatedBy         string         `json:"created_by,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

// RequiredApprovals resolves the quorum for a requester of the given tier.
func (r Rule) RequiredApprovals(tier string) int {
	if r.ApprovalThreshold != nil && *r.ApprovalThreshold > 0 {
		return *r.ApprovalThreshold
	}
	return r.TierThresholds.For(tier)
}

type Command struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	Text          string  `json:"command_text"`
	Status        string  `json:"status" enum:"PENDING,EXECUTED,REJECTED,FAILED,NEEDS_APPROVAL"`
	MatchedRuleID *string `json:"matched_rule_id,omitempty"`
	CreditsUsed   int     `json:"credits_used"`
	Output        string  `json:"output,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ErrorKind     string  `json:"error_kind,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ExecutedAt    *string `json:"executed_at,omitempty" format:"date-time"`
}

type ApprovalRequest struct {
	ID                string  `json:"id"`
	CommandID         string  `json:"command_id"`
	RequesterID       string  `json:"requester_id"`
	RequiredApprovals int     `json:"required_approvals"`
	CurrentApprovals  int     `json:"current_approvals"`
	CurrentRejections int     `json:"current_rejections"`
	CreditCost        int     `json:"credit_cost"`
	Status            string  `json:"status" enum:"PENDING,APPROVED,REJECTED,EXPIRED"`
	RejectionReason   string  `json:"rejection_reason,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	ExpiresAt         string  `json:"expires_at" format:"date-time"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
	NotifiedAt        *string `json:"notified_at,omitempty" format:"date-time"`
}

type ApprovalVote struct {
	ID                string `json:"id"`
	ApprovalRequestID string `json:"approval_request_id"`
	AdminID           string `json:"admin_id"`
	Vote              string `json:"vote" enum:"APPROVE,REJECT"`
	Comment           string `json:"comment,omitempty"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type AuditLogEntry struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	ActorID      string `json:"actor_id"`
	ActionType   string `json:"action_type"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	OldValue     string `json:"old_value,omitempty"`
	NewValue     string `json:"new_value,omitempty"`
	Metadata     string `json:"metadata"`
	ErrorKind    string `json:"error_kind,omitempty"`
}

type RuleConflict struct {
	ID           string `json:"id"`
	RuleID1      string `json:"rule_id_1"`
	RuleID2      string `json:"rule_id_2"`
	ConflictType string `json:"conflict_type" enum:"SHADOW,OVERLAP"`
	Severity     string `json:"severity"`
	TestCase     string `json:"test_case"`
	DetectedAt   string `json:"detected_at" format:"date-time"`
}
