package server

import (
	"cmdgate/internal/domain"
	"cmdgate/internal/engine"
)

// Request payloads

type CreateUserRequest struct {
	Username string `json:"username" minLength:"1"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty" enum:"admin,member"`
	Tier     string `json:"tier,omitempty" enum:"junior,mid,senior,lead"`
}

type UpdateUserRequest struct {
	Role   *string `json:"role,omitempty" enum:"admin,member"`
	Tier   *string `json:"tier,omitempty" enum:"junior,mid,senior,lead"`
	Active *bool   `json:"active,omitempty"`
}

type GrantCreditsRequest struct {
	Amount int `json:"amount" minimum:"1"`
}

type CreateRuleRequest struct {
	Pattern           string                 `json:"pattern" minLength:"1"`
	Action            string                 `json:"action" enum:"AUTO_ACCEPT,AUTO_REJECT,NEEDS_APPROVAL"`
	Description       string                 `json:"description,omitempty"`
	Seq               int                    `json:"seq,omitempty"`
	ApprovalThreshold *int                   `json:"approval_threshold,omitempty"`
	TierThresholds    *domain.TierThresholds `json:"tier_thresholds,omitempty"`
	Cost              *int                   `json:"cost,omitempty"`
}

type UpdateRuleRequest struct {
	Pattern           *string                `json:"pattern,omitempty"`
	Action            *string                `json:"action,omitempty" enum:"AUTO_ACCEPT,AUTO_REJECT,NEEDS_APPROVAL"`
	Description       *string                `json:"description,omitempty"`
	Seq               *int                   `json:"seq,omitempty"`
	ApprovalThreshold *int                   `json:"approval_threshold,omitempty"`
	ClearThreshold    bool                   `json:"clear_threshold,omitempty"`
	TierThresholds    *domain.TierThresholds `json:"tier_thresholds,omitempty"`
	Cost              *int                   `json:"cost,omitempty"`
	Active            *bool                  `json:"active,omitempty"`
}

type SubmitCommandRequest struct {
	CommandText string `json:"command_text" minLength:"1"`
}

type CastVoteRequest struct {
	Vote    string `json:"vote" enum:"APPROVE,REJECT,approve,reject"`
	Comment string `json:"comment,omitempty"`
}

// Response payloads

type CreateUserResponse struct {
	User   domain.User `json:"user"`
	APIKey string      `json:"api_key"`
}

type APIKeyResponse struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type UserListResponse struct {
	Items []domain.User `json:"items"`
}

type RuleListResponse struct {
	Items []domain.Rule `json:"items"`
}

type ConflictListResponse struct {
	Items []domain.RuleConflict `json:"items"`
}

type InvalidRuleResponse struct {
	RuleID  string `json:"rule_id"`
	Pattern string `json:"pattern"`
	Error   string `json:"error"`
}

type InvalidRuleListResponse struct {
	Items []InvalidRuleResponse `json:"items"`
}

type CommandListResponse struct {
	Items []domain.Command `json:"items"`
}

type ApprovalListResponse struct {
	Items []domain.ApprovalRequest `json:"items"`
}

type VoteListResponse struct {
	Items []domain.ApprovalVote `json:"items"`
}

type AuditListResponse struct {
	Items      []domain.AuditLogEntry `json:"items"`
	NextCursor int64                  `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	User   domain.User `json:"user"`
	Source string      `json:"source"`
}

func mapInvalidRules(items []engine.InvalidPatternError) []InvalidRuleResponse {
	out := make([]InvalidRuleResponse, 0, len(items))
	for _, it := range items {
		msg := ""
		if it.Err != nil {
			msg = it.Err.Error()
		}
		out = append(out, InvalidRuleResponse{RuleID: it.RuleID, Pattern: it.Pattern, Error: msg})
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
