package engine

import (
	"errors"
	"fmt"

	"cmdgate/internal/engine/auth"
	"cmdgate/internal/ledger"
	"cmdgate/internal/matcher"
	"cmdgate/internal/repo"
)

var (
	// ErrInsufficientCredits: the balance check failed and nothing was debited.
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
	// ErrNoMatchingRule is returned only under the FAIL_CLOSED default action.
	ErrNoMatchingRule         = errors.New("no matching rule")
	ErrDuplicateVote          = errors.New("admin already voted on this request")
	ErrRequestAlreadyResolved = errors.New("approval request already resolved")
	ErrExpiredApprovalRequest = errors.New("approval request expired")
	ErrAlreadyExists          = errors.New("already exists")
	ErrNotFound               = repo.ErrNotFound
	ErrInactiveUser           = auth.ErrInactiveUser
)

type (
	UnauthorizedError   = auth.UnauthorizedError
	InvalidPatternError = matcher.InvalidPatternError
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
