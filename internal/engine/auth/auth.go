package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cmdgate/internal/domain"
	"cmdgate/internal/repo"
)

// ErrInactiveUser is wrapped by the UnauthorizedError returned for
// deactivated accounts.
var ErrInactiveUser = errors.New("user is inactive")

// UnauthorizedError indicates the actor may not perform the operation.
type UnauthorizedError struct {
	Reason string
	Err    error
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

func (e UnauthorizedError) Unwrap() error { return e.Err }

// Service resolves actors and checks their role against the users table.
type Service struct {
	Repo repo.Repo
}

// Actor loads an active user. Unknown or deactivated users are unauthorized.
func (s Service) Actor(ctx context.Context, tx *sql.Tx, actorID string) (domain.User, error) {
	if actorID == "" {
		return domain.User{}, UnauthorizedError{Reason: "actor required"}
	}
	u, err := s.Repo.GetUser(ctx, tx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, UnauthorizedError{Reason: "unknown user"}
	}
	if err != nil {
		return domain.User{}, err
	}
	if !u.Active {
		return domain.User{}, UnauthorizedError{Reason: "user is inactive", Err: ErrInactiveUser}
	}
	return u, nil
}

// RequireAdmin loads the actor and fails unless it is an active admin.
func (s Service) RequireAdmin(ctx context.Context, tx *sql.Tx, actorID string) (domain.User, error) {
	u, err := s.Actor(ctx, tx, actorID)
	if err != nil {
		return domain.User{}, err
	}
	if !u.IsAdmin() {
		return domain.User{}, UnauthorizedError{Reason: "admin role required"}
	}
	return u, nil
}

// RequireSelfOrAdmin lets a user act on their own resources and admins act on any.
func (s Service) RequireSelfOrAdmin(ctx context.Context, tx *sql.Tx, actorID, ownerID string) (domain.User, error) {
	u, err := s.Actor(ctx, tx, actorID)
	if err != nil {
		return domain.User{}, err
	}
	if u.ID != ownerID && !u.IsAdmin() {
		return domain.User{}, UnauthorizedError{Reason: "resource belongs to another user"}
	}
	return u, nil
}
