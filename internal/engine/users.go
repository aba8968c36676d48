package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"cmdgate/internal/audit"
	"cmdgate/internal/db"
	"cmdgate/internal/domain"
	"cmdgate/internal/ledger"
	"cmdgate/internal/repo"
)

// UserCreateOptions are parameters for creating a user. ActorID may be
// empty only while no user exists yet.
type UserCreateOptions struct {
	Username string
	Email    string
	Role     string
	Tier     string
	ActorID  string
}

// UserUpdateOptions encapsulates allowed profile updates.
type UserUpdateOptions struct {
	ID      string
	Role    *string
	Tier    *string
	Active  *bool
	ActorID string
}

// CreateUser stores a new user and returns it with its plaintext API key,
// which is not retrievable afterwards. The first user ever created is
// bootstrapped as a lead admin and, when configured, seeds the default rules.
func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, string, error) {
	cfg := e.config()
	username := strings.TrimSpace(opts.Username)
	if username == "" {
		return domain.User{}, "", invalid("username", "username is required")
	}
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = domain.RoleMember
	}
	tier := strings.ToLower(strings.TrimSpace(opts.Tier))
	if tier == "" {
		tier = domain.TierJunior
	}
	if !domain.ValidRole(role) {
		return domain.User{}, "", invalid("role", "unknown role %q", role)
	}
	if !domain.ValidTier(tier) {
		return domain.User{}, "", invalid("tier", "unknown tier %q", tier)
	}

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return domain.User{}, "", err
	}
	defer tx.Rollback()

	count, err := e.Repo.CountUsers(ctx, tx)
	if err != nil {
		return domain.User{}, "", err
	}
	bootstrap := count == 0
	actorID := opts.ActorID
	if bootstrap {
		role, tier = domain.RoleAdmin, domain.TierLead
	} else {
		admin, err := e.Auth.RequireAdmin(ctx, tx, opts.ActorID)
		if err != nil {
			return domain.User{}, "", err
		}
		actorID = admin.ID
	}

	key, err := repo.GenerateAPIKey()
	if err != nil {
		return domain.User{}, "", fmt.Errorf("generate api key: %w", err)
	}
	now := stamp(e.now())
	u := domain.User{
		ID:            uuid.NewString(),
		Username:      username,
		Email:         strings.TrimSpace(opts.Email),
		Role:          role,
		Tier:          tier,
		CreditBalance: cfg.Credits.InitialBalance,
		Active:        true,
		APIKeyHash:    repo.HashAPIKey(key),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if bootstrap {
		actorID = u.ID
	}
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.User{}, "", fmt.Errorf("user %s: %w", username, ErrAlreadyExists)
		}
		return domain.User{}, "", fmt.Errorf("insert user: %w", err)
	}
	if err := e.record(ctx, tx, audit.Entry{
		ActorID:      actorID,
		ActionType:   audit.UserCreated,
		ResourceType: "user",
		ResourceID:   u.ID,
		New:          u,
		Metadata:     audit.Metadata{"bootstrap": bootstrap},
	}); err != nil {
		return domain.User{}, "", err
	}
	if bootstrap && cfg.Policy.SeedRules {
		if _, err := e.seedRules(ctx, tx, u.ID); err != nil {
			return domain.User{}, "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, "", err
	}
	return u, key, nil
}

// GrantCredits adds amount to a user's balance.
func (e Engine) GrantCredits(ctx context.Context, adminID, userID string, amount int) (domain.User, error) {
	if amount <= 0 {
		return domain.User{}, invalid("amount", "must be > 0")
	}
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	admin, err := e.Auth.RequireAdmin(ctx, tx, adminID)
	if err != nil {
		return domain.User{}, err
	}
	before, err := e.Repo.GetUser(ctx, tx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if err := e.Ledger.Credit(ctx, tx, before.ID, amount); err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, err
	}
	after, err := e.Repo.GetUser(ctx, tx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if err := e.record(ctx, tx, audit.Entry{
		ActorID:      admin.ID,
		ActionType:   audit.CreditsGranted,
		ResourceType: "user",
		ResourceID:   after.ID,
		Old:          map[string]any{"credit_balance": before.CreditBalance},
		New:          map[string]any{"credit_balance": after.CreditBalance},
		Metadata:     audit.Metadata{"amount": amount},
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return after, nil
}

// UpdateUser changes a user's role, tier or active flag. Admins cannot
// demote or deactivate themselves.
func (e Engine) UpdateUser(ctx context.Context, opts UserUpdateOptions) (domain.User, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	admin, err := e.Auth.RequireAdmin(ctx, tx, opts.ActorID)
	if err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUser(ctx, tx, opts.ID)
	if err != nil {
		return domain.User{}, err
	}
	original := u
	if opts.Role != nil {
		role := strings.ToLower(strings.TrimSpace(*opts.Role))
		if !domain.ValidRole(role) {
			return domain.User{}, invalid("role", "unknown role %q", role)
		}
		u.Role = role
	}
	if opts.Tier != nil {
		tier := strings.ToLower(strings.TrimSpace(*opts.Tier))
		if !domain.ValidTier(tier) {
			return domain.User{}, invalid("tier", "unknown tier %q", tier)
		}
		u.Tier = tier
	}
	if opts.Active != nil {
		u.Active = *opts.Active
	}
	if u.ID == admin.ID && (!u.Active || !u.IsAdmin()) {
		return domain.User{}, UnauthorizedError{Reason: "admins cannot demote or deactivate themselves"}
	}
	u.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateUserProfile(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.record(ctx, tx, audit.Entry{
		ActorID:      admin.ID,
		ActionType:   audit.UserUpdated,
		ResourceType: "user",
		ResourceID:   u.ID,
		Old:          profile(original),
		New:          profile(u),
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func profile(u domain.User) map[string]any {
	return map[string]any{"role": u.Role, "tier": u.Tier, "active": u.Active}
}

// AuthenticateAPIKey resolves the active user owning key.
func (e Engine) AuthenticateAPIKey(ctx context.Context, key string) (domain.User, error) {
	if strings.TrimSpace(key) == "" {
		return domain.User{}, UnauthorizedError{Reason: "api key required"}
	}
	u, err := e.Repo.GetUserByAPIKeyHash(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, UnauthorizedError{Reason: "invalid api key"}
	}
	if err != nil {
		return domain.User{}, err
	}
	if !u.Active {
		return domain.User{}, UnauthorizedError{Reason: "user is inactive", Err: ErrInactiveUser}
	}
	return u, nil
}

// RotateAPIKey issues a new key for userID, invalidating the old one.
func (e Engine) RotateAPIKey(ctx context.Context, actorID, userID string) (string, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	actor, err := e.Auth.RequireSelfOrAdmin(ctx, tx, actorID, userID)
	if err != nil {
		return "", err
	}
	key, err := repo.GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	if err := e.Repo.RotateAPIKey(ctx, tx, userID, repo.HashAPIKey(key), stamp(e.now())); err != nil {
		return "", err
	}
	if err := e.record(ctx, tx, audit.Entry{
		ActorID:      actor.ID,
		ActionType:   audit.UserUpdated,
		ResourceType: "user",
		ResourceID:   userID,
		Metadata:     audit.Metadata{"api_key": "rotated"},
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return key, nil
}

func (e Engine) GetUser(ctx context.Context, viewerID, id string) (domain.User, error) {
	if _, err := e.Auth.RequireSelfOrAdmin(ctx, nil, viewerID, id); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, nil, id)
}

func (e Engine) ListUsers(ctx context.Context, viewerID string, activeOnly bool) ([]domain.User, error) {
	if _, err := e.Auth.RequireAdmin(ctx, nil, viewerID); err != nil {
		return nil, err
	}
	return e.Repo.ListUsers(ctx, activeOnly)
}

// ResolveUser finds a user by id, falling back to username.
func (e Engine) ResolveUser(ctx context.Context, ref string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, nil, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return e.Repo.GetUserByUsername(ctx, nil, ref)
	}
	return u, err
}
