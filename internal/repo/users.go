package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"cmdgate/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a random URL-safe key. Only its hash is persisted.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cg_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

const userColumns = `id,username,COALESCE(email,''),api_key,role,tier,credit_balance,active,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var active int
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.APIKeyHash, &u.Role, &u.Tier, &u.CreditBalance, &active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.Active = active == 1
	return u, nil
}

// InsertUser stores a user. APIKeyHash must already contain the hashed key.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.ID == "" || u.Username == "" {
		return errors.New("id and username required")
	}
	if u.APIKeyHash == "" {
		return errors.New("api key hash required")
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO users(id,username,email,api_key,role,tier,credit_balance,active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, nullable(u.Email), u.APIKeyHash, u.Role, u.Tier, u.CreditBalance, boolInt(u.Active), u.CreatedAt, u.UpdatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.on(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, tx *sql.Tx, username string) (domain.User, error) {
	return scanUser(r.on(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
}

// GetUserByAPIKeyHash returns the user owning the hashed key.
func (r Repo) GetUserByAPIKeyHash(ctx context.Context, hash string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE api_key=? LIMIT 1`, hash))
}

func (r Repo) CountUsers(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// ListUsers returns users ordered by creation.
func (r Repo) ListUsers(ctx context.Context, activeOnly bool) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY created_at, username`
	return r.queryUsers(ctx, nil, query)
}

// ListActiveAdmins returns every active admin.
func (r Repo) ListActiveAdmins(ctx context.Context, tx *sql.Tx) ([]domain.User, error) {
	return r.queryUsers(ctx, tx, `SELECT `+userColumns+` FROM users WHERE active=1 AND role=? ORDER BY username`, domain.RoleAdmin)
}

func (r Repo) queryUsers(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.User, error) {
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUserProfile writes tier, role and active flag.
func (r Repo) UpdateUserProfile(ctx context.Context, tx *sql.Tx, u domain.User) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE users SET tier=?, role=?, active=?, updated_at=? WHERE id=?`,
		u.Tier, u.Role, boolInt(u.Active), u.UpdatedAt, u.ID)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrStaleState) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// RotateAPIKey replaces the stored key hash.
func (r Repo) RotateAPIKey(ctx context.Context, tx *sql.Tx, userID, hash, now string) error {
	if strings.TrimSpace(hash) == "" {
		return errors.New("api key hash required")
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE users SET api_key=?, updated_at=? WHERE id=?`, hash, now, userID)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, ErrStaleState) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
