package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/shared"
)

// Repository is the credential store consumed by the auth core.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByRememberTokenHash(ctx context.Context, hash string) (*User, error)
	UpdateLoginSuccess(ctx context.Context, id int64, at time.Time) error
	SetRememberTokenHash(ctx context.Context, id int64, hash *string) error
	// RotateRememberTokenHash swaps oldHash for newHash in one statement and
	// reports false when oldHash was no longer current.
	RotateRememberTokenHash(ctx context.Context, id int64, oldHash, newHash string) (bool, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// UserColumns lists the users table columns in ScanUser order.
const UserColumns = `id, email, name, password_hash, level, status, last_login_at, login_count,
remember_token_hash, deleted_at, created_at, updated_at`

// FindByEmail fetches a non-deleted user by normalized email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+UserColumns+` FROM users WHERE email = $1 AND deleted_at IS NULL`, NormalizeEmail(email))
	return ScanUser(row)
}

// FindByID fetches a user by primary key.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+UserColumns+` FROM users WHERE id = $1`, id)
	return ScanUser(row)
}

// FindByRememberTokenHash fetches the user owning a remember-me token.
func (r *PGRepository) FindByRememberTokenHash(ctx context.Context, hash string) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+UserColumns+` FROM users WHERE remember_token_hash = $1 AND deleted_at IS NULL`, hash)
	return ScanUser(row)
}

// UpdateLoginSuccess stamps the last login and bumps the counter.
func (r *PGRepository) UpdateLoginSuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_login_at = $2, login_count = login_count + 1, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("auth: update login: %w", err)
	}
	return nil
}

// SetRememberTokenHash stores or clears (nil) the remember-me token hash.
func (r *PGRepository) SetRememberTokenHash(ctx context.Context, id int64, hash *string) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET remember_token_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("auth: set remember token: %w", err)
	}
	return nil
}

// RotateRememberTokenHash implements Repository.
func (r *PGRepository) RotateRememberTokenHash(ctx context.Context, id int64, oldHash, newHash string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET remember_token_hash = $3, updated_at = NOW()
WHERE id = $1 AND remember_token_hash = $2`, id, oldHash, newHash)
	if err != nil {
		return false, fmt.Errorf("auth: rotate remember token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("auth: update password hash: %w", err)
	}
	return nil
}

// RevokeAllRememberTokens clears every remember-me token.
func (r *PGRepository) RevokeAllRememberTokens(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET remember_token_hash = NULL WHERE remember_token_hash IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("auth: revoke remember tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ScanUser reads one row selected with UserColumns.
func ScanUser(row pgx.Row) (*User, error) {
	var (
		u      User
		level  string
		status string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &level, &status, &u.LastLoginAt, &u.LoginCount,
		&u.RememberTokenHash, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("auth: scan user: %w", err)
	}
	u.Level = rbac.Level(level)
	u.Status = Status(status)
	return &u, nil
}

var _ Repository = (*PGRepository)(nil)
