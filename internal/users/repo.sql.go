package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sisadmin/sisadmin/internal/auth"
	"github.com/sisadmin/sisadmin/internal/platform/db"
	"github.com/sisadmin/sisadmin/internal/shared"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListUsers returns every non-deleted user ordered by name.
func (r *Repository) ListUsers(ctx context.Context) ([]auth.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+auth.UserColumns+` FROM users WHERE deleted_at IS NULL ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	defer rows.Close()
	var users []auth.User
	for rows.Next() {
		u, err := auth.ScanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser fetches a live account by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (*auth.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+auth.UserColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
	return auth.ScanUser(row)
}

// CreateUser inserts u and returns its id. Emails are stored case-folded.
func (r *Repository) CreateUser(ctx context.Context, u auth.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO users (email, name, password_hash, level, status)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		auth.NormalizeEmail(u.Email), u.Name, u.PasswordHash, string(u.Level), string(u.Status)).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, shared.ErrDuplicateEmail
		}
		return 0, fmt.Errorf("users: create: %w", err)
	}
	return id, nil
}

// SetStatus changes the account status and returns the previous one. Leaving
// the active state also revokes the remember-me token.
func (r *Repository) SetStatus(ctx context.Context, id int64, status auth.Status) (auth.Status, error) {
	var previous string
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT status FROM users WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).Scan(&previous)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return shared.ErrNotFound
			}
			return fmt.Errorf("users: lock user: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE users
SET status = $2::text,
    remember_token_hash = CASE WHEN $2::text = 'active' THEN remember_token_hash ELSE NULL END,
    updated_at = NOW()
WHERE id = $1`, id, string(status))
		if err != nil {
			return fmt.Errorf("users: update status: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return auth.Status(previous), nil
}

// CountLegacyHashes counts accounts whose password is not yet Argon2id.
func (r *Repository) CountLegacyHashes(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE deleted_at IS NULL AND password_hash NOT LIKE '$argon2id$%'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("users: count legacy hashes: %w", err)
	}
	return n, nil
}

// CountDormant counts active accounts without a login since the given time.
func (r *Repository) CountDormant(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users
WHERE deleted_at IS NULL AND status = 'active' AND (last_login_at IS NULL OR last_login_at < $1)`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("users: count dormant: %w", err)
	}
	return n, nil
}
