package auth

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/sisadmin/sisadmin/internal/rbac"
)

// Status is the lifecycle state of an account.
type Status string

// Account states. Only active accounts may authenticate.
const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusBlocked   Status = "blocked"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusBlocked, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// User represents an account that can sign in.
type User struct {
	ID                int64
	Email             string
	Name              string
	PasswordHash      string
	Level             rbac.Level
	Status            Status
	LastLoginAt       *time.Time
	LoginCount        int64
	RememberTokenHash *string
	DeletedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Authenticable reports whether the account may hold a session.
func (u *User) Authenticable() bool {
	return u != nil && u.Status == StatusActive && u.DeletedAt == nil
}

// GetID implements rbac.Principal.
func (u *User) GetID() int64 { return u.ID }

// GetLevel implements rbac.Principal.
func (u *User) GetLevel() rbac.Level { return u.Level }

// PublicUser is the projection of a user that may leave the server.
type PublicUser struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Level       rbac.Level `json:"level"`
	Status      Status     `json:"status"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	LoginCount  int64      `json:"login_count"`
}

// Public strips credentials from the user.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Level:       u.Level,
		Status:      u.Status,
		LastLoginAt: u.LastLoginAt,
		LoginCount:  u.LoginCount,
	}
}

// NormalizeEmail case-folds an email address so lookups are case-insensitive.
func NormalizeEmail(raw string) string {
	return cases.Fold().String(strings.TrimSpace(raw))
}
