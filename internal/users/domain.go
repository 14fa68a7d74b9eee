package users

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrInvalidStatus is returned for unknown or non-assignable states.
	ErrInvalidStatus = errors.New("invalid account status")
	// ErrSelfLockout prevents administrators from disabling their own account.
	ErrSelfLockout = errors.New("cannot disable your own account")
)

// CreateInput carries the fields of the new-user form.
type CreateInput struct {
	Name     string `validate:"required,max=120"`
	Email    string `validate:"required,email,max=255"`
	Password string `validate:"required,max=1024"`
	Level    string `validate:"required"`
}

// ValidationError maps form fields to messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "users: invalid input (" + strings.Join(parts, "; ") + ")"
}
