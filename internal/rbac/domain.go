package rbac

import (
	"context"
	"strings"
)

// Level is the access tier assigned to a user account.
type Level string

// Known levels, highest privilege first.
const (
	LevelMaster       Level = "master"
	LevelAdmin        Level = "admin"
	LevelDirection    Level = "direction"
	LevelFinancial    Level = "financial"
	LevelCoordination Level = "coordination"
	LevelSecretary    Level = "secretary"
	LevelTeacher      Level = "teacher"
	LevelEmployee     Level = "employee"
	LevelStudent      Level = "student"
	LevelGuardian     Level = "guardian"
	LevelUser         Level = "user"
)

var levelOrder = []Level{
	LevelMaster,
	LevelAdmin,
	LevelDirection,
	LevelFinancial,
	LevelCoordination,
	LevelSecretary,
	LevelTeacher,
	LevelEmployee,
	LevelStudent,
	LevelGuardian,
	LevelUser,
}

// Levels returns every known level in display order.
func Levels() []Level {
	out := make([]Level, len(levelOrder))
	copy(out, levelOrder)
	return out
}

// ParseLevel normalizes a level code and reports whether it is known.
func ParseLevel(raw string) (Level, bool) {
	lvl := Level(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range levelOrder {
		if known == lvl {
			return lvl, true
		}
	}
	return lvl, false
}

// String implements fmt.Stringer.
func (l Level) String() string { return string(l) }

// Principal describes the authenticated actor.
type Principal interface {
	GetID() int64
	GetLevel() Level
}

type principalContextKey struct{}

// WithPrincipal stores the authenticated actor in context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the authenticated actor, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}
