package rbac

import (
	"sort"
	"strings"
)

// Policy answers capability questions from a static level table.
// It is immutable after construction and safe for concurrent use.
type Policy struct {
	grants         map[Level]map[string]struct{}
	topTier        map[Level]struct{}
	administrative map[Level]struct{}
}

// DefaultPolicy returns the built-in permission table. Master and admin hold
// every permission; the administrative subset also includes the school
// management levels.
func DefaultPolicy() *Policy {
	return NewPolicy(
		defaultGrants(),
		[]Level{LevelMaster, LevelAdmin},
		[]Level{LevelMaster, LevelAdmin, LevelDirection, LevelFinancial, LevelCoordination, LevelSecretary},
	)
}

// NewPolicy builds a policy from explicit grants.
func NewPolicy(grants map[Level][]string, topTier, administrative []Level) *Policy {
	p := &Policy{
		grants:         make(map[Level]map[string]struct{}, len(grants)),
		topTier:        make(map[Level]struct{}, len(topTier)),
		administrative: make(map[Level]struct{}, len(administrative)),
	}
	for lvl, perms := range grants {
		set := make(map[string]struct{}, len(perms))
		for _, perm := range normalizePermissions(perms) {
			set[perm] = struct{}{}
		}
		p.grants[lvl] = set
	}
	for _, lvl := range topTier {
		p.topTier[lvl] = struct{}{}
	}
	for _, lvl := range administrative {
		p.administrative[lvl] = struct{}{}
	}
	return p
}

// HasPermission reports whether the level grants perm. Unknown levels hold
// nothing.
func (p *Policy) HasPermission(level Level, perm string) bool {
	if p.IsTopTier(level) {
		return true
	}
	perm = normalizePermission(perm)
	if perm == "" {
		return false
	}
	_, ok := p.grants[level][perm]
	return ok
}

// HasAny reports whether the level grants at least one of perms.
func (p *Policy) HasAny(level Level, perms ...string) bool {
	for _, perm := range perms {
		if p.HasPermission(level, perm) {
			return true
		}
	}
	return false
}

// HasAll reports whether the level grants every one of perms.
func (p *Policy) HasAll(level Level, perms ...string) bool {
	for _, perm := range perms {
		if !p.HasPermission(level, perm) {
			return false
		}
	}
	return true
}

// IsRole reports whether level is exactly expected.
func (p *Policy) IsRole(level, expected Level) bool {
	return level != "" && level == expected
}

// IsTopTier reports whether level implicitly holds every permission.
func (p *Policy) IsTopTier(level Level) bool {
	_, ok := p.topTier[level]
	return ok
}

// IsAdministrative reports whether level belongs to the administrative set.
func (p *Policy) IsAdministrative(level Level) bool {
	_, ok := p.administrative[level]
	return ok
}

// Permissions lists the explicit grants of a level in name order.
func (p *Policy) Permissions(level Level) []string {
	set := p.grants[level]
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// AllPermissions lists every permission named anywhere in the table.
func (p *Policy) AllPermissions() []string {
	union := make(map[string]struct{})
	for _, set := range p.grants {
		for perm := range set {
			union[perm] = struct{}{}
		}
	}
	for _, perm := range []string{PermPermissionsView, PermSecurityManage} {
		union[perm] = struct{}{}
	}
	out := make([]string, 0, len(union))
	for perm := range union {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

func normalizePermission(p string) string {
	return strings.TrimSpace(strings.ToLower(p))
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = normalizePermission(p)
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
