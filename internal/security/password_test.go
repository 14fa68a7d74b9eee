package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPasswordRules(t *testing.T) {
	rules := PasswordRules{MinLength: 12}

	tests := []struct {
		name     string
		password string
		valid    bool
		problems int
	}{
		{name: "strong", password: "Tr0ub4dor&Zx!", valid: true},
		{name: "short", password: "Ab1!xz", problems: 1},
		{name: "no symbol", password: "Tr0ub4dorZxQw", problems: 1},
		{name: "sequence", password: "Secret123!Long", problems: 1},
		{name: "common", password: "password", problems: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := rules.Check(tt.password)
			assert.Equal(t, tt.valid, report.Valid)
			assert.Len(t, report.Problems, tt.problems, report.Problems)
			assert.GreaterOrEqual(t, report.Score, 0)
			assert.LessOrEqual(t, report.Score, 100)
		})
	}
}

func TestPasswordScorePenalisesCommonPasswords(t *testing.T) {
	rules := PasswordRules{}
	assert.Less(t, rules.Check("qwerty123").Score, rules.Check("Tr0ub4dor&Zx!").Score)
}
