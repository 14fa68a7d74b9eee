package security

import (
	"fmt"
	"strings"
	"unicode"
)

var commonPasswords = map[string]struct{}{
	"password": {}, "123456": {}, "123456789": {}, "qwerty": {}, "abc123": {},
	"password123": {}, "admin": {}, "letmein": {}, "welcome": {}, "monkey": {},
	"1234567890": {}, "senha123": {}, "admin123": {}, "root": {}, "toor": {},
	"pass": {}, "12345678": {}, "qwerty123": {},
}

var sequences = []string{
	"123", "234", "345", "456", "567", "678", "789", "890",
	"abc", "bcd", "cde", "def", "efg", "fgh", "ghi", "hij",
}

// PasswordReport is the outcome of a strength check.
type PasswordReport struct {
	Valid    bool
	Problems []string
	Score    int
}

// PasswordRules checks new passwords before they are hashed.
type PasswordRules struct {
	MinLength int
}

// Check evaluates plain against the rules.
func (r PasswordRules) Check(plain string) PasswordReport {
	minLen := r.MinLength
	if minLen <= 0 {
		minLen = 12
	}
	var (
		problems                  []string
		upper, lower, digit, symb bool
	)
	for _, c := range plain {
		switch {
		case unicode.IsUpper(c):
			upper = true
		case unicode.IsLower(c):
			lower = true
		case unicode.IsDigit(c):
			digit = true
		default:
			symb = true
		}
	}
	if len([]rune(plain)) < minLen {
		problems = append(problems, fmt.Sprintf("must be at least %d characters", minLen))
	}
	if !upper {
		problems = append(problems, "must contain an uppercase letter")
	}
	if !lower {
		problems = append(problems, "must contain a lowercase letter")
	}
	if !digit {
		problems = append(problems, "must contain a digit")
	}
	if !symb {
		problems = append(problems, "must contain a special character")
	}
	common := isCommonPassword(plain)
	if common {
		problems = append(problems, "is too common")
	}
	sequential := hasSequence(plain)
	if sequential {
		problems = append(problems, "must not contain obvious sequences such as 123 or abc")
	}

	score := min(len(plain)*2, 50)
	if lower {
		score += 5
	}
	if upper {
		score += 5
	}
	if digit {
		score += 5
	}
	if symb {
		score += 10
	}
	if common {
		score -= 30
	}
	if sequential {
		score -= 20
	}
	score = max(0, min(100, score))

	return PasswordReport{Valid: len(problems) == 0, Problems: problems, Score: score}
}

func isCommonPassword(plain string) bool {
	_, ok := commonPasswords[strings.ToLower(plain)]
	return ok
}

func hasSequence(plain string) bool {
	lower := strings.ToLower(plain)
	for _, seq := range sequences {
		if strings.Contains(lower, seq) {
			return true
		}
	}
	return false
}
