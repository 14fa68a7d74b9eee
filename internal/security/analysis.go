package security

import (
	"fmt"
	"sort"
	"time"
)

// Recommendation severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityHigh    = "high"
)

// Thresholds trigger recommendations and alerts.
type Thresholds struct {
	FailedLogins int
	BlockedIPs   int
	// SuspiciousEvents is the count of hijack and CSRF events above which a
	// recommendation is raised.
	SuspiciousEvents int
}

// IPCount is an address and how many events it produced.
type IPCount struct {
	IP    string
	Count int
}

// Recommendation is a suggested follow-up shown on the dashboard.
type Recommendation struct {
	Severity string
	Title    string
	Message  string
	Action   string
}

// Alert levels.
const (
	AlertHigh     = "high"
	AlertCritical = "critical"
)

// Alert is a threshold breach worth notifying someone about.
type Alert struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Analysis summarises the security log over a time range.
type Analysis struct {
	From            time.Time
	To              time.Time
	TotalEvents     int
	FailedLogins    int
	CSRFViolations  int
	HijackAttempts  int
	BlockedIPs      []string
	Suspicious      []Event
	TopIPs          []IPCount
	Recommendations []Recommendation
}

// AccountHealth carries user-table figures added to the recommendations.
type AccountHealth struct {
	LegacyHashes int
	Dormant      int
}

const topIPLimit = 10

// Analyze aggregates events. Events outside [from, to] are ignored.
func Analyze(events []Event, from, to time.Time, th Thresholds) Analysis {
	a := Analysis{From: from, To: to}
	perIP := map[string]int{}
	blocked := map[string]struct{}{}

	for _, ev := range events {
		if ev.OccurredAt.Before(from) || ev.OccurredAt.After(to) {
			continue
		}
		a.TotalEvents++
		switch ev.Type {
		case EventLoginAttempt:
			if success, ok := ev.Data["success"].(bool); ok && !success {
				a.FailedLogins++
			}
		case EventIPBlockedRateLimit:
			if _, seen := blocked[ev.IP]; !seen {
				blocked[ev.IP] = struct{}{}
				a.BlockedIPs = append(a.BlockedIPs, ev.IP)
			}
		case EventCSRFViolation:
			a.CSRFViolations++
			a.Suspicious = append(a.Suspicious, ev)
		case EventSessionHijack, EventRememberReplay:
			a.HijackAttempts++
			a.Suspicious = append(a.Suspicious, ev)
		}
		if ev.IP != "" {
			perIP[ev.IP]++
		}
	}

	for ip, n := range perIP {
		a.TopIPs = append(a.TopIPs, IPCount{IP: ip, Count: n})
	}
	sort.Slice(a.TopIPs, func(i, j int) bool {
		if a.TopIPs[i].Count == a.TopIPs[j].Count {
			return a.TopIPs[i].IP < a.TopIPs[j].IP
		}
		return a.TopIPs[i].Count > a.TopIPs[j].Count
	})
	if len(a.TopIPs) > topIPLimit {
		a.TopIPs = a.TopIPs[:topIPLimit]
	}

	a.Recommendations = recommend(a, th)
	return a
}

func recommend(a Analysis, th Thresholds) []Recommendation {
	var out []Recommendation
	if a.FailedLogins > th.FailedLogins {
		out = append(out, Recommendation{
			Severity: SeverityWarning,
			Title:    "Many failed logins",
			Message:  fmt.Sprintf("%d failed logins in the selected period.", a.FailedLogins),
			Action:   "Consider a longer lockout or a lower attempt limit.",
		})
	}
	if len(a.BlockedIPs) > th.BlockedIPs {
		out = append(out, Recommendation{
			Severity: SeverityHigh,
			Title:    "Many blocked IPs",
			Message:  fmt.Sprintf("%d addresses were blocked for suspicious activity.", len(a.BlockedIPs)),
			Action:   "Check for a coordinated attack.",
		})
	}
	if a.CSRFViolations > 0 {
		out = append(out, Recommendation{
			Severity: SeverityWarning,
			Title:    "CSRF token violations",
			Message:  fmt.Sprintf("%d requests failed CSRF verification.", a.CSRFViolations),
			Action:   "Look for cross-site request forgery attempts.",
		})
	}
	if len(a.Suspicious) > th.SuspiciousEvents {
		out = append(out, Recommendation{
			Severity: SeverityHigh,
			Title:    "Repeated suspicious activity",
			Message:  fmt.Sprintf("%d suspicious events were recorded.", len(a.Suspicious)),
			Action:   "Review the logs in detail.",
		})
	}
	return out
}

// WithAccountHealth appends user-table recommendations.
func (a *Analysis) WithAccountHealth(h AccountHealth) {
	if h.LegacyHashes > 0 {
		a.Recommendations = append(a.Recommendations, Recommendation{
			Severity: SeverityWarning,
			Title:    "Passwords on the legacy hash",
			Message:  fmt.Sprintf("%d accounts still use a bcrypt hash.", h.LegacyHashes),
			Action:   "They are upgraded on next login; force a reset for accounts that never return.",
		})
	}
	if h.Dormant > 0 {
		a.Recommendations = append(a.Recommendations, Recommendation{
			Severity: SeverityInfo,
			Title:    "Dormant accounts",
			Message:  fmt.Sprintf("%d accounts have not logged in for more than 90 days.", h.Dormant),
			Action:   "Consider deactivating them.",
		})
	}
}

// Alerts returns the threshold breaches of an analysis.
func (a Analysis) Alerts(th Thresholds) []Alert {
	var out []Alert
	if a.FailedLogins > th.FailedLogins {
		out = append(out, Alert{
			Level:   AlertHigh,
			Title:   "Many failed logins",
			Message: fmt.Sprintf("%d failed logins between %s and %s.", a.FailedLogins, a.From.Format(time.RFC3339), a.To.Format(time.RFC3339)),
		})
	}
	if len(a.BlockedIPs) > th.BlockedIPs {
		out = append(out, Alert{
			Level:   AlertCritical,
			Title:   "Many blocked IPs",
			Message: fmt.Sprintf("%d addresses blocked. An attack may be in progress.", len(a.BlockedIPs)),
		})
	}
	return out
}
