package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/sisadmin/sisadmin/internal/jobs"
	"github.com/sisadmin/sisadmin/internal/security"
)

// Analyzer runs the security log analysis. Alerts are dispatched as a side
// effect when thresholds are crossed.
type Analyzer interface {
	Analyze(ctx context.Context, period time.Duration) (security.Analysis, error)
}

// SecurityJobs handles the security task types.
type SecurityJobs struct {
	analyzer Analyzer
	mailer   Mailer
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewSecurityJobs constructs the security task handlers.
func NewSecurityJobs(analyzer Analyzer, mailer Mailer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SecurityJobs {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}
	return &SecurityJobs{analyzer: analyzer, mailer: mailer, logger: logger, metrics: metrics}
}

// HandleSendEmail processes TaskTypeSendEmail tasks.
func (j *SecurityJobs) HandleSendEmail(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode send email payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskTypeSendEmail)
	return tracker.End(j.mailer.Send(ctx, payload.To, payload.Subject, payload.Body))
}

// HandleAlert processes TaskTypeSecurityAlert tasks.
func (j *SecurityJobs) HandleAlert(ctx context.Context, t *asynq.Task) error {
	var payload SecurityAlertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode security alert payload: %w", asynq.SkipRetry)
	}
	if len(payload.Alerts) == 0 {
		return nil
	}
	tracker := j.metrics.Track(TaskTypeSecurityAlert)
	for _, a := range payload.Alerts {
		j.logger.Warn("security alert", slog.String("level", a.Level), slog.String("title", a.Title), slog.String("message", a.Message))
		j.metrics.AddAlerts(a.Level, 1)
	}
	if payload.To == "" {
		return tracker.End(nil)
	}
	subject, body := FormatAlertMail(payload)
	return tracker.End(j.mailer.Send(ctx, payload.To, subject, body))
}

// HandleScan processes TaskTypeSecurityScan tasks.
func (j *SecurityJobs) HandleScan(ctx context.Context, t *asynq.Task) error {
	var payload SecurityScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode security scan payload: %w", asynq.SkipRetry)
	}
	period, err := time.ParseDuration(payload.Period)
	if err != nil || period <= 0 {
		period = time.Hour
	}
	tracker := j.metrics.Track(TaskTypeSecurityScan)
	analysis, err := j.analyzer.Analyze(ctx, period)
	if err != nil {
		return tracker.End(err)
	}
	j.logger.Info("security scan",
		slog.Duration("period", period),
		slog.Int("events", analysis.TotalEvents),
		slog.Int("failed_logins", analysis.FailedLogins),
		slog.Int("blocked_ips", len(analysis.BlockedIPs)))
	return tracker.End(nil)
}

// FormatAlertMail renders the subject and plain-text body of an alert mail.
func FormatAlertMail(p SecurityAlertPayload) (string, string) {
	level := "warning"
	for _, a := range p.Alerts {
		if a.Level == security.AlertCritical {
			level = "critical"
			break
		}
	}
	subject := fmt.Sprintf("[sisadmin] %d security alert(s), %s", len(p.Alerts), level)

	var b strings.Builder
	fmt.Fprintf(&b, "Raised at %s\n\n", p.RaisedAt.UTC().Format(time.RFC3339))
	for _, a := range p.Alerts {
		fmt.Fprintf(&b, "[%s] %s\n%s\n\n", strings.ToUpper(a.Level), a.Title, a.Message)
	}
	b.WriteString("Review the security panel at /security.\n")
	return subject, b.String()
}
