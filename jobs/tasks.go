package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sisadmin/sisadmin/internal/security"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries security notifications ahead of routine work.
	QueueCritical = "critical"

	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeSecurityAlert delivers a batch of security alerts.
	TaskTypeSecurityAlert = "security:alert"
	// TaskTypeSecurityScan analyses the recent security log on a schedule.
	TaskTypeSecurityScan = "security:scan"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// SecurityAlertPayload is the body of a security:alert task.
type SecurityAlertPayload struct {
	To       string           `json:"to"`
	Alerts   []security.Alert `json:"alerts"`
	RaisedAt time.Time        `json:"raised_at"`
}

// NewSecurityAlertTask constructs a security:alert task.
func NewSecurityAlertTask(payload SecurityAlertPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSecurityAlert, data), nil
}

// SecurityScanPayload is the body of a security:scan task.
type SecurityScanPayload struct {
	// Period is the look-back window, for example "1h".
	Period string `json:"period"`
}

// NewSecurityScanTask constructs a security:scan task.
func NewSecurityScanTask(period time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(SecurityScanPayload{Period: period.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSecurityScan, data), nil
}
