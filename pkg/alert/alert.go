// Package alert notifies operators about the outcome of long-running
// training jobs.
package alert

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/soundprediction/biencoder/pkg/config"
)

// Alerter delivers a subject and message to whoever watches the run.
type Alerter interface {
	Alert(subject, message string) error
}

// TrainingOutcome summarizes a run for the notification message. A non-nil
// Err marks the run as failed; the step and loss fields describe a
// completed one.
type TrainingOutcome struct {
	GlobalStep   int
	TrainingLoss float64
	EarlyStopped bool
	Err          error
}

func (o TrainingOutcome) subject() string {
	if o.Err != nil {
		return "training failed"
	}
	return "training finished"
}

func (o TrainingOutcome) message() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "global step: %d\n", o.GlobalStep)
	fmt.Fprintf(&b, "training loss: %.6f\n", o.TrainingLoss)
	if o.EarlyStopped {
		b.WriteString("stopped early: no improvement within patience\n")
	}
	return b.String()
}

// NotifyTrainingOutcome formats the outcome and sends it through the
// alerter.
func NotifyTrainingOutcome(a Alerter, o TrainingOutcome) error {
	return a.Alert(o.subject(), o.message())
}

// EmailAlerter sends alerts over SMTP. A disabled configuration silently
// succeeds, so callers alert unconditionally.
type EmailAlerter struct {
	cfg config.AlertConfig
}

func NewEmailAlerter(cfg config.AlertConfig) *EmailAlerter {
	return &EmailAlerter{cfg: cfg}
}

func (a *EmailAlerter) Alert(subject, message string) error {
	if !a.cfg.Enabled {
		return nil
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(a.cfg.To, ","))
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(&msg, "%s\r\n", message)

	addr := fmt.Sprintf("%s:%d", a.cfg.SMTPHost, a.cfg.SMTPPort)
	auth := smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.SMTPHost)
	if err := smtp.SendMail(addr, auth, a.cfg.From, a.cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

// NoOpAlerter discards every alert.
type NoOpAlerter struct{}

func (NoOpAlerter) Alert(subject, message string) error { return nil }
