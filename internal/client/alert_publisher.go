package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// AlertSubjectStepFailed is the subject failed orchestration steps are
// published on.
const AlertSubjectStepFailed = "alerts.esign.step_failed"

// Publisher is the subset of the NATS client the alert publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// AlertPublisher publishes failed-step alerts to NATS JetStream for the
// on-call notification service.
//
// All publish operations are non-fatal: errors are logged but never returned,
// so an alert failure never interrupts an orchestration step.
type AlertPublisher struct {
	nats Publisher
	log  zerolog.Logger
}

// StepFailedAlert is the JSON schema published to NATS.
type StepFailedAlert struct {
	EventType  string                 `json:"event_type"`
	Severity   string                 `json:"severity"`
	Message    string                 `json:"message"`
	OwnerID    string                 `json:"owner_id"`
	BatchID    string                 `json:"batch_id"`
	DocumentID string                 `json:"document_id,omitempty"`
	SessionID  string                 `json:"session_id"`
	StepNumber int                    `json:"step_number"`
	Step       string                 `json:"step"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// NewAlertPublisher creates a publisher. A nil Publisher disables alerts.
func NewAlertPublisher(nats Publisher, log zerolog.Logger) *AlertPublisher {
	return &AlertPublisher{nats: nats, log: log}
}

// PublishStepFailed publishes alert on AlertSubjectStepFailed.
func (p *AlertPublisher) PublishStepFailed(ctx context.Context, alert *StepFailedAlert) {
	if p == nil || p.nats == nil {
		return
	}

	alert.EventType = "esign_step_failed"
	if alert.Severity == "" {
		alert.Severity = "error"
	}
	if alert.Message == "" {
		alert.Message = FormatStepFailedMessage(alert)
	}

	data, err := json.Marshal(alert)
	if err != nil {
		p.log.Warn().Err(err).Str("session_id", alert.SessionID).Msg("alert: failed to marshal event")
		return
	}

	if err := p.nats.Publish(ctx, AlertSubjectStepFailed, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", AlertSubjectStepFailed).
			Str("session_id", alert.SessionID).
			Msg("alert: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", AlertSubjectStepFailed).
		Str("session_id", alert.SessionID).
		Int("step_number", alert.StepNumber).
		Msg("alert: event published")
}

// FormatStepFailedMessage renders the human readable alert line.
func FormatStepFailedMessage(a *StepFailedAlert) string {
	msg := fmt.Sprintf("E-signature step %d (%s) failed for owner %s, batch %s, session %s",
		a.StepNumber, a.Step, a.OwnerID, a.BatchID, a.SessionID)
	if a.DocumentID != "" {
		msg += fmt.Sprintf(", document %s", a.DocumentID)
	}
	return msg
}
