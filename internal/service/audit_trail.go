package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-esign-orchestrator/internal/client"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/logger"
	"github.com/pesio-ai/be-esign-orchestrator/internal/repository"
)

// AuditStore persists and reads audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetBySessionID(ctx context.Context, sessionID string) ([]*repository.AuditEntry, error)
	GetByBatchID(ctx context.Context, batchID string) ([]*repository.AuditEntry, error)
}

// AlertSink receives alerts for failed steps.
type AlertSink interface {
	PublishStepFailed(ctx context.Context, alert *client.StepFailedAlert)
}

const auditWriteTimeout = 5 * time.Second

// AuditTrail records every orchestration step attempt. Record never fails:
// a broken audit write must not abort a step that otherwise succeeded.
type AuditTrail struct {
	repo   AuditStore
	alerts AlertSink
	log    *logger.Logger
}

// NewAuditTrail creates a new AuditTrail. alerts may be nil.
func NewAuditTrail(repo AuditStore, alerts AlertSink, log *logger.Logger) *AuditTrail {
	return &AuditTrail{repo: repo, alerts: alerts, log: log}
}

// Record appends entry and, for failed entries, emits an alert. The write
// survives cancellation of ctx so a timed-out step is still recorded.
func (a *AuditTrail) Record(ctx context.Context, entry *repository.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := a.repo.Append(ctx, entry); err != nil {
		a.log.Warn().Err(err).
			Str("session_id", entry.SessionID).
			Str("batch_id", entry.BatchID).
			Int("step_number", entry.StepNumber).
			Msg("Failed to write audit log entry")
	}

	if entry.Status != repository.AuditStatusFailed || a.alerts == nil {
		return
	}

	alert := &client.StepFailedAlert{
		OwnerID:    entry.OwnerID,
		BatchID:    entry.BatchID,
		SessionID:  entry.SessionID,
		StepNumber: entry.StepNumber,
		Step:       entry.Step,
		Payload:    entry.ResponsePayload,
	}
	if entry.DocumentID != nil {
		alert.DocumentID = *entry.DocumentID
	}
	a.alerts.PublishStepFailed(ctx, alert)
}

// ForBatch returns every entry recorded for a batch, oldest first.
func (a *AuditTrail) ForBatch(ctx context.Context, batchID string) ([]*repository.AuditEntry, error) {
	return a.repo.GetByBatchID(ctx, batchID)
}

// ForSession returns the entries of one run. The session id is the reference
// handed to callers in provider failure messages.
func (a *AuditTrail) ForSession(ctx context.Context, sessionID string) ([]*repository.AuditEntry, error) {
	entries, err := a.repo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.NotFound("signing_session", sessionID)
	}
	return entries, nil
}
