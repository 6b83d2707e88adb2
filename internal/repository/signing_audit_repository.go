package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/database"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
)

// SigningAuditRepository appends and reads immutable step audit entries.
type SigningAuditRepository struct {
	db *database.DB
}

// NewSigningAuditRepository creates a new SigningAuditRepository.
func NewSigningAuditRepository(db *database.DB) *SigningAuditRepository {
	return &SigningAuditRepository{db: db}
}

// Append inserts one audit entry. A trigger on signing_audit_log rejects
// UPDATE and DELETE, so this is the only mutation the table accepts.
func (r *SigningAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	requestJSON, err := marshalPayload(entry.RequestPayload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit request payload")
	}
	responseJSON, err := marshalPayload(entry.ResponsePayload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit response payload")
	}

	query := `
		INSERT INTO signing_audit_log
		    (session_id, batch_id, owner_id, document_id,
		     step_number, step, request_payload, response_payload,
		     status)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9)
		RETURNING id::text, created_at
	`

	return r.db.QueryRow(ctx, query,
		entry.SessionID,
		entry.BatchID,
		entry.OwnerID,
		entry.DocumentID,
		entry.StepNumber,
		entry.Step,
		requestJSON,
		responseJSON,
		string(entry.Status),
	).Scan(&entry.ID, &entry.CreatedAt)
}

// GetBySessionID returns every entry written by one orchestration run.
func (r *SigningAuditRepository) GetBySessionID(ctx context.Context, sessionID string) ([]*AuditEntry, error) {
	query := `
		SELECT id::text, session_id, batch_id, owner_id, document_id,
		       step_number, step, request_payload, response_payload,
		       status, created_at
		FROM signing_audit_log
		WHERE session_id = $1
		ORDER BY created_at ASC, step_number ASC
	`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get session audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByBatchID returns the full audit trail of a batch across all runs,
// including entries of those runs written before the batch was resolved.
func (r *SigningAuditRepository) GetByBatchID(ctx context.Context, batchID string) ([]*AuditEntry, error) {
	query := `
		SELECT id::text, session_id, batch_id, owner_id, document_id,
		       step_number, step, request_payload, response_payload,
		       status, created_at
		FROM signing_audit_log
		WHERE batch_id = $1
		   OR session_id IN (
		       SELECT session_id FROM signing_audit_log WHERE batch_id = $1
		   )
		ORDER BY created_at ASC, step_number ASC
	`

	rows, err := r.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get batch audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *SigningAuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit log")
	}
	return entries, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *SigningAuditRepository) scanEntry(sc auditScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var requestJSON, responseJSON []byte
	var status string

	err := sc.Scan(
		&entry.ID,
		&entry.SessionID,
		&entry.BatchID,
		&entry.OwnerID,
		&entry.DocumentID,
		&entry.StepNumber,
		&entry.Step,
		&requestJSON,
		&responseJSON,
		&status,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}
	entry.Status = AuditStatus(status)

	if requestJSON != nil {
		if err := json.Unmarshal(requestJSON, &entry.RequestPayload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit request payload")
		}
	}
	if responseJSON != nil {
		if err := json.Unmarshal(responseJSON, &entry.ResponsePayload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit response payload")
		}
	}

	return entry, nil
}

func marshalPayload(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}
