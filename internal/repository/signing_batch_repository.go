package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/database"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
)

// SigningBatchRepository persists signing batches and their step progress.
// Progress writes are read-modify-write under a row lock so a flag that is
// already set is never lost.
type SigningBatchRepository struct {
	db *database.DB
}

// NewSigningBatchRepository creates a new SigningBatchRepository.
func NewSigningBatchRepository(db *database.DB) *SigningBatchRepository {
	return &SigningBatchRepository{db: db}
}

// Create inserts a new batch. The ID is assigned by the caller.
func (r *SigningBatchRepository) Create(ctx context.Context, b *SigningBatch) error {
	documentsJSON, err := json.Marshal(b.Documents)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal batch documents")
	}
	progressJSON, err := json.Marshal(b.Progress)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal batch progress")
	}

	query := `
		INSERT INTO signing_batches
		    (id, owner_id, document_key, documents,
		     provider_process_id, progress, status, last_session_id)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7::signing_batch_status, $8)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		b.ID,
		b.OwnerID,
		b.DocumentKey,
		documentsJSON,
		b.ProviderProcessID,
		progressJSON,
		b.Status,
		b.LastSessionID,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create signing batch")
	}
	return nil
}

// GetByID retrieves a batch by its primary key.
func (r *SigningBatchRepository) GetByID(ctx context.Context, id string) (*SigningBatch, error) {
	query := `
		SELECT id, owner_id, document_key, documents,
		       provider_process_id, progress, status::text,
		       signing_url, last_session_id,
		       created_at, updated_at
		FROM signing_batches
		WHERE id = $1
	`

	b, err := r.scanBatch(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("signing_batch", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get signing batch")
	}
	return b, nil
}

// FindLatestOpen returns the newest batch for the same owner and document set
// that has not completed. Returns nil when there is none.
func (r *SigningBatchRepository) FindLatestOpen(ctx context.Context, ownerID, documentKey string) (*SigningBatch, error) {
	query := `
		SELECT id, owner_id, document_key, documents,
		       provider_process_id, progress, status::text,
		       signing_url, last_session_id,
		       created_at, updated_at
		FROM signing_batches
		WHERE owner_id = $1
		  AND document_key = $2
		  AND status <> 'completed'
		ORDER BY created_at DESC
		LIMIT 1
	`

	b, err := r.scanBatch(r.db.QueryRow(ctx, query, ownerID, documentKey))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find open signing batch")
	}
	return b, nil
}

// LoadProgress returns the persisted progress record of a batch.
func (r *SigningBatchRepository) LoadProgress(ctx context.Context, batchID string) (StepProgress, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT progress FROM signing_batches WHERE id = $1`, batchID).Scan(&raw)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return StepProgress{}, errors.NotFound("signing_batch", batchID)
	}
	if err != nil {
		return StepProgress{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to load step progress")
	}
	return decodeProgress(raw)
}

// SaveProgress merges progress into the stored record, writes it back along
// with the new status and returns the merged record.
func (r *SigningBatchRepository) SaveProgress(ctx context.Context, batchID string, progress StepProgress, status BatchStatus) (StepProgress, error) {
	var merged StepProgress

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT progress FROM signing_batches WHERE id = $1 FOR UPDATE`, batchID,
		).Scan(&raw)
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.NotFound("signing_batch", batchID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock step progress")
		}

		stored, err := decodeProgress(raw)
		if err != nil {
			return err
		}
		merged = progress.Merge(stored)

		progressJSON, err := json.Marshal(merged)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step progress")
		}

		_, err = tx.Exec(ctx, `
			UPDATE signing_batches
			SET progress            = $2,
			    provider_process_id = $3,
			    status              = $4::signing_batch_status,
			    updated_at          = NOW()
			WHERE id = $1
		`, batchID, progressJSON, merged.ProviderProcessID, status)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save step progress")
		}
		return nil
	})
	if err != nil {
		return StepProgress{}, err
	}
	return merged, nil
}

// UpdateStatus sets the batch status and the session of the latest run.
func (r *SigningBatchRepository) UpdateStatus(ctx context.Context, batchID string, status BatchStatus, sessionID string) error {
	query := `
		UPDATE signing_batches
		SET status          = $2::signing_batch_status,
		    last_session_id = COALESCE(NULLIF($3, ''), last_session_id),
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, batchID, status, sessionID).Scan(&returnedID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("signing_batch", batchID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update signing batch status")
	}
	return nil
}

// MarkWaitingSignature stores the signing URL and moves the batch to
// waiting_signature.
func (r *SigningBatchRepository) MarkWaitingSignature(ctx context.Context, batchID, signingURL, sessionID string) error {
	query := `
		UPDATE signing_batches
		SET status          = 'waiting_signature'::signing_batch_status,
		    signing_url     = $2,
		    last_session_id = $3,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, batchID, signingURL, sessionID).Scan(&returnedID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("signing_batch", batchID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to store signing url")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type batchScanner interface {
	Scan(dest ...any) error
}

func (r *SigningBatchRepository) scanBatch(row batchScanner) (*SigningBatch, error) {
	b := &SigningBatch{}
	var documentsJSON, progressJSON []byte

	err := row.Scan(
		&b.ID,
		&b.OwnerID,
		&b.DocumentKey,
		&documentsJSON,
		&b.ProviderProcessID,
		&progressJSON,
		&b.Status,
		&b.SigningURL,
		&b.LastSessionID,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(documentsJSON, &b.Documents); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal batch documents")
	}
	if b.Progress, err = decodeProgress(progressJSON); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeProgress(raw []byte) (StepProgress, error) {
	var p StepProgress
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal step progress")
	}
	return p, nil
}
