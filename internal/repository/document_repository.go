package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/database"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
)

// DocumentRepository reads the signable documents owned by the CRUD
// services (wills, insurance contracts) and their owners. The only write is
// flipping signature_status once the signed archive has been reconciled.
type DocumentRepository struct {
	db *database.DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *database.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// GetDocuments loads the records behind refs. Documents that do not exist are
// simply absent from the result.
func (r *DocumentRepository) GetDocuments(ctx context.Context, refs []DocumentRef) ([]*DocumentRecord, error) {
	willIDs, contractIDs := splitByKind(refs)
	var records []*DocumentRecord

	if len(willIDs) > 0 {
		rows, err := r.db.Query(ctx, `
			SELECT id, owner_id, version, signature_status, pdf_path
			FROM wills
			WHERE id = ANY($1)
		`, willIDs)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get wills")
		}
		found, err := scanDocuments(rows, DocumentKindWill)
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}

	if len(contractIDs) > 0 {
		rows, err := r.db.Query(ctx, `
			SELECT id, owner_id, NULL::int, signature_status, pdf_path
			FROM insurance_contracts
			WHERE id = ANY($1)
		`, contractIDs)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get insurance contracts")
		}
		found, err := scanDocuments(rows, DocumentKindInsuranceContract)
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}

	return records, nil
}

// GetWillVersions returns the current version of each will in one query.
func (r *DocumentRepository) GetWillVersions(ctx context.Context, ids []string) (map[string]int, error) {
	versions := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return versions, nil
	}

	rows, err := r.db.Query(ctx, `SELECT id, version FROM wills WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get will versions")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var version int
		if err := rows.Scan(&id, &version); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan will version")
		}
		versions[id] = version
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read will versions")
	}
	return versions, nil
}

// GetSigner returns the legal name and email of the account owner.
func (r *DocumentRepository) GetSigner(ctx context.Context, ownerID string) (*Signer, error) {
	s := &Signer{OwnerID: ownerID}
	err := r.db.QueryRow(ctx, `
		SELECT TRIM(CONCAT_WS(' ', first_name, last_name, second_last_name)), email
		FROM users
		WHERE id = $1
	`, ownerID).Scan(&s.LegalName, &s.Email)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user", ownerID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get signer")
	}
	return s, nil
}

// MarkSigned sets signature_status = 'signed' on every referenced document.
func (r *DocumentRepository) MarkSigned(ctx context.Context, refs []DocumentRef) error {
	willIDs, contractIDs := splitByKind(refs)

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if len(willIDs) > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE wills SET signature_status = $2, updated_at = NOW()
				WHERE id = ANY($1)
			`, willIDs, SignatureStatusSigned); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark wills signed")
			}
		}
		if len(contractIDs) > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE insurance_contracts SET signature_status = $2, updated_at = NOW()
				WHERE id = ANY($1)
			`, contractIDs, SignatureStatusSigned); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark insurance contracts signed")
			}
		}
		return nil
	})
}

func splitByKind(refs []DocumentRef) (willIDs, contractIDs []string) {
	for _, ref := range refs {
		switch ref.Kind {
		case DocumentKindWill:
			willIDs = append(willIDs, ref.ID)
		case DocumentKindInsuranceContract:
			contractIDs = append(contractIDs, ref.ID)
		}
	}
	return willIDs, contractIDs
}

func scanDocuments(rows pgx.Rows, kind DocumentKind) ([]*DocumentRecord, error) {
	defer rows.Close()

	var records []*DocumentRecord
	for rows.Next() {
		rec := &DocumentRecord{Kind: kind}
		var status, path *string
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Version, &status, &path); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan document")
		}
		if status != nil {
			rec.SignatureStatus = *status
		}
		if path != nil {
			rec.SourcePath = *path
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read documents")
	}
	return records, nil
}
