package repository

import (
	"slices"
	"time"
)

// ── Domain types for signing batches ─────────────────────────────────────────

// DocumentKind selects the lookup table and the storage key layout.
type DocumentKind string

const (
	DocumentKindWill              DocumentKind = "will"
	DocumentKindInsuranceContract DocumentKind = "insurance_contract"
)

// Valid reports whether k is a supported kind.
func (k DocumentKind) Valid() bool {
	return k == DocumentKindWill || k == DocumentKindInsuranceContract
}

// SignatureStatusSigned is the collaborator-side status of a finished document.
const SignatureStatusSigned = "signed"

// DocumentRef is one logical document submitted in a batch.
type DocumentRef struct {
	ID         string       `json:"id"`
	Kind       DocumentKind `json:"kind"`
	SourcePath string       `json:"source_path,omitempty"`
}

// BatchStatus is the lifecycle state of a signing batch.
type BatchStatus string

const (
	BatchStatusInitiated              BatchStatus = "initiated"
	BatchStatusProviderProcessCreated BatchStatus = "provider_process_created"
	BatchStatusFilesAttached          BatchStatus = "files_attached"
	BatchStatusTitleSet               BatchStatus = "title_set"
	BatchStatusSignersSet             BatchStatus = "signers_set"
	BatchStatusTokenIssued            BatchStatus = "token_issued"
	BatchStatusWaitingSignature       BatchStatus = "waiting_signature"
	BatchStatusFailed                 BatchStatus = "failed"
	BatchStatusCompleted              BatchStatus = "completed"
	BatchStatusReconciliationFailed   BatchStatus = "reconciliation_failed"
)

// Resumable reports whether a new sign request may continue this batch.
// A batch waiting for signature is resumable: the rerun only logs in and
// issues a fresh token. A reconciliation_failed batch is already signed and
// only waits for its archive.
func (s BatchStatus) Resumable() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusReconciliationFailed:
		return false
	}
	return true
}

// AwaitingArchive reports whether a provider callback may be applied.
func (s BatchStatus) AwaitingArchive() bool {
	return s == BatchStatusWaitingSignature || s == BatchStatusReconciliationFailed
}

// StepProgress records which provider steps already succeeded for a batch.
// Flags only ever go from false to true.
type StepProgress struct {
	ProviderProcessID *int64   `json:"provider_process_id,omitempty"`
	FileAdded         bool     `json:"file_added"`
	AttachedDocuments []string `json:"attached_documents,omitempty"`
	TitleSet          bool     `json:"title_set"`
	SignersSet        bool     `json:"signers_set"`
}

// IsAttached reports whether documentID was already uploaded to the provider.
func (p *StepProgress) IsAttached(documentID string) bool {
	return p.FileAdded || slices.Contains(p.AttachedDocuments, documentID)
}

// MarkAttached records a successful upload of documentID.
func (p *StepProgress) MarkAttached(documentID string) {
	if !slices.Contains(p.AttachedDocuments, documentID) {
		p.AttachedDocuments = append(p.AttachedDocuments, documentID)
	}
}

// Merge returns the union of p and stored: a flag set on either side stays
// set, and a process id already stored wins over a new one.
func (p StepProgress) Merge(stored StepProgress) StepProgress {
	out := StepProgress{
		ProviderProcessID: stored.ProviderProcessID,
		FileAdded:         p.FileAdded || stored.FileAdded,
		TitleSet:          p.TitleSet || stored.TitleSet,
		SignersSet:        p.SignersSet || stored.SignersSet,
	}
	if out.ProviderProcessID == nil {
		out.ProviderProcessID = p.ProviderProcessID
	}
	out.AttachedDocuments = append(out.AttachedDocuments, stored.AttachedDocuments...)
	for _, id := range p.AttachedDocuments {
		out.MarkAttached(id)
	}
	return out
}

// SigningBatch is one orchestration run over one or more documents.
type SigningBatch struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"owner_id"`
	DocumentKey       string        `json:"document_key"`
	Documents         []DocumentRef `json:"documents"`
	ProviderProcessID *int64        `json:"provider_process_id,omitempty"`
	Progress          StepProgress  `json:"progress"`
	Status            BatchStatus   `json:"status"`
	SigningURL        *string       `json:"signing_url,omitempty"`
	LastSessionID     *string       `json:"last_session_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// AuditStatus is the outcome of one orchestration step.
type AuditStatus string

const (
	AuditStatusOK     AuditStatus = "ok"
	AuditStatusFailed AuditStatus = "failed"
)

// AuditEntry is one immutable record of a step attempt.
type AuditEntry struct {
	ID              string                 `json:"id"`
	SessionID       string                 `json:"session_id"`
	BatchID         string                 `json:"batch_id"`
	OwnerID         string                 `json:"owner_id"`
	DocumentID      *string                `json:"document_id,omitempty"`
	StepNumber      int                    `json:"step_number"`
	Step            string                 `json:"step"`
	RequestPayload  map[string]interface{} `json:"request_payload,omitempty"`
	ResponsePayload map[string]interface{} `json:"response_payload,omitempty"`
	Status          AuditStatus            `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
}

// DocumentRecord is what the document tables know about a signable document.
type DocumentRecord struct {
	ID              string
	Kind            DocumentKind
	OwnerID         string
	Version         *int
	SignatureStatus string
	SourcePath      string
}

// Signer identifies the person who signs on behalf of an owner account.
type Signer struct {
	OwnerID   string
	LegalName string
	Email     string
}
