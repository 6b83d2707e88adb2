package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-esign-orchestrator/internal/client"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/logger"
	"github.com/pesio-ai/be-esign-orchestrator/internal/repository"
)

// Orchestration steps. The numbers are shared with the audit trail so all
// entries of a run can be correlated.
const (
	StepProcessStart  = 0
	StepLogin         = 1
	StepCreateProcess = 2
	StepAttachFile    = 3
	StepSetTitle      = 4
	StepSetSigners    = 5
	StepIssueToken    = 6
	StepReconcile     = 7
)

var stepNames = map[int]string{
	StepProcessStart:  "process_start",
	StepLogin:         "login",
	StepCreateProcess: "create_process",
	StepAttachFile:    "attach_file",
	StepSetTitle:      "set_title",
	StepSetSigners:    "set_signers",
	StepIssueToken:    "issue_token",
	StepReconcile:     "reconcile",
}

// Provider field codes for /process/update.
const (
	fieldTitle       = "p8"
	fieldSignerCount = "p33"
	signerCount      = "1"
	loginSuccess     = "1"
	signingURLIDP    = "6177"
)

// BatchStore persists signing batches.
type BatchStore interface {
	Create(ctx context.Context, b *repository.SigningBatch) error
	GetByID(ctx context.Context, id string) (*repository.SigningBatch, error)
	FindLatestOpen(ctx context.Context, ownerID, documentKey string) (*repository.SigningBatch, error)
	UpdateStatus(ctx context.Context, batchID string, status repository.BatchStatus, sessionID string) error
	MarkWaitingSignature(ctx context.Context, batchID, signingURL, sessionID string) error
}

// StepProgressStore is the read-modify-write boundary for step progress.
type StepProgressStore interface {
	LoadProgress(ctx context.Context, batchID string) (repository.StepProgress, error)
	SaveProgress(ctx context.Context, batchID string, progress repository.StepProgress, status repository.BatchStatus) (repository.StepProgress, error)
}

// DocumentLookup reads the documents and owners managed by the CRUD services.
type DocumentLookup interface {
	GetDocuments(ctx context.Context, refs []repository.DocumentRef) ([]*repository.DocumentRecord, error)
	GetSigner(ctx context.Context, ownerID string) (*repository.Signer, error)
	MarkSigned(ctx context.Context, refs []repository.DocumentRef) error
}

// ProviderSettings are the organization credentials and fixed identifiers
// sent to the signing provider.
type ProviderSettings struct {
	BaseURL     string
	Org         string
	User        string
	Password    string
	IDCat       string
	IDSol       string
	IDCto       string
	HandlerID   string
	UpdateTipo  string
	TokenTipo   string
	TokenPerfil string
	TokenFirma  string
}

// SignBatchRequest asks for one or more documents of an owner to be signed.
// BatchID is optional; without it the newest resumable batch for the same
// document set is continued, or a new one is created.
type SignBatchRequest struct {
	OwnerID   string                   `json:"owner_id"`
	BatchID   string                   `json:"batch_id,omitempty"`
	Documents []repository.DocumentRef `json:"documents"`
}

// SigningResult is returned once the provider issued an access token.
type SigningResult struct {
	BatchID           string `json:"batch_id"`
	SigningURL        string `json:"signing_url"`
	ProviderProcessID int64  `json:"provider_process_id"`
	SessionID         string `json:"session_id"`
}

// CompletionResult is returned after a signed archive was reconciled.
type CompletionResult struct {
	BatchID    string           `json:"batch_id"`
	SessionID  string           `json:"session_id"`
	ArchiveKey string           `json:"archive_key"`
	Files      []ReconciledFile `json:"files"`
}

// SignatureOrchestrator drives a signing batch through the provider protocol,
// skipping every step its persisted progress already records.
type SignatureOrchestrator struct {
	batches    BatchStore
	progress   StepProgressStore
	documents  DocumentLookup
	artifacts  client.ArtifactStore
	provider   client.ProviderSessionFactory
	reconciler *ZipReconciler
	audit      *AuditTrail
	locker     Locker
	settings   ProviderSettings
	log        *logger.Logger
	newID      func() string
}

// NewSignatureOrchestrator creates a new SignatureOrchestrator.
func NewSignatureOrchestrator(
	batches BatchStore,
	progress StepProgressStore,
	documents DocumentLookup,
	artifacts client.ArtifactStore,
	provider client.ProviderSessionFactory,
	reconciler *ZipReconciler,
	audit *AuditTrail,
	locker Locker,
	settings ProviderSettings,
	log *logger.Logger,
) *SignatureOrchestrator {
	return &SignatureOrchestrator{
		batches:    batches,
		progress:   progress,
		documents:  documents,
		artifacts:  artifacts,
		provider:   provider,
		reconciler: reconciler,
		audit:      audit,
		locker:     locker,
		settings:   settings,
		log:        log,
		newID:      uuid.NewString,
	}
}

// signingRun carries the state of one SignBatch invocation.
type signingRun struct {
	sessionID string
	ownerID   string
	batch     *repository.SigningBatch
	progress  repository.StepProgress
	signer    *repository.Signer
}

// ── Sign ──────────────────────────────────────────────────────────────────────

// SignBatch validates the request, then walks the provider protocol for the
// batch. Login and token issuance always run; process creation, attachment,
// title and signer count run only if not already recorded as done.
func (s *SignatureOrchestrator) SignBatch(ctx context.Context, req *SignBatchRequest) (*SigningResult, error) {
	sessionID := s.newID()

	s.audit.Record(ctx, &repository.AuditEntry{
		SessionID:      sessionID,
		BatchID:        req.BatchID,
		OwnerID:        req.OwnerID,
		StepNumber:     StepProcessStart,
		Step:           stepNames[StepProcessStart],
		RequestPayload: map[string]interface{}{"documents": documentIDs(req.Documents)},
		Status:         repository.AuditStatusOK,
	})

	if err := checkRequest(req); err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sessionID).
			Str("owner_id", req.OwnerID).
			Msg("Sign request rejected")
		return nil, err
	}

	documentKey := DocumentKey(req.Documents)
	unlock, err := s.locker.Lock(ctx, req.OwnerID+":"+documentKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock signing batch")
	}
	defer unlock()

	// Signature status is read under the lock: a callback holding it may
	// have just completed the same documents.
	docs, signer, err := s.validate(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sessionID).
			Str("owner_id", req.OwnerID).
			Msg("Sign request rejected")
		return nil, err
	}

	batch, err := s.loadOrCreateBatch(ctx, req, docs, documentKey, sessionID)
	if err != nil {
		return nil, err
	}

	// Re-read under the lock: a concurrent run may have advanced it.
	progress, err := s.progress.LoadProgress(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	run := &signingRun{
		sessionID: sessionID,
		ownerID:   req.OwnerID,
		batch:     batch,
		progress:  progress,
		signer:    signer,
	}

	if err := s.checkArtifacts(ctx, run); err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sessionID).
			Str("batch_id", batch.ID).
			Msg("Sign request rejected")
		return nil, err
	}

	s.log.Info().
		Str("session_id", sessionID).
		Str("batch_id", batch.ID).
		Str("owner_id", req.OwnerID).
		Int("documents", len(batch.Documents)).
		Bool("resumed", progress.ProviderProcessID != nil).
		Msg("Signing batch started")

	result, err := s.runProtocol(ctx, run)
	if err != nil {
		s.markFailed(ctx, run)
		return nil, err
	}

	s.log.Info().
		Str("session_id", sessionID).
		Str("batch_id", batch.ID).
		Int64("provider_process_id", result.ProviderProcessID).
		Msg("Signing batch waiting for signature")

	return result, nil
}

// checkRequest validates the shape of a sign request without touching storage.
func checkRequest(req *SignBatchRequest) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return errors.InvalidInput("owner_id", "owner id is required")
	}
	if len(req.Documents) == 0 {
		return errors.InvalidInput("documents", "at least one document is required")
	}

	seen := make(map[string]bool, len(req.Documents))
	for _, doc := range req.Documents {
		if strings.TrimSpace(doc.ID) == "" {
			return errors.InvalidInput("documents", "document id is required")
		}
		if !doc.Kind.Valid() {
			return errors.InvalidInput("documents", fmt.Sprintf("unsupported document kind '%s'", doc.Kind))
		}
		key := string(doc.Kind) + ":" + doc.ID
		if seen[key] {
			return errors.InvalidInput("documents", fmt.Sprintf("document %s listed twice", doc.ID))
		}
		seen[key] = true
	}
	return nil
}

// validate checks the request against the document tables and returns the
// documents with their source paths resolved.
func (s *SignatureOrchestrator) validate(ctx context.Context, req *SignBatchRequest) ([]repository.DocumentRef, *repository.Signer, error) {
	records, err := s.documents.GetDocuments(ctx, req.Documents)
	if err != nil {
		return nil, nil, err
	}
	byKey := make(map[string]*repository.DocumentRecord, len(records))
	for _, rec := range records {
		byKey[string(rec.Kind)+":"+rec.ID] = rec
	}

	docs := make([]repository.DocumentRef, 0, len(req.Documents))
	for _, doc := range req.Documents {
		rec, ok := byKey[string(doc.Kind)+":"+doc.ID]
		if !ok {
			return nil, nil, errors.NotFound(string(doc.Kind), doc.ID)
		}
		if rec.OwnerID != req.OwnerID {
			return nil, nil, errors.InvalidInput("documents", fmt.Sprintf("document %s does not belong to owner %s", doc.ID, req.OwnerID))
		}
		if rec.SignatureStatus == repository.SignatureStatusSigned {
			return nil, nil, errors.New(errors.ErrCodeConflict, fmt.Sprintf("document %s is already signed", doc.ID))
		}

		ref := repository.DocumentRef{ID: doc.ID, Kind: doc.Kind, SourcePath: doc.SourcePath}
		if ref.SourcePath == "" {
			ref.SourcePath = rec.SourcePath
		}
		if ref.SourcePath == "" {
			return nil, nil, errors.New(errors.ErrCodeArtifactNotFound, fmt.Sprintf("document %s has no source file", doc.ID))
		}
		docs = append(docs, ref)
	}

	signer, err := s.documents.GetSigner(ctx, req.OwnerID)
	if err != nil {
		return nil, nil, err
	}
	if signer.LegalName == "" || signer.Email == "" {
		return nil, nil, errors.InvalidInput("owner_id", "owner has no legal name or email on file")
	}

	return docs, signer, nil
}

// loadOrCreateBatch resumes the requested or newest resumable batch, or
// creates a new one.
func (s *SignatureOrchestrator) loadOrCreateBatch(
	ctx context.Context,
	req *SignBatchRequest,
	docs []repository.DocumentRef,
	documentKey, sessionID string,
) (*repository.SigningBatch, error) {
	if req.BatchID != "" {
		batch, err := s.batches.GetByID(ctx, req.BatchID)
		if err != nil {
			return nil, err
		}
		if batch.OwnerID != req.OwnerID {
			return nil, errors.NotFound("signing_batch", req.BatchID)
		}
		if batch.DocumentKey != documentKey {
			return nil, errors.New(errors.ErrCodeConflict, "documents do not match the existing batch")
		}
		if !batch.Status.Resumable() {
			return nil, errNotResumable(batch)
		}
		return batch, nil
	}

	batch, err := s.batches.FindLatestOpen(ctx, req.OwnerID, documentKey)
	if err != nil {
		return nil, err
	}
	if batch != nil {
		// A batch whose archive failed to reconcile is already signed at the
		// provider; it waits for the archive to be resent.
		if !batch.Status.Resumable() {
			return nil, errNotResumable(batch)
		}
		return batch, nil
	}

	batch = &repository.SigningBatch{
		ID:            s.newID(),
		OwnerID:       req.OwnerID,
		DocumentKey:   documentKey,
		Documents:     docs,
		Status:        repository.BatchStatusInitiated,
		LastSessionID: &sessionID,
	}
	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("batch_id", batch.ID).
		Str("owner_id", batch.OwnerID).
		Str("document_key", documentKey).
		Msg("Signing batch created")

	return batch, nil
}

func errNotResumable(batch *repository.SigningBatch) error {
	if batch.Status == repository.BatchStatusReconciliationFailed {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("batch %s is signed and waiting for the signed archive to be resent", batch.ID))
	}
	return errors.New(errors.ErrCodeConflict,
		fmt.Sprintf("batch cannot be resumed from status '%s'", batch.Status))
}

// checkArtifacts makes sure every document still to be uploaded has its PDF
// in storage before the provider is contacted.
func (s *SignatureOrchestrator) checkArtifacts(ctx context.Context, run *signingRun) error {
	for _, doc := range run.batch.Documents {
		if run.progress.IsAttached(doc.ID) {
			continue
		}
		ok, err := s.artifacts.Exists(ctx, doc.SourcePath)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check document source file")
		}
		if !ok {
			return errors.New(errors.ErrCodeArtifactNotFound,
				fmt.Sprintf("source file for document %s not found", doc.ID))
		}
	}
	return nil
}

// runProtocol performs steps 1 to 6.
func (s *SignatureOrchestrator) runProtocol(ctx context.Context, run *signingRun) (*SigningResult, error) {
	api := s.provider.NewSession()
	cfg := s.settings

	// Step 1: login. Provider sessions do not outlive a run, so this always runs.
	loginForm := url.Values{
		"org":      {cfg.Org},
		"t003c002": {cfg.User},
		"t003c004": {cfg.Password},
	}
	resp := api.Post(ctx, client.ProviderPathLogin, loginForm, nil, true)
	if !resp.Succeeded(loginSuccess) {
		return nil, s.stepFailed(ctx, run, StepLogin, "", redactLogin(loginForm), resp, ErrProviderLoginFailed)
	}
	s.stepOK(ctx, run, StepLogin, "", redactLogin(loginForm), resp)

	// Step 2: create process.
	if run.progress.ProviderProcessID == nil {
		form := url.Values{"idcat": {cfg.IDCat}, "idsol": {cfg.IDSol}}
		resp := api.Post(ctx, client.ProviderPathNewProcess, form, nil, true)
		if !resp.Succeeded("") {
			return nil, s.stepFailed(ctx, run, StepCreateProcess, "", formPayload(form), resp, ErrProviderRejected)
		}
		processID, err := strconv.ParseInt(resp.Text(), 10, 64)
		if err != nil {
			return nil, s.stepFailed(ctx, run, StepCreateProcess, "", formPayload(form), resp, ErrUnexpectedResponse)
		}
		run.progress.ProviderProcessID = &processID
		if err := s.persist(ctx, run, StepCreateProcess, "", repository.BatchStatusProviderProcessCreated); err != nil {
			return nil, err
		}
		s.stepOK(ctx, run, StepCreateProcess, "", formPayload(form), resp)
	}
	processID := strconv.FormatInt(*run.progress.ProviderProcessID, 10)

	// Step 3: attach files, one at a time in list order.
	for _, doc := range run.batch.Documents {
		if run.progress.IsAttached(doc.ID) {
			continue
		}
		if err := s.attachDocument(ctx, api, run, doc, processID); err != nil {
			return nil, err
		}
	}
	if !run.progress.FileAdded {
		run.progress.FileAdded = true
		if err := s.persist(ctx, run, StepAttachFile, "", repository.BatchStatusFilesAttached); err != nil {
			return nil, err
		}
	}

	// Step 4: title.
	if !run.progress.TitleSet {
		form := url.Values{
			"idprc": {processID},
			"fld":   {fieldTitle},
			"data":  {BatchTitle(run.batch.Documents)},
			"tipo":  {cfg.UpdateTipo},
		}
		resp := api.Post(ctx, client.ProviderPathUpdateProcess, form, nil, true)
		if !resp.Succeeded("") {
			return nil, s.stepFailed(ctx, run, StepSetTitle, "", formPayload(form), resp, ErrProviderRejected)
		}
		run.progress.TitleSet = true
		if err := s.persist(ctx, run, StepSetTitle, "", repository.BatchStatusTitleSet); err != nil {
			return nil, err
		}
		s.stepOK(ctx, run, StepSetTitle, "", formPayload(form), resp)
	}

	// Step 5: signer count. Only single-signer flows are supported.
	if !run.progress.SignersSet {
		form := url.Values{
			"idprc": {processID},
			"fld":   {fieldSignerCount},
			"data":  {signerCount},
			"tipo":  {cfg.UpdateTipo},
		}
		resp := api.Post(ctx, client.ProviderPathUpdateProcess, form, nil, true)
		if !resp.Succeeded("") {
			return nil, s.stepFailed(ctx, run, StepSetSigners, "", formPayload(form), resp, ErrProviderRejected)
		}
		run.progress.SignersSet = true
		if err := s.persist(ctx, run, StepSetSigners, "", repository.BatchStatusSignersSet); err != nil {
			return nil, err
		}
		s.stepOK(ctx, run, StepSetSigners, "", formPayload(form), resp)
	}

	// Step 6: access token. Tokens are single use, so this always runs.
	tokenForm := url.Values{
		"idprc":  {processID},
		"nombre": {run.signer.LegalName},
		"email":  {run.signer.Email},
		"tipo":   {cfg.TokenTipo},
		"perfil": {cfg.TokenPerfil},
		"org":    {cfg.Org},
		"firma":  {cfg.TokenFirma},
	}
	resp = api.Post(ctx, client.ProviderPathAddToken, tokenForm, nil, true)
	token := resp.Text()
	if !resp.Succeeded("") || token == "" {
		return nil, s.stepFailed(ctx, run, StepIssueToken, "", formPayload(tokenForm), resp, ErrProviderRejected)
	}

	signingURL := BuildSigningURL(cfg.BaseURL, cfg.HandlerID, cfg.Org, *run.progress.ProviderProcessID, token)
	s.stepOK(ctx, run, StepIssueToken, "", formPayload(tokenForm),
		client.ProviderResponse{Code: resp.Code, Body: "token issued"})

	if err := s.batches.UpdateStatus(ctx, run.batch.ID, repository.BatchStatusTokenIssued, run.sessionID); err != nil {
		return nil, s.persistFailed(ctx, run, StepIssueToken, "", err)
	}
	if err := s.batches.MarkWaitingSignature(ctx, run.batch.ID, signingURL, run.sessionID); err != nil {
		return nil, s.persistFailed(ctx, run, StepIssueToken, "", err)
	}

	return &SigningResult{
		BatchID:           run.batch.ID,
		SigningURL:        signingURL,
		ProviderProcessID: *run.progress.ProviderProcessID,
		SessionID:         run.sessionID,
	}, nil
}

// attachDocument uploads one PDF to the provider process and records it.
func (s *SignatureOrchestrator) attachDocument(
	ctx context.Context,
	api client.ProviderAPI,
	run *signingRun,
	doc repository.DocumentRef,
	processID string,
) error {
	fields := map[string]string{
		"idprc": processID,
		"idcto": s.settings.IDCto,
		"idorg": s.settings.Org,
	}
	request := map[string]interface{}{
		"idprc":       processID,
		"idcto":       s.settings.IDCto,
		"idorg":       s.settings.Org,
		"source_path": doc.SourcePath,
	}

	pdf, err := s.artifacts.Get(ctx, doc.SourcePath)
	if err != nil {
		resp := client.ProviderResponse{Body: err.Error()}
		cause := err
		if stderrors.Is(err, client.ErrArtifactNotFound) {
			cause = errors.Wrap(err, errors.ErrCodeArtifactNotFound, "document source file not found")
		}
		return s.stepFailed(ctx, run, StepAttachFile, doc.ID, request, resp, cause)
	}

	resp := api.PostMultipart(ctx, client.ProviderPathAddFile, pdf, uploadFilename(doc), fields, nil)
	if !resp.Succeeded("") {
		return s.stepFailed(ctx, run, StepAttachFile, doc.ID, request, resp, ErrProviderRejected)
	}

	run.progress.MarkAttached(doc.ID)
	if err := s.persist(ctx, run, StepAttachFile, doc.ID, repository.BatchStatusProviderProcessCreated); err != nil {
		return err
	}
	s.stepOK(ctx, run, StepAttachFile, doc.ID, request, resp)
	return nil
}

// ── Completion ────────────────────────────────────────────────────────────────

// CompleteBatch handles the provider's signed archive for a batch: it keeps
// the raw archive, reconciles its entries and marks the documents signed.
func (s *SignatureOrchestrator) CompleteBatch(ctx context.Context, batchID string, archive []byte) (*CompletionResult, error) {
	sessionID := s.newID()

	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, batch.OwnerID+":"+batch.DocumentKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock signing batch")
	}
	defer unlock()

	// Re-read under the lock.
	if batch, err = s.batches.GetByID(ctx, batchID); err != nil {
		return nil, err
	}
	if !batch.Status.AwaitingArchive() {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("batch is not waiting for a signed archive (status: %s)", batch.Status))
	}
	if len(archive) == 0 {
		return nil, errors.InvalidInput("archive", "archive is empty")
	}

	archiveKey := fmt.Sprintf("%s/%s.zip", batch.OwnerID, batch.ID)
	if err := s.artifacts.Put(ctx, archiveKey, archive, "application/zip"); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to store signed archive")
	}

	expected := make([]ExpectedDocument, 0, len(batch.Documents))
	for _, doc := range batch.Documents {
		expected = append(expected, ExpectedDocument{ID: doc.ID, Kind: doc.Kind, OwnerID: batch.OwnerID})
	}

	run := &signingRun{sessionID: sessionID, ownerID: batch.OwnerID, batch: batch}
	request := map[string]interface{}{"archive_key": archiveKey, "documents": documentIDs(batch.Documents)}

	files, err := s.reconciler.Reconcile(ctx, archive, expected)
	if err != nil {
		s.audit.Record(ctx, s.entry(run, StepReconcile, "", request,
			map[string]interface{}{"error": err.Error(), "uploaded": len(files)},
			repository.AuditStatusFailed))
		s.updateStatus(ctx, batch.ID, repository.BatchStatusReconciliationFailed, sessionID)

		s.log.Error().Err(err).
			Str("session_id", sessionID).
			Str("batch_id", batch.ID).
			Int("uploaded", len(files)).
			Msg("Signed archive reconciliation failed")
		return nil, err
	}

	if err := s.documents.MarkSigned(ctx, batch.Documents); err != nil {
		return nil, err
	}
	if err := s.batches.UpdateStatus(ctx, batch.ID, repository.BatchStatusCompleted, sessionID); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, s.entry(run, StepReconcile, "", request,
		map[string]interface{}{"uploaded": len(files)}, repository.AuditStatusOK))

	s.log.Info().
		Str("session_id", sessionID).
		Str("batch_id", batch.ID).
		Int("files", len(files)).
		Msg("Signing batch completed")

	return &CompletionResult{
		BatchID:    batch.ID,
		SessionID:  sessionID,
		ArchiveKey: archiveKey,
		Files:      files,
	}, nil
}

// GetBatch returns a batch for status queries. A non-empty ownerID must match.
func (s *SignatureOrchestrator) GetBatch(ctx context.Context, batchID, ownerID string) (*repository.SigningBatch, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && batch.OwnerID != ownerID {
		return nil, errors.NotFound("signing_batch", batchID)
	}
	return batch, nil
}

// GetBatchAudit returns the audit trail of a batch after the same ownership
// check as GetBatch.
func (s *SignatureOrchestrator) GetBatchAudit(ctx context.Context, batchID, ownerID string) ([]*repository.AuditEntry, error) {
	if _, err := s.GetBatch(ctx, batchID, ownerID); err != nil {
		return nil, err
	}
	return s.audit.ForBatch(ctx, batchID)
}

// GetSessionAudit returns the entries written by one run.
func (s *SignatureOrchestrator) GetSessionAudit(ctx context.Context, sessionID string) ([]*repository.AuditEntry, error) {
	return s.audit.ForSession(ctx, sessionID)
}

// ── Step helpers ──────────────────────────────────────────────────────────────

// persist writes the run's progress and adopts the merged record.
func (s *SignatureOrchestrator) persist(ctx context.Context, run *signingRun, step int, documentID string, status repository.BatchStatus) error {
	merged, err := s.progress.SaveProgress(ctx, run.batch.ID, run.progress, status)
	if err != nil {
		return s.persistFailed(ctx, run, step, documentID, err)
	}
	run.progress = merged
	return nil
}

func (s *SignatureOrchestrator) persistFailed(ctx context.Context, run *signingRun, step int, documentID string, err error) error {
	s.audit.Record(ctx, s.entry(run, step, documentID, nil,
		map[string]interface{}{"error": "failed to persist progress: " + err.Error()},
		repository.AuditStatusFailed))

	s.log.Error().Err(err).
		Str("session_id", run.sessionID).
		Str("batch_id", run.batch.ID).
		Int("step_number", step).
		Msg("Failed to persist signing progress")

	return &StepError{
		Step:       stepNames[step],
		StepNumber: step,
		SessionID:  run.sessionID,
		BatchID:    run.batch.ID,
		DocumentID: documentID,
		Err:        err,
	}
}

func (s *SignatureOrchestrator) stepOK(ctx context.Context, run *signingRun, step int, documentID string, request map[string]interface{}, resp client.ProviderResponse) {
	s.audit.Record(ctx, s.entry(run, step, documentID, request, responsePayload(resp), repository.AuditStatusOK))

	s.log.Debug().
		Str("session_id", run.sessionID).
		Str("batch_id", run.batch.ID).
		Str("step", stepNames[step]).
		Str("document_id", documentID).
		Msg("Signing step completed")
}

// stepFailed records a failed step and returns the caller-facing error.
func (s *SignatureOrchestrator) stepFailed(
	ctx context.Context,
	run *signingRun,
	step int,
	documentID string,
	request map[string]interface{},
	resp client.ProviderResponse,
	cause error,
) error {
	s.audit.Record(ctx, s.entry(run, step, documentID, request, responsePayload(resp), repository.AuditStatusFailed))

	s.log.Error().Err(cause).
		Str("session_id", run.sessionID).
		Str("batch_id", run.batch.ID).
		Str("step", stepNames[step]).
		Str("document_id", documentID).
		Int("provider_code", resp.Code).
		Str("provider_body", resp.Body).
		Msg("Signing step failed")

	return &StepError{
		Step:       stepNames[step],
		StepNumber: step,
		SessionID:  run.sessionID,
		BatchID:    run.batch.ID,
		DocumentID: documentID,
		Err:        cause,
	}
}

func (s *SignatureOrchestrator) entry(
	run *signingRun,
	step int,
	documentID string,
	request, response map[string]interface{},
	status repository.AuditStatus,
) *repository.AuditEntry {
	e := &repository.AuditEntry{
		SessionID:       run.sessionID,
		BatchID:         run.batch.ID,
		OwnerID:         run.ownerID,
		StepNumber:      step,
		Step:            stepNames[step],
		RequestPayload:  request,
		ResponsePayload: response,
		Status:          status,
	}
	if documentID != "" {
		e.DocumentID = &documentID
	}
	return e
}

// markFailed records a failed run. A batch that was already waiting for
// signature keeps that status: its process is fully prepared and the link
// issued earlier still works at the provider.
func (s *SignatureOrchestrator) markFailed(ctx context.Context, run *signingRun) {
	status := repository.BatchStatusFailed
	if run.batch.Status == repository.BatchStatusWaitingSignature && run.batch.SigningURL != nil {
		status = repository.BatchStatusWaitingSignature
	}
	s.updateStatus(ctx, run.batch.ID, status, run.sessionID)
}

// updateStatus is best effort; the failure being reported matters more.
func (s *SignatureOrchestrator) updateStatus(ctx context.Context, batchID string, status repository.BatchStatus, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.batches.UpdateStatus(ctx, batchID, status, sessionID); err != nil {
		s.log.Warn().Err(err).
			Str("batch_id", batchID).
			Str("status", string(status)).
			Msg("Failed to update signing batch status")
	}
}

// ── Pure helpers ──────────────────────────────────────────────────────────────

// BuildSigningURL composes the URL the signer opens to sign the batch.
func BuildSigningURL(baseURL, handlerID, org string, processID int64, token string) string {
	return fmt.Sprintf("%s/Extr.hd?task=access&hd=%s&idorg=%s&org=%s&idprc=%d&token=%s&idp=%s",
		strings.TrimRight(baseURL, "/"),
		url.QueryEscape(handlerID),
		url.QueryEscape(org),
		url.QueryEscape(org),
		processID,
		url.QueryEscape(token),
		signingURLIDP,
	)
}

// BatchTitle is the process title shown to the signer.
func BatchTitle(docs []repository.DocumentRef) string {
	if len(docs) == 1 {
		label := "Testamento"
		if docs[0].Kind == repository.DocumentKindInsuranceContract {
			label = "Poliza de seguro"
		}
		return label + " " + docs[0].ID
	}
	return "Documentos " + strings.Join(documentIDs(docs), ", ")
}

// DocumentKey identifies a document set independent of order.
func DocumentKey(docs []repository.DocumentRef) string {
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, string(d.Kind)+":"+d.ID)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func documentIDs(docs []repository.DocumentRef) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids
}

func uploadFilename(doc repository.DocumentRef) string {
	name := path.Base(doc.SourcePath)
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return name
	}
	return doc.ID + ".pdf"
}

func formPayload(form url.Values) map[string]interface{} {
	out := make(map[string]interface{}, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}

func redactLogin(form url.Values) map[string]interface{} {
	out := formPayload(form)
	out["t003c004"] = "***"
	return out
}

func responsePayload(resp client.ProviderResponse) map[string]interface{} {
	return map[string]interface{}{"code": resp.Code, "body": resp.Body}
}
