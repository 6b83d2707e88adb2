package service

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pesio-ai/be-esign-orchestrator/internal/client"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/logger"
	"github.com/pesio-ai/be-esign-orchestrator/internal/repository"
)

// ── batches ──────────────────────────────────────────────────────────────────

type fakeBatchStore struct {
	mu      sync.Mutex
	batches map[string]*repository.SigningBatch
	order   []string
	saveErr error

	// statuses is every status written, in order.
	statuses []repository.BatchStatus
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{batches: make(map[string]*repository.SigningBatch)}
}

func (f *fakeBatchStore) Create(_ context.Context, b *repository.SigningBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	f.batches[b.ID] = &cp
	f.order = append(f.order, b.ID)
	return nil
}

func (f *fakeBatchStore) GetByID(_ context.Context, id string) (*repository.SigningBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, errors.NotFound("signing_batch", id)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBatchStore) FindLatestOpen(_ context.Context, ownerID, documentKey string) (*repository.SigningBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		b := f.batches[f.order[i]]
		if b.OwnerID == ownerID && b.DocumentKey == documentKey && b.Status != repository.BatchStatusCompleted {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeBatchStore) UpdateStatus(_ context.Context, batchID string, status repository.BatchStatus, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return errors.NotFound("signing_batch", batchID)
	}
	b.Status = status
	f.statuses = append(f.statuses, status)
	if sessionID != "" {
		b.LastSessionID = &sessionID
	}
	return nil
}

func (f *fakeBatchStore) MarkWaitingSignature(_ context.Context, batchID, signingURL, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return errors.NotFound("signing_batch", batchID)
	}
	b.Status = repository.BatchStatusWaitingSignature
	f.statuses = append(f.statuses, b.Status)
	b.SigningURL = &signingURL
	b.LastSessionID = &sessionID
	return nil
}

func (f *fakeBatchStore) LoadProgress(_ context.Context, batchID string) (repository.StepProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return repository.StepProgress{}, errors.NotFound("signing_batch", batchID)
	}
	return b.Progress, nil
}

func (f *fakeBatchStore) SaveProgress(_ context.Context, batchID string, progress repository.StepProgress, status repository.BatchStatus) (repository.StepProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return repository.StepProgress{}, f.saveErr
	}
	b, ok := f.batches[batchID]
	if !ok {
		return repository.StepProgress{}, errors.NotFound("signing_batch", batchID)
	}
	b.Progress = progress.Merge(b.Progress)
	b.ProviderProcessID = b.Progress.ProviderProcessID
	b.Status = status
	f.statuses = append(f.statuses, status)
	return b.Progress, nil
}

func (f *fakeBatchStore) statusHistory() []repository.BatchStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.BatchStatus(nil), f.statuses...)
}

func (f *fakeBatchStore) only(t *testing.T) *repository.SigningBatch {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) != 1 {
		t.Fatalf("expected exactly 1 batch, got %d", len(f.order))
	}
	cp := *f.batches[f.order[0]]
	return &cp
}

// ── locking ──────────────────────────────────────────────────────────────────

// hookLocker runs before once, ahead of the first Lock call, to interleave
// another operation between a request's checks and its critical section.
type hookLocker struct {
	Locker
	fired  atomic.Bool
	before func()
}

func (l *hookLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.fired.CompareAndSwap(false, true) {
		l.before()
	}
	return l.Locker.Lock(ctx, key)
}

// ── documents ────────────────────────────────────────────────────────────────

type fakeDocuments struct {
	mu       sync.Mutex
	records  map[string]*repository.DocumentRecord
	signers  map[string]*repository.Signer
	versions map[string]int
	signed   []repository.DocumentRef
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{
		records:  make(map[string]*repository.DocumentRecord),
		signers:  make(map[string]*repository.Signer),
		versions: make(map[string]int),
	}
}

func (f *fakeDocuments) addWill(id, ownerID string, version int) {
	v := version
	f.records["will:"+id] = &repository.DocumentRecord{
		ID:         id,
		Kind:       repository.DocumentKindWill,
		OwnerID:    ownerID,
		Version:    &v,
		SourcePath: ownerID + "/" + id + ".pdf",
	}
	f.versions[id] = version
}

func (f *fakeDocuments) addInsurance(id, ownerID string) {
	f.records["insurance_contract:"+id] = &repository.DocumentRecord{
		ID:         id,
		Kind:       repository.DocumentKindInsuranceContract,
		OwnerID:    ownerID,
		SourcePath: ownerID + "/" + id + ".pdf",
	}
}

func (f *fakeDocuments) addSigner(ownerID, name, email string) {
	f.signers[ownerID] = &repository.Signer{OwnerID: ownerID, LegalName: name, Email: email}
}

func (f *fakeDocuments) GetDocuments(_ context.Context, refs []repository.DocumentRef) ([]*repository.DocumentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.DocumentRecord
	for _, ref := range refs {
		if rec, ok := f.records[string(ref.Kind)+":"+ref.ID]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDocuments) GetSigner(_ context.Context, ownerID string) (*repository.Signer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signers[ownerID]
	if !ok {
		return nil, errors.NotFound("user", ownerID)
	}
	return s, nil
}

func (f *fakeDocuments) MarkSigned(_ context.Context, refs []repository.DocumentRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed = append(f.signed, refs...)
	for _, ref := range refs {
		if rec, ok := f.records[string(ref.Kind)+":"+ref.ID]; ok {
			rec.SignatureStatus = repository.SignatureStatusSigned
		}
	}
	return nil
}

func (f *fakeDocuments) GetWillVersions(_ context.Context, ids []string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, id := range ids {
		if v, ok := f.versions[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// ── artifacts ────────────────────────────────────────────────────────────────

type fakeArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string][]byte)}
}

func (f *fakeArtifacts) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, client.ErrArtifactNotFound
	}
	return data, nil
}

func (f *fakeArtifacts) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.puts = append(f.puts, key)
	return nil
}

func (f *fakeArtifacts) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

// ── provider ─────────────────────────────────────────────────────────────────

type providerCall struct {
	path     string
	form     url.Values
	filename string
	fields   map[string]string
}

type fakeProvider struct {
	mu       sync.Mutex
	sessions int
	calls    []providerCall
	respond  func(call providerCall) client.ProviderResponse
}

// newFakeProvider answers every call like a healthy provider: process 42,
// token tok-abc.
func newFakeProvider() *fakeProvider {
	return &fakeProvider{respond: healthyProvider}
}

func healthyProvider(call providerCall) client.ProviderResponse {
	switch call.path {
	case client.ProviderPathLogin:
		return client.ProviderResponse{Code: 200, Body: "1"}
	case client.ProviderPathNewProcess:
		return client.ProviderResponse{Code: 200, Body: "42"}
	case client.ProviderPathAddToken:
		return client.ProviderResponse{Code: 200, Body: "tok-abc"}
	default:
		return client.ProviderResponse{Code: 200, Body: "OK"}
	}
}

func (p *fakeProvider) NewSession() client.ProviderAPI {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions++
	return &fakeProviderSession{provider: p}
}

func (p *fakeProvider) record(call providerCall) client.ProviderResponse {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	respond := p.respond
	p.mu.Unlock()
	return respond(call)
}

func (p *fakeProvider) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.respond = healthyProvider
}

// steps names each recorded call; updates are told apart by field code.
func (p *fakeProvider) steps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		switch c.path {
		case client.ProviderPathLogin:
			out = append(out, "login")
		case client.ProviderPathNewProcess:
			out = append(out, "new")
		case client.ProviderPathAddFile:
			out = append(out, "file:"+c.filename)
		case client.ProviderPathUpdateProcess:
			out = append(out, "update:"+c.form.Get("fld"))
		case client.ProviderPathAddToken:
			out = append(out, "token")
		default:
			out = append(out, c.path)
		}
	}
	return out
}

type fakeProviderSession struct {
	provider *fakeProvider
}

func (s *fakeProviderSession) Post(_ context.Context, path string, form url.Values, _ map[string]string, _ bool) client.ProviderResponse {
	return s.provider.record(providerCall{path: path, form: form})
}

func (s *fakeProviderSession) PostMultipart(_ context.Context, path string, _ []byte, filename string, fields map[string]string, _ map[string]string) client.ProviderResponse {
	return s.provider.record(providerCall{path: path, filename: filename, fields: fields})
}

// ── audit ────────────────────────────────────────────────────────────────────

type fakeAuditStore struct {
	mu        sync.Mutex
	entries   []*repository.AuditEntry
	appendErr error
}

func (f *fakeAuditStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	cp := *entry
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeAuditStore) GetBySessionID(_ context.Context, sessionID string) ([]*repository.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) GetByBatchID(_ context.Context, batchID string) ([]*repository.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := make(map[string]bool)
	for _, e := range f.entries {
		if e.BatchID == batchID {
			sessions[e.SessionID] = true
		}
	}
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.BatchID == batchID || sessions[e.SessionID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) failed() []*repository.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.Status == repository.AuditStatusFailed {
			out = append(out, e)
		}
	}
	return out
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []*client.StepFailedAlert
}

func (f *fakeAlerts) PublishStepFailed(_ context.Context, alert *client.StepFailedAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
}

// ── harness ──────────────────────────────────────────────────────────────────

const (
	testBaseURL = "https://sign.example.com"
	testOrg     = "ORG1"
	testHandler = "hd-9"
)

type harness struct {
	batches   *fakeBatchStore
	documents *fakeDocuments
	artifacts *fakeArtifacts
	provider  *fakeProvider
	audit     *fakeAuditStore
	alerts    *fakeAlerts
	o         *SignatureOrchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		batches:   newFakeBatchStore(),
		documents: newFakeDocuments(),
		artifacts: newFakeArtifacts(),
		provider:  newFakeProvider(),
		audit:     &fakeAuditStore{},
		alerts:    &fakeAlerts{},
	}

	log := logger.Nop()
	trail := NewAuditTrail(h.audit, h.alerts, log)
	reconciler := NewZipReconciler(h.artifacts, h.documents, log)
	h.o = NewSignatureOrchestrator(
		h.batches,
		h.batches,
		h.documents,
		h.artifacts,
		h.provider,
		reconciler,
		trail,
		NewMemoryLocker(),
		ProviderSettings{
			BaseURL:     testBaseURL,
			Org:         testOrg,
			User:        "api-user",
			Password:    "secret",
			IDCat:       "7",
			IDSol:       "3",
			IDCto:       "11",
			HandlerID:   testHandler,
			UpdateTipo:  "1",
			TokenTipo:   "1",
			TokenPerfil: "2",
			TokenFirma:  "1",
		},
		log,
	)

	var n int
	var mu sync.Mutex
	h.o.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "id-" + strconv.Itoa(n)
	}

	return h
}

// seedWill registers a will owned by ownerID with its PDF in storage.
func (h *harness) seedWill(id, ownerID string, version int) repository.DocumentRef {
	h.documents.addWill(id, ownerID, version)
	h.artifacts.objects[ownerID+"/"+id+".pdf"] = []byte("%PDF-1.7 " + id)
	return repository.DocumentRef{ID: id, Kind: repository.DocumentKindWill}
}

func (h *harness) seedInsurance(id, ownerID string) repository.DocumentRef {
	h.documents.addInsurance(id, ownerID)
	h.artifacts.objects[ownerID+"/"+id+".pdf"] = []byte("%PDF-1.7 " + id)
	return repository.DocumentRef{ID: id, Kind: repository.DocumentKindInsuranceContract}
}

// buildZip creates an archive from name/content pairs.
func buildZip(t *testing.T, entries ...string) []byte {
	t.Helper()
	if len(entries)%2 != 0 {
		t.Fatalf("buildZip needs name/content pairs")
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 0; i < len(entries); i += 2 {
		w, err := zw.Create(entries[i])
		if err != nil {
			t.Fatalf("zip create %s: %v", entries[i], err)
		}
		if _, err := w.Write([]byte(entries[i+1])); err != nil {
			t.Fatalf("zip write %s: %v", entries[i], err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func pdf(name string) string {
	return fmt.Sprintf("%%PDF-1.4 %s", name)
}
