package service

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/logger"
	"github.com/pesio-ai/be-esign-orchestrator/internal/repository"
)

func newTestReconciler() (*ZipReconciler, *fakeArtifacts, *fakeDocuments) {
	artifacts := newFakeArtifacts()
	docs := newFakeDocuments()
	return NewZipReconciler(artifacts, docs, logger.Nop()), artifacts, docs
}

func TestReconcile_TwoFilesPerDocument(t *testing.T) {
	t.Parallel()

	r, artifacts, docs := newTestReconciler()
	docs.versions["W1"] = 5

	expected := []ExpectedDocument{
		{ID: "W1", Kind: repository.DocumentKindWill, OwnerID: "U1"},
		{ID: "P7", Kind: repository.DocumentKindInsuranceContract, OwnerID: "U1"},
	}
	archive := buildZip(t,
		"batch/", "",
		"batch/W1-RGCCNOM151.pdf", pdf("w1 cert"),
		"batch/W1.pdf", pdf("w1"),
		"batch/p7-rgccnom151.PDF", pdf("p7 cert"),
		"batch/P7.pdf", pdf("p7"),
	)

	files, err := r.Reconcile(context.Background(), archive, expected)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("expected 4 files, got %d", len(files))
	}

	want := map[string]string{
		"batch/W1-RGCCNOM151.pdf": "U1/W1_5_RGCCNOM151.pdf",
		"batch/W1.pdf":            "U1/W1_5_PASTPOST.pdf",
		"batch/p7-rgccnom151.PDF": "U1/P7_INSURANCE_RGCCNOM151.pdf",
		"batch/P7.pdf":            "U1/P7_INSURANCE_PASTPOST.pdf",
	}
	for _, f := range files {
		if want[f.OriginalZipPath] != f.DestinationKey {
			t.Errorf("%s -> %s, want %s", f.OriginalZipPath, f.DestinationKey, want[f.OriginalZipPath])
		}
		if _, ok := artifacts.objects[f.DestinationKey]; !ok {
			t.Errorf("%s was not uploaded", f.DestinationKey)
		}
	}
}

func TestReconcile_MissingFileFails(t *testing.T) {
	t.Parallel()

	r, artifacts, docs := newTestReconciler()
	docs.versions["W1"] = 1
	docs.versions["W2"] = 1

	expected := []ExpectedDocument{
		{ID: "W1", Kind: repository.DocumentKindWill, OwnerID: "U1"},
		{ID: "W2", Kind: repository.DocumentKindWill, OwnerID: "U1"},
	}
	archive := buildZip(t,
		"W1_RGCCNOM151.pdf", pdf("cert"),
		"W1.pdf", pdf("signed"),
		"W2.pdf", pdf("signed"),
	)

	files, err := r.Reconcile(context.Background(), archive, expected)
	var recErr *ReconciliationError
	if !stderrors.As(err, &recErr) {
		t.Fatalf("expected *ReconciliationError, got %v", err)
	}
	if len(recErr.Incomplete) != 1 || recErr.Incomplete["W2"] != 1 {
		t.Fatalf("incomplete = %v, want map[W2:1]", recErr.Incomplete)
	}
	if errors.CodeOf(err) != errors.ErrCodeReconciliation {
		t.Fatalf("code = %s", errors.CodeOf(err))
	}
	// Uploads are not rolled back.
	if len(files) != 3 || len(artifacts.puts) != 3 {
		t.Fatalf("expected 3 uploads to remain, got %d files and %d puts", len(files), len(artifacts.puts))
	}
}

func TestReconcile_SkipsNonPDFEntries(t *testing.T) {
	t.Parallel()

	r, artifacts, _ := newTestReconciler()
	expected := []ExpectedDocument{{ID: "P1", Kind: repository.DocumentKindInsuranceContract, OwnerID: "U1"}}
	archive := buildZip(t,
		"P1_RGCCNOM151.pdf", pdf("cert"),
		"P1.pdf", pdf("signed"),
		"P1.xml", "<signature/>",
		"P1_fake.pdf", "not really a pdf",
	)

	files, err := r.Reconcile(context.Background(), archive, expected)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(files) != 2 || len(artifacts.puts) != 2 {
		t.Fatalf("expected only the 2 real PDFs, got %d", len(files))
	}
}

func TestReconcile_LargeNonPDFEntryIsSkipped(t *testing.T) {
	t.Parallel()

	r, artifacts, _ := newTestReconciler()
	r.maxEntryBytes = 64
	expected := []ExpectedDocument{{ID: "P1", Kind: repository.DocumentKindInsuranceContract, OwnerID: "U1"}}
	archive := buildZip(t,
		"P1_RGCCNOM151.pdf", pdf("cert"),
		"P1.pdf", pdf("signed"),
		"P1_evidence.xml", strings.Repeat("<x/>", 100),
	)

	files, err := r.Reconcile(context.Background(), archive, expected)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(files) != 2 || len(artifacts.puts) != 2 {
		t.Fatalf("expected the 2 PDFs, got %d", len(files))
	}
}

func TestReconcile_OversizedPDFEntryFails(t *testing.T) {
	t.Parallel()

	r, artifacts, _ := newTestReconciler()
	r.maxEntryBytes = 64
	expected := []ExpectedDocument{{ID: "P1", Kind: repository.DocumentKindInsuranceContract, OwnerID: "U1"}}
	archive := buildZip(t,
		"P1_RGCCNOM151.pdf", pdf("cert"),
		"P1.pdf", pdf(strings.Repeat("s", 100)),
	)

	_, err := r.Reconcile(context.Background(), archive, expected)
	if errors.CodeOf(err) != errors.ErrCodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if len(artifacts.puts) != 1 {
		t.Fatalf("expected only the certificate to be uploaded, got %v", artifacts.puts)
	}
}

func TestReconcile_UnassociatedEntryFails(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestReconciler()
	expected := []ExpectedDocument{{ID: "P1", Kind: repository.DocumentKindInsuranceContract, OwnerID: "U1"}}
	archive := buildZip(t,
		"P1_RGCCNOM151.pdf", pdf("cert"),
		"P1.pdf", pdf("signed"),
		"stranger.pdf", pdf("?"),
	)

	_, err := r.Reconcile(context.Background(), archive, expected)
	var recErr *ReconciliationError
	if !stderrors.As(err, &recErr) {
		t.Fatalf("expected *ReconciliationError, got %v", err)
	}
	if len(recErr.Unassociated) != 1 || recErr.Unassociated[0] != "stranger.pdf" {
		t.Fatalf("unassociated = %v", recErr.Unassociated)
	}
	if len(recErr.Incomplete) != 0 {
		t.Fatalf("incomplete = %v", recErr.Incomplete)
	}
}

func TestReconcile_FirstMatchWins(t *testing.T) {
	t.Parallel()

	r, _, docs := newTestReconciler()
	docs.versions["W1"] = 1
	docs.versions["W10"] = 1

	// "W10.pdf" contains both "W1" and "W10"; list order decides.
	expected := []ExpectedDocument{
		{ID: "W1", Kind: repository.DocumentKindWill, OwnerID: "U1"},
		{ID: "W10", Kind: repository.DocumentKindWill, OwnerID: "U1"},
	}
	archive := buildZip(t, "W10.pdf", pdf("x"))

	files, _ := r.Reconcile(context.Background(), archive, expected)
	if len(files) != 1 || files[0].DocumentID != "W1" {
		t.Fatalf("expected W10.pdf to match W1 first, got %+v", files)
	}
}

func TestReconcile_UnknownWillVersion(t *testing.T) {
	t.Parallel()

	r, artifacts, _ := newTestReconciler()
	expected := []ExpectedDocument{{ID: "W9", Kind: repository.DocumentKindWill, OwnerID: "U1"}}
	archive := buildZip(t,
		"W9_RGCCNOM151.pdf", pdf("cert"),
		"W9.pdf", pdf("signed"),
	)

	_, err := r.Reconcile(context.Background(), archive, expected)
	var recErr *ReconciliationError
	if !stderrors.As(err, &recErr) {
		t.Fatalf("expected *ReconciliationError, got %v", err)
	}
	if len(recErr.MissingVersions) != 1 || recErr.MissingVersions[0] != "W9" {
		t.Fatalf("missing versions = %v", recErr.MissingVersions)
	}
	if len(artifacts.puts) != 0 {
		t.Fatalf("nothing may be uploaded without a version, got %v", artifacts.puts)
	}
}

func TestReconcile_VersionOnDocumentSkipsLookup(t *testing.T) {
	t.Parallel()

	r, artifacts, _ := newTestReconciler()
	v := 8
	expected := []ExpectedDocument{{ID: "W1", Kind: repository.DocumentKindWill, OwnerID: "U1", Version: &v}}
	archive := buildZip(t,
		"W1_RGCCNOM151.pdf", pdf("cert"),
		"W1.pdf", pdf("signed"),
	)

	if _, err := r.Reconcile(context.Background(), archive, expected); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := artifacts.objects["U1/W1_8_PASTPOST.pdf"]; !ok {
		t.Fatalf("expected upload under version 8, got %v", artifacts.puts)
	}
}

func TestReconcile_InvalidArchive(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestReconciler()
	_, err := r.Reconcile(context.Background(), []byte("PK not a zip"), nil)
	if errors.CodeOf(err) != errors.ErrCodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestArtifactSuffix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind repository.DocumentKind
		path string
		want string
	}{
		{repository.DocumentKindWill, "out/doc_RGCCNOM151.pdf", "_RGCCNOM151.pdf"},
		{repository.DocumentKindWill, "out/doc.pdf", "_PASTPOST.pdf"},
		{repository.DocumentKindInsuranceContract, "rgccnom151/doc.pdf", "_INSURANCE_RGCCNOM151.pdf"},
		{repository.DocumentKindInsuranceContract, "doc.pdf", "_INSURANCE_PASTPOST.pdf"},
	}
	for _, tt := range tests {
		if got := ArtifactSuffix(tt.kind, tt.path); got != tt.want {
			t.Errorf("ArtifactSuffix(%s, %s) = %s, want %s", tt.kind, tt.path, got, tt.want)
		}
	}
}
