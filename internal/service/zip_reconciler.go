package service

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pesio-ai/be-esign-orchestrator/internal/client"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/logger"
	"github.com/pesio-ai/be-esign-orchestrator/internal/repository"
)

// certificateMarker identifies the provider's certificate page inside an
// archive entry path.
const certificateMarker = "RGCCNOM151"

// filesPerDocument is how many artifacts the provider returns per document:
// the certificate page and the signed document.
const filesPerDocument = 2

// defaultMaxEntryBytes caps a single PDF entry.
const defaultMaxEntryBytes = 100 << 20

var pdfMagic = []byte("%PDF")

// WillVersionLookup resolves the current version of many wills at once.
type WillVersionLookup interface {
	GetWillVersions(ctx context.Context, ids []string) (map[string]int, error)
}

// ExpectedDocument is a submitted document the archive must contain.
type ExpectedDocument struct {
	ID      string
	Kind    repository.DocumentKind
	OwnerID string
	Version *int
}

// ReconciledFile maps one archive entry to its uploaded destination.
type ReconciledFile struct {
	OriginalZipPath string                  `json:"original_zip_path"`
	DestinationKey  string                  `json:"destination_key"`
	DocumentID      string                  `json:"document_id"`
	Kind            repository.DocumentKind `json:"kind"`
}

// ZipReconciler matches the unlabeled files of a provider archive to the
// submitted documents and uploads them under deterministic keys.
type ZipReconciler struct {
	artifacts     client.ArtifactStore
	versions      WillVersionLookup
	log           *logger.Logger
	maxEntryBytes int64
}

// NewZipReconciler creates a new ZipReconciler.
func NewZipReconciler(artifacts client.ArtifactStore, versions WillVersionLookup, log *logger.Logger) *ZipReconciler {
	return &ZipReconciler{
		artifacts:     artifacts,
		versions:      versions,
		log:           log,
		maxEntryBytes: defaultMaxEntryBytes,
	}
}

// Reconcile extracts the PDF entries of zipBytes, associates each with the
// first expected document whose id appears in the entry path, uploads it and
// checks that every document got at least two files. On a
// *ReconciliationError the files uploaded so far are still returned.
func (r *ZipReconciler) Reconcile(ctx context.Context, zipBytes []byte, expected []ExpectedDocument) ([]ReconciledFile, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, errors.InvalidInput("archive", fmt.Sprintf("not a valid zip archive: %v", err))
	}

	versions, err := r.resolveVersions(ctx, expected)
	if err != nil {
		return nil, err
	}

	result := &ReconciliationError{}
	counts := make(map[string]int, len(expected))
	var files []ReconciledFile

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		data, err := readPDFEntry(f, r.maxEntryBytes)
		if err != nil {
			return files, errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("failed to read archive entry %s", f.Name))
		}
		if data == nil {
			r.log.Debug().Str("entry", f.Name).Msg("Skipping non-PDF archive entry")
			continue
		}

		doc := matchDocument(f.Name, expected)
		if doc == nil {
			result.Unassociated = append(result.Unassociated, f.Name)
			continue
		}

		version, ok := versions[doc.ID]
		if doc.Kind == repository.DocumentKindWill && !ok {
			// reported once below through MissingVersions
			continue
		}

		key := DestinationKey(*doc, version, f.Name)
		if err := r.artifacts.Put(ctx, key, data, "application/pdf"); err != nil {
			return files, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to upload %s", key))
		}

		files = append(files, ReconciledFile{
			OriginalZipPath: f.Name,
			DestinationKey:  key,
			DocumentID:      doc.ID,
			Kind:            doc.Kind,
		})
		counts[doc.ID]++
	}

	for _, doc := range expected {
		if _, ok := versions[doc.ID]; doc.Kind == repository.DocumentKindWill && !ok {
			result.MissingVersions = append(result.MissingVersions, doc.ID)
		}
		if counts[doc.ID] < filesPerDocument {
			if result.Incomplete == nil {
				result.Incomplete = make(map[string]int)
			}
			result.Incomplete[doc.ID] = counts[doc.ID]
		}
	}

	r.log.Info().
		Int("entries", len(zr.File)).
		Int("uploaded", len(files)).
		Int("expected_documents", len(expected)).
		Int("unassociated", len(result.Unassociated)).
		Int("incomplete", len(result.Incomplete)).
		Msg("Archive reconciled")

	if !result.empty() {
		return files, result
	}
	return files, nil
}

// resolveVersions returns the version of every will in expected, using the
// version carried on the document when present and one bulk lookup for the
// rest.
func (r *ZipReconciler) resolveVersions(ctx context.Context, expected []ExpectedDocument) (map[string]int, error) {
	versions := make(map[string]int)
	var lookup []string
	seen := make(map[string]bool)

	for _, doc := range expected {
		if doc.Kind != repository.DocumentKindWill {
			continue
		}
		if doc.Version != nil {
			versions[doc.ID] = *doc.Version
			continue
		}
		if !seen[doc.ID] {
			seen[doc.ID] = true
			lookup = append(lookup, doc.ID)
		}
	}
	if len(lookup) == 0 {
		return versions, nil
	}

	found, err := r.versions.GetWillVersions(ctx, lookup)
	if err != nil {
		return nil, err
	}
	for id, v := range found {
		versions[id] = v
	}
	return versions, nil
}

// matchDocument returns the first expected document whose id is a
// case-insensitive substring of path. Input order decides ties.
func matchDocument(path string, expected []ExpectedDocument) *ExpectedDocument {
	lower := strings.ToLower(path)
	for i := range expected {
		id := strings.ToLower(expected[i].ID)
		if id != "" && strings.Contains(lower, id) {
			return &expected[i]
		}
	}
	return nil
}

// ArtifactSuffix classifies an archive entry by its path.
func ArtifactSuffix(kind repository.DocumentKind, entryPath string) string {
	insurance := ""
	if kind == repository.DocumentKindInsuranceContract {
		insurance = "_INSURANCE"
	}
	if strings.Contains(strings.ToUpper(entryPath), certificateMarker) {
		return insurance + "_" + certificateMarker + ".pdf"
	}
	return insurance + "_PASTPOST.pdf"
}

// DestinationKey computes where an archive entry is stored:
// {owner}/{id}_{version}{suffix} for wills and {owner}/{id}{suffix} for
// insurance contracts.
func DestinationKey(doc ExpectedDocument, version int, entryPath string) string {
	suffix := ArtifactSuffix(doc.Kind, entryPath)
	if doc.Kind == repository.DocumentKindWill {
		return fmt.Sprintf("%s/%s_%d%s", doc.OwnerID, doc.ID, version, suffix)
	}
	return fmt.Sprintf("%s/%s%s", doc.OwnerID, doc.ID, suffix)
}

// readPDFEntry returns the contents of a PDF entry, or nil for any other
// file. Only PDF entries are held to limit.
func readPDFEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	head := make([]byte, len(pdfMagic))
	n, err := io.ReadFull(rc, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if !bytes.Equal(head[:n], pdfMagic) {
		return nil, nil
	}
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("entry exceeds %d bytes", limit)
	}

	rest, err := io.ReadAll(io.LimitReader(rc, limit-int64(n)+1))
	if err != nil {
		return nil, err
	}
	data := append(head[:n], rest...)
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry exceeds %d bytes", limit)
	}
	return data, nil
}
