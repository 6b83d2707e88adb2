package service

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
)

var (
	// ErrProviderLoginFailed is the cause of a failed step 1.
	ErrProviderLoginFailed = stderrors.New("provider login failed")
	// ErrProviderRejected is the cause of any other step whose success
	// predicate was false.
	ErrProviderRejected = stderrors.New("provider rejected the request")
	// ErrUnexpectedResponse is returned when a 200 response cannot be parsed.
	ErrUnexpectedResponse = stderrors.New("unexpected provider response")
)

// StepError is a failed orchestration step. Its message is the stable
// caller-facing template; the provider's own error text only goes to logs
// and the audit trail.
type StepError struct {
	Step       string
	StepNumber int
	SessionID  string
	BatchID    string
	DocumentID string
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("signing process failed, reference: %s", e.SessionID)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrorCode classifies the error for the transport layer.
func (e *StepError) ErrorCode() errors.Code { return errors.ErrCodeProviderFailure }

// ReconciliationError reports an archive that could not be fully matched to
// the submitted documents. Files uploaded before the failure stay in storage.
type ReconciliationError struct {
	// Unassociated lists archive entries that matched no expected document.
	Unassociated []string
	// Incomplete maps document id to the number of files found for it when
	// that number is below two.
	Incomplete map[string]int
	// MissingVersions lists wills whose current version could not be resolved.
	MissingVersions []string
}

func (e *ReconciliationError) Error() string {
	var parts []string
	if len(e.Unassociated) > 0 {
		parts = append(parts, fmt.Sprintf("unassociated entries: %s", strings.Join(e.Unassociated, ", ")))
	}
	if len(e.Incomplete) > 0 {
		ids := make([]string, 0, len(e.Incomplete))
		for id := range e.Incomplete {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		items := make([]string, 0, len(ids))
		for _, id := range ids {
			items = append(items, fmt.Sprintf("%s (%d files)", id, e.Incomplete[id]))
		}
		parts = append(parts, fmt.Sprintf("incomplete documents: %s", strings.Join(items, ", ")))
	}
	if len(e.MissingVersions) > 0 {
		parts = append(parts, fmt.Sprintf("unknown will versions: %s", strings.Join(e.MissingVersions, ", ")))
	}
	return "reconciliation failed: " + strings.Join(parts, "; ")
}

// ErrorCode classifies the error for the transport layer.
func (e *ReconciliationError) ErrorCode() errors.Code { return errors.ErrCodeReconciliation }

func (e *ReconciliationError) empty() bool {
	return len(e.Unassociated) == 0 && len(e.Incomplete) == 0 && len(e.MissingVersions) == 0
}
