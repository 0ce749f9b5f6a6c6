package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUploadUnavailable rejects an upload requested while one is in
	// flight, with nothing dirty, or without a session. Callers are expected
	// to have checked first; the engine does not retry these.
	ErrUploadUnavailable = errors.New("engine: upload unavailable")
	// ErrAuthUnavailable aborts a single sync step when no bearer token can
	// be resolved. Dirty state is preserved so a later trigger retries.
	ErrAuthUnavailable = errors.New("engine: authentication unavailable")
	// ErrNoSession rejects operations issued before Login or after Logout.
	ErrNoSession = errors.New("engine: no active session")
)

// EngineError carries a dotted operation code alongside the underlying cause.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

const (
	opEngineNew     = "engine.new"
	opLogin         = "engine.login"
	opPerformUpload = "engine.perform_upload"
	opReload        = "engine.reload"
	opUpsertLocal   = "engine.upsert_local"
	opLifecycle     = "engine.lifecycle"
)

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// UploadError describes a failed batch write with enough detail for
// diagnostics: how many records were attempted and which ones.
type UploadError struct {
	Count int
	IDs   []string
	err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("engine: upload of %d records failed (ids: %s): %v",
		e.Count, strings.Join(e.IDs, ","), e.err)
}

func (e *UploadError) Unwrap() error {
	return e.err
}
