// Package store is the storage engine for context logs: the writer's
// locked, redacting, atomic-append pipeline and the reader's cached and
// streaming access paths. The log file itself is the only shared mutable
// resource; everything else (index cache, rate limiter, redaction log) is
// per-instance state.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrPathRejected is returned when the path guard refuses a target
	// path. Always fatal to the call; never retryable.
	ErrPathRejected = errors.New("store: path rejected")

	// ErrLockTimeout is returned when the advisory lock could not be
	// acquired within the configured timeout. Transient; safe to retry,
	// since nothing was written.
	ErrLockTimeout = errors.New("store: lock timeout")

	// ErrRateLimited is returned when the writer's per-instance operation
	// ceiling is exhausted. Transient; the caller should back off.
	ErrRateLimited = errors.New("store: rate limited")

	// ErrSecretDetected is returned in strict redaction mode when a field
	// value contains a detectable secret. The append is refused and
	// nothing reaches the storage layer.
	ErrSecretDetected = errors.New("store: secret detected")

	// ErrNotFound is returned by GetIndex when the backing file does not
	// exist. Query methods on a missing file yield empty results instead.
	ErrNotFound = errors.New("store: log file not found")
)

// CorruptionKind names the flavor of format violation found in a file.
type CorruptionKind string

const (
	CorruptionMalformedLine CorruptionKind = "malformed-line"   // line does not parse as number|content
	CorruptionNumberingGap  CorruptionKind = "numbering-gap"    // line numbers skipped or repeated
	CorruptionOrphanField   CorruptionKind = "orphan-field"     // field with no open record
	CorruptionTruncatedTail CorruptionKind = "truncated-record" // record cut off at end of file
	CorruptionNewerMajor    CorruptionKind = "newer-major"      // file declares a newer major format version
)

// CorruptionError describes a format violation with enough context to locate
// and repair it: file, line, and kind. It never carries file content, so it
// is safe to surface in logs and CLI output.
type CorruptionError struct {
	File string
	Line int64
	Kind CorruptionKind
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store: corruption in %s at line %d: %s", e.File, e.Line, e.Kind)
}
