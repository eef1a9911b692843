package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/ledger/pkg/grammar"
	"github.com/entrhq/ledger/pkg/logging"
	"github.com/entrhq/ledger/pkg/redact"
	"github.com/entrhq/ledger/pkg/security/workspace"
	"github.com/entrhq/ledger/pkg/types"
)

// RedactionEvent records one masked secret for audit: what kind, where, and
// when — never the value itself.
type RedactionEvent struct {
	Type     redact.FindingType
	Class    redact.Class
	File     string
	Line     int64
	Detected time.Time
}

var timeNow = time.Now // injected for testability

// Writer owns the append path for context logs: path validation, rate
// limiting, cross-process locking, unconditional redaction, and the atomic
// write protocol. A Writer is safe for concurrent use; appends to the same
// file are serialized, appends to different files proceed independently.
type Writer struct {
	guard    *workspace.Guard
	cache    *indexCache
	gate     *rateGate
	lockCfg  LockConfig
	strict   bool
	strategy redact.MaskStrategy
	log      *logging.Logger

	mu         sync.Mutex
	redactions []RedactionEvent
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithStrictRedaction makes the writer fail an append with ErrSecretDetected
// instead of masking, for callers that must guarantee no secret was ever
// observed by the storage layer.
func WithStrictRedaction() WriterOption {
	return func(w *Writer) { w.strict = true }
}

// WithLockConfig overrides the advisory lock tuning.
func WithLockConfig(cfg LockConfig) WriterOption {
	return func(w *Writer) { w.lockCfg = cfg }
}

// WithRateLimit overrides the per-instance operation ceiling.
func WithRateLimit(cfg RateLimitConfig) WriterOption {
	return func(w *Writer) { w.gate = newRateGate(cfg) }
}

// WithMaskStrategy selects the masking strategy applied to detected secrets.
func WithMaskStrategy(s redact.MaskStrategy) WriterOption {
	return func(w *Writer) { w.strategy = s }
}

// WithWriterLogger attaches a session logger for redaction and lock events.
func WithWriterLogger(l *logging.Logger) WriterOption {
	return func(w *Writer) { w.log = l }
}

// NewWriter creates a writer whose target paths are bounded by guard.
func NewWriter(guard *workspace.Guard, opts ...WriterOption) *Writer {
	w := &Writer{
		guard:    guard,
		cache:    newIndexCache(),
		gate:     newRateGate(DefaultRateLimitConfig()),
		lockCfg:  DefaultLockConfig(),
		strategy: redact.MaskFull{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append appends one fully-formed record to the named log file and returns
// the inclusive line range written. On a file's first append a schema record
// is written ahead of the caller's record; the returned range covers only
// the caller's record, so First is greater than 1 even when this call
// created the file. The rename at the end of the write protocol is the only
// externally visible mutation: any failure before it leaves the original
// file untouched.
func (w *Writer) Append(ctx context.Context, file string, rec types.Record) (types.LineRange, error) {
	if err := rec.Validate(); err != nil {
		return types.LineRange{}, err
	}
	return w.append(ctx, file, func(next int64, path string) ([]string, int64, error) {
		clean, err := w.redactRecord(rec, path, next)
		if err != nil {
			return nil, 0, err
		}
		lines, err := grammar.Encode(clean, next)
		if err != nil {
			return nil, 0, err
		}
		return lines, next + int64(len(lines)) - 1, nil
	})
}

// AppendLines appends already grammar-conformant content lines (headers,
// key=value fields, blanks — without line numbers) on behalf of
// collaborators such as the ingestion watcher. Field values are still
// redacted and the atomic-write path is still used; there is no way to
// bypass either. A missing trailing blank line is supplied so the record is
// always closed.
func (w *Writer) AppendLines(ctx context.Context, file string, raw []string) (types.LineRange, error) {
	if len(raw) == 0 {
		return types.LineRange{}, fmt.Errorf("store: no lines to append")
	}
	return w.append(ctx, file, func(next int64, path string) ([]string, int64, error) {
		content := make([]string, 0, len(raw)+1)
		n := next
		for _, line := range raw {
			if line != "" && !strings.HasPrefix(line, "@") && !strings.Contains(line, "=") {
				return nil, 0, fmt.Errorf("store: line %q is not a section header, field, or blank", line)
			}
			cleaned, err := w.redactContentLine(line, path, n)
			if err != nil {
				return nil, 0, err
			}
			content = append(content, fmt.Sprintf("%d|%s", n, cleaned))
			n++
		}
		if raw[len(raw)-1] != "" {
			content = append(content, fmt.Sprintf("%d|", n))
			n++
		}
		return content, n - 1, nil
	})
}

// append runs the shared pipeline: guard, rate gate, lock, line numbering,
// encode via build, atomic write.
func (w *Writer) append(ctx context.Context, file string, build func(next int64, path string) ([]string, int64, error)) (types.LineRange, error) {
	path, err := w.guard.Validate(file)
	if err != nil {
		return types.LineRange{}, fmt.Errorf("%w: %v", ErrPathRejected, err)
	}
	if err := w.gate.allow(); err != nil {
		return types.LineRange{}, err
	}

	lock := newFileLock(path, w.lockCfg)
	if err := lock.Acquire(ctx); err != nil {
		return types.LineRange{}, err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil && w.log != nil {
			w.log.Warnf("lock release: %v", releaseErr)
		}
	}()

	next := int64(1)
	var prefix []string
	idx, err := w.cache.get(path)
	switch {
	case err == nil:
		// A numbering anomaly means LastLine stops short of the file's
		// physical end; appending there would duplicate line numbers and
		// land the record in the region readers refuse to trust.
		if idx.AnomalyLine != 0 {
			return types.LineRange{}, &CorruptionError{File: path, Line: idx.AnomalyLine, Kind: CorruptionNumberingGap}
		}
		next = idx.LastLine + 1
	case errors.Is(err, ErrNotFound):
		// First append to this file: declare the format version ahead
		// of the caller's record.
		schemaLines, encErr := grammar.Encode(types.NewSchemaRecord(grammar.SchemaVersion), 1)
		if encErr != nil {
			return types.LineRange{}, encErr
		}
		prefix = schemaLines
		next = int64(len(schemaLines)) + 1
	default:
		return types.LineRange{}, err
	}

	lines, last, err := build(next, path)
	if err != nil {
		return types.LineRange{}, err
	}

	all := append(prefix, lines...)
	if err := atomicAppend(path, all); err != nil {
		return types.LineRange{}, err
	}
	w.refreshIndex(path, idx, all, last)

	return types.LineRange{First: next, Last: last}, nil
}

// refreshIndex folds the appended lines into the cached index so the next
// append does not rescan the file. The writer holds the lock for the whole
// append, so the previous index (when present) is still accurate for the
// copied prefix of the file.
func (w *Writer) refreshIndex(path string, prev *Index, appended []string, last int64) {
	info, err := os.Stat(path)
	if err != nil {
		w.cache.invalidate(path)
		return
	}

	next := &Index{
		Path:          path,
		Size:          info.Size(),
		ModTime:       info.ModTime(),
		LastLine:      last,
		SchemaVersion: grammar.SchemaVersion,
	}
	var offset int64
	if prev != nil {
		next.SchemaVersion = prev.SchemaVersion
		next.NewerMajor = prev.NewerMajor
		next.SectionOffsets = append(next.SectionOffsets, prev.SectionOffsets...)
		offset = prev.Size
	}
	for _, line := range appended {
		pl := grammar.DecodeLine(line)
		if pl.Kind == types.LineKindHeader {
			next.SectionOffsets = append(next.SectionOffsets, SectionOffset{
				Offset: offset,
				Line:   pl.Number,
				Type:   headerType(pl.Content),
			})
		}
		offset += int64(len(line)) + 1
	}
	if overflow := len(next.SectionOffsets) - maxSectionOffsets; overflow > 0 {
		next.SectionOffsets = next.SectionOffsets[overflow:]
	}
	w.cache.put(path, next)
}

// redactRecord passes every field value through the redaction engine,
// returning a copy with masked values. In strict mode the first finding
// aborts the append instead.
func (w *Writer) redactRecord(rec types.Record, path string, startLine int64) (types.Record, error) {
	clean := rec
	clean.Fields = make([]types.Field, len(rec.Fields))
	for i, f := range rec.Fields {
		value, err := w.redactValue(f.Value, path, startLine+1+int64(i))
		if err != nil {
			return types.Record{}, err
		}
		clean.Fields[i] = types.Field{Key: f.Key, Value: value}
	}
	return clean, nil
}

// redactContentLine redacts the value portion of a grammar content line.
// Header and blank lines pass through untouched.
func (w *Writer) redactContentLine(line string, path string, lineNo int64) (string, error) {
	if line == "" || strings.HasPrefix(line, "@") || !strings.Contains(line, "=") {
		return line, nil
	}
	key, value, _ := strings.Cut(line, "=")
	clean, err := w.redactValue(grammar.UnescapeValue(value), path, lineNo)
	if err != nil {
		return "", err
	}
	return key + "=" + grammar.EscapeValue(clean), nil
}

func (w *Writer) redactValue(value, path string, lineNo int64) (string, error) {
	findings := redact.Detect(value)
	if len(findings) == 0 {
		return value, nil
	}
	if w.strict {
		return "", fmt.Errorf("%w: %s at %s line %d",
			ErrSecretDetected, findings[0].Type, filepath.Base(path), lineNo)
	}

	var sb strings.Builder
	prev := 0
	for _, f := range findings {
		sb.WriteString(value[prev:f.Position])
		sb.WriteString(w.strategy.Mask(f.Type, value[f.Position:f.Position+f.Length]))
		prev = f.Position + f.Length
	}
	sb.WriteString(value[prev:])

	w.mu.Lock()
	for _, f := range findings {
		w.redactions = append(w.redactions, RedactionEvent{
			Type:     f.Type,
			Class:    f.Type.Class(),
			File:     path,
			Line:     lineNo,
			Detected: timeNow(),
		})
	}
	w.mu.Unlock()
	if w.log != nil {
		for _, f := range findings {
			w.log.Infof("redacted %s (%s) in %s line %d", f.Type, f.Type.Class(), filepath.Base(path), lineNo)
		}
	}
	return sb.String(), nil
}

// RedactionLog returns a copy of the redaction audit trail accumulated by
// this writer instance.
func (w *Writer) RedactionLog() []RedactionEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]RedactionEvent, len(w.redactions))
	copy(out, w.redactions)
	return out
}

// RateLimitStatus reports the writer's remaining operation budget.
func (w *Writer) RateLimitStatus() RateLimitStatus {
	return w.gate.status()
}

// atomicAppend writes the entire current content of path plus the new lines
// to a fresh temporary file in the same directory, syncs it, and renames it
// over the target. The rename is the only mutation a concurrent reader can
// observe.
func atomicAppend(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("store: failed to create log directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-append-*.tmp")
	if err != nil {
		return fmt.Errorf("store: failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	// Stream the existing content through a bounded buffer; the file is
	// never loaded into memory.
	src, err := os.Open(path)
	if err == nil {
		_, copyErr := io.Copy(tmp, src)
		_ = src.Close()
		if copyErr != nil {
			cleanup()
			return fmt.Errorf("store: failed to copy %s: %w", path, copyErr)
		}
	} else if !os.IsNotExist(err) {
		cleanup()
		return fmt.Errorf("store: failed to open %s: %w", path, err)
	}

	buf := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := buf.WriteString(line); err != nil {
			cleanup()
			return fmt.Errorf("store: failed to write temp file: %w", err)
		}
		if err := buf.WriteByte('\n'); err != nil {
			cleanup()
			return fmt.Errorf("store: failed to write temp file: %w", err)
		}
	}
	if err := buf.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("store: failed to flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("store: failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // best-effort cleanup
		return fmt.Errorf("store: atomic rename %s: %w", path, err)
	}
	return nil
}
