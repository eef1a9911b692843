package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/ledger/pkg/grammar"
	"github.com/entrhq/ledger/pkg/logging"
	"github.com/entrhq/ledger/pkg/security/workspace"
	"github.com/entrhq/ledger/pkg/types"
)

// defaultStreamThreshold is the file size above which ScanRange switches
// from loading the file to streaming it line by line.
const defaultStreamThreshold = 4 << 20 // 4 MiB

// Predicate filters records during a scan. A nil predicate matches all.
type Predicate func(types.Record) bool

// MatchType matches records of one type.
func MatchType(t types.RecordType) Predicate {
	return func(rec types.Record) bool { return rec.Type == t }
}

// MatchField matches records whose named field value matches a glob
// pattern, case-insensitively. An invalid pattern matches nothing.
func MatchField(key, pattern string) Predicate {
	g, err := glob.Compile(strings.ToLower(pattern))
	return func(rec types.Record) bool {
		if err != nil {
			return false
		}
		value, ok := rec.Get(key)
		return ok && g.Match(strings.ToLower(value))
	}
}

// MatchDateRange matches records whose named field parses as RFC3339 and
// falls within [from, to]. A zero bound is open on that side.
func MatchDateRange(key string, from, to time.Time) Predicate {
	return func(rec types.Record) bool {
		value, ok := rec.Get(key)
		if !ok {
			return false
		}
		ts, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return false
		}
		if !from.IsZero() && ts.Before(from) {
			return false
		}
		if !to.IsZero() && ts.After(to) {
			return false
		}
		return true
	}
}

// MatchAll combines predicates conjunctively.
func MatchAll(preds ...Predicate) Predicate {
	return func(rec types.Record) bool {
		for _, p := range preds {
			if p != nil && !p(rec) {
				return false
			}
		}
		return true
	}
}

// CorruptionReport summarizes the format violations found in one full walk
// of a file. All counts zero means the file is clean.
type CorruptionReport struct {
	File           string
	LinesSeen      int64
	MalformedLines int64
	OrphanFields   int64
	SkippedRecords int64
	// AnomalyLine is the ordinal of the first line-numbering break, zero
	// when the sequence held. Content after it is untrusted.
	AnomalyLine int64
	// SchemaVersion and NewerMajor mirror the file's declared format
	// version; NewerMajor means results are best-effort only.
	SchemaVersion string
	NewerMajor    bool
}

// Clean reports whether the walk found no violations at all.
func (r CorruptionReport) Clean() bool {
	return r.MalformedLines == 0 && r.OrphanFields == 0 &&
		r.SkippedRecords == 0 && r.AnomalyLine == 0
}

// Violation returns a typed error for the most severe violation found, nil
// when the file is clean. A numbering gap outranks everything else because
// content after it cannot be trusted.
func (r CorruptionReport) Violation() error {
	switch {
	case r.AnomalyLine != 0:
		return &CorruptionError{File: r.File, Line: r.AnomalyLine, Kind: CorruptionNumberingGap}
	case r.SkippedRecords > 0:
		return &CorruptionError{File: r.File, Kind: CorruptionTruncatedTail}
	case r.OrphanFields > 0:
		return &CorruptionError{File: r.File, Kind: CorruptionOrphanField}
	case r.MalformedLines > 0:
		return &CorruptionError{File: r.File, Kind: CorruptionMalformedLine}
	case r.NewerMajor:
		return &CorruptionError{File: r.File, Kind: CorruptionNewerMajor}
	}
	return nil
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithStreamThreshold overrides the size at which scans switch to
// streaming. Mostly useful in tests.
func WithStreamThreshold(bytes int64) ReaderOption {
	return func(r *Reader) { r.streamThreshold = bytes }
}

// WithReaderLogger attaches a session logger for degraded-file warnings.
func WithReaderLogger(l *logging.Logger) ReaderOption {
	return func(r *Reader) { r.log = l }
}

// Reader provides query access to context logs: cached index metadata,
// near-constant-time tail queries, and bounded-memory scans. A Reader can
// be constructed before any writer has run; a missing file yields empty
// results from every query method.
type Reader struct {
	guard           *workspace.Guard
	cache           *indexCache
	log             *logging.Logger
	streamThreshold int64
}

// NewReader creates a reader whose target paths are bounded by guard. Its
// index cache is owned by this instance and never shared.
func NewReader(guard *workspace.Guard, opts ...ReaderOption) *Reader {
	r := &Reader{
		guard:           guard,
		cache:           newIndexCache(),
		streamThreshold: defaultStreamThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetIndex returns the index for the named file, rebuilding it only when
// the file's (size, mtime) no longer match the cached observation. A second
// call with no intervening write returns the identical cached object.
func (r *Reader) GetIndex(file string) (*Index, error) {
	path, err := r.guard.Validate(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathRejected, err)
	}
	return r.cache.get(path)
}

// LastN returns the n most recent well-formed records in reverse
// chronological order. Schema records are metadata, not content, and are
// excluded. The index's section offsets let the scan start near the tail,
// so the cost is independent of total file size.
func (r *Reader) LastN(file string, n int) ([]types.Record, error) {
	if n <= 0 {
		return nil, nil
	}
	path, err := r.guard.Validate(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathRejected, err)
	}
	idx, err := r.cache.get(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// Seek to the n-th section offset from the end. Some tail records may
	// be skipped as corrupt, so take one extra section of slack.
	start := SectionOffset{Line: 1}
	if len(idx.SectionOffsets) > n+1 {
		start = idx.SectionOffsets[len(idx.SectionOffsets)-(n+1)]
	}

	scan, err := r.scanFrom(path, start, nil)
	if err != nil {
		return nil, err
	}
	defer scan.Close()

	var records []types.Record
	for {
		rec, ok := scan.Next()
		if !ok {
			break
		}
		if rec.Type == types.RecordTypeSchema {
			continue
		}
		records = append(records, rec)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("store: failed reading %s: %w", path, err)
	}

	if len(records) > n {
		records = records[len(records)-n:]
	}
	// Reverse in place: most recent first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// ScanRange returns a lazy scan over all records satisfying pred, in file
// order. For files above the streaming threshold the scan reads through a
// fixed-size buffer; peak memory is bounded by the longest single line.
// A missing file yields an empty scan, not an error.
func (r *Reader) ScanRange(file string, pred Predicate) (*Scan, error) {
	path, err := r.guard.Validate(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathRejected, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Scan{src: &sliceSource{}, dec: grammar.NewDecoder(), pred: pred}, nil
		}
		return nil, fmt.Errorf("store: failed to stat %s: %w", path, err)
	}

	if info.Size() <= r.streamThreshold {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("store: failed to read %s: %w", path, err)
		}
		var lines []string
		if len(data) > 0 {
			lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
		}
		return &Scan{src: &sliceSource{lines: lines}, dec: grammar.NewDecoder(), pred: pred}, nil
	}

	src, err := newFileSource(path, 0)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s: %w", path, err)
	}
	return &Scan{src: src, dec: grammar.NewDecoder(), pred: pred}, nil
}

// CorruptionReport walks the whole file and reports every violation found.
// It never fails on malformed content; only the inability to read the file
// at all is an error. A missing file reports zero counts.
func (r *Reader) CorruptionReport(file string) (CorruptionReport, error) {
	path, err := r.guard.Validate(file)
	if err != nil {
		return CorruptionReport{}, fmt.Errorf("%w: %v", ErrPathRejected, err)
	}

	report := CorruptionReport{File: path}
	src, err := newFileSource(path, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, fmt.Errorf("store: failed to open %s: %w", path, err)
	}

	dec := grammar.NewDecoder()
	for {
		line, ok, readErr := src.next()
		if readErr != nil {
			_ = src.close()
			return report, fmt.Errorf("store: failed reading %s: %w", path, readErr)
		}
		if !ok {
			break
		}
		dec.Feed(line)
	}
	dec.Finish()
	_ = src.close()

	stats := dec.Stats()
	report.LinesSeen = stats.LinesSeen
	report.MalformedLines = stats.MalformedLines
	report.OrphanFields = stats.OrphanFields
	report.SkippedRecords = stats.SkippedRecords
	report.AnomalyLine = stats.AnomalyLine
	report.SchemaVersion = stats.SchemaVersion
	report.NewerMajor = stats.NewerMajor
	if r.log != nil && !report.Clean() {
		r.log.Warnf("degraded log %s: %d malformed, %d orphan fields, %d skipped records, anomaly at %d",
			path, report.MalformedLines, report.OrphanFields, report.SkippedRecords, report.AnomalyLine)
	}
	return report, nil
}

// scanFrom starts a scan at a known section offset, telling the decoder
// which line number to expect first.
func (r *Reader) scanFrom(path string, start SectionOffset, pred Predicate) (*Scan, error) {
	src, err := newFileSource(path, start.Offset)
	if err != nil {
		if os.IsNotExist(err) {
			return &Scan{src: &sliceSource{}, dec: grammar.NewDecoder(), pred: pred}, nil
		}
		return nil, fmt.Errorf("store: failed to open %s: %w", path, err)
	}
	dec := grammar.NewDecoder()
	if start.Line > 1 {
		dec.ExpectLine(start.Line)
	}
	return &Scan{src: src, dec: dec, pred: pred}, nil
}
