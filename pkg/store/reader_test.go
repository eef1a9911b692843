package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/ledger/pkg/security/workspace"
	"github.com/entrhq/ledger/pkg/types"
)

// seedLog appends records titled by the given names, in order.
func seedLog(t *testing.T, guard *workspace.Guard, file string, titles ...string) {
	t.Helper()
	w := NewWriter(guard)
	for _, title := range titles {
		_, err := w.Append(context.Background(), file, decisionRecord(title))
		require.NoError(t, err)
	}
}

func newTestReader(t *testing.T, opts ...ReaderOption) (*Reader, *workspace.Guard) {
	t.Helper()
	guard, err := workspace.NewGuard(t.TempDir())
	require.NoError(t, err)
	return NewReader(guard, opts...), guard
}

func TestGetIndexReflectsAppends(t *testing.T) {
	r, guard := newTestReader(t)
	seedLog(t, guard, "context.log", "a")

	idx, err := r.GetIndex("context.log")
	require.NoError(t, err)
	assert.Equal(t, int64(8), idx.LastLine)
	assert.Equal(t, "1.0", idx.SchemaVersion)
	assert.False(t, idx.NewerMajor)
	// Schema section plus one decision section.
	require.Len(t, idx.SectionOffsets, 2)
	assert.Equal(t, types.RecordTypeSchema, idx.SectionOffsets[0].Type)
	assert.Equal(t, types.RecordTypeDecision, idx.SectionOffsets[1].Type)

	seedLog(t, guard, "context.log", "b")
	idx2, err := r.GetIndex("context.log")
	require.NoError(t, err)
	assert.Greater(t, idx2.LastLine, idx.LastLine)
}

func TestGetIndexCachedBetweenCalls(t *testing.T) {
	r, guard := newTestReader(t)
	seedLog(t, guard, "context.log", "a")

	first, err := r.GetIndex("context.log")
	require.NoError(t, err)
	second, err := r.GetIndex("context.log")
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged file should return the cached index object")
}

func TestGetIndexMissingFile(t *testing.T) {
	r, _ := newTestReader(t)

	_, err := r.GetIndex("nope.log")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetIndexRejectsEscapingPath(t *testing.T) {
	r, _ := newTestReader(t)

	_, err := r.GetIndex("../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathRejected)
}

func TestLastNReturnsMostRecentFirst(t *testing.T) {
	r, guard := newTestReader(t)
	seedLog(t, guard, "context.log", "a", "b", "c")

	records, err := r.LastN("context.log", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	title0, _ := records[0].Get("title")
	title1, _ := records[1].Get("title")
	assert.Equal(t, "c", title0)
	assert.Equal(t, "b", title1)
}

func TestLastNExcludesSchemaRecord(t *testing.T) {
	r, guard := newTestReader(t)
	seedLog(t, guard, "context.log", "only")

	records, err := r.LastN("context.log", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.RecordTypeDecision, records[0].Type)
}

func TestLastNMissingFile(t *testing.T) {
	r, _ := newTestReader(t)

	records, err := r.LastN("nope.log", 5)
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestLastNManySections(t *testing.T) {
	r, guard := newTestReader(t)
	titles := make([]string, 30)
	for i := range titles {
		titles[i] = fmt.Sprintf("rec-%02d", i)
	}
	seedLog(t, guard, "context.log", titles...)

	records, err := r.LastN("context.log", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	got0, _ := records[0].Get("title")
	got2, _ := records[2].Get("title")
	assert.Equal(t, "rec-29", got0)
	assert.Equal(t, "rec-27", got2)
}

func TestScanRangeWithPredicates(t *testing.T) {
	r, guard := newTestReader(t)
	w := NewWriter(guard)
	ctx := context.Background()

	_, err := w.Append(ctx, "context.log", decisionRecord("use sqlite"))
	require.NoError(t, err)
	insight := types.Record{
		Type:   types.RecordTypeInsight,
		Fields: []types.Field{{Key: "text", Value: "indexes help"}},
	}
	_, err = w.Append(ctx, "context.log", insight)
	require.NoError(t, err)
	_, err = w.Append(ctx, "context.log", decisionRecord("use postgres"))
	require.NoError(t, err)

	scan, err := r.ScanRange("context.log", MatchType(types.RecordTypeDecision))
	require.NoError(t, err)
	defer scan.Close()

	var titles []string
	for {
		rec, ok := scan.Next()
		if !ok {
			break
		}
		title, _ := rec.Get("title")
		titles = append(titles, title)
	}
	require.NoError(t, scan.Err())
	assert.Equal(t, []string{"use sqlite", "use postgres"}, titles)
}

func TestScanRangeFieldGlob(t *testing.T) {
	r, guard := newTestReader(t)
	seedLog(t, guard, "context.log", "Use SQLite", "use nothing", "prefer files")

	scan, err := r.ScanRange("context.log", MatchField("title", "use*"))
	require.NoError(t, err)
	defer scan.Close()

	count := 0
	for {
		if _, ok := scan.Next(); !ok {
			break
		}
		count++
	}
	require.NoError(t, scan.Err())
	assert.Equal(t, 2, count, "glob match is case-insensitive")
}

func TestScanRangeDateRange(t *testing.T) {
	r, guard := newTestReader(t)
	w := NewWriter(guard)
	ctx := context.Background()
	for i, ts := range []string{"2026-01-01T00:00:00Z", "2026-02-01T00:00:00Z", "2026-03-01T00:00:00Z"} {
		rec := decisionRecord(fmt.Sprintf("d%d", i))
		rec.Set("time", ts)
		_, err := w.Append(ctx, "context.log", rec)
		require.NoError(t, err)
	}

	from := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	scan, err := r.ScanRange("context.log", MatchDateRange("time", from, to))
	require.NoError(t, err)
	defer scan.Close()

	var matched []types.Record
	for {
		rec, ok := scan.Next()
		if !ok {
			break
		}
		matched = append(matched, rec)
	}
	require.NoError(t, scan.Err())
	require.Len(t, matched, 1)
	title, _ := matched[0].Get("title")
	assert.Equal(t, "d1", title)
}

func TestMatchAllCombines(t *testing.T) {
	r, guard := newTestReader(t)
	seedLog(t, guard, "context.log", "use sqlite", "use postgres", "skip caching")

	pred := MatchAll(MatchType(types.RecordTypeDecision), MatchField("title", "use*"))
	scan, err := r.ScanRange("context.log", pred)
	require.NoError(t, err)
	defer scan.Close()

	count := 0
	for {
		if _, ok := scan.Next(); !ok {
			break
		}
		count++
	}
	require.NoError(t, scan.Err())
	assert.Equal(t, 2, count)
}

func TestScanRangeMissingFile(t *testing.T) {
	r, _ := newTestReader(t)

	scan, err := r.ScanRange("nope.log", nil)
	require.NoError(t, err)
	defer scan.Close()
	_, ok := scan.Next()
	assert.False(t, ok)
	assert.NoError(t, scan.Err())
}

func TestScanRangeStreamingMatchesLoaded(t *testing.T) {
	// Force the streaming path with a 1-byte threshold and check it yields
	// the same records as the in-memory path.
	guard, err := workspace.NewGuard(t.TempDir())
	require.NoError(t, err)
	seedLog(t, guard, "context.log", "a", "b", "c")

	collect := func(r *Reader) []string {
		scan, err := r.ScanRange("context.log", MatchType(types.RecordTypeDecision))
		require.NoError(t, err)
		defer scan.Close()
		var titles []string
		for {
			rec, ok := scan.Next()
			if !ok {
				break
			}
			title, _ := rec.Get("title")
			titles = append(titles, title)
		}
		require.NoError(t, scan.Err())
		return titles
	}

	loaded := collect(NewReader(guard))
	streamed := collect(NewReader(guard, WithStreamThreshold(1)))
	assert.Equal(t, loaded, streamed)
}

func TestTruncatedTailRecordIsSkipped(t *testing.T) {
	r, guard := newTestReader(t)
	path := filepath.Join(guard.RootDir(), "context.log")
	content := "1|@DECISION\n" +
		"2|title=complete\n" +
		"3|\n" +
		"4|@DECISION\n" +
		"5|title=cut off\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	scan, err := r.ScanRange("context.log", nil)
	require.NoError(t, err)
	defer scan.Close()

	var records []types.Record
	for {
		rec, ok := scan.Next()
		if !ok {
			break
		}
		records = append(records, rec)
	}
	require.NoError(t, scan.Err())
	require.Len(t, records, 1)
	title, _ := records[0].Get("title")
	assert.Equal(t, "complete", title)
	assert.Equal(t, int64(1), scan.Stats().SkippedRecords)

	report, err := r.CorruptionReport("context.log")
	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Equal(t, int64(1), report.SkippedRecords)

	var cerr *CorruptionError
	require.ErrorAs(t, report.Violation(), &cerr)
	assert.Equal(t, CorruptionTruncatedTail, cerr.Kind)
}

func TestMalformedLineDoesNotHideLaterRecords(t *testing.T) {
	r, guard := newTestReader(t)
	path := filepath.Join(guard.RootDir(), "context.log")
	content := "1|@DECISION\n" +
		"2|title=a\n" +
		"3|\n" +
		"4|garbage content\n" +
		"5|@DECISION\n" +
		"6|title=b\n" +
		"7|\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	scan, err := r.ScanRange("context.log", nil)
	require.NoError(t, err)
	defer scan.Close()

	var titles []string
	for {
		rec, ok := scan.Next()
		if !ok {
			break
		}
		title, _ := rec.Get("title")
		titles = append(titles, title)
	}
	require.NoError(t, scan.Err())
	assert.Equal(t, []string{"a", "b"}, titles)

	report, err := r.CorruptionReport("context.log")
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.MalformedLines)
	assert.Zero(t, report.AnomalyLine)

	// The numbering sequence is intact, so the index covers the whole file.
	idx, err := r.GetIndex("context.log")
	require.NoError(t, err)
	assert.Equal(t, int64(7), idx.LastLine)
	assert.Zero(t, idx.AnomalyLine)
}

func TestScanRangeEmptyFile(t *testing.T) {
	r, guard := newTestReader(t)
	path := filepath.Join(guard.RootDir(), "context.log")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	scan, err := r.ScanRange("context.log", nil)
	require.NoError(t, err)
	defer scan.Close()
	_, ok := scan.Next()
	assert.False(t, ok)
	require.NoError(t, scan.Err())
	assert.Zero(t, scan.Stats().MalformedLines)
	assert.Zero(t, scan.Stats().LinesSeen)
}

func TestNumberingAnomalyStopsTrust(t *testing.T) {
	r, guard := newTestReader(t)
	path := filepath.Join(guard.RootDir(), "context.log")
	content := "1|@DECISION\n" +
		"2|title=before\n" +
		"3|\n" +
		"7|@DECISION\n" +
		"8|title=after\n" +
		"9|\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	scan, err := r.ScanRange("context.log", nil)
	require.NoError(t, err)
	defer scan.Close()

	var records []types.Record
	for {
		rec, ok := scan.Next()
		if !ok {
			break
		}
		records = append(records, rec)
	}
	require.NoError(t, scan.Err())
	require.Len(t, records, 1)
	title, _ := records[0].Get("title")
	assert.Equal(t, "before", title)

	report, err := r.CorruptionReport("context.log")
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.AnomalyLine)

	var cerr *CorruptionError
	require.ErrorAs(t, report.Violation(), &cerr)
	assert.Equal(t, CorruptionNumberingGap, cerr.Kind)
	assert.Equal(t, int64(4), cerr.Line)

	// The index stops trusting the file at the anomaly too, and records
	// where the break happened.
	idx, err := r.GetIndex("context.log")
	require.NoError(t, err)
	assert.Equal(t, int64(3), idx.LastLine)
	assert.Equal(t, int64(4), idx.AnomalyLine)
}

func TestCorruptionReportCleanFile(t *testing.T) {
	r, guard := newTestReader(t)
	seedLog(t, guard, "context.log", "a", "b")

	report, err := r.CorruptionReport("context.log")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.NoError(t, report.Violation())
	assert.Equal(t, "1.0", report.SchemaVersion)
}

func TestCorruptionReportMissingFile(t *testing.T) {
	r, _ := newTestReader(t)

	report, err := r.CorruptionReport("nope.log")
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Zero(t, report.LinesSeen)
}

func TestCorruptionReportCountsGarbage(t *testing.T) {
	r, guard := newTestReader(t)
	path := filepath.Join(guard.RootDir(), "context.log")
	content := "1|@DECISION\n" +
		"2|title=ok\n" +
		"3|\n" +
		"not a ledger line\n" +
		"4|orphan=no open record\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	report, err := r.CorruptionReport("context.log")
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.MalformedLines)
	assert.Equal(t, int64(1), report.OrphanFields)
}
