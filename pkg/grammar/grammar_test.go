package grammar

import (
	"fmt"
	"strings"
	"testing"

	"github.com/entrhq/ledger/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := types.Record{
		Type: types.RecordTypeDecision,
		ID:   "use-postgres",
		Fields: []types.Field{
			{Key: "summary", Value: "switch to postgres"},
			{Key: "rationale", Value: "line one\nline two | with pipe"},
			{Key: "status", Value: "@accepted"},
			{Key: "empty", Value: ""},
		},
	}

	lines, err := Encode(rec, 7)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(lines) != len(rec.Fields)+2 {
		t.Fatalf("expected %d lines, got %d", len(rec.Fields)+2, len(lines))
	}

	// Line numbers must be 7, 8, ... with no gaps.
	for i, line := range lines {
		want := fmt.Sprintf("%d|", 7+i)
		if !strings.HasPrefix(line, want) {
			t.Errorf("line %d: expected prefix %q, got %q", i, want, line)
		}
	}

	d := NewDecoder()
	d.ExpectLine(7)
	var out []types.Record
	for _, line := range lines {
		out = append(out, d.Feed(line)...)
	}
	d.Finish()

	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	got := out[0]
	if got.Type != rec.Type || got.ID != rec.ID {
		t.Errorf("expected %s:%s, got %s:%s", rec.Type, rec.ID, got.Type, got.ID)
	}
	if got.StartLine != 7 {
		t.Errorf("expected start line 7, got %d", got.StartLine)
	}
	if len(got.Fields) != len(rec.Fields) {
		t.Fatalf("expected %d fields, got %d", len(rec.Fields), len(got.Fields))
	}
	for i, f := range rec.Fields {
		if got.Fields[i] != f {
			t.Errorf("field %d: expected %+v, got %+v", i, f, got.Fields[i])
		}
	}
	if stats := d.Stats(); stats.MalformedLines != 0 || stats.SkippedRecords != 0 {
		t.Errorf("expected clean decode, got %+v", stats)
	}
}

func TestEscapeValue(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "plain", value: "hello world"},
		{name: "pipe", value: "a|b|c"},
		{name: "newline", value: "first\nsecond"},
		{name: "carriage return", value: "first\r\nsecond"},
		{name: "backslash", value: `C:\temp\file`},
		{name: "leading section marker", value: "@DECISION looks like a header"},
		{name: "interior at sign", value: "user@example.com"},
		{name: "escape-like text", value: `literal \n stays`},
		{name: "empty", value: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := EscapeValue(tt.value)
			if strings.ContainsAny(escaped, "\n\r") {
				t.Errorf("escaped value contains raw newline: %q", escaped)
			}
			if got := UnescapeValue(escaped); got != tt.value {
				t.Errorf("round trip: expected %q, got %q", tt.value, got)
			}
		})
	}
}

func TestEscapedValueNeverParsesAsDelimiter(t *testing.T) {
	rec := types.Record{
		Type: types.RecordTypeConversation,
		Fields: []types.Field{
			{Key: "content", Value: "chunk one\n@DECISION\n99|fake=line\n"},
		},
	}
	lines, err := Encode(rec, 1)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected exactly 3 physical lines, got %d: %v", len(lines), lines)
	}
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		kind   types.LineKind
		number int64
	}{
		{name: "header", raw: "1|@CONVERSATION", kind: types.LineKindHeader, number: 1},
		{name: "header with id", raw: "4|@DECISION:db-choice", kind: types.LineKindHeader, number: 4},
		{name: "field", raw: "2|role=user", kind: types.LineKindField, number: 2},
		{name: "blank", raw: "3|", kind: types.LineKindBlank, number: 3},
		{name: "no pipe", raw: "just text", kind: types.LineKindMalformed},
		{name: "non-numeric prefix", raw: "abc|content", kind: types.LineKindMalformed},
		{name: "zero line number", raw: "0|@DECISION", kind: types.LineKindMalformed},
		{name: "negative line number", raw: "-1|@DECISION", kind: types.LineKindMalformed},
		{name: "content without delimiter", raw: "5|not a field", kind: types.LineKindMalformed},
		{name: "empty", raw: "", kind: types.LineKindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := DecodeLine(tt.raw)
			if line.Kind != tt.kind {
				t.Errorf("expected kind %d, got %d", tt.kind, line.Kind)
			}
			if tt.kind != types.LineKindMalformed && line.Number != tt.number {
				t.Errorf("expected line number %d, got %d", tt.number, line.Number)
			}
		})
	}
}

func TestDecoderNumberingAnomaly(t *testing.T) {
	d := NewDecoder()
	var out []types.Record
	feed := []string{
		"1|@WORKSTATE",
		"2|task=refactor reader",
		"3|",
		"5|@DECISION", // gap: line 4 missing
		"6|summary=should never surface",
		"7|",
	}
	for _, line := range feed {
		out = append(out, d.Feed(line)...)
	}
	d.Finish()

	if len(out) != 1 {
		t.Fatalf("expected only the record before the anomaly, got %d records", len(out))
	}
	if out[0].Type != types.RecordTypeWorkState {
		t.Errorf("expected WORKSTATE, got %s", out[0].Type)
	}
	stats := d.Stats()
	if stats.AnomalyLine != 4 {
		t.Errorf("expected anomaly at ordinal 4, got %d", stats.AnomalyLine)
	}
}

func TestDecoderMalformedContentKeepsSequence(t *testing.T) {
	d := NewDecoder()
	var out []types.Record
	feed := []string{
		"1|@DECISION",
		"2|title=a",
		"3|",
		"4|garbage content", // valid number, content fits no line kind
		"5|@DECISION",
		"6|title=b",
		"7|",
	}
	for _, line := range feed {
		out = append(out, d.Feed(line)...)
	}
	d.Finish()

	if len(out) != 2 {
		t.Fatalf("expected both records around the malformed line, got %d", len(out))
	}
	stats := d.Stats()
	if stats.MalformedLines != 1 {
		t.Errorf("expected 1 malformed line, got %d", stats.MalformedLines)
	}
	if stats.AnomalyLine != 0 {
		t.Errorf("a malformed in-sequence line is not a numbering anomaly, got anomaly at %d", stats.AnomalyLine)
	}
}

func TestDecoderMalformedContentDropsOnlyOpenRecord(t *testing.T) {
	d := NewDecoder()
	var out []types.Record
	feed := []string{
		"1|@DECISION",
		"2|garbage inside the record",
		"3|",
		"4|@DECISION",
		"5|title=b",
		"6|",
	}
	for _, line := range feed {
		out = append(out, d.Feed(line)...)
	}
	d.Finish()

	if len(out) != 1 {
		t.Fatalf("expected only the record after the damage, got %d", len(out))
	}
	if title, _ := out[0].Get("title"); title != "b" {
		t.Errorf("expected record b, got %+v", out[0])
	}
	stats := d.Stats()
	if stats.MalformedLines != 1 || stats.SkippedRecords != 1 {
		t.Errorf("expected 1 malformed line and 1 skipped record, got %+v", stats)
	}
}

func TestDecoderUnnumberedLineOutsideSequence(t *testing.T) {
	d := NewDecoder()
	var out []types.Record
	feed := []string{
		"1|@DECISION",
		"2|title=a",
		"3|",
		"editor crash artifact", // no number at all: not part of the sequence
		"4|@DECISION",
		"5|title=b",
		"6|",
	}
	for _, line := range feed {
		out = append(out, d.Feed(line)...)
	}
	d.Finish()

	if len(out) != 2 {
		t.Fatalf("expected both records, got %d", len(out))
	}
	stats := d.Stats()
	if stats.MalformedLines != 1 || stats.AnomalyLine != 0 {
		t.Errorf("expected 1 malformed line and no anomaly, got %+v", stats)
	}
}

func TestDecoderTruncatedRecord(t *testing.T) {
	d := NewDecoder()
	var out []types.Record
	feed := []string{
		"1|@CONVERSATION:abc",
		"2|role=user",
		"3|content=hello",
		"4|",
		"5|@INSIGHT",
		"6|text=truncated mid-rec",
		// no closing blank: file was cut here
	}
	for _, line := range feed {
		out = append(out, d.Feed(line)...)
	}
	d.Finish()

	if len(out) != 1 {
		t.Fatalf("expected 1 complete record, got %d", len(out))
	}
	if got := d.Stats().SkippedRecords; got != 1 {
		t.Errorf("expected 1 skipped record, got %d", got)
	}
}

func TestDecoderOrphanField(t *testing.T) {
	d := NewDecoder()
	d.Feed("1|key=value with no open record")
	if got := d.Stats().OrphanFields; got != 1 {
		t.Errorf("expected 1 orphan field, got %d", got)
	}
}

func TestDecoderLegacyInsight(t *testing.T) {
	d := NewDecoder()
	out := d.Feed("1|@INSIGHTS prefer table tests|testing|high|0.9")
	if len(out) != 1 {
		t.Fatalf("expected legacy insight to complete immediately, got %d records", len(out))
	}
	rec := out[0]
	if rec.Type != types.RecordTypeInsight {
		t.Fatalf("expected INSIGHT, got %s", rec.Type)
	}
	for key, want := range map[string]string{
		"text":       "prefer table tests",
		"category":   "testing",
		"priority":   "high",
		"confidence": "0.9",
	} {
		if got, ok := rec.Get(key); !ok || got != want {
			t.Errorf("field %s: expected %q, got %q (present=%v)", key, want, got, ok)
		}
	}
}

func TestDecoderNewerMajorVersion(t *testing.T) {
	d := NewDecoder()
	d.Feed("1|@SCHEMA")
	d.Feed("2|version=2.0")
	d.Feed("3|")
	out := d.Feed("4|@DECISION")
	_ = out
	d.Feed("5|summary=still parsed best-effort")
	var records []types.Record
	records = append(records, d.Feed("6|")...)
	d.Finish()

	stats := d.Stats()
	if !stats.NewerMajor {
		t.Error("expected NewerMajor for version 2.0")
	}
	if stats.SchemaVersion != "2.0" {
		t.Errorf("expected schema version 2.0, got %q", stats.SchemaVersion)
	}
	if len(records) != 1 {
		t.Errorf("expected best-effort parse to still emit the decision, got %d", len(records))
	}
}

func TestEncodeRejectsBadInput(t *testing.T) {
	if _, err := Encode(types.Record{}, 1); err == nil {
		t.Error("expected error for record with no type")
	}
	if _, err := Encode(types.Record{Type: types.RecordTypeInsight}, 0); err == nil {
		t.Error("expected error for start line 0")
	}
	bad := types.Record{
		Type:   types.RecordTypeInsight,
		Fields: []types.Field{{Key: "a|b", Value: "x"}},
	}
	if _, err := Encode(bad, 1); err == nil {
		t.Error("expected error for delimiter in field key")
	}
	badType := types.Record{Type: types.RecordTypeUnknown, RawType: "BAD|TYPE"}
	if _, err := Encode(badType, 1); err == nil {
		t.Error("expected error for delimiter in raw type token")
	}
	badID := types.Record{Type: types.RecordTypeUnknown, RawType: "WITH:COLON"}
	if _, err := Encode(badID, 1); err == nil {
		t.Error("expected error for header id delimiter in raw type token")
	}
}
