package grammar

import (
	"strconv"
	"strings"

	"github.com/entrhq/ledger/pkg/types"
)

// DecodeLine splits one raw line into a PhysicalLine. The prefix before the
// first pipe must be a base-10 integer; anything else yields a line of kind
// LineKindMalformed rather than an error, leaving the caller to decide
// whether to skip or abort.
func DecodeLine(raw string) types.PhysicalLine {
	idx := strings.Index(raw, numberDelim)
	if idx <= 0 {
		return types.PhysicalLine{Kind: types.LineKindMalformed, Raw: raw}
	}
	n, err := strconv.ParseInt(raw[:idx], 10, 64)
	if err != nil || n < 1 {
		return types.PhysicalLine{Kind: types.LineKindMalformed, Raw: raw}
	}
	content := raw[idx+1:]

	line := types.PhysicalLine{Number: n, Content: content, Raw: raw}
	switch {
	case content == "":
		line.Kind = types.LineKindBlank
	case strings.HasPrefix(content, sectionMarker):
		line.Kind = types.LineKindHeader
	case strings.Contains(content, fieldDelim):
		line.Kind = types.LineKindField
	default:
		line.Kind = types.LineKindMalformed
	}
	return line
}

// DecodeStats accumulates what a Decoder skipped or flagged while walking a
// file. A non-zero SkippedRecords or MalformedLines count means the file is
// degraded but still partially readable.
type DecodeStats struct {
	// LinesSeen is the total number of raw lines fed to the decoder.
	LinesSeen int64
	// MalformedLines counts lines that did not parse as `number|content`
	// or whose content fit no line kind.
	MalformedLines int64
	// OrphanFields counts field lines encountered with no open record.
	OrphanFields int64
	// SkippedRecords counts records dropped because they were incomplete
	// at end of input or fell after a numbering anomaly.
	SkippedRecords int64
	// AnomalyLine is the 1-based ordinal of the first line whose number
	// broke the strict +1 sequence, or zero if the sequence held.
	// Everything after it is untrusted and never emitted.
	AnomalyLine int64
	// SchemaVersion is the version declared by the file's @SCHEMA record,
	// empty if none was seen yet.
	SchemaVersion string
	// NewerMajor is set when the declared version has a newer major than
	// this implementation; decoding continues best-effort.
	NewerMajor bool
}

// Decoder assembles records from a stream of physical lines. It is
// streaming-friendly: the only file-wide state it keeps is the currently
// open record, the expected next line number, and counters.
type Decoder struct {
	open     *types.Record
	expected int64
	sawFirst bool
	stats    DecodeStats
}

// NewDecoder returns a decoder expecting the file to start at line 1.
func NewDecoder() *Decoder {
	return &Decoder{expected: 1}
}

// ExpectLine tells the decoder which line number the next fed line should
// carry, for scans that begin mid-file at a known section offset.
func (d *Decoder) ExpectLine(n int64) {
	d.expected = n
	d.sawFirst = n > 1
}

// Feed consumes one raw line and returns any records completed by it. A
// section header closes the previously open record, so a single line can
// complete a record; the legacy single-line insight form completes its own
// record immediately.
func (d *Decoder) Feed(raw string) []types.Record {
	d.stats.LinesSeen++
	if d.stats.AnomalyLine != 0 {
		// Untrusted region: count, never emit.
		return nil
	}

	line := DecodeLine(raw)
	if line.Kind == types.LineKindMalformed {
		d.stats.MalformedLines++
		// A line with a valid, in-sequence number but unusable content
		// still occupies its slot in the numbering: only the record it
		// belonged to is lost, not the rest of the file. A line with no
		// parseable number is outside the sequence entirely.
		if line.Number == d.expected {
			d.expected++
			d.dropOpen()
		}
		return nil
	}
	if line.Number != d.expected {
		d.stats.AnomalyLine = d.stats.LinesSeen
		d.dropOpen()
		return nil
	}
	d.expected++

	switch line.Kind {
	case types.LineKindBlank:
		return d.closeOpen()
	case types.LineKindHeader:
		completed := d.closeOpen()
		if rec, ok := decodeLegacyInsight(line); ok {
			return append(completed, rec)
		}
		rec := decodeHeader(line)
		d.open = &rec
		return completed
	case types.LineKindField:
		if d.open == nil {
			d.stats.OrphanFields++
			return nil
		}
		key, value, _ := strings.Cut(line.Content, fieldDelim)
		d.open.Fields = append(d.open.Fields, types.Field{
			Key:   key,
			Value: UnescapeValue(value),
		})
		return nil
	}
	return nil
}

// Finish signals end of input. An open record at this point has no closing
// blank line, which means the file was truncated mid-record: the record is
// counted as skipped, never emitted.
func (d *Decoder) Finish() {
	d.dropOpen()
}

// Stats returns the counters accumulated so far.
func (d *Decoder) Stats() DecodeStats {
	return d.stats
}

func (d *Decoder) closeOpen() []types.Record {
	if d.open == nil {
		return nil
	}
	rec := *d.open
	d.open = nil
	d.noteSchema(&rec)
	return []types.Record{rec}
}

func (d *Decoder) dropOpen() {
	if d.open != nil {
		d.stats.SkippedRecords++
		d.open = nil
	}
}

func (d *Decoder) noteSchema(rec *types.Record) {
	if d.sawFirst {
		return
	}
	d.sawFirst = true
	if rec.Type != types.RecordTypeSchema {
		return
	}
	version, ok := rec.Get("version")
	if !ok {
		return
	}
	d.stats.SchemaVersion = version
	major, _, _ := strings.Cut(version, ".")
	ownMajor, _, _ := strings.Cut(SchemaVersion, ".")
	declared, err1 := strconv.Atoi(major)
	own, err2 := strconv.Atoi(ownMajor)
	if err1 == nil && err2 == nil && declared > own {
		d.stats.NewerMajor = true
	}
}

func decodeHeader(line types.PhysicalLine) types.Record {
	token := strings.TrimPrefix(line.Content, sectionMarker)
	token, id, _ := strings.Cut(token, headerIDDelim)
	rec := types.Record{
		Type:      types.ParseRecordType(token),
		ID:        UnescapeValue(id),
		StartLine: line.Number,
	}
	if rec.Type == types.RecordTypeUnknown {
		rec.RawType = token
	}
	return rec
}

// decodeLegacyInsight accepts the historical single-line insight form
// `@INSIGHTS text|CATEGORY|PRIORITY|CONFIDENCE` and converts it to the
// canonical multi-line field shape. This is a read-side compatibility shim;
// the encoder only ever produces the field form.
func decodeLegacyInsight(line types.PhysicalLine) (types.Record, bool) {
	const legacyPrefix = sectionMarker + "INSIGHTS "
	if !strings.HasPrefix(line.Content, legacyPrefix) {
		return types.Record{}, false
	}
	parts := strings.Split(line.Content[len(legacyPrefix):], numberDelim)
	if len(parts) != 4 {
		return types.Record{}, false
	}
	return types.Record{
		Type:      types.RecordTypeInsight,
		StartLine: line.Number,
		Fields: []types.Field{
			{Key: "text", Value: strings.TrimSpace(parts[0])},
			{Key: "category", Value: strings.TrimSpace(parts[1])},
			{Key: "priority", Value: strings.TrimSpace(parts[2])},
			{Key: "confidence", Value: strings.TrimSpace(parts[3])},
		},
	}, true
}
