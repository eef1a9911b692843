// Package grammar implements the line-numbered context log format: encoding
// of records into `number|content` physical lines and streaming decoding of
// those lines back into records. Encoding is deterministic and escapes every
// field value; decoding is tolerant of malformed input and keeps no state
// beyond the currently open record, so it can run over arbitrarily large
// files one line at a time.
package grammar

import (
	"fmt"
	"strings"

	"github.com/entrhq/ledger/pkg/types"
)

// SchemaVersion is the format version written into the @SCHEMA record of
// every new log file. Readers accept any file with the same major version.
const SchemaVersion = "1.0"

const (
	sectionMarker = "@"
	numberDelim   = "|"
	fieldDelim    = "="
	headerIDDelim = ":"
	escapeChar    = '\\'
)

// Encode renders a record into physical lines numbered startLine, startLine+1
// and so on, with no gaps. The returned lines include the closing blank line.
// Every field value is escaped; Encode never emits a raw delimiter inside a
// value.
func Encode(rec types.Record, startLine int64) ([]string, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if startLine < 1 {
		return nil, fmt.Errorf("grammar: start line must be >= 1, got %d", startLine)
	}

	typeToken := string(rec.Type)
	if rec.Type == types.RecordTypeUnknown {
		typeToken = rec.RawType
	}
	if strings.ContainsAny(typeToken, "|:=\n\r\\") {
		return nil, fmt.Errorf("grammar: record type %q contains a delimiter", typeToken)
	}

	header := sectionMarker + typeToken
	if rec.ID != "" {
		header += headerIDDelim + EscapeValue(rec.ID)
	}

	lines := make([]string, 0, len(rec.Fields)+2)
	n := startLine
	lines = append(lines, formatLine(n, header))
	n++
	for _, f := range rec.Fields {
		if strings.ContainsAny(f.Key, "=|\n\r") {
			return nil, fmt.Errorf("grammar: field key %q contains a delimiter", f.Key)
		}
		lines = append(lines, formatLine(n, f.Key+fieldDelim+EscapeValue(f.Value)))
		n++
	}
	lines = append(lines, formatLine(n, ""))
	return lines, nil
}

func formatLine(n int64, content string) string {
	return fmt.Sprintf("%d%s%s", n, numberDelim, content)
}

// EscapeValue makes a field value safe to embed in a physical line: literal
// pipes, newlines, carriage returns, and backslashes are escaped, and a
// leading section marker is escaped so a value can never be mistaken for a
// header.
func EscapeValue(v string) string {
	if v == "" {
		return v
	}
	var sb strings.Builder
	sb.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case escapeChar:
			sb.WriteString(`\\`)
		case '|':
			sb.WriteString(`\|`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '@':
			// Only a leading @ could be confused with a section header.
			if i == 0 {
				sb.WriteString(`\@`)
			} else {
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// UnescapeValue reverses EscapeValue. Unknown escape sequences are preserved
// verbatim rather than rejected, so a value written by a newer version does
// not become unreadable.
func UnescapeValue(v string) string {
	if !strings.ContainsRune(v, rune(escapeChar)) {
		return v
	}
	var sb strings.Builder
	sb.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != escapeChar || i+1 >= len(v) {
			sb.WriteByte(c)
			continue
		}
		switch v[i+1] {
		case escapeChar:
			sb.WriteByte(escapeChar)
			i++
		case '|':
			sb.WriteByte('|')
			i++
		case 'n':
			sb.WriteByte('\n')
			i++
		case 'r':
			sb.WriteByte('\r')
			i++
		case '@':
			sb.WriteByte('@')
			i++
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
