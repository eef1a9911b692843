package types

import (
	"fmt"
	"time"
)

// RecordType classifies the logical kind of a record in a context log.
// The set is closed; unrecognized section headers decode to RecordTypeUnknown
// so that files written by newer versions remain readable.
type RecordType string

const (
	RecordTypeSchema       RecordType = "SCHEMA"       // RecordTypeSchema is the format-version record, always first in a file.
	RecordTypeConversation RecordType = "CONVERSATION" // RecordTypeConversation is one captured conversation exchange.
	RecordTypeDecision     RecordType = "DECISION"     // RecordTypeDecision records a decision and its rationale.
	RecordTypeInsight      RecordType = "INSIGHT"      // RecordTypeInsight records a learned insight.
	RecordTypeWorkState    RecordType = "WORKSTATE"    // RecordTypeWorkState records current work-in-progress state.
	RecordTypeUnknown      RecordType = "UNKNOWN"      // RecordTypeUnknown is any section type this version does not recognize.
)

// ParseRecordType maps a section header type token to a RecordType.
// Unrecognized tokens map to RecordTypeUnknown rather than failing, so a
// reader from an older version can still walk a newer file.
func ParseRecordType(token string) RecordType {
	switch RecordType(token) {
	case RecordTypeSchema, RecordTypeConversation, RecordTypeDecision,
		RecordTypeInsight, RecordTypeWorkState:
		return RecordType(token)
	default:
		return RecordTypeUnknown
	}
}

// Field is a single key=value pair belonging to a record.
type Field struct {
	Key   string
	Value string
}

// Record is one logical entry in a context log: a section header plus zero
// or more fields, closed by a blank line. Records are immutable once written;
// state updates are modeled by appending a new record of the same type.
type Record struct {
	Type RecordType
	// ID is the optional free-form identifier after the colon in the
	// section header (`@TYPE:id`). Empty when the header has no id.
	ID     string
	Fields []Field
	// RawType preserves the original section token when Type is
	// RecordTypeUnknown, so inspection tooling can still display it.
	RawType string
	// StartLine is the line number of the section header. Zero for records
	// that have not been written yet.
	StartLine int64
}

// Get returns the value of the first field with the given key, and whether
// it was present.
func (r *Record) Get(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Set appends a field, replacing the first existing field with the same key
// if one is present.
func (r *Record) Set(key, value string) {
	for i, f := range r.Fields {
		if f.Key == key {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Key: key, Value: value})
}

// Validate ensures the record is well-formed enough to encode.
func (r *Record) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("types: record has no type")
	}
	if r.Type == RecordTypeUnknown && r.RawType == "" {
		return fmt.Errorf("types: unknown record type with no raw token")
	}
	for _, f := range r.Fields {
		if f.Key == "" {
			return fmt.Errorf("types: record field with empty key")
		}
	}
	return nil
}

// LineKind discriminates the physical role of one decoded line.
type LineKind int

const (
	LineKindMalformed LineKind = iota // LineKindMalformed is a line that does not match `number|content`.
	LineKindHeader                    // LineKindHeader opens a record (`@TYPE` or `@TYPE:id`).
	LineKindField                     // LineKindField is a `key=value` line inside an open record.
	LineKindBlank                     // LineKindBlank closes the currently open record.
)

// PhysicalLine is one decoded `number|content` line of a log file.
type PhysicalLine struct {
	Number  int64
	Content string
	Kind    LineKind
	// Raw is the original text of the line, kept for malformed lines so
	// validation tooling can report what it saw.
	Raw string
}

// LineRange is the inclusive range of physical lines covered by one append.
type LineRange struct {
	First int64
	Last  int64
}

// NewSchemaRecord builds the version record written as the first record of
// every new log file.
func NewSchemaRecord(version string) Record {
	return Record{
		Type: RecordTypeSchema,
		Fields: []Field{
			{Key: "version", Value: version},
			{Key: "created", Value: time.Now().UTC().Format(time.RFC3339)},
		},
	}
}
