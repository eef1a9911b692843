// Package redact detects and masks secrets and personally identifying
// information in text before it reaches stable storage. Detection is
// pattern-based with type-specific post-validators to cut false positives;
// all functions are pure and safe for concurrent use.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// FindingType identifies what kind of sensitive token was detected.
type FindingType string

const (
	FindingAPIKey      FindingType = "api-key"      // FindingAPIKey is an sk-style provider API key.
	FindingAWSKey      FindingType = "aws-key"      // FindingAWSKey is an AWS access key id.
	FindingGitHubToken FindingType = "github-token" // FindingGitHubToken is a GitHub personal access token.
	FindingBearerToken FindingType = "bearer-token" // FindingBearerToken is an HTTP bearer credential.
	FindingJWT         FindingType = "jwt"          // FindingJWT is a JSON web token.
	FindingEmail       FindingType = "email"        // FindingEmail is an email address.
	FindingPhone       FindingType = "phone"        // FindingPhone is a phone number.
	FindingCard        FindingType = "card"         // FindingCard is a Luhn-valid payment card number.
	FindingSSN         FindingType = "ssn"          // FindingSSN is a US social security number.
)

// Class groups finding types for audit reporting: credentials, contact
// identifiers, and structured identifiers.
type Class string

const (
	ClassCredential           Class = "credential"
	ClassContactIdentifier    Class = "contact-identifier"
	ClassStructuredIdentifier Class = "structured-identifier"
)

// Class returns the audit class for a finding type.
func (t FindingType) Class() Class {
	switch t {
	case FindingAPIKey, FindingAWSKey, FindingGitHubToken, FindingBearerToken, FindingJWT:
		return ClassCredential
	case FindingEmail, FindingPhone:
		return ClassContactIdentifier
	default:
		return ClassStructuredIdentifier
	}
}

// Finding reports one detected sensitive token. It carries a position and
// length, never the matched substring, so findings are safe to log.
type Finding struct {
	Type     FindingType
	Position int
	Length   int
}

// pattern couples a regular expression with an optional post-validator and
// the replacement token used for full masking.
type pattern struct {
	typ      FindingType
	re       *regexp.Regexp
	validate func(match string) bool
	mask     string
}

// Patterns are ordered: credentials first so that, for example, the digits
// inside a bearer token are not separately reported as a phone number.
var defaultPatterns = []pattern{
	{
		typ:  FindingAPIKey,
		re:   regexp.MustCompile(`sk-(?:[A-Za-z]+-)?[A-Za-z0-9]{20,64}`),
		mask: "[API-KEY-REDACTED]",
	},
	{
		typ:  FindingAWSKey,
		re:   regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		mask: "[AWS-KEY-REDACTED]",
	},
	{
		typ:  FindingGitHubToken,
		re:   regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`),
		mask: "[GITHUB-TOKEN-REDACTED]",
	},
	{
		typ:  FindingJWT,
		re:   regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`),
		mask: "[JWT-REDACTED]",
	},
	{
		typ:  FindingBearerToken,
		re:   regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`),
		mask: "[BEARER-TOKEN-REDACTED]",
	},
	{
		typ:      FindingCard,
		re:       regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		validate: validCardNumber,
		mask:     "[CARD-REDACTED]",
	},
	{
		typ:  FindingSSN,
		re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		mask: "[SSN-REDACTED]",
	},
	{
		typ:  FindingEmail,
		re:   regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		mask: "[EMAIL-REDACTED]",
	},
	{
		typ:      FindingPhone,
		re:       regexp.MustCompile(`(?:\+?\d{1,2}[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`),
		validate: validPhoneNumber,
		mask:     "[PHONE-REDACTED]",
	},
}

// Detect returns every sensitive token found in text, sorted by position.
// Overlapping matches are resolved in favor of the earliest (then longest)
// match, so one secret is reported exactly once.
func Detect(text string) []Finding {
	var findings []Finding
	for _, p := range defaultPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if p.validate != nil && !p.validate(text[loc[0]:loc[1]]) {
				continue
			}
			findings = append(findings, Finding{
				Type:     p.typ,
				Position: loc[0],
				Length:   loc[1] - loc[0],
			})
		}
	}
	return dedupe(findings)
}

// ContainsSecret reports whether text contains at least one detectable
// sensitive token.
func ContainsSecret(text string) bool {
	for _, p := range defaultPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if p.validate == nil || p.validate(text[loc[0]:loc[1]]) {
				return true
			}
		}
	}
	return false
}

// Redact replaces every detected token in text with its full mask token and
// returns the cleaned text together with the findings. Text outside the
// masked spans is preserved byte-for-byte.
func Redact(text string) (string, []Finding) {
	return redactWith(text, MaskFull{})
}

// RedactPartial is like Redact but keeps the first and last show characters
// of each token visible. A fixed minimum number of characters is always
// hidden regardless of token length; tokens too short to satisfy it fall
// back to the full mask.
func RedactPartial(text string, show int) (string, []Finding) {
	return redactWith(text, MaskPartial{Show: show})
}

func redactWith(text string, strategy MaskStrategy) (string, []Finding) {
	findings := Detect(text)
	if len(findings) == 0 {
		return text, nil
	}
	var sb strings.Builder
	prev := 0
	for _, f := range findings {
		sb.WriteString(text[prev:f.Position])
		sb.WriteString(strategy.Mask(f.Type, text[f.Position:f.Position+f.Length]))
		prev = f.Position + f.Length
	}
	sb.WriteString(text[prev:])
	return sb.String(), findings
}

// dedupe sorts findings by position and drops any finding overlapping an
// already accepted earlier one.
func dedupe(findings []Finding) []Finding {
	if len(findings) < 2 {
		return findings
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Position != findings[j].Position {
			return findings[i].Position < findings[j].Position
		}
		return findings[i].Length > findings[j].Length
	})
	out := findings[:1]
	end := findings[0].Position + findings[0].Length
	for _, f := range findings[1:] {
		if f.Position < end {
			continue
		}
		out = append(out, f)
		end = f.Position + f.Length
	}
	return out
}

func maskToken(typ FindingType) string {
	for _, p := range defaultPatterns {
		if p.typ == typ {
			return p.mask
		}
	}
	return "[REDACTED]"
}
