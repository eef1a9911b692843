package redact

import "strings"

// minHiddenChars is the minimum number of characters a partial mask must
// hide, regardless of token length. Tokens too short to hide this many
// characters while showing the requested prefix/suffix fall back to the full
// mask token, so a partial mask can never reveal enough of a high-entropy
// secret to reconstruct it.
const minHiddenChars = 8

// maxPartialShow caps how many leading/trailing characters a partial mask
// may reveal.
const maxPartialShow = 4

// MaskStrategy converts a detected token into its stored replacement.
type MaskStrategy interface {
	Mask(typ FindingType, value string) string
}

// MaskFull replaces the whole token with a type-specific marker such as
// [API-KEY-REDACTED]. This is the default strategy.
type MaskFull struct{}

// Mask implements MaskStrategy.
func (MaskFull) Mask(typ FindingType, _ string) string {
	return maskToken(typ)
}

// MaskPartial keeps the first and last Show characters of the token visible
// and replaces the middle with asterisks.
type MaskPartial struct {
	// Show is how many characters to keep at each end. Values above
	// maxPartialShow are clamped; values below 1 behave like MaskFull.
	Show int
}

// Mask implements MaskStrategy.
func (m MaskPartial) Mask(typ FindingType, value string) string {
	show := m.Show
	if show > maxPartialShow {
		show = maxPartialShow
	}
	if show < 1 || len(value)-2*show < minHiddenChars {
		return maskToken(typ)
	}
	return value[:show] + strings.Repeat("*", len(value)-2*show) + value[len(value)-show:]
}
