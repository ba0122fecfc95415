package rules

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// letters that do not decompose into a base letter plus combining marks
var foldReplacer = strings.NewReplacer(
	"ß", "SS",
	"Æ", "AE", "æ", "AE",
	"Œ", "OE", "œ", "OE",
	"Ø", "O", "ø", "O",
	"Ł", "L", "ł", "L",
	"Đ", "D", "đ", "D",
	"Þ", "TH", "þ", "TH",
)

// Normalize canonicalizes free text for matching: diacritics folded, uppercased, every
// run of non-alphanumeric characters collapsed to a single space, trimmed.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	// transform.Chain keeps state, so each call builds its own.
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, foldReplacer.Replace(s))
	if err != nil {
		folded = s
	}
	folded = strings.ToUpper(folded)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// words keeps the case of s but collapses every run of characters that are not letters
// or digits to a single space. Case-sensitive token matching runs on this form.
func words(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// Compact is Normalize with the separating spaces removed.
func Compact(s string) string {
	return strings.ReplaceAll(Normalize(s), " ", "")
}

// Tokens splits the normalized text into words.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}
