// Package fingerprint reduces CI error messages to a stable identity so that
// recurring failures can be matched against earlier builds.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/cihealer/pkg/models"
)

// Normalization regexes compiled once at package init.
var (
	reDatetime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?\s*`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reParenNum   = regexp.MustCompile(`\(\d+\)`)
	reLineNo     = regexp.MustCompile(`:\d+\b`)
	reDuration   = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m)\b`)
	reLongNum    = regexp.MustCompile(`\b\d{4,}\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

const maxNormalizedBytes = 500

// Of computes the fingerprint of a failure from its error message.
func Of(f models.FailureRecord) string {
	return Fingerprint(f.ErrorMessage)
}

// Fingerprint computes a stable SHA-256 fingerprint for an error message.
func Fingerprint(message string) string {
	normalized := NormalizeMessage(message)
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// NormalizeMessage strips volatile tokens (timestamps, addresses, ids, line
// numbers, durations, build numbers) so reruns of the same failure match.
func NormalizeMessage(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reParenNum.ReplaceAllString(msg, "(N)")
	msg = reLineNo.ReplaceAllString(msg, ":N")
	msg = reDuration.ReplaceAllString(msg, "DURATION")
	msg = reLongNum.ReplaceAllString(msg, "N")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	msg = Truncate(msg, maxNormalizedBytes)
	return msg
}

// Truncate truncates s to maxBytes without splitting UTF-8 runes.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
