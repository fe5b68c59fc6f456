// ABOUTME: Content screening for conversation payloads
// ABOUTME: Size/UTF-8 validation rejects; PII pattern detection only flags

package screen

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// RedactionMarker is the stored replacement text for redacted events.
const RedactionMarker = "[redacted]"

// DefaultMaxPayloadBytes bounds message content size when no limit is configured.
const DefaultMaxPayloadBytes = 64 * 1024

// Decision is the outcome class of screening a payload.
type Decision int

const (
	// Accept means the payload passed with nothing detected.
	Accept Decision = iota
	// AcceptWithFlags means the payload is deliverable but carries PII
	// categories for downstream redaction/audit.
	AcceptWithFlags
	// Reject means the payload must not be admitted.
	Reject
)

// Verdict is the result of screening one payload.
type Verdict struct {
	Decision   Decision
	Categories []string // detected PII categories, set for AcceptWithFlags
	Reason     string   // human-readable rejection reason, set for Reject
}

// PatternRule associates a PII category with its detection pattern.
// The table is data-driven so categories extend without touching control flow.
type PatternRule struct {
	Category string
	Pattern  *regexp.Regexp
}

// DefaultPatternRules covers the common PII shapes. Detection never blocks
// delivery by itself; matches only attach category metadata.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		{Category: "email", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
		{Category: "phone", Pattern: regexp.MustCompile(`\+?[0-9][0-9().\-\s]{7,14}[0-9]`)},
		{Category: "national_id", Pattern: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)},
		{Category: "payment_card", Pattern: regexp.MustCompile(`\b(?:[0-9][ \-]?){13,19}\b`)},
	}
}

// Screener validates payloads and detects PII categories.
type Screener struct {
	maxPayloadBytes int
	rules           []PatternRule
}

// New creates a Screener with the given payload size bound and the default
// pattern table. maxPayloadBytes <= 0 uses DefaultMaxPayloadBytes.
func New(maxPayloadBytes int) *Screener {
	return NewWithRules(maxPayloadBytes, DefaultPatternRules())
}

// NewWithRules creates a Screener with a custom pattern table.
func NewWithRules(maxPayloadBytes int, rules []PatternRule) *Screener {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Screener{
		maxPayloadBytes: maxPayloadBytes,
		rules:           rules,
	}
}

// Screen validates the payload and returns a verdict. Oversized content is
// rejected rather than truncated so user intent is never silently clipped.
// Invalid UTF-8 is rejected. PII matches attach categories without rejecting.
func (s *Screener) Screen(content string) Verdict {
	if len(content) > s.maxPayloadBytes {
		return Verdict{
			Decision: Reject,
			Reason:   fmt.Sprintf("payload exceeds %d byte limit", s.maxPayloadBytes),
		}
	}

	if !utf8.ValidString(content) {
		return Verdict{
			Decision: Reject,
			Reason:   "payload is not valid UTF-8",
		}
	}

	var categories []string
	for _, rule := range s.rules {
		if !rule.Pattern.MatchString(content) {
			continue
		}
		if rule.Category == "payment_card" && !containsLuhnMatch(rule.Pattern, content) {
			continue
		}
		categories = append(categories, rule.Category)
	}

	if len(categories) > 0 {
		return Verdict{Decision: AcceptWithFlags, Categories: categories}
	}
	return Verdict{Decision: Accept}
}

// containsLuhnMatch reports whether any match of the card pattern passes the
// Luhn checksum, filtering out ordinary long digit runs.
func containsLuhnMatch(pattern *regexp.Regexp, content string) bool {
	for _, match := range pattern.FindAllString(content, -1) {
		if luhnValid(match) {
			return true
		}
	}
	return false
}

// luhnValid checks the Luhn checksum over the digits in s.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
