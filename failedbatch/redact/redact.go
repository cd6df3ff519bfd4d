// Package redact implements the PII redaction pass described in section 4.9
// of the design specification, grounded on original_source/tests/unit/core/
// test_pii_redaction.py and the security package it exercises: field-name
// matching against a configured sensitive-field list, plus value matching
// against a fixed set of content regexes, applied to a deep copy so the
// in-flight batch handed to FailedBatchStore.Persist is never mutated.
package redact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gurre/s3sentinel/record"
)

// sensitiveFieldPatterns mirrors spec.md section 4.9's example list
// ("password, *token*, *secret*, email, ssn, ..."): a glob-style pattern
// where "*" matches any run of characters, matched case-insensitively
// against the field name.
var sensitiveFieldPatterns = []string{
	"password",
	"*token*",
	"*secret*",
	"email",
	"ssn",
	"*apikey*",
	"*api_key*",
	"*credential*",
}

func fieldMatches(pattern, field string) bool {
	pattern = strings.ToLower(pattern)
	field = strings.ToLower(field)
	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		return strings.Contains(field, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(field, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(field, pattern[:len(pattern)-1])
	default:
		return field == pattern
	}
}

func matchesSensitiveField(field string) bool {
	for _, pattern := range sensitiveFieldPatterns {
		if fieldMatches(pattern, field) {
			return true
		}
	}
	return false
}

// Content regexes, evaluated in priority order (most specific first) so a
// credit-card-shaped string isn't misclassified as a high-entropy token.
var (
	emailRegex        = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ssnRegex          = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardRegex   = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	phoneRegex        = regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	ipv4Regex         = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
	highEntropyRegex  = regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`)
)

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid reports whether digits passes the Luhn checksum used by real
// credit card numbers, to keep the credit-card classifier from firing on
// arbitrary 13-16 digit runs.
func luhnValid(digits string) bool {
	if len(digits) < 13 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// looksHighEntropy is a cheap heuristic: a candidate token is "high entropy"
// if it mixes at least two of {upper, lower, digit} character classes,
// ruling out plain words or all-digit runs (which the other classifiers
// already cover).
func looksHighEntropy(s string) bool {
	var hasUpper, hasLower, hasDigit bool
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	classes := 0
	for _, present := range []bool{hasUpper, hasLower, hasDigit} {
		if present {
			classes++
		}
	}
	return classes >= 2
}

// classifyValue returns the redaction kind for s, or ("", false) if s
// matches none of the configured sensitive-content regexes.
func classifyValue(s string) (string, bool) {
	switch {
	case emailRegex.MatchString(s):
		return "EMAIL", true
	case ssnRegex.MatchString(s):
		return "SSN", true
	case creditCardRegex.MatchString(s) && luhnValid(digitsOnly(s)):
		return "CREDIT_CARD", true
	case phoneRegex.MatchString(s):
		return "PHONE", true
	case ipv4Regex.MatchString(s):
		return "IPV4", true
	case highEntropyRegex.MatchString(s) && looksHighEntropy(s):
		return "TOKEN", true
	default:
		return "", false
	}
}

// Batch redacts every record in batch, returning a new slice of new Records.
// The input batch and its Records are never mutated: each output Record is
// built fresh from field-by-field copies or replacement placeholders.
func Batch(batch []record.Record) []record.Record {
	out := make([]record.Record, len(batch))
	for i, rec := range batch {
		out[i] = one(rec)
	}
	return out
}

func one(rec record.Record) record.Record {
	result := record.New()
	for field, value := range rec {
		if matchesSensitiveField(field) {
			result[field] = record.String(fmt.Sprintf("[REDACTED:%s]", strings.ToUpper(field)))
			continue
		}
		result[field] = redactValue(value)
	}
	return result
}

func redactValue(v record.Scalar) record.Scalar {
	str, ok := v.AsString()
	if !ok {
		return v
	}
	kind, matched := classifyValue(str)
	if !matched {
		return v
	}
	return record.String(fmt.Sprintf("[REDACTED:%s]", kind))
}
