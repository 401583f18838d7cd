package api

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minQuestionLength = 3
	maxQuestionLength = 5000
)

var (
	errQuestionEmpty    = errors.New("question cannot be empty")
	errQuestionTooShort = errors.New("question is too short (min 3 characters)")
	errQuestionTooLong  = errors.New("question is too long (max 5000 characters)")
	errQuestionInvalid  = errors.New("question contains invalid content")
)

// Patterns that have no business in a question; everything else is allowed.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

// sanitizeInput strips null bytes, truncates over-long text, and trims
// surrounding whitespace.
func sanitizeInput(text string, maxLength int) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\x00", "")
	if len(text) > maxLength {
		cut := maxLength
		// Back off to a rune boundary so truncation never leaves
		// invalid UTF-8.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return strings.TrimSpace(text)
}

// validateQuestion rejects input before any write or backend call.
func validateQuestion(question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return errQuestionEmpty
	}
	if len(question) < minQuestionLength {
		return errQuestionTooShort
	}
	if len(question) > maxQuestionLength {
		return errQuestionTooLong
	}

	for _, pattern := range suspiciousPatterns {
		if pattern.MatchString(question) {
			return errQuestionInvalid
		}
	}

	return nil
}
