// Package console turns an unstructured, line-oriented device console into
// discrete, awaitable operations: sending commands, waiting for patterns,
// handling pagination and confirmation prompts, and elevating privilege.
package console

import (
	"regexp"
	"strings"
)

// PatternLibrary holds the static pattern sets the session and verifiers
// match against. Pattern order matters: serial patterns are tried most
// specific first, and the first capturing match wins.
type PatternLibrary struct {
	// Serial patterns, priority order. Each captures exactly one token.
	Serial []*regexp.Regexp

	// Confirmation prompts that runCommand answers with a bare newline
	// when auto-confirm is enabled.
	Confirmation []*regexp.Regexp

	// Pagination markers answered transparently with a space.
	Pagination []string

	// PasswordPrompt matches an enable-password request.
	PasswordPrompt *regexp.Regexp

	// ConsoleSelect matches the terminal server's port selection banner.
	ConsoleSelect *regexp.Regexp
}

var placeholders = map[string]bool{
	"":        true,
	"none":    true,
	"n/a":     true,
	"unknown": true,
}

var defaultLibrary = &PatternLibrary{
	Serial: []*regexp.Regexp{
		// Catalyst-style combined model + system serial block.
		regexp.MustCompile(`(?i)model number\s*:?\s*\S+\s+system serial number\s*:?\s*(\S+)`),
		regexp.MustCompile(`(?i)system serial number\s*:?\s*(\S+)`),
		regexp.MustCompile(`(?i)serial\s+number\s*:?\s+(\S+)`),
		regexp.MustCompile(`(?i)processor board id\s+(\S+)`),
		regexp.MustCompile(`(?i)chassis serial number\s*:?\s+(\S+)`),
		regexp.MustCompile(`(?i)serial num\s*:?\s*(\S+)`),
		regexp.MustCompile(`(?i)\bsn\s*:?\s*(\S+)`),
	},
	Confirmation: []*regexp.Regexp{
		regexp.MustCompile(`(?i)destination filename \[[^\]]*\]\?`),
		regexp.MustCompile(`(?i)\[confirm\]`),
		regexp.MustCompile(`(?i)\(y/n\)`),
		regexp.MustCompile(`(?i)\[yes/no\]`),
	},
	Pagination:     []string{"--More--", "-- More --"},
	PasswordPrompt: regexp.MustCompile(`(?i)password:`),
	ConsoleSelect:  regexp.MustCompile(`(?i)(select|console)`),
}

// Library returns the built-in pattern set for the targeted CLI family.
func Library() *PatternLibrary {
	return defaultLibrary
}

// ExtractSerial applies the serial patterns in priority order and returns the
// first capture that is not a placeholder value. Placeholder captures
// ("none", "n/a", "unknown") are rejected as if the pattern had not matched,
// and extraction continues with the next pattern.
func (l *PatternLibrary) ExtractSerial(output string) (string, bool) {
	for _, re := range l.Serial {
		m := re.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		serial := strings.TrimSpace(m[1])
		if placeholders[strings.ToLower(serial)] {
			continue
		}
		return serial, true
	}
	return "", false
}

// MatchConfirmation reports whether text contains a known confirmation prompt.
func (l *PatternLibrary) MatchConfirmation(text string) bool {
	return l.FindConfirmation(text) >= 0
}

// FindConfirmation returns the offset just past the earliest confirmation
// prompt in text, or -1 when none is present.
func (l *PatternLibrary) FindConfirmation(text string) int {
	start, end := -1, -1
	for _, re := range l.Confirmation {
		if loc := re.FindStringIndex(text); loc != nil && (start == -1 || loc[0] < start) {
			start, end = loc[0], loc[1]
		}
	}
	return end
}

// MatchPagination reports whether text contains a pagination marker.
func (l *PatternLibrary) MatchPagination(text string) bool {
	return l.FindPagination(text) >= 0
}

// FindPagination returns the offset just past the earliest pagination marker
// in text, or -1 when none is present.
func (l *PatternLibrary) FindPagination(text string) int {
	start, end := -1, -1
	for _, marker := range l.Pagination {
		if i := strings.Index(text, marker); i >= 0 && (start == -1 || i < start) {
			start, end = i, i+len(marker)
		}
	}
	return end
}

// IsSuccess scans command output for a positive completion marker.
func IsSuccess(output string) bool {
	lower := strings.ToLower(output)
	for _, token := range []string{"bytes copied", "ok", "success", "completed"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// IsFailure scans command output for an error marker. The literal phrase
// "no error" does not count as an error.
func IsFailure(output string) bool {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "error") && !strings.Contains(lower, "no error") {
		return true
	}
	return strings.Contains(lower, "fail")
}
