package membership

import "strings"

const (
	logSeparator       = ";"
	legacyLogSeparator = "/"

	// ExitAbbreviation is logged when a stint is ended.
	ExitAbbreviation = "X"
)

// AppendLog adds a date:abbreviation token to a relationship trail.
func AppendLog(current string, date Date, abbr string) string {
	token := string(date) + ":" + abbr
	if current == "" {
		return token
	}
	sep := logSeparator
	if !strings.Contains(current, logSeparator) && strings.Contains(current, legacyLogSeparator) {
		sep = legacyLogSeparator
	}
	return current + sep + token
}

// LogTokens splits a trail into its tokens, oldest first.
func LogTokens(log string) []string {
	if log == "" {
		return nil
	}
	return strings.FieldsFunc(log, func(r rune) bool {
		return r == ';' || r == '/'
	})
}
