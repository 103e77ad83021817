package session

import (
	"log"
	"net/url"
	"os"
	"strings"
)

// RedactionFilter replaces known secret values with [REDACTED:NAME]
// placeholders before session output leaves the host. The dictionary comes
// from TERMHUB_REDACT_* environment variables: the value of
// TERMHUB_REDACT_DB_PASS is replaced by [REDACTED:DB_PASS] wherever it
// appears, in raw and URL-encoded form.
type RedactionFilter struct {
	replacements map[string]string
}

const redactEnvPrefix = "TERMHUB_REDACT_"

// NewRedactionFilter builds the dictionary from the current environment.
// Values shorter than 4 characters log a false-positive warning but are
// still honored.
func NewRedactionFilter() *RedactionFilter {
	rf := &RedactionFilter{replacements: make(map[string]string)}
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || value == "" || !strings.HasPrefix(name, redactEnvPrefix) {
			continue
		}
		label := strings.TrimPrefix(name, redactEnvPrefix)
		if len(value) < 4 {
			log.Printf("redaction: %s value is shorter than 4 characters; false-positive risk", name)
		}
		rf.replacements[value] = "[REDACTED:" + label + "]"
		if encoded := url.QueryEscape(value); encoded != value {
			rf.replacements[encoded] = "[REDACTED:" + label + ":urlencoded]"
		}
	}
	return rf
}

// Redact replaces every known secret value in input. With no TERMHUB_REDACT_*
// variables set it is a passthrough.
func (rf *RedactionFilter) Redact(input string) string {
	if len(rf.replacements) == 0 {
		return input
	}
	out := input
	for value, placeholder := range rf.replacements {
		out = strings.ReplaceAll(out, value, placeholder)
	}
	return out
}
