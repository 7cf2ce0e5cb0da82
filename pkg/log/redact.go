package log

import (
	"io"
	"regexp"
)

const mask = "[REDACTED]"

// Redaction happens at the writer level so it covers both structured fields
// and free-form message text, in either output format.
var (
	// Key-path matching over serialised JSON-ish output: any field whose
	// name smells like a credential gets its value masked.
	secretField = regexp.MustCompile(`(?i)("(?:[a-z0-9_.-]*(?:password|passwd|secret|token|api[_-]?key|credential|pin)[a-z0-9_.-]*)"\s*[:=]\s*)"[^"]*"`)

	// Free-form substitutions: bearer credentials and key=value pairs.
	bearerValue = regexp.MustCompile(`(?i)\b(bearer\s+)[a-z0-9._~+/=-]+`)
	kvSecret    = regexp.MustCompile(`(?i)\b((?:password|passwd|secret|token|api[_-]?key|client_secret|pin)=)\S+`)
)

// Redact applies the secret substitution rules to s.
func Redact(s string) string {
	s = secretField.ReplaceAllString(s, `$1"`+mask+`"`)
	s = bearerValue.ReplaceAllString(s, "${1}"+mask)
	s = kvSecret.ReplaceAllString(s, "${1}"+mask)
	return s
}

type redactingWriter struct {
	out io.Writer
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := Redact(string(p))
	if _, err := w.out.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	// Report the original length so zerolog does not see a short write.
	return len(p), nil
}
