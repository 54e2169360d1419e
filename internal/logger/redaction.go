package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials in log lines. Plugin route requests and fetch
// calls carry caller headers, so authorization values must not reach the log.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the default rules
func NewRedactor() *Redactor {
	keep := "${1}" + redacted
	return &Redactor{
		rules: []rule{
			{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`), keep},
			{regexp.MustCompile(`(?i)(basic\s+)[A-Za-z0-9+/=]{8,}`), keep},
			// JSON fields as zerolog writes them.
			{regexp.MustCompile(`(?i)("(?:password|passwd|secret|token|access_token|refresh_token|api_?key|cookie|set-cookie)"\s*:\s*")(?:[^"\\]|\\.)*`), keep},
			// key=value pairs in URLs and messages.
			{regexp.MustCompile(`(?i)\b((?:password|passwd|secret|token|access_token|api_?key)=)[^\s&"]+`), keep},
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
		},
	}
}

// AddPattern adds a rule that replaces every match of pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact returns s with every rule applied
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since the redacted line length differs.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
