package engine

import (
	"regexp"
	"strings"
)

// KaTeX cannot render every LaTeX construct the recognizer emits.
var katexRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\\tag\{.*?\}`), ""},
	{regexp.MustCompile(`\\(?:Bigg?|bigg?)\{(.*?)\}`), "${1}"},
	{regexp.MustCompile(`\\quad\\mbox\{(.*?)\}`), "${1}"},
	{regexp.MustCompile(`\\mbox\{(.*?)\}`), "${1}"},
}

// ReplaceKatexInvalid rewrites constructs KaTeX rejects into ones it accepts.
func ReplaceKatexInvalid(s string) string {
	for _, rule := range katexRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return strings.TrimSpace(s)
}
