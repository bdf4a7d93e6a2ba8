package sandbox

import (
	"regexp"
	"strings"
)

var codeBlockRe = regexp.MustCompile("(?s)```(?:python|py)?[ \t]*\n(.*?)```")

// ExtractCode pulls the first fenced Python code block out of an engineer
// response. Unfenced responses yield no code.
func ExtractCode(text string) (string, bool) {
	m := codeBlockRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	code := strings.TrimSpace(m[1])
	if code == "" {
		return "", false
	}
	return code + "\n", true
}
