package remote

import (
	"regexp"
	"strings"
)

var (
	forbiddenChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// SanitizeSegment makes a string safe as a single folder or file name on the
// share: forbidden characters removed, whitespace collapsed, leading and
// trailing dots and spaces trimmed.
func SanitizeSegment(name string) string {
	name = forbiddenChars.ReplaceAllString(name, "")
	name = whitespaceRun.ReplaceAllString(name, " ")
	name = strings.Trim(name, " .")
	return name
}
