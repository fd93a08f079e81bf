package extract

import (
	"regexp"
	"strings"

	"github.com/intralog/drawbridge/pkg/intake"
)

// fieldPatterns lists the labels a title block may use for each field, in
// preference order. Matching is per line, case-insensitive.
var fieldPatterns = map[string][]*regexp.Regexp{
	"customer": compilePatterns(
		`customer[:\s]+(.+)`,
		`client[:\s]+(.+)`,
		`company[:\s]+(.+)`,
		`job\s+for[:\s]+(.+)`,
	),
	"address": compilePatterns(
		`address[:\s]+(.+)`,
		`location[:\s]+(.+)`,
		`site[:\s]+(.+)`,
		`facility[:\s]+(.+)`,
	),
	"project_manager": compilePatterns(
		`project\s+manager[:\s]+(.+)`,
		`pm[:\s]+(.+)`,
		`manager[:\s]+(.+)`,
		`salesperson[:\s]+(.+)`,
	),
	"drafter": compilePatterns(
		`drawn\s+by[:\s]+(.+)`,
		`drafter[:\s]+(.+)`,
		`designer[:\s]+(.+)`,
		`drafted[:\s]+(.+)`,
	),
	"title": compilePatterns(
		`project\s+name[:\s]+(.+)`,
		`job\s+name[:\s]+(.+)`,
		`title[:\s]+(.+)`,
		`description[:\s]+(.+)`,
	),
}

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)^`+e+`$`))
	}
	return out
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	ruleArtifacts = regexp.MustCompile(`[_\-]{3,}`)
)

// ParseTitleBlock parses extracted page text into metadata. Customer and
// project manager are required; their absence is a permanent failure.
func ParseTitleBlock(text string) (*intake.Metadata, error) {
	lines := splitLines(text)

	fields := map[string]string{}
	for name, patterns := range fieldPatterns {
		if v := matchField(lines, patterns); v != "" {
			fields[name] = v
		}
	}

	md := &intake.Metadata{
		Customer:       fields["customer"],
		Address:        fields["address"],
		ProjectManager: fields["project_manager"],
		Drafter:        fields["drafter"],
		Title:          fields["title"],
	}

	if md.Customer == "" || md.ProjectManager == "" {
		return nil, intake.NewPermanentError("title block missing customer or project manager", nil)
	}
	return md, nil
}

func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(whitespaceRun.ReplaceAllString(l, " "))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func matchField(lines []string, patterns []*regexp.Regexp) string {
	for _, p := range patterns {
		for _, line := range lines {
			if m := p.FindStringSubmatch(line); m != nil {
				if v := cleanFieldValue(m[1]); len(v) > 1 {
					return v
				}
			}
		}
	}
	return ""
}

// cleanFieldValue normalizes a raw field value: whitespace collapsed, ruled
// lines stripped, and title-cased unless it looks like an email address.
func cleanFieldValue(value string) string {
	value = ruleArtifacts.ReplaceAllString(value, "")
	value = whitespaceRun.ReplaceAllString(value, " ")
	value = strings.TrimSpace(value)

	if value != "" && !strings.Contains(value, "@") {
		value = titleCase(value)
	}
	return value
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
