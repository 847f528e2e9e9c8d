package captions

import (
	"html"
	"regexp"
	"strings"

	"github.com/snarg/subcheck/internal/align"
)

var (
	annotation = regexp.MustCompile(`\[[^\]]*\]`)
	markup     = regexp.MustCompile(`<[^>]+>`)
	spaces     = regexp.MustCompile(`\s+`)
)

// Clean decodes HTML entities, drops [Music]-style annotations and inline
// tags, and collapses whitespace.
func Clean(text string) string {
	text = html.UnescapeString(text)
	text = markup.ReplaceAllString(text, "")
	text = annotation.ReplaceAllString(text, "")
	text = spaces.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// CleanCues cleans every cue and drops the ones left empty.
func CleanCues(cues []align.Cue) []align.Cue {
	out := cues[:0:0]
	for _, c := range cues {
		c.Text = Clean(c.Text)
		if c.Text == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
