package attachment

import (
	"regexp"
	"strings"
)

var (
	scriptOrStyleRE = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</(script|style)>`)
	brTagRE         = regexp.MustCompile(`(?i)<br\s*/?>`)
	pTagRE          = regexp.MustCompile(`(?i)<p\b[^>]*>`)
	anyTagRE        = regexp.MustCompile(`(?s)<[^>]+>`)
)

// stripHTMLToText implements §4.5.2's minimal tag-stripper: drop
// script/style blocks wholesale, turn <br>/<p> into newlines, drop every
// other tag, and decode the five standard HTML entities.
func stripHTMLToText(html string) string {
	s := scriptOrStyleRE.ReplaceAllString(html, "")
	s = brTagRE.ReplaceAllString(s, "\n")
	s = pTagRE.ReplaceAllString(s, "\n")
	s = anyTagRE.ReplaceAllString(s, "")
	s = decodeEntities(s)
	return strings.TrimSpace(s)
}

func decodeEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	return replacer.Replace(s)
}
