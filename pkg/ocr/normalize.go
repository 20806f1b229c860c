package ocr

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	// layout tags such as <loc_391> emitted by doc-tag OCR models; the closing
	// bracket may be cut off at the end of a truncated response.
	docTagPattern = regexp.MustCompile(`</?[a-z]+_[0-9]+>?`)

	scriptPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	stylePattern  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)

	// Only well-formed formatting tags are markup. Any other '<' is clinical
	// text ("K <3.5", "HbA1c<normal") and is kept.
	formatTagPattern = regexp.MustCompile(`(?i)</?(?:b|i|u|em|strong|br|hr|p|div|span|font|sup|sub|pre|code|ul|ol|li|table|thead|tbody|tr|td|th|h[1-6])(?:\s+[a-z-]+(?:\s*=\s*(?:"[^"<>]*"|'[^'<>]*'|[^\s"'<>]+))?)*\s*/?>`)
)

// NormalizeText strips OCR layout tags and formatting markup and collapses
// whitespace. Text that only looks like markup is left as is.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = docTagPattern.ReplaceAllString(text, " ")
	text = scriptPattern.ReplaceAllString(text, " ")
	text = stylePattern.ReplaceAllString(text, " ")
	text = formatTagPattern.ReplaceAllString(text, " ")
	// entities last so an escaped "&lt;b&gt;" stays literal
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}
