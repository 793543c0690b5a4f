// Package render turns assistant replies into HTML for display.
package render

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/youruser/productivai/internal/logging"
	"github.com/youruser/productivai/internal/suggest"
)

var (
	md = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)

	blankRuns      = regexp.MustCompile(`\n{3,}`)
	emptyParagraph = regexp.MustCompile(`<p>\s*</p>\n?`)
	doubleBreak    = regexp.MustCompile(`<br>\s*<br>`)
)

// Message is a finished reply ready for display.
type Message struct {
	HTML   string
	Parsed suggest.Parsed
}

// FormatMessage strips every marker from content and renders what remains.
func FormatMessage(content string, log *logging.Logger) (Message, error) {
	parsed := suggest.Extract(content, log)
	out, err := Markdown(parsed.Text)
	if err != nil {
		return Message{}, err
	}
	return Message{HTML: out, Parsed: parsed}, nil
}

// FormatPartial renders an in-progress reply. Complete markers are removed
// and an unfinished marker is left out entirely, so raw marker JSON never
// reaches the display.
func FormatPartial(content string) (string, error) {
	text, _ := suggest.NewExtractor(nil).Feed(content)
	return Markdown(text)
}

// Markdown converts markdown text to HTML after normalising line endings and
// blank-line runs.
func Markdown(text string) (string, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = blankRuns.ReplaceAllString(strings.TrimSpace(text), "\n\n")
	if text == "" {
		return "", nil
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}

	out := emptyParagraph.ReplaceAllString(buf.String(), "")
	out = doubleBreak.ReplaceAllString(out, "<br>")
	return out, nil
}
