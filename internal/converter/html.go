package converter

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// RenderFunc turns a rendered HTML fragment into a Markdown body.
type RenderFunc func(fragment string) (string, error)

// HTMLToMarkdown strips script and style nodes from fragment and converts the
// rest to Markdown. Line breaks are emitted as plain newlines.
func HTMLToMarkdown(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	cleaned, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("serializing content: %w", err)
	}

	markdown, err := htmltomarkdown.ConvertString(cleaned)
	if err != nil {
		return "", fmt.Errorf("converting HTML to markdown: %w", err)
	}
	return strings.TrimSpace(softenLineBreaks(markdown)), nil
}

// softenLineBreaks turns hard line breaks ("  \n") into plain newlines outside
// fenced code blocks. Fence contents are left untouched.
func softenLineBreaks(markdown string) string {
	lines := strings.Split(markdown, "\n")
	fence := ""
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		if fence != "" {
			if strings.HasPrefix(trimmed, fence) && strings.Trim(trimmed, fence[:1]+" ") == "" {
				fence = ""
			}
			continue
		}
		if marker := fenceMarker(trimmed); marker != "" {
			fence = marker
			continue
		}
		if i < len(lines)-1 {
			lines[i] = strings.TrimSuffix(line, "  ")
		}
	}
	return strings.Join(lines, "\n")
}

// fenceMarker returns the run of backticks or tildes opening a code fence, or "".
func fenceMarker(line string) string {
	for _, c := range []string{"`", "~"} {
		n := len(line) - len(strings.TrimLeft(line, c))
		if n >= 3 {
			return strings.Repeat(c, n)
		}
	}
	return ""
}

// plainText returns the visible text of an HTML fragment.
func plainText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	doc.Find("script, style, noscript").Remove()
	doc.Find("br").Each(func(_ int, br *goquery.Selection) {
		br.ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: "\n"})
	})
	return doc.Text()
}

// trimWords returns at most n whitespace-separated words of the visible text of fragment.
func trimWords(fragment string, n int) string {
	words := strings.Fields(plainText(fragment))
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
