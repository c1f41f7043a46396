package extract

import (
	"context"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// extractHTML returns the document title and visible body text.
func (e *Extractor) extractHTML(_ context.Context, path string, charset string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, eris.Wrapf(err, "extract: read %s", path)
	}
	src, err := decode(path, raw, charset)
	if err != nil {
		return Result{}, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return Result{}, eris.Wrapf(err, "extract: parse html %s", path)
	}
	doc.Find("script, style, noscript, template, svg").Remove()

	var parts []string
	if title := collapseSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, title)
	}
	doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		// Nested block elements are reached through their parent.
		if s.ParentsFiltered("p, li, td, th, pre, blockquote").Length() > 0 {
			return
		}
		if t := collapseSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) <= 1 {
		if body := collapseSpace(doc.Find("body").Text()); body != "" {
			parts = append(parts, body)
		}
	}
	return Result{Text: strings.Join(parts, "\n"), Units: 1}, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
