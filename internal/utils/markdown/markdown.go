// Package markdown turns record detail pages into compact markdown bodies.
package markdown

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var (
	mainTags = []string{"main", "article", "[role=\"main\"]", "#content", "#main"}

	// elements whose class or id contain these never belong to a record body
	boilerplateKeywords = []string{
		"cookie", "consent", "banner", "navbar", "nav-", "menu-", "header",
		"pagination", "share", "search-", "signup", "signin", "login",
		"ad-", "advert", "promo", "modal", "popup", "dialog",
		"breadcrumbs", "breadcrumb", "sidebar",
	}

	reBlankRuns   = regexp.MustCompile(`\n{3,}`)
	reImage       = regexp.MustCompile(`!\[[^\]]*\]\([^\)]+\)`)
	reLinkLine    = regexp.MustCompile(`^!\[[^\]]*\]\((https?:\/\/[^\)]+)\)(\]\([^\)]+\))?$`)
	reDateLine    = regexp.MustCompile(`^[A-Za-z]{3}\s\d{1,2},\s\d{4}\\?$`)
	reDate        = regexp.MustCompile(`\b\d{4}/\d{2}/\d{2}\b|\b\d{2}/\d{2}/\d{4}\b|\b[A-Za-z]{3} \d{1,2}, \d{4}\b`)
	reURL         = regexp.MustCompile(`https?://[^\s)]+`)
	reEscape      = regexp.MustCompile(`\\([^\\nrt"'bfvx0-7])`)
	reControl     = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
	reTrailingBS  = regexp.MustCompile(`\\+\n`)
	reHeadingGlue = regexp.MustCompile("([^\n])\n(#+)")

	invisible = strings.NewReplacer(
		"\u200B", "", "\u200C", "", "\u200D", "", "\u200E", "", "\u200F", "",
		"\u2028", "", "\u2029", "", "\uFEFF", "", "\uFFFD", "", "\uFFFF", "",
	)
)

// FromHTML converts the part of page matched by contentSelector (or the
// detected main area when empty) to markdown.
func FromHTML(page, contentSelector string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return ""
	}
	return FromDocument(doc, contentSelector)
}

func FromDocument(doc *goquery.Document, contentSelector string) string {
	var sel *goquery.Selection
	if contentSelector != "" {
		if found := doc.Find(contentSelector); found.Length() > 0 {
			sel = found.First()
		}
	}
	if sel == nil {
		for _, tag := range mainTags {
			if found := doc.Find(tag); found.Length() > 0 {
				sel = found.First()
				break
			}
		}
	}
	if sel == nil {
		sel = doc.Find("body")
	}
	return FromSelection(sel.Clone())
}

// FromSelection strips boilerplate from sel in place and converts the rest.
func FromSelection(sel *goquery.Selection) string {
	sel.Find("script, style, noscript, nav, header, aside, form, iframe, svg, button, input").Remove()
	sel.Find("[role=\"navigation\"], [role=\"banner\"], [role=\"contentinfo\"], [aria-modal]").Remove()
	sel.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		classVal, _ := s.Attr("class")
		idVal, _ := s.Attr("id")
		lower := strings.ToLower(classVal + " " + idVal)
		for _, kw := range boilerplateKeywords {
			if strings.Contains(lower, kw) {
				s.Remove()
				return
			}
		}
	})

	body, err := sel.Html()
	if err != nil {
		return ""
	}
	out, err := md.NewConverter("", true, nil).ConvertString(body)
	if err != nil {
		return ""
	}
	return Clean(out)
}

// Clean normalizes converter output: duplicate image/date lines, pure image
// lines, broken escapes and blank runs are removed.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = reTrailingBS.ReplaceAllString(text, "\n")

	seenLinks := make(map[string]bool)
	seenDates := make(map[string]bool)
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		line := strings.TrimSpace(l)
		if line == "" {
			if n := len(out); n > 0 && out[n-1] != "" {
				out = append(out, "")
			}
			continue
		}
		key := reDate.ReplaceAllString(reURL.ReplaceAllString(line, "LINK"), "DATE")
		if reLinkLine.MatchString(line) {
			if seenLinks[key] {
				continue
			}
			seenLinks[key] = true
		}
		if reDateLine.MatchString(line) {
			if seenDates[key] {
				continue
			}
			seenDates[key] = true
		}
		if reImage.MatchString(line) && strings.TrimSpace(reImage.ReplaceAllString(line, "")) == "" {
			continue
		}
		out = append(out, sanitize(line))
	}

	cleaned := strings.Join(out, "\n")
	cleaned = reHeadingGlue.ReplaceAllString(cleaned, "$1\n\n$2")
	cleaned = reBlankRuns.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

func sanitize(line string) string {
	line = reEscape.ReplaceAllString(line, "$1")
	line = strings.ReplaceAll(line, "\\\\", "\\")
	line = reControl.ReplaceAllString(line, "")
	return invisible.Replace(line)
}

// Text returns the trimmed, whitespace-collapsed text of sel.
func Text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}
