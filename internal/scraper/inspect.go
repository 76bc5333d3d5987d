package scraper

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"harvester/internal/core/extraction"
)

// Page is what a scraper saw after a navigation.
type Page struct {
	Status int
	URL    *url.URL
	Title  string
	HTML   string
}

var challengeTitles = []string{
	"Just a moment",
	"Checking your browser",
	"Attention Required",
	"Security check",
	"Verify you are human",
}

var rePasswordInput = regexp.MustCompile(`(?i)<input[^>]+type=["']?password`)

var challengeMarkers = []string{
	"cf-challenge",
	"g-recaptcha",
	"h-captcha",
	"captcha-container",
	"/checkpoint/",
}

// Inspect turns pages that are not the content we asked for into classified
// errors: challenge pages, login redirects, throttling and HTTP failures.
// It returns nil for a usable page.
func (p *Profile) Inspect(pg Page) *extraction.Error {
	if p.challenged(pg) {
		return extraction.NewError(extraction.CodeSecurityCheck,
			fmt.Sprintf("security challenge on %s (title %q)", pageURL(pg), pg.Title), nil)
	}
	switch {
	case pg.Status == http.StatusTooManyRequests:
		return extraction.NewError(extraction.CodeRateLimit, fmt.Sprintf("429 too many requests on %s", pageURL(pg)), nil)
	case pg.Status == http.StatusUnauthorized:
		return extraction.NewError(extraction.CodeAuth, fmt.Sprintf("401 unauthorized on %s", pageURL(pg)), nil)
	case p.NeedsLogin() && p.OnLoginPage(pg.URL):
		return extraction.NewError(extraction.CodeAuth, fmt.Sprintf("session expired: redirected to %s", pageURL(pg)), nil)
	case p.NeedsLogin() && rePasswordInput.MatchString(pg.HTML):
		return extraction.NewError(extraction.CodeAuth, fmt.Sprintf("session expired: login form served on %s", pageURL(pg)), nil)
	case pg.Status >= 400:
		return extraction.NewError(extraction.CodeNavigation,
			fmt.Sprintf("unexpected status %d on %s", pg.Status, pageURL(pg)), nil)
	}
	return nil
}

func (p *Profile) challenged(pg Page) bool {
	for _, t := range challengeTitles {
		if strings.Contains(pg.Title, t) {
			return true
		}
	}
	if strings.Contains(pg.HTML, "Cloudflare") && strings.Contains(pg.HTML, "Ray ID") {
		return true
	}
	if pg.Status == http.StatusForbidden && strings.Contains(pg.HTML, "Waiting for") && strings.Contains(pg.HTML, "to respond") {
		return true
	}
	for _, m := range challengeMarkers {
		if strings.Contains(pg.HTML, m) {
			return true
		}
	}
	for _, phrase := range p.ChallengePhrases {
		if phrase != "" && strings.Contains(pg.HTML, phrase) {
			return true
		}
	}
	return false
}

func pageURL(pg Page) string {
	if pg.URL == nil {
		return "page"
	}
	return pg.URL.String()
}
