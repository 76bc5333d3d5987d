// Package browser drives a headless Chromium session through playwright for
// sites that need JavaScript or keep their session in browser storage.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/scraper"
)

const (
	fastNavTimeout  = 10 * time.Second
	slowNavTimeout  = 20 * time.Second
	selectorTimeout = 5 * time.Second
	loginTimeout    = 15 * time.Second
)

var launchArgs = []string{
	"--no-sandbox",
	"--disable-dev-shm-usage",
	"--disable-blink-features=AutomationControlled",
	"--disable-features=VizDisplayCompositor",
	"--no-first-run",
	"--disable-default-apps",
	"--disable-extensions",
}

var _ extraction.Scraper = (*Scraper)(nil)

// Scraper owns one browser and one context: a single authenticated session.
// Each call works on its own page so concurrent fetches do not share a tab.
type Scraper struct {
	profile *scraper.Profile
	headers scraper.HeaderProfile
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	client  *http.Client
	log     *logger.Logger
}

// Open launches the browser. The caller must Close it.
func Open(p *scraper.Profile, headless bool, log *logger.Logger) (*Scraper, error) {
	if log == nil {
		log = logger.New("BrowserScraper")
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright run: %w", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args:     launchArgs,
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch: %w", err)
	}

	hp := scraper.PickHeaders(p.Strategy, p.AcceptLanguage)
	bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:        playwright.String(hp.UserAgent),
		Locale:           playwright.String(hp.Locale()),
		IsMobile:         playwright.Bool(hp.Mobile),
		HasTouch:         playwright.Bool(hp.Mobile),
		ExtraHttpHeaders: hp.Headers(true),
	})
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("new context: %w", err)
	}
	log.Debug().Str("strategy", string(p.Strategy)).Str("user_agent", hp.UserAgent).Msg("browser session opened")

	return &Scraper{
		profile: p,
		headers: hp,
		pw:      pw,
		browser: b,
		bctx:    bctx,
		client:  &http.Client{Timeout: 2 * time.Minute},
		log:     log,
	}, nil
}

// Factory opens a new browser session for every job.
func Factory(p *scraper.Profile, headless bool, log *logger.Logger) extraction.SessionFactory {
	return func(context.Context, string) (extraction.Scraper, error) {
		return Open(p, headless, log)
	}
}

func (s *Scraper) Close() error {
	return errors.Join(s.bctx.Close(), s.browser.Close(), s.pw.Stop())
}

// budget caps a playwright timeout by what is left of ctx, in milliseconds.
func budget(ctx context.Context, d time.Duration) (*float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d <= 0 {
		return nil, context.DeadlineExceeded
	}
	return playwright.Float(float64(d.Milliseconds())), nil
}

// open navigates a fresh page to target, falling back to a full load with a
// longer timeout. The caller closes the returned page.
func (s *Scraper) open(ctx context.Context, target string) (playwright.Page, playwright.Response, error) {
	page, err := s.bctx.NewPage()
	if err != nil {
		return nil, nil, fmt.Errorf("new page: %w", err)
	}
	timeout, err := budget(ctx, fastNavTimeout)
	if err != nil {
		_ = page.Close()
		return nil, nil, err
	}
	resp, navErr := page.Goto(target, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded, Timeout: timeout})
	if navErr != nil {
		if timeout, err = budget(ctx, slowNavTimeout); err != nil {
			_ = page.Close()
			return nil, nil, err
		}
		resp, navErr = page.Goto(target, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad, Timeout: timeout})
		if navErr != nil {
			_ = page.Close()
			return nil, nil, navigationError(target, navErr)
		}
	}
	return page, resp, nil
}

// navigationError types a failed Goto so the target URL never takes part in
// message classification.
func navigationError(target string, err error) *extraction.Error {
	code := extraction.CodeNavigation
	if errors.Is(err, playwright.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		code = extraction.CodeTimeout
	}
	ce := extraction.NewError(code, "navigation failed", err)
	ce.Context = target
	return ce
}

// snapshot reads the current DOM of page.
func snapshot(page playwright.Page, resp playwright.Response) (*goquery.Document, scraper.Page, error) {
	var pg scraper.Page
	if resp != nil {
		pg.Status = resp.Status()
	}
	pg.URL, _ = url.Parse(page.URL())
	pg.Title, _ = page.Title()
	content, err := page.Content()
	if err != nil {
		return nil, pg, fmt.Errorf("read content: %w", err)
	}
	pg.HTML = content
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, pg, extraction.NewError(extraction.CodeParsing, "parse page", err)
	}
	return doc, pg, nil
}

// load opens target and returns its inspected DOM.
func (s *Scraper) load(ctx context.Context, target, waitFor string) (*goquery.Document, scraper.Page, error) {
	page, resp, err := s.open(ctx, target)
	if err != nil {
		return nil, scraper.Page{}, err
	}
	defer page.Close()

	if waitFor != "" {
		if timeout, err := budget(ctx, selectorTimeout); err == nil {
			if err := page.Locator(waitFor).First().WaitFor(playwright.LocatorWaitForOptions{
				State:   playwright.WaitForSelectorStateAttached,
				Timeout: timeout,
			}); err != nil {
				s.log.LogDebugf("selector %q did not appear on %s", waitFor, target)
			}
		}
	}
	doc, pg, err := snapshot(page, resp)
	if err != nil {
		return nil, pg, err
	}
	if ce := s.profile.Inspect(pg); ce != nil {
		return nil, pg, ce
	}
	return doc, pg, nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// Login fills the configured form and waits for the logged-in marker.
func (s *Scraper) Login(ctx context.Context) error {
	if !s.profile.NeedsLogin() {
		return nil
	}
	lp := s.profile.Login
	if lp.Username == "" || lp.Password == "" {
		return extraction.NewError(extraction.CodeAuth, "login credentials are not configured", nil)
	}
	loginURL, err := s.profile.Resolve(lp.URL)
	if err != nil {
		return extraction.NewError(extraction.CodeNavigation, "bad login url", err)
	}

	page, resp, err := s.open(ctx, loginURL.String())
	if err != nil {
		return err
	}
	defer page.Close()

	if _, pg, err := snapshot(page, resp); err != nil {
		return err
	} else if ce := s.profile.Inspect(pg); ce != nil && ce.Code != extraction.CodeAuth {
		return ce
	}

	if err := page.Locator(or(lp.UsernameSelector, `input[name="username"], input[type="email"]`)).First().Fill(lp.Username); err != nil {
		return extraction.NewError(extraction.CodeParsing, "username field not found", err)
	}
	if err := page.Locator(or(lp.PasswordSelector, `input[type="password"]`)).First().Fill(lp.Password); err != nil {
		return extraction.NewError(extraction.CodeParsing, "password field not found", err)
	}
	if err := page.Locator(or(lp.SubmitSelector, `button[type="submit"], input[type="submit"]`)).First().Click(); err != nil {
		return extraction.NewError(extraction.CodeParsing, "submit button not found", err)
	}

	timeout, err := budget(ctx, loginTimeout)
	if err != nil {
		return err
	}
	_ = page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{State: playwright.LoadStateLoad, Timeout: timeout})
	if lp.LoggedInSelector != "" {
		_ = page.Locator(lp.LoggedInSelector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateAttached,
			Timeout: timeout,
		})
	}

	doc, pg, err := snapshot(page, nil)
	if err != nil {
		return err
	}
	if ce := s.profile.Inspect(pg); ce != nil && ce.Code != extraction.CodeAuth {
		return ce
	}
	if !s.loggedIn(doc, pg) {
		return extraction.NewError(extraction.CodeAuth, "login rejected: invalid credentials", nil)
	}
	s.log.LogInfof("logged in to %s", s.profile.BaseURL)
	return nil
}

func (s *Scraper) loggedIn(doc *goquery.Document, pg scraper.Page) bool {
	if sel := s.profile.Login.LoggedInSelector; sel != "" {
		return doc.Find(sel).Length() > 0
	}
	return !s.profile.OnLoginPage(pg.URL) && doc.Find("input[type=password]").Length() == 0
}

func (s *Scraper) EnsureLoggedIn(ctx context.Context) (bool, error) {
	if !s.profile.NeedsLogin() {
		return true, nil
	}
	page, resp, err := s.open(ctx, s.profile.BaseURL)
	if err != nil {
		return false, err
	}
	defer page.Close()
	doc, pg, err := snapshot(page, resp)
	if err != nil {
		return false, err
	}
	if ce := s.profile.Inspect(pg); ce != nil && ce.Code != extraction.CodeAuth {
		return false, ce
	}
	return s.loggedIn(doc, pg), nil
}

// ListWorkItems walks the listing one page at a time until the last page,
// MaxPages, or limit items.
func (s *Scraper) ListWorkItems(ctx context.Context, sourceID string, limit int) ([]extraction.WorkItem, error) {
	start, err := s.profile.ListingURL(sourceID)
	if err != nil {
		return nil, extraction.NewError(extraction.CodeNavigation, "bad listing url", err)
	}

	var items []extraction.WorkItem
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	next := start.String()
	for pages := 0; next != "" && pages < s.profile.Listing.MaxPages; pages++ {
		if visited[next] {
			break
		}
		visited[next] = true

		doc, pg, err := s.load(ctx, next, s.profile.Listing.ItemSelector)
		if err != nil {
			return nil, err
		}
		var found []extraction.WorkItem
		found, next = s.profile.ParseListing(doc, pg.URL)
		for _, it := range found {
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			items = append(items, it)
			if limit > 0 && len(items) >= limit {
				return items, nil
			}
		}
		s.log.LogDebugf("listing page %d: %d items (total %d)", pages+1, len(found), len(items))
	}
	return items, nil
}

func (s *Scraper) FetchDetail(ctx context.Context, item extraction.WorkItem) (extraction.DetailRecord, error) {
	doc, _, err := s.load(ctx, item.URL, s.profile.Detail.ContentSelector)
	if err != nil {
		return extraction.DetailRecord{}, err
	}
	rec, err := s.profile.ParseDetail(doc, item)
	if err != nil {
		return extraction.DetailRecord{}, err
	}
	rec.FetchedAt = time.Now()
	return rec, nil
}

// DownloadAttachment fetches the file over plain HTTP, presenting the
// browser session's cookies and user agent.
func (s *Scraper) DownloadAttachment(ctx context.Context, item extraction.WorkItem, destPath string) (extraction.AttachmentResult, error) {
	cookies, err := s.bctx.Cookies(item.AttachmentURL)
	if err != nil {
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeDownload, "read session cookies", err)
	}
	h := make(http.Header)
	h.Set("User-Agent", s.headers.UserAgent)
	h.Set("Referer", item.URL)
	if c := cookieHeader(cookies); c != "" {
		h.Set("Cookie", c)
	}
	return scraper.Download(ctx, s.client, item.AttachmentURL, destPath, h)
}

func cookieHeader(cookies []playwright.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
