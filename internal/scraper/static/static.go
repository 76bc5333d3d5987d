// Package static scrapes sites that render their records server side, using
// colly over a cookie-jar HTTP client.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"

	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/scraper"
	"harvester/internal/utils/markdown"
)

const requestTimeout = 60 * time.Second

var _ extraction.Scraper = (*Scraper)(nil)

type Scraper struct {
	profile   *scraper.Profile
	headers   map[string]string
	userAgent string
	collector *colly.Collector
	client    *http.Client
	log       *logger.Logger
}

// New builds a scraper with a fresh cookie jar, so each instance is one session.
func New(p *scraper.Profile, log *logger.Logger) (*Scraper, error) {
	if log == nil {
		log = logger.New("StaticScraper")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	hp := scraper.PickHeaders(p.Strategy, p.AcceptLanguage)

	c := colly.NewCollector(colly.UserAgent(hp.UserAgent), colly.AllowURLRevisit())
	c.SetCookieJar(jar)
	c.SetRequestTimeout(requestTimeout)

	return &Scraper{
		profile:   p,
		headers:   hp.Headers(false),
		userAgent: hp.UserAgent,
		collector: c,
		client:    &http.Client{Jar: jar, Timeout: requestTimeout},
		log:       log,
	}, nil
}

// Factory opens one session per job.
func Factory(p *scraper.Profile, log *logger.Logger) extraction.SessionFactory {
	return func(context.Context, string) (extraction.Scraper, error) {
		return New(p, log)
	}
}

// session clones the collector without callbacks. Clones share the HTTP
// backend and therefore the cookie jar.
func (s *Scraper) session(ctx context.Context) *colly.Collector {
	c := s.collector.Clone()
	c.ParseHTTPErrorResponse = true
	c.AllowURLRevisit = true
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		for k, v := range s.headers {
			r.Headers.Set(k, v)
		}
	})
	return c
}

func pageOf(r *colly.Response) (*goquery.Document, scraper.Page, error) {
	pg := scraper.Page{Status: r.StatusCode, URL: r.Request.URL, HTML: string(r.Body)}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		return nil, pg, extraction.NewError(extraction.CodeParsing, fmt.Sprintf("parse %s", r.Request.URL), err)
	}
	pg.Title = markdown.Text(doc.Find("title").First())
	return doc, pg, nil
}

// fetch performs one request and returns the parsed page without inspecting it.
func (s *Scraper) fetch(ctx context.Context, target string, form map[string]string) (*goquery.Document, scraper.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, scraper.Page{}, err
	}
	c := s.session(ctx)
	var resp *colly.Response
	c.OnResponse(func(r *colly.Response) { resp = r })

	var err error
	if form != nil {
		err = c.Post(target, form)
	} else {
		err = c.Visit(target)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, scraper.Page{}, ctxErr
	}
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return nil, scraper.Page{}, extraction.NewError(extraction.CodeNavigation, fmt.Sprintf("request %s failed", target), err)
	}
	return pageOf(resp)
}

func (s *Scraper) get(ctx context.Context, target string) (*goquery.Document, error) {
	doc, pg, err := s.fetch(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	if ce := s.profile.Inspect(pg); ce != nil {
		return nil, ce
	}
	return doc, nil
}

func (s *Scraper) loggedIn(doc *goquery.Document, pg scraper.Page) bool {
	if sel := s.profile.Login.LoggedInSelector; sel != "" {
		return doc.Find(sel).Length() > 0
	}
	return !s.profile.OnLoginPage(pg.URL) && doc.Find("input[type=password]").Length() == 0
}

// Login submits the site's login form, carrying over hidden inputs such as
// CSRF tokens.
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

	doc, pg, err := s.fetch(ctx, loginURL.String(), nil)
	if err != nil {
		return err
	}
	if ce := s.profile.Inspect(pg); ce != nil && ce.Code != extraction.CodeAuth {
		return ce
	}

	userField, passField := lp.UsernameField, lp.PasswordField
	if userField == "" {
		userField = "username"
	}
	if passField == "" {
		passField = "password"
	}
	form := doc.Find("form").FilterFunction(func(_ int, f *goquery.Selection) bool {
		return f.Find(fmt.Sprintf("input[name=%q]", passField)).Length() > 0
	}).First()

	data := make(map[string]string)
	form.Find("input[type=hidden]").Each(func(_ int, in *goquery.Selection) {
		if name, ok := in.Attr("name"); ok {
			data[name], _ = in.Attr("value")
		}
	})
	for k, v := range lp.ExtraFields {
		data[k] = v
	}
	data[userField] = lp.Username
	data[passField] = lp.Password

	action := loginURL.String()
	if a, ok := form.Attr("action"); ok && a != "" {
		if u, err := resolveRef(pg, a); err == nil {
			action = u
		}
	}

	doc, pg, err = s.fetch(ctx, action, data)
	if err != nil {
		return err
	}
	if ce := s.profile.Inspect(pg); ce != nil && !(ce.Code == extraction.CodeAuth && s.profile.OnLoginPage(pg.URL)) {
		return ce
	}
	if !s.loggedIn(doc, pg) {
		return extraction.NewError(extraction.CodeAuth, "login rejected: invalid credentials", nil)
	}
	s.log.LogInfof("logged in to %s", s.profile.BaseURL)
	return nil
}

// EnsureLoggedIn loads the landing page and reports whether the session is
// still authenticated.
func (s *Scraper) EnsureLoggedIn(ctx context.Context) (bool, error) {
	if !s.profile.NeedsLogin() {
		return true, nil
	}
	doc, pg, err := s.fetch(ctx, s.profile.BaseURL, nil)
	if err != nil {
		return false, err
	}
	if ce := s.profile.Inspect(pg); ce != nil && ce.Code != extraction.CodeAuth {
		return false, ce
	}
	return s.loggedIn(doc, pg), nil
}

// ListWorkItems follows the listing's next links until the last page,
// MaxPages, or limit items.
func (s *Scraper) ListWorkItems(ctx context.Context, sourceID string, limit int) ([]extraction.WorkItem, error) {
	start, err := s.profile.ListingURL(sourceID)
	if err != nil {
		return nil, extraction.NewError(extraction.CodeNavigation, "bad listing url", err)
	}

	var (
		items   []extraction.WorkItem
		seen    = make(map[string]bool)
		pages   int
		failure error
	)
	full := func() bool { return limit > 0 && len(items) >= limit }

	c := s.session(ctx)
	c.OnResponse(func(r *colly.Response) {
		pages++
		doc, pg, err := pageOf(r)
		if err != nil {
			failure = err
			return
		}
		if ce := s.profile.Inspect(pg); ce != nil {
			failure = ce
			return
		}
		found, next := s.profile.ParseListing(doc, r.Request.URL)
		for _, it := range found {
			if full() {
				break
			}
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			items = append(items, it)
		}
		s.log.LogDebugf("listing page %d: %d items (total %d)", pages, len(found), len(items))
		if next == "" || full() || pages >= s.profile.Listing.MaxPages || ctx.Err() != nil {
			return
		}
		if err := r.Request.Visit(next); err != nil && failure == nil {
			failure = extraction.NewError(extraction.CodeNavigation, fmt.Sprintf("listing page %s", next), err)
		}
	})

	visitErr := c.Visit(start.String())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if pages == 0 {
		if visitErr == nil {
			visitErr = errors.New("no response")
		}
		return nil, extraction.NewError(extraction.CodeNavigation, fmt.Sprintf("listing %s failed", start), visitErr)
	}
	return items, nil
}

func (s *Scraper) FetchDetail(ctx context.Context, item extraction.WorkItem) (extraction.DetailRecord, error) {
	doc, err := s.get(ctx, item.URL)
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

func (s *Scraper) DownloadAttachment(ctx context.Context, item extraction.WorkItem, destPath string) (extraction.AttachmentResult, error) {
	h := make(http.Header)
	h.Set("User-Agent", s.userAgent)
	h.Set("Referer", item.URL)
	return scraper.Download(ctx, s.client, item.AttachmentURL, destPath, h)
}

func resolveRef(pg scraper.Page, ref string) (string, error) {
	if pg.URL == nil {
		return ref, nil
	}
	u, err := pg.URL.Parse(ref)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
