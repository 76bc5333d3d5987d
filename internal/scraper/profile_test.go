package scraper

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/internal/core/extraction"
)

const testProfile = `
name: registry
base_url: https://records.example.com
login:
  url: /account/login
  username_env: TEST_REGISTRY_USER
  password_env: TEST_REGISTRY_PASS
listing:
  url: /sources/{source}/records
  item_selector: tr.record
  title_selector: td.name
  next_selector: a[rel=next]
detail:
  content_selector: article
  fields:
    status: .status
    filed: time
`

func mustProfile(t *testing.T) *Profile {
	t.Helper()
	p, err := ParseProfile([]byte(testProfile))
	require.NoError(t, err)
	return p
}

func doc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return d
}

func TestParseProfile(t *testing.T) {
	t.Setenv("TEST_REGISTRY_USER", "alice")
	t.Setenv("TEST_REGISTRY_PASS", "secret")

	p := mustProfile(t)
	assert.Equal(t, "alice", p.Login.Username)
	assert.Equal(t, "secret", p.Login.Password)
	assert.Equal(t, defaultMaxPages, p.Listing.MaxPages)
	assert.Equal(t, StrategyModernBrowser, p.Strategy)
	assert.Equal(t, defaultAcceptLanguage, p.AcceptLanguage)
	assert.Equal(t, "/account/login", p.Login.RedirectPath)
	assert.True(t, p.NeedsLogin())

	u, err := p.ListingURL("north/east")
	require.NoError(t, err)
	assert.Equal(t, "https://records.example.com/sources/north%2Feast/records", u.String())

	assert.True(t, p.OnLoginPage(&url.URL{Path: "/account/login"}))
	assert.False(t, p.OnLoginPage(&url.URL{Path: "/sources/a/records"}))

	_, err = ParseProfile([]byte("name: broken\nlisting:\n  url: /x\n"))
	assert.Error(t, err)
	_, err = ParseProfile([]byte("base_url: https://a.example\nlisting:\n  url: /x\n"))
	assert.Error(t, err)
	_, err = ParseProfile([]byte(testProfile + "strategy: tablet\n"))
	assert.ErrorContains(t, err, "unknown strategy")
}

func TestInspect(t *testing.T) {
	t.Parallel()
	p := mustProfile(t)
	p.ChallengePhrases = []string{"unusual traffic"}
	records, _ := url.Parse("https://records.example.com/sources/a/records")
	login, _ := url.Parse("https://records.example.com/account/login?next=/sources")

	cases := []struct {
		name string
		page Page
		want extraction.Code
	}{
		{"ok", Page{Status: 200, URL: records, Title: "Records", HTML: "<table></table>"}, ""},
		{"cloudflare title", Page{Status: 403, URL: records, Title: "Just a moment..."}, extraction.CodeSecurityCheck},
		{"ray id", Page{Status: 200, URL: records, HTML: "Cloudflare Ray ID: 1234"}, extraction.CodeSecurityCheck},
		{"captcha widget", Page{Status: 200, URL: records, HTML: `<div class="g-recaptcha"></div>`}, extraction.CodeSecurityCheck},
		{"profile phrase", Page{Status: 200, URL: records, HTML: "we detected unusual traffic"}, extraction.CodeSecurityCheck},
		{"login redirect", Page{Status: 200, URL: login, HTML: "<form></form>"}, extraction.CodeAuth},
		{"login form inline", Page{Status: 200, URL: records, HTML: `<input type="password" name="pw">`}, extraction.CodeAuth},
		{"unauthorized", Page{Status: 401, URL: records}, extraction.CodeAuth},
		{"throttled", Page{Status: 429, URL: records}, extraction.CodeRateLimit},
		{"server error", Page{Status: 503, URL: records}, extraction.CodeNavigation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Inspect(tc.page)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Code)
		})
	}
}

func TestParseListing(t *testing.T) {
	t.Parallel()
	p := mustProfile(t)
	pageURL, _ := url.Parse("https://records.example.com/sources/a/records?page=1")
	d := doc(t, `<table>
		<tr class="record"><td class="name">First record</td><td><a href="/r/101">open</a></td></tr>
		<tr class="record"><td class="name">Second</td><td><a href="detail?id=102#top">open</a></td></tr>
		<tr class="record"><td class="name">No link</td></tr>
		<tr class="record"><td><a href="javascript:void(0)">bad</a></td></tr>
	</table><a rel="next" href="?page=2">next</a>`)

	items, next := p.ParseListing(d, pageURL)
	require.Len(t, items, 2)
	assert.Equal(t, extraction.WorkItem{ID: "101", URL: "https://records.example.com/r/101", Title: "First record"}, items[0])
	assert.Equal(t, "102", items[1].ID)
	assert.Equal(t, "https://records.example.com/sources/a/detail?id=102", items[1].URL)
	assert.Equal(t, "https://records.example.com/sources/a/records?page=2", next)

	last := doc(t, `<tr class="record"><td><a href="/r/9">x</a></td></tr>`)
	_, next = p.ParseListing(last, pageURL)
	assert.Empty(t, next)
}

func TestParseDetail(t *testing.T) {
	t.Parallel()
	p := mustProfile(t)
	item := extraction.WorkItem{ID: "101", URL: "https://records.example.com/r/101", Title: "listing title"}

	rec, err := p.ParseDetail(doc(t, `<html><head><title>Record 101</title></head><body>
		<article><p>Filed by <b>ACME</b></p><span class="status"> approved </span><time>2024-05-01</time></article>
	</body></html>`), item)
	require.NoError(t, err)
	assert.Equal(t, "listing title", rec.Title)
	assert.Contains(t, rec.Content, "Filed by **ACME**")
	assert.Equal(t, map[string]string{"status": "approved", "filed": "2024-05-01"}, rec.Fields)

	_, err = p.ParseDetail(doc(t, `<html><body><article></article></body></html>`), item)
	var ce *extraction.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, extraction.CodeParsing, ce.Code)
}

func TestHeaders(t *testing.T) {
	t.Parallel()

	t.Run("static sessions leave encoding to the transport", func(t *testing.T) {
		h := PickHeaders(StrategyMobileDevice, "").Headers(false)
		assert.NotEmpty(t, h["Accept"])
		assert.Equal(t, defaultAcceptLanguage, h["Accept-Language"])
		assert.NotContains(t, h, "Accept-Encoding")
	})

	t.Run("client hints follow the device family", func(t *testing.T) {
		for _, pool := range devices {
			for _, d := range pool {
				h := HeaderProfile{AcceptLanguage: defaultAcceptLanguage, Mobile: d.mobile, device: d}.Headers(true)
				if d.chromium {
					assert.Equal(t, `"`+d.platform+`"`, h["Sec-Ch-Ua-Platform"], d.userAgent)
					assert.Contains(t, h["Accept-Encoding"], "zstd", d.userAgent)
					assert.Equal(t, map[bool]string{true: "?1", false: "?0"}[d.mobile], h["Sec-Ch-Ua-Mobile"], d.userAgent)
				} else {
					assert.NotContains(t, h, "Sec-Ch-Ua", d.userAgent)
					assert.NotContains(t, h, "Sec-Fetch-User", d.userAgent)
					assert.NotContains(t, h["Accept-Encoding"], "zstd", d.userAgent)
				}
			}
		}
	})

	t.Run("mobile strategy only picks mobile devices", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			hp := PickHeaders(StrategyMobileDevice, "")
			assert.True(t, hp.Mobile)
			assert.Contains(t, hp.UserAgent, "Mobile")
		}
	})

	t.Run("language comes from the profile", func(t *testing.T) {
		hp := PickHeaders(StrategyModernBrowser, "de-DE,de;q=0.9,en;q=0.5")
		assert.Equal(t, "de-DE,de;q=0.9,en;q=0.5", hp.Headers(true)["Accept-Language"])
		assert.Equal(t, "de-DE", hp.Locale())
		assert.False(t, hp.Mobile)
	})
}
