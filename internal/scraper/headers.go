package scraper

import (
	"math/rand"
	"strings"
)

type HeaderStrategy string

const (
	StrategyModernBrowser HeaderStrategy = "modern_browser"
	StrategyMobileDevice  HeaderStrategy = "mobile_device"

	defaultAcceptLanguage = "en-US,en;q=0.9"

	chromiumHints  = `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`
	chromiumAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	webkitAccept   = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// device is one browser family on one platform. Chromium sends client hints
// and zstd; WebKit sends neither.
type device struct {
	userAgent string
	platform  string
	chromium  bool
	mobile    bool
}

var devices = map[HeaderStrategy][]device{
	StrategyModernBrowser: {
		{userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", platform: "macOS", chromium: true},
		{userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36", platform: "Windows", chromium: true},
		{userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Safari/605.1.15", platform: "macOS"},
	},
	StrategyMobileDevice: {
		{userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 18_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Mobile/15E148 Safari/604.1", platform: "iOS", mobile: true},
		{userAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36", platform: "Android", chromium: true, mobile: true},
	},
}

// HeaderProfile is the identity one scraper session presents for its whole
// lifetime: a device plus the site's preferred language.
type HeaderProfile struct {
	UserAgent      string
	AcceptLanguage string
	Mobile         bool
	device         device
}

// PickHeaders picks a random device for strategy. Unknown strategies get the
// first desktop device.
func PickHeaders(strategy HeaderStrategy, acceptLanguage string) HeaderProfile {
	if acceptLanguage == "" {
		acceptLanguage = defaultAcceptLanguage
	}
	pool, ok := devices[strategy]
	d := devices[StrategyModernBrowser][0]
	if ok {
		d = pool[rand.Intn(len(pool))]
	}
	return HeaderProfile{UserAgent: d.userAgent, AcceptLanguage: acceptLanguage, Mobile: d.mobile, device: d}
}

// Locale is the primary language tag, e.g. "de-DE" for "de-DE,de;q=0.9".
func (h HeaderProfile) Locale() string {
	tag, _, _ := strings.Cut(h.AcceptLanguage, ",")
	tag, _, _ = strings.Cut(tag, ";")
	return strings.TrimSpace(tag)
}

// Headers renders the request headers of a top-level navigation. Static
// sessions pass withEncoding=false and let net/http negotiate compression.
func (h HeaderProfile) Headers(withEncoding bool) map[string]string {
	d := h.device
	headers := map[string]string{
		"Accept":                    webkitAccept,
		"Accept-Language":           h.AcceptLanguage,
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
	}
	encoding := "gzip, deflate, br"
	if d.chromium {
		mobile := "?0"
		if d.mobile {
			mobile = "?1"
		}
		headers["Accept"] = chromiumAccept
		headers["Sec-Fetch-User"] = "?1"
		headers["Sec-Ch-Ua"] = chromiumHints
		headers["Sec-Ch-Ua-Mobile"] = mobile
		headers["Sec-Ch-Ua-Platform"] = `"` + d.platform + `"`
		encoding += ", zstd"
	}
	if withEncoding {
		headers["Accept-Encoding"] = encoding
	}
	return headers
}
