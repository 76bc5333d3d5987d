// Package scraper holds what the browser and static scrapers share: the YAML
// site profile, header rotation, page inspection and the goquery extraction
// of listing and detail pages.
package scraper

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultMaxPages = 50

// Profile describes one target site.
type Profile struct {
	Name     string         `yaml:"name"`
	BaseURL  string         `yaml:"base_url"`
	Strategy HeaderStrategy `yaml:"strategy"`
	// AcceptLanguage is sent on every request; the browser locale follows its first tag.
	AcceptLanguage string         `yaml:"accept_language"`
	Login          LoginProfile   `yaml:"login"`
	Listing        ListingProfile `yaml:"listing"`
	Detail         DetailProfile  `yaml:"detail"`
	// ChallengePhrases are matched in addition to the built-in challenge markers.
	ChallengePhrases []string `yaml:"challenge_phrases"`
}

type LoginProfile struct {
	URL         string `yaml:"url"`
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`

	// browser
	UsernameSelector string `yaml:"username_selector"`
	PasswordSelector string `yaml:"password_selector"`
	SubmitSelector   string `yaml:"submit_selector"`

	// static form POST
	UsernameField string            `yaml:"username_field"`
	PasswordField string            `yaml:"password_field"`
	ExtraFields   map[string]string `yaml:"extra_fields"`

	// LoggedInSelector matches only on pages served to an authenticated session.
	LoggedInSelector string `yaml:"logged_in_selector"`
	// Path that the site redirects to when the session expired. Defaults to
	// the path of URL.
	RedirectPath string `yaml:"redirect_path"`

	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

type ListingProfile struct {
	// URL may contain {source}, replaced with the escaped source id.
	URL                string `yaml:"url"`
	ItemSelector       string `yaml:"item_selector"`
	LinkSelector       string `yaml:"link_selector"`
	IDAttr             string `yaml:"id_attr"`
	TitleSelector      string `yaml:"title_selector"`
	AttachmentSelector string `yaml:"attachment_selector"`
	NextSelector       string `yaml:"next_selector"`
	MaxPages           int    `yaml:"max_pages"`
}

type DetailProfile struct {
	TitleSelector   string            `yaml:"title_selector"`
	ContentSelector string            `yaml:"content_selector"`
	Fields          map[string]string `yaml:"fields"`
}

// LoadProfile reads a YAML site profile and resolves its credentials from the
// environment.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(raw)
}

func ParseProfile(raw []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if p.Login.UsernameEnv != "" {
		p.Login.Username = os.Getenv(p.Login.UsernameEnv)
	}
	if p.Login.PasswordEnv != "" {
		p.Login.Password = os.Getenv(p.Login.PasswordEnv)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) normalize() error {
	if p.BaseURL == "" {
		return fmt.Errorf("profile %q: base_url is required", p.Name)
	}
	if _, err := url.Parse(p.BaseURL); err != nil {
		return fmt.Errorf("profile %q: base_url: %w", p.Name, err)
	}
	if p.Listing.URL == "" || p.Listing.ItemSelector == "" {
		return fmt.Errorf("profile %q: listing.url and listing.item_selector are required", p.Name)
	}
	if p.Listing.MaxPages <= 0 {
		p.Listing.MaxPages = defaultMaxPages
	}
	switch p.Strategy {
	case "":
		p.Strategy = StrategyModernBrowser
	case StrategyModernBrowser, StrategyMobileDevice:
	default:
		return fmt.Errorf("profile %q: unknown strategy %q", p.Name, p.Strategy)
	}
	if p.AcceptLanguage == "" {
		p.AcceptLanguage = defaultAcceptLanguage
	}
	if p.Login.RedirectPath == "" && p.Login.URL != "" {
		if u, err := p.Resolve(p.Login.URL); err == nil {
			p.Login.RedirectPath = u.Path
		}
	}
	return nil
}

// Resolve makes ref absolute against BaseURL.
func (p *Profile) Resolve(ref string) (*url.URL, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(r), nil
}

// ListingURL is the first listing page for sourceID.
func (p *Profile) ListingURL(sourceID string) (*url.URL, error) {
	return p.Resolve(strings.ReplaceAll(p.Listing.URL, "{source}", url.PathEscape(sourceID)))
}

// NeedsLogin reports whether the profile configures any login.
func (p *Profile) NeedsLogin() bool { return p.Login.URL != "" }

// OnLoginPage reports whether u is the page the site bounces expired sessions to.
func (p *Profile) OnLoginPage(u *url.URL) bool {
	if u == nil || p.Login.RedirectPath == "" || p.Login.RedirectPath == "/" {
		return false
	}
	return strings.HasPrefix(u.Path, p.Login.RedirectPath)
}
