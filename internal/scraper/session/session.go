// Package session picks the scraper implementation named by configuration.
package session

import (
	"fmt"
	"strings"

	"harvester/internal/config"
	"harvester/internal/core/extraction"
	"harvester/internal/logger"
	"harvester/internal/scraper"
	"harvester/internal/scraper/browser"
	"harvester/internal/scraper/static"
)

// Factory loads the site profile and returns a factory for the configured driver.
func Factory(cfg config.Config, log *logger.Logger) (extraction.SessionFactory, error) {
	p, err := scraper.LoadProfile(cfg.ScraperProfile)
	if err != nil {
		return nil, err
	}
	return ForProfile(cfg.ScraperDriver, p, cfg.BrowserHeadless, log)
}

func ForProfile(driver string, p *scraper.Profile, headless bool, log *logger.Logger) (extraction.SessionFactory, error) {
	switch strings.ToLower(driver) {
	case "", "browser":
		return browser.Factory(p, headless, log), nil
	case "static":
		return static.Factory(p, log), nil
	default:
		return nil, fmt.Errorf("unknown SCRAPER_DRIVER %q", driver)
	}
}
