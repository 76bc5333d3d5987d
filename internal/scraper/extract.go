package scraper

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"harvester/internal/core/extraction"
	"harvester/internal/utils/markdown"
)

// ParseListing extracts the work items on one listing page and the absolute
// URL of the next page ("" on the last page).
func (p *Profile) ParseListing(doc *goquery.Document, pageURL *url.URL) ([]extraction.WorkItem, string) {
	l := p.Listing
	var items []extraction.WorkItem
	doc.Find(l.ItemSelector).Each(func(_ int, s *goquery.Selection) {
		link := s
		if goquery.NodeName(s) != "a" {
			sel := l.LinkSelector
			if sel == "" {
				sel = "a[href]"
			}
			link = s.Find(sel).First()
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs := absolute(pageURL, href)
		if abs == nil {
			return
		}

		id := ""
		if l.IDAttr != "" {
			if v, ok := s.Attr(l.IDAttr); ok {
				id = v
			} else if v, ok := link.Attr(l.IDAttr); ok {
				id = v
			}
		}
		if id == "" {
			id = idFromURL(abs)
		}
		if id == "" {
			return
		}

		title := markdown.Text(link)
		if l.TitleSelector != "" {
			if t := markdown.Text(s.Find(l.TitleSelector).First()); t != "" {
				title = t
			}
		}

		item := extraction.WorkItem{ID: strings.TrimSpace(id), URL: abs.String(), Title: title}
		if l.AttachmentSelector != "" {
			if a, ok := s.Find(l.AttachmentSelector).First().Attr("href"); ok {
				if u := absolute(pageURL, a); u != nil {
					item.AttachmentURL = u.String()
				}
			}
		}
		items = append(items, item)
	})

	next := ""
	if l.NextSelector != "" {
		if href, ok := doc.Find(l.NextSelector).First().Attr("href"); ok {
			if u := absolute(pageURL, href); u != nil && u.String() != pageURL.String() {
				next = u.String()
			}
		}
	}
	return items, next
}

// ParseDetail extracts the record for item from its detail page. A page with
// neither body nor configured fields is a parsing error.
func (p *Profile) ParseDetail(doc *goquery.Document, item extraction.WorkItem) (extraction.DetailRecord, error) {
	d := p.Detail
	rec := extraction.DetailRecord{ItemID: item.ID, URL: item.URL, Title: item.Title}
	if d.TitleSelector != "" {
		if t := markdown.Text(doc.Find(d.TitleSelector).First()); t != "" {
			rec.Title = t
		}
	}
	if rec.Title == "" {
		rec.Title = markdown.Text(doc.Find("title").First())
	}

	for name, sel := range d.Fields {
		v := markdown.Text(doc.Find(sel).First())
		if v == "" {
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]string, len(d.Fields))
		}
		rec.Fields[name] = v
	}

	rec.Content = markdown.FromDocument(doc, d.ContentSelector)
	if rec.Content == "" && len(rec.Fields) == 0 {
		return rec, extraction.NewError(extraction.CodeParsing, fmt.Sprintf("no content found for item %s", item.ID), nil)
	}
	return rec, nil
}

func absolute(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return nil
	}
	u, err := url.Parse(href)
	if err != nil {
		return nil
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	u.Fragment = ""
	return u
}

// idFromURL uses the id query parameter, or else the last path segment.
func idFromURL(u *url.URL) string {
	if id := u.Query().Get("id"); id != "" {
		return id
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
