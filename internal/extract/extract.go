// Package extract pulls search stubs and detail fields out of rendered
// pages with goquery selectors.
package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
)

// Page-ready conditions for the two page kinds.
var (
	SearchReady = crawler.Condition{Selector: "h1", Contains: "Advanced Search"}
	DetailReady = crawler.Condition{Selector: "div.section", Contains: "Arrest Information"}
)

const (
	resultItemSelector = ".search-results > ul > li"
	resultLinkSelector = ".profile-card > .title > a"
	resultCountySel    = ".profile-card > .card-info > .card-subtitle > a"
	infoFieldsSelector = ".info > .section-content"
	chargeSelector     = ".charges .charge"
	chargeTitleSel     = ".charge-title"
	defaultArrestTime  = "00:00 AM"
)

var dateTimeLayouts = []string{
	"01/02/2006 03:04 PM",
	"1/2/2006 3:04 PM",
	"01/02/2006 15:04",
	"1/2/2006 15:04",
	"2006-01-02 15:04",
}

// Stubs returns one stub per result item, in page order. The link keeps the
// first two path segments of the card's data-src.
func Stubs(doc *goquery.Document) []crawler.Stub {
	if doc == nil {
		return nil
	}
	items := doc.Find(resultItemSelector)
	stubs := make([]crawler.Stub, 0, items.Length())
	items.Each(func(_ int, li *goquery.Selection) {
		src, _ := li.Find(resultLinkSelector).First().Attr("data-src")
		parts := strings.Split(strings.TrimSpace(src), "/")
		for len(parts) < 3 {
			parts = append(parts, "")
		}
		// A card without both path segments has no detail page to visit.
		if parts[1] == "" || parts[2] == "" {
			return
		}
		stubs = append(stubs, crawler.Stub{
			Link:   "/" + parts[1] + "/" + parts[2],
			County: strings.TrimSpace(li.Find(resultCountySel).First().Text()),
		})
	})
	return stubs
}

// Detail reads the arrest fields and charges of a detail page. Date and time
// are interpreted in loc and returned in UTC. Missing fields stay empty. An
// unparseable date still returns every other field along with the error.
func Detail(doc *goquery.Document, loc *time.Location) (crawler.Enrichment, error) {
	var out crawler.Enrichment
	if doc == nil {
		return out, nil
	}
	var date, clock string
	doc.Find(infoFieldsSelector).First().Find("div").Each(func(_ int, div *goquery.Selection) {
		label, value, _ := strings.Cut(strings.TrimSpace(div.Text()), ":")
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(label) {
		case "Full Name":
			out.Name = value
		case "Date":
			date = value
		case "Time":
			clock = value
		case "Arresting Agency":
			out.Agency = value
		}
	})
	out.Charges = Charges(doc)
	arrest, err := ArrestTime(date, clock, loc)
	if err != nil {
		return out, err
	}
	out.ArrestDatetime = arrest
	return out, nil
}

// ArrestTime combines a date and a time of day. An empty date yields nil and
// an empty time means midnight.
func ArrestTime(date, clock string, loc *time.Location) (*time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return nil, nil
	}
	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = defaultArrestTime
	}
	if loc == nil {
		loc = time.UTC
	}
	value := date + " " + strings.ToUpper(clock)
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			utc := t.UTC()
			return &utc, nil
		}
	}
	return nil, fmt.Errorf("parse arrest time %q", value)
}

// Charges returns each charge block's title and its dt/dd attribute pairs.
func Charges(doc *goquery.Document) []crawler.Charge {
	if doc == nil {
		return nil
	}
	var charges []crawler.Charge
	doc.Find(chargeSelector).Each(func(_ int, block *goquery.Selection) {
		title := strings.TrimSpace(block.Find(chargeTitleSel).First().Text())
		if title == "" {
			return
		}
		charge := crawler.Charge{Title: title}
		block.Find("dt").Each(func(_ int, dt *goquery.Selection) {
			key := strings.TrimSuffix(strings.TrimSpace(dt.Text()), ":")
			if key == "" {
				return
			}
			if charge.Attributes == nil {
				charge.Attributes = make(map[string]string)
			}
			charge.Attributes[key] = strings.TrimSpace(dt.NextFiltered("dd").Text())
		})
		charges = append(charges, charge)
	})
	return charges
}

// ChargeTitles lists the titles the watch list is evaluated against.
func ChargeTitles(charges []crawler.Charge) []string {
	titles := make([]string, len(charges))
	for i, c := range charges {
		titles[i] = c.Title
	}
	return titles
}

// ConditionMet reports whether any element matching cond.Selector contains
// cond.Contains, and returns that element's text.
func ConditionMet(doc *goquery.Document, cond crawler.Condition) (string, bool) {
	if doc == nil {
		return "", false
	}
	var text string
	found := false
	doc.Find(cond.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := strings.TrimSpace(s.Text())
		if strings.Contains(t, cond.Contains) {
			text, found = t, true
			return false
		}
		return true
	})
	return text, found
}
