package extract

import (
	"net/url"
	"strconv"
	"strings"
)

// Site describes the search and detail endpoints of the résumé source.
type Site struct {
	// SearchURL is the listing endpoint; the query, country and offset are
	// appended as q, co and start.
	SearchURL string `mapstructure:"search_url"`
	Country   string `mapstructure:"country"`
	// DetailBaseURL is prefixed to relative record references.
	DetailBaseURL string `mapstructure:"detail_base_url"`
	// ResultSelector matches one anchor per search result.
	ResultSelector string `mapstructure:"result_selector"`
	// StateMarker identifies the script block holding the embedded record.
	StateMarker string `mapstructure:"state_marker"`
}

// DefaultSite returns the endpoints and selectors the crawler was built against.
func DefaultSite() Site {
	return Site{
		SearchURL:      "https://www.indeed.com/resumes",
		Country:        "US",
		DetailBaseURL:  "https://resumes.indeed.com",
		ResultSelector: ".rezemp-ResumeSearchCard-contents a",
		StateMarker:    "window.initialState",
	}
}

func (s Site) withDefaults() Site {
	def := DefaultSite()
	if s.SearchURL == "" {
		s.SearchURL = def.SearchURL
	}
	if s.DetailBaseURL == "" {
		s.DetailBaseURL = def.DetailBaseURL
	}
	if s.ResultSelector == "" {
		s.ResultSelector = def.ResultSelector
	}
	if s.StateMarker == "" {
		s.StateMarker = def.StateMarker
	}
	return s
}

// ListingURL builds the search URL for term starting at offset.
func (s Site) ListingURL(term string, offset int) string {
	q := url.Values{}
	q.Set("q", term)
	if s.Country != "" {
		q.Set("co", s.Country)
	}
	q.Set("start", strconv.Itoa(offset))
	sep := "?"
	if strings.Contains(s.SearchURL, "?") {
		sep = "&"
	}
	return s.SearchURL + sep + q.Encode()
}

// DetailURL resolves a record reference to an absolute detail page URL.
func (s Site) DetailURL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base := strings.TrimRight(s.DetailBaseURL, "/")
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return base + ref
}
