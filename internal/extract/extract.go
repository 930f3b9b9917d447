// Package extract turns rendered search and detail pages into record
// references and embedded résumé records. It never navigates; callers hand it
// markup fetched by a browser session or HTTP client, which keeps it testable
// against captured fixtures.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/titanous/json5"
)

// ErrParse marks a page whose expected structure or payload is missing or
// undecodable. A detail page failing this way is skipped, not retried.
var ErrParse = errors.New("parse failure")

// Record is one decoded résumé, encoded as compact single-line JSON.
type Record []byte

// String returns the record as text.
func (r Record) String() string {
	return string(r)
}

// Extractor parses pages for one Site.
type Extractor struct {
	site Site
}

// New returns an Extractor, filling unset Site fields with defaults.
func New(site Site) *Extractor {
	return &Extractor{site: site.withDefaults()}
}

// Site returns the effective site configuration.
func (e *Extractor) Site() Site {
	return e.site
}

// ListRecordReferences returns the detail locators on a listing page, with any
// query string removed. An empty result means the listing is exhausted.
func (e *Extractor) ListRecordReferences(markup string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("%w: parse listing: %w", ErrParse, err)
	}
	var refs []string
	doc.Find(e.site.ResultSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		if i := strings.IndexByte(href, '?'); i >= 0 {
			href = href[:i]
		}
		href = strings.TrimSpace(href)
		if href != "" {
			refs = append(refs, href)
		}
	})
	return refs, nil
}

// ExtractRecord decodes the structured record embedded in a detail page.
func (e *Extractor) ExtractRecord(markup string) (Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("%w: parse detail: %w", ErrParse, err)
	}
	var script string
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := sel.Text()
		if strings.Contains(text, e.site.StateMarker) {
			script = text
			return false
		}
		return true
	})
	if script == "" {
		return nil, fmt.Errorf("%w: no script containing %q", ErrParse, e.site.StateMarker)
	}
	payload, err := isolatePayload(script)
	if err != nil {
		return nil, err
	}
	return decodeState(payload)
}

func isolatePayload(script string) (string, error) {
	start := strings.Index(script, "{")
	end := strings.LastIndex(script, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: embedded state has no balanced braces", ErrParse)
	}
	return script[start : end+1], nil
}

// decodeState tries the hex-repaired payload as-is first, then with one level
// of string escaping removed, which is how the page double-escapes its state.
// Payloads that are already JSON keep their source text, so key order and
// number literals reach the record unchanged. Only JavaScript object literals
// go through a JSON5 decode.
func decodeState(payload string) (Record, error) {
	repaired := repairHexEscapes(payload)
	unescaped, unescapeErr := unescapeJS(repaired)

	candidates := []string{repaired}
	if unescapeErr == nil && unescaped != repaired {
		candidates = append(candidates, unescaped)
	}
	for _, text := range candidates {
		if json.Valid([]byte(text)) {
			return compactRecord(text)
		}
	}
	var lastErr error
	for _, text := range candidates {
		rec, err := decodeLiteral(text)
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	if unescapeErr != nil {
		return nil, fmt.Errorf("%w: unescape state: %w", ErrParse, unescapeErr)
	}
	return nil, fmt.Errorf("%w: decode state: %w", ErrParse, lastErr)
}

func compactRecord(text string) (Record, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return nil, fmt.Errorf("%w: compact state: %w", ErrParse, err)
	}
	return Record(buf.Bytes()), nil
}

// decodeLiteral reads a JavaScript object literal. Numbers are carried as
// their literal text; object keys come out sorted since the literal has no
// JSON encoding of its own to keep.
func decodeLiteral(text string) (Record, error) {
	dec := json5.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v map[string]any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.New("state is null")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(literalNumbers(v)); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return Record(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// literalNumbers swaps json5.Number for json.Number so the encoder writes the
// digits as a number instead of a string.
func literalNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = literalNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = literalNumbers(e)
		}
		return t
	case json5.Number:
		return json.Number(t)
	default:
		return v
	}
}
