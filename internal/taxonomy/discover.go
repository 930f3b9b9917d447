package taxonomy

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

var clusterIndex = regexp.MustCompile(`^[1-9][0-9]*$`)

// Fetcher returns the rendered markup of a page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Directory describes the career directory the taxonomy is discovered from.
type Directory struct {
	CareerURL string `mapstructure:"career_url"`
	// OptionSelector matches the cluster drop-down entries.
	OptionSelector string `mapstructure:"option_selector"`
	// PathwaySelector matches the table cell naming a row's pathway; the
	// occupation names follow it after one intervening cell.
	PathwaySelector string `mapstructure:"pathway_selector"`
}

// DefaultDirectory is the career directory the crawler was built against.
func DefaultDirectory() Directory {
	return Directory{
		CareerURL:       "https://www.onetonline.org/find/career",
		OptionSelector:  "option[value]",
		PathwaySelector: `tr td.report2ed[width="35%"]`,
	}
}

// Discoverer walks the career directory and persists the taxonomy.
type Discoverer struct {
	fetch  Fetcher
	dir    Directory
	blobs  Blobs
	logger *zap.Logger
}

// NewDiscoverer wires a Discoverer. Unset Directory fields take defaults.
func NewDiscoverer(fetch Fetcher, dir Directory, blobs Blobs, logger *zap.Logger) *Discoverer {
	def := DefaultDirectory()
	if dir.CareerURL == "" {
		dir.CareerURL = def.CareerURL
	}
	if dir.OptionSelector == "" {
		dir.OptionSelector = def.OptionSelector
	}
	if dir.PathwaySelector == "" {
		dir.PathwaySelector = def.PathwaySelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{fetch: fetch, dir: dir, blobs: blobs, logger: logger}
}

type clusterOption struct {
	index string
	name  string
}

// Discover loads every cluster page, saves each hierarchy and returns them in
// directory order.
func (d *Discoverer) Discover(ctx context.Context) ([]Hierarchy, error) {
	markup, err := d.fetch.Fetch(ctx, d.dir.CareerURL)
	if err != nil {
		return nil, fmt.Errorf("fetch career directory: %w", err)
	}
	options, err := d.parseClusters(markup)
	if err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no clusters found at %s", d.dir.CareerURL)
	}
	names := make([]string, 0, len(options))
	for _, opt := range options {
		names = append(names, opt.name)
	}
	if err := SaveClusterNames(ctx, d.blobs, names); err != nil {
		return nil, err
	}

	out := make([]Hierarchy, 0, len(options))
	for _, opt := range options {
		pageURL := d.clusterURL(opt.index)
		page, err := d.fetch.Fetch(ctx, pageURL)
		if err != nil {
			return out, fmt.Errorf("fetch cluster %s: %w", opt.name, err)
		}
		pathways, err := d.parsePathways(page)
		if err != nil {
			return out, fmt.Errorf("parse cluster %s: %w", opt.name, err)
		}
		h := Hierarchy{Cluster: opt.name, Pathways: pathways}
		if err := Save(ctx, d.blobs, h); err != nil {
			return out, err
		}
		d.logger.Info("cluster discovered",
			zap.String("cluster", opt.name),
			zap.Int("pathways", len(pathways)),
			zap.Int("occupations", countOccupations(pathways)),
		)
		out = append(out, h)
	}
	return out, nil
}

func (d *Discoverer) clusterURL(index string) string {
	q := url.Values{}
	q.Set("c", index)
	q.Set("g", "Go")
	return d.dir.CareerURL + "?" + q.Encode()
}

func (d *Discoverer) parseClusters(markup string) ([]clusterOption, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse career directory: %w", err)
	}
	var out []clusterOption
	seen := map[string]bool{}
	doc.Find(d.dir.OptionSelector).Each(func(_ int, sel *goquery.Selection) {
		value := strings.TrimSpace(sel.AttrOr("value", ""))
		name := strings.TrimSpace(sel.Text())
		if !clusterIndex.MatchString(value) || name == "" || seen[value] {
			return
		}
		seen[value] = true
		out = append(out, clusterOption{index: value, name: name})
	})
	return out, nil
}

func (d *Discoverer) parsePathways(markup string) (map[string][]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse cluster page: %w", err)
	}
	pathways := map[string][]string{}
	doc.Find(d.dir.PathwaySelector).Each(func(_ int, cell *goquery.Selection) {
		name := strings.Join(strings.Fields(cell.Text()), " ")
		if name == "" {
			return
		}
		occupations := pathways[name]
		cell.NextAll().Each(func(i int, next *goquery.Selection) {
			if i == 0 {
				return
			}
			if occ := strings.Join(strings.Fields(next.Text()), " "); occ != "" {
				occupations = append(occupations, occ)
			}
		})
		pathways[name] = occupations
	})
	return pathways, nil
}

func countOccupations(pathways map[string][]string) int {
	n := 0
	for _, occs := range pathways {
		n += len(occs)
	}
	return n
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
