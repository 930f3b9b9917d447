// Package taxonomy enumerates the cluster → pathway → occupation hierarchy that
// drives scraping, and derives each occupation's output key.
package taxonomy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

var nonWord = regexp.MustCompile(`\W+`)

// Sanitize collapses every run of non-word characters in name to "_".
func Sanitize(name string) string {
	return nonWord.ReplaceAllString(name, "_")
}

// Task identifies the work for one occupation.
type Task struct {
	Cluster    string `json:"cluster"`
	Pathway    string `json:"pathway"`
	Occupation string `json:"occupation"`
}

// Key is the output destination of t: cluster/pathway/occupation.txt with each
// segment sanitized.
func (t Task) Key() string {
	return Sanitize(t.Cluster) + "/" + Sanitize(t.Pathway) + "/" + Sanitize(t.Occupation) + ".txt"
}

// Provider exposes a taxonomy.
type Provider interface {
	// Clusters lists cluster identifiers in enumeration order.
	Clusters(ctx context.Context) ([]string, error)
	// Pathways maps each pathway of cluster to its ordered occupations.
	Pathways(ctx context.Context, cluster string) (map[string][]string, error)
}

// Tasks flattens one cluster into tasks, ordered by pathway name and then by
// the provider's occupation order.
func Tasks(ctx context.Context, p Provider, cluster string) ([]Task, error) {
	pathways, err := p.Pathways(ctx, cluster)
	if err != nil {
		return nil, fmt.Errorf("load pathways for %s: %w", cluster, err)
	}
	names := make([]string, 0, len(pathways))
	for name := range pathways {
		names = append(names, name)
	}
	sort.Strings(names)

	var tasks []Task
	for _, pathway := range names {
		for _, occupation := range pathways[pathway] {
			if occupation == "" {
				continue
			}
			tasks = append(tasks, Task{Cluster: cluster, Pathway: pathway, Occupation: occupation})
		}
	}
	return tasks, nil
}

// Static is an in-memory Provider.
type Static map[string]map[string][]string

// Clusters implements Provider.
func (s Static) Clusters(context.Context) ([]string, error) {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Pathways implements Provider.
func (s Static) Pathways(_ context.Context, cluster string) (map[string][]string, error) {
	p, ok := s[cluster]
	if !ok {
		return nil, fmt.Errorf("unknown cluster %q", cluster)
	}
	return p, nil
}
