package taxonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
)

// Layout of a persisted taxonomy.
const (
	ClusterNamesKey  = "cluster_names.txt"
	pathwayNamesFile = "pathway_names.txt"
	occupationsFile  = "occupation_names.txt"
	hierarchyDir     = "hierarchy_info"
)

// Hierarchy is the persisted form of one cluster.
type Hierarchy struct {
	Cluster  string              `json:"cluster"`
	Pathways map[string][]string `json:"pathways"`
}

// HierarchyKey is where the hierarchy of cluster is stored.
func HierarchyKey(cluster string) string {
	return hierarchyDir + "/" + Sanitize(cluster) + ".json"
}

// Blobs is the subset of output.Store the taxonomy is persisted through.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// StoreProvider reads a taxonomy written by Discoverer.
type StoreProvider struct {
	blobs Blobs
}

// NewStoreProvider returns a Provider over blobs.
func NewStoreProvider(blobs Blobs) *StoreProvider {
	return &StoreProvider{blobs: blobs}
}

// Clusters implements Provider using cluster_names.txt.
func (p *StoreProvider) Clusters(ctx context.Context) ([]string, error) {
	data, err := p.blobs.Get(ctx, ClusterNamesKey)
	if err != nil {
		return nil, fmt.Errorf("read cluster names: %w", err)
	}
	return splitLines(string(data)), nil
}

// Pathways implements Provider using hierarchy_info/<cluster>.json.
func (p *StoreProvider) Pathways(ctx context.Context, cluster string) (map[string][]string, error) {
	data, err := p.blobs.Get(ctx, HierarchyKey(cluster))
	if err != nil {
		return nil, fmt.Errorf("read hierarchy: %w", err)
	}
	var h Hierarchy
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode hierarchy for %s: %w", cluster, err)
	}
	if h.Pathways == nil {
		return map[string][]string{}, nil
	}
	return h.Pathways, nil
}

// Save persists one cluster: its pathway and occupation name lists plus the
// hierarchy document.
func Save(ctx context.Context, blobs Blobs, h Hierarchy) error {
	cluster := Sanitize(h.Cluster)
	names := sortedKeys(h.Pathways)
	pathwayLines := make([]string, 0, len(names))
	for _, pathway := range names {
		dir := cluster + "/" + Sanitize(pathway)
		pathwayLines = append(pathwayLines, Sanitize(pathway))
		if err := blobs.Put(ctx, dir+"/"+occupationsFile, joinLines(h.Pathways[pathway])); err != nil {
			return fmt.Errorf("write occupations for %s: %w", pathway, err)
		}
	}
	if err := blobs.Put(ctx, cluster+"/"+pathwayNamesFile, joinLines(pathwayLines)); err != nil {
		return fmt.Errorf("write pathway names for %s: %w", h.Cluster, err)
	}
	doc, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("encode hierarchy: %w", err)
	}
	if err := blobs.Put(ctx, HierarchyKey(h.Cluster), doc); err != nil {
		return fmt.Errorf("write hierarchy for %s: %w", h.Cluster, err)
	}
	return nil
}

// SaveClusterNames writes the sanitized cluster list.
func SaveClusterNames(ctx context.Context, blobs Blobs, clusters []string) error {
	lines := make([]string, 0, len(clusters))
	for _, c := range clusters {
		lines = append(lines, Sanitize(c))
	}
	if err := blobs.Put(ctx, ClusterNamesKey, joinLines(lines)); err != nil {
		return fmt.Errorf("write cluster names: %w", err)
	}
	return nil
}

var _ Blobs = output.Store(nil)

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
