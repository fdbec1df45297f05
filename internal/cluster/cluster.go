package cluster

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
)

const (
	DefaultDistanceThreshold = 1.2
	DefaultMinClusterSize    = 5

	maxExamples = 5
)

// Result holds the counts of one clustering run.
type Result struct {
	Pending   int
	Clustered int
	Themes    int
	Singles   int
	Skipped   int
}

// Clusterer groups embedded items into themes.
type Clusterer struct {
	db                *database.DB
	distanceThreshold float64
	minClusterSize    int
}

// NewClusterer creates a clusterer. Zero values fall back to the defaults.
func NewClusterer(db *database.DB, cfg config.Clustering) *Clusterer {
	c := &Clusterer{
		db:                db,
		distanceThreshold: cfg.DistanceThreshold,
		minClusterSize:    cfg.MinClusterSize,
	}
	if c.distanceThreshold <= 0 {
		c.distanceThreshold = DefaultDistanceThreshold
	}
	if c.minClusterSize <= 0 {
		c.minClusterSize = DefaultMinClusterSize
	}
	return c
}

// ClusterPending clusters every embedded, not yet clustered item.
func (c *Clusterer) ClusterPending(ctx context.Context) (*Result, error) {
	items, err := c.db.PendingItems(ctx, database.PendingCluster, 0)
	if err != nil {
		return nil, err
	}
	r := &Result{Pending: len(items)}
	if len(items) == 0 {
		log.Println("No embedded items to cluster")
		return r, nil
	}

	valid := usableVectors(items)
	r.Skipped = len(items) - len(valid)
	if r.Skipped > 0 {
		log.Printf("Skipping %d items with malformed vectors", r.Skipped)
	}

	if len(valid) < c.minClusterSize {
		ids := itemIDs(valid)
		if err := c.db.MarkClustered(ctx, ids); err != nil {
			return r, err
		}
		r.Clustered = len(ids)
		log.Printf("Only %d items to cluster (minimum %d), marked without themes", len(ids), c.minClusterSize)
		return r, nil
	}

	vectors := make([][]float64, len(valid))
	for i, it := range valid {
		vectors[i] = it.Vector
	}
	labels := cutDendrogram(wardLinkage(vectors), len(vectors), c.distanceThreshold)

	groups := make(map[int][]database.Item)
	var order []int
	for i, label := range labels {
		if _, ok := groups[label]; !ok {
			order = append(order, label)
		}
		groups[label] = append(groups[label], valid[i])
	}

	for _, label := range order {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		members := groups[label]
		if len(members) >= c.minClusterSize {
			if err := c.saveTheme(ctx, members); err != nil {
				return r, err
			}
			r.Themes++
			r.Clustered += len(members)
			continue
		}
		for _, it := range members {
			if err := c.saveTheme(ctx, []database.Item{it}); err != nil {
				return r, err
			}
			r.Singles++
			r.Clustered++
		}
	}

	log.Printf("Clustering complete: %d items into %d themes and %d singles, %d skipped",
		r.Clustered, r.Themes, r.Singles, r.Skipped)
	return r, nil
}

func (c *Clusterer) saveTheme(ctx context.Context, members []database.Item) error {
	_, err := c.db.SaveTheme(ctx, buildTheme(members), itemIDs(members))
	return err
}

// buildTheme summarises a group: the text is the title of its highest
// priority item, the vector is the centroid, the score the mean priority.
func buildTheme(members []database.Item) database.Theme {
	ranked := make([]database.Item, len(members))
	copy(ranked, members)
	sort.SliceStable(ranked, func(i, j int) bool {
		return priority(ranked[i]) > priority(ranked[j])
	})

	dim := len(ranked[0].Vector)
	centroid := make([]float64, dim)
	var total float64
	for _, it := range ranked {
		for k, v := range it.Vector {
			centroid[k] += v
		}
		total += float64(priority(it))
	}
	n := float64(len(ranked))
	for k := range centroid {
		centroid[k] /= n
	}

	examples := make([]int64, 0, maxExamples)
	for _, it := range ranked[:min(len(ranked), maxExamples)] {
		examples = append(examples, it.ID)
	}

	return database.Theme{
		Text:           themeText(ranked[0]),
		Vector:         centroid,
		ExampleItemIDs: examples,
		ScoreAgg:       total / n,
	}
}

func themeText(it database.Item) string {
	if t := strings.TrimSpace(it.Title); t != "" {
		return t
	}
	if it.Theme != nil {
		return *it.Theme
	}
	return "Untitled"
}

func priority(it database.Item) int {
	if it.PriorityScore == nil {
		return 0
	}
	return *it.PriorityScore
}

// usableVectors keeps items whose vector is non-empty and has the
// dimension most items share.
func usableVectors(items []database.Item) []database.Item {
	dims := make(map[int]int)
	for _, it := range items {
		if len(it.Vector) > 0 {
			dims[len(it.Vector)]++
		}
	}
	best, bestCount := 0, 0
	for d, n := range dims {
		if n > bestCount || (n == bestCount && d > best) {
			best, bestCount = d, n
		}
	}

	var out []database.Item
	for _, it := range items {
		if best > 0 && len(it.Vector) == best {
			out = append(out, it)
		}
	}
	return out
}

func itemIDs(items []database.Item) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
