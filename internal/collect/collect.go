package collect

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
)

// Source yields candidates lazily. A yielded error means the source itself
// failed and the ingest stage must fail with it.
type Source interface {
	Candidates(ctx context.Context) iter.Seq2[database.Candidate, error]
}

// AuthorResolver looks up the source's record of a username.
type AuthorResolver interface {
	Resolve(ctx context.Context, username string) (database.Author, error)
}

// Extractor returns readable text for an item's attached URL.
type Extractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Result holds the counts of one ingest run.
type Result struct {
	Found         int
	Created       int
	Updated       int
	Skipped       int
	AuthorsLinked int
	Pruned        int
	Communities   map[string]int
}

// Options tunes the post-ingest housekeeping.
type Options struct {
	Retention     config.Retention
	BackfillLimit int
}

// Collector ingests candidates into the registry.
type Collector struct {
	db        *database.DB
	source    Source
	authors   AuthorResolver
	extractor Extractor
	opts      Options
}

// New creates a collector. authors and extractor may be nil.
func New(db *database.DB, source Source, authors AuthorResolver, extractor Extractor, opts Options) *Collector {
	return &Collector{db: db, source: source, authors: authors, extractor: extractor, opts: opts}
}

// NewFromConfig wires the configured source, author lookup and extractor.
func NewFromConfig(cfg *config.Config, db *database.DB) *Collector {
	client := &http.Client{Timeout: 30 * time.Second}
	limiter := newLimiter(cfg.Sources.RequestsPerM)

	var src Source
	switch cfg.Sources.Kind {
	case "feed":
		src = NewFeedSource(cfg.Sources, client, limiter)
	default:
		src = NewListingSource(cfg.Sources, client, limiter)
	}

	var authors AuthorResolver
	if cfg.Authors.Enabled {
		authors = NewRedditAuthorResolver(cfg.Authors.AboutURL, cfg.Sources.UserAgent, client, newLimiter(cfg.Authors.RequestsPM))
	}

	var extractor Extractor
	if cfg.Extraction.Enabled {
		extractor = NewReadabilityExtractor(cfg.Sources.UserAgent, cfg.Extraction.Timeout)
	}

	return New(db, src, authors, extractor, Options{
		Retention:     cfg.Retention,
		BackfillLimit: cfg.Authors.Backfill,
	})
}

// Collect drains the source into the registry, then backfills missing
// author references and prunes expired items.
func (c *Collector) Collect(ctx context.Context) (*Result, error) {
	r := &Result{Communities: make(map[string]int)}
	resolved := make(map[string]*string)

	for cand, err := range c.source.Candidates(ctx) {
		if err != nil {
			return r, fmt.Errorf("source: %w", err)
		}
		r.Found++

		if cand.Title == "" {
			log.Printf("Skipping candidate %q: empty title", cand.SourceID)
			r.Skipped++
			continue
		}

		if cand.AuthorID == nil && cand.AuthorName != "" && c.authors != nil {
			id, seen := resolved[cand.AuthorName]
			if !seen {
				id = c.resolveAuthor(ctx, cand.AuthorName)
				resolved[cand.AuthorName] = id
			}
			cand.AuthorID = id
		}

		if c.extractor != nil && cand.ImgText == "" && NeedsExtraction(cand.URL) {
			text, err := c.extractor.Extract(ctx, cand.URL)
			if err != nil {
				log.Printf("No extractable text for %s: %v", cand.URL, err)
			} else {
				cand.ImgText = text
			}
		}

		res, err := c.db.UpsertItem(ctx, cand)
		if errors.Is(err, database.ErrNoDedupKey) {
			log.Printf("Skipping candidate %q: no dedup key", cand.Title)
			r.Skipped++
			continue
		}
		if err != nil {
			return r, err
		}
		if res.Outcome == database.Created {
			r.Created++
			r.Communities[cand.Community]++
		} else {
			r.Updated++
		}
	}

	if ctx.Err() != nil {
		return r, ctx.Err()
	}

	r.AuthorsLinked = c.BackfillAuthors(ctx)

	if c.opts.Retention.Days > 0 {
		cutoff := c.db.Now().AddDate(0, 0, -c.opts.Retention.Days)
		n, err := c.db.PruneItems(ctx, cutoff, c.opts.Retention.ProtectedStatuses)
		if err != nil {
			log.Printf("Retention prune failed: %v", err)
		} else {
			r.Pruned = int(n)
		}
	}

	log.Printf("Ingest complete: %d found, %d new, %d updated, %d skipped, %d authors linked, %d pruned",
		r.Found, r.Created, r.Updated, r.Skipped, r.AuthorsLinked, r.Pruned)
	return r, nil
}

// BackfillAuthors retries author lookups for items stored without an author
// reference. It is best effort and returns the number of items linked.
func (c *Collector) BackfillAuthors(ctx context.Context) int {
	if c.authors == nil {
		return 0
	}
	names, err := c.db.AuthorsMissing(ctx, c.opts.BackfillLimit)
	if err != nil {
		log.Printf("Author backfill query failed: %v", err)
		return 0
	}

	linked := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		id := c.resolveAuthor(ctx, name)
		if id == nil {
			continue
		}
		n, err := c.db.LinkAuthor(ctx, name, *id)
		if err != nil {
			log.Printf("Linking author %s failed: %v", name, err)
			continue
		}
		linked += int(n)
	}
	return linked
}

// resolveAuthor returns nil when the author cannot be resolved right now.
func (c *Collector) resolveAuthor(ctx context.Context, username string) *string {
	a, err := c.authors.Resolve(ctx, username)
	if err != nil {
		log.Printf("Author lookup for %s deferred: %v", username, err)
		return nil
	}
	if err := c.db.UpsertAuthor(ctx, a); err != nil {
		log.Printf("Storing author %s failed: %v", username, err)
		return nil
	}
	return &a.ID
}

// newLimiter builds a limiter allowing perMinute requests; 0 disables limiting.
func newLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perMinute/60), 1)
}
