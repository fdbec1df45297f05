package embed

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/TobiSchelling/postpipe/internal/database"
	"github.com/TobiSchelling/postpipe/internal/llm"
)

// DefaultBatchSize is how many texts go to the embedder per request.
const DefaultBatchSize = 32

const maxTextChars = 8000

// Result holds the counts of one embedding run.
type Result struct {
	Pending  int
	Embedded int
	Skipped  int
}

// Embedder computes vectors for scored items.
type Embedder struct {
	db        *database.DB
	embedder  llm.Embedder
	batchSize int
}

// New creates an embedding stage.
func New(db *database.DB, embedder llm.Embedder, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{db: db, embedder: embedder, batchSize: batchSize}
}

// EmbedPending embeds every scored item that has no vector yet. Items with
// no text, or for which the embedder returns an empty vector, are skipped.
// An embedder error or a reply with the wrong number of vectors fails the run.
func (e *Embedder) EmbedPending(ctx context.Context) (*Result, error) {
	if e.embedder == nil {
		return &Result{}, fmt.Errorf("no embedder configured: %w", llm.ErrUnavailable)
	}
	items, err := e.db.PendingItems(ctx, database.PendingEmbed, 0)
	if err != nil {
		return &Result{}, fmt.Errorf("loading pending items: %w", err)
	}
	r := &Result{Pending: len(items)}
	if len(items) == 0 {
		log.Println("No items pending embedding")
		return r, nil
	}

	var batch []database.Item
	var texts []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vecs, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch))
		}
		for i, it := range batch {
			if len(vecs[i]) == 0 {
				log.Printf("Skipping item %d: empty vector", it.ID)
				r.Skipped++
				continue
			}
			if err := e.db.SaveVector(ctx, it.ID, vecs[i]); err != nil {
				return err
			}
			r.Embedded++
		}
		batch, texts = batch[:0], texts[:0]
		return nil
	}

	for _, it := range items {
		text := strings.TrimSpace(it.Text())
		if text == "" {
			log.Printf("Skipping item %d: no text to embed", it.ID)
			r.Skipped++
			continue
		}
		text = llm.Truncate(text, maxTextChars)
		batch = append(batch, it)
		texts = append(texts, text)
		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return r, err
			}
		}
	}
	if err := flush(); err != nil {
		return r, err
	}

	log.Printf("Embedding complete: %d embedded, %d skipped", r.Embedded, r.Skipped)
	return r, nil
}
