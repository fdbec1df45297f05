package score

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
	"github.com/TobiSchelling/postpipe/internal/llm"
)

const scorePrompt = `You are screening posts from online advice communities for a team that writes helpful replies.

Rate how much this post would benefit from a thoughtful, expert reply.

Community: r/%s
Flair: %s
Title: %s
Post:
%s

Respond with ONLY this JSON:
{
    "priority": 1-10,
    "theme": "two to four word topic",
    "rationale": "One sentence explaining the priority",
    "tags": ["tag1", "tag2"],
    "author_gender": "male" | "female" | "unknown"
}

priority: 10 = urgent, specific and answerable; 1 = spam, venting with no question, or off-topic.`

const maxPromptChars = 4000

// ErrNoProvider is returned when scoring is attempted without an LLM.
var ErrNoProvider = fmt.Errorf("no llm provider for scoring: %w", llm.ErrUnavailable)

// Result holds the counts of one scoring run.
type Result struct {
	Pending     int
	Scored      int
	Malformed   int
	Unavailable int
	Rejected    int
}

// Skipped is the number of items left unscored this run.
func (r *Result) Skipped() int {
	return r.Malformed + r.Unavailable + r.Rejected
}

// Scorer rates pending items with a heuristic and an LLM judgement.
type Scorer struct {
	db       *database.DB
	provider llm.Provider
	cfg      config.Scoring
	tokens   int
}

// NewScorer creates a scorer. provider may be nil, in which case Score fails.
func NewScorer(db *database.DB, provider llm.Provider, cfg config.Scoring, maxTokens int) *Scorer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Scorer{db: db, provider: provider, cfg: cfg, tokens: maxTokens}
}

// Score rates every item not yet scored. An item whose reply is garbled is
// skipped and stays unscored. A rejected request fails the run at once;
// losing the provider for failure_budget items in a row, or for every item
// attempted, fails it too.
func (s *Scorer) Score(ctx context.Context) (*Result, error) {
	if s.provider == nil {
		return &Result{}, ErrNoProvider
	}

	items, err := s.db.PendingItems(ctx, database.PendingScore, s.cfg.BatchLimit)
	if err != nil {
		return &Result{}, fmt.Errorf("loading pending items: %w", err)
	}
	r := &Result{Pending: len(items)}
	if len(items) == 0 {
		log.Println("No items pending scoring")
		return r, nil
	}

	budget := s.cfg.FailureBudget
	if budget <= 0 {
		budget = 5
	}
	streak := 0
	now := s.db.Now()

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return r, err
		}

		sc, err := s.scoreItem(ctx, it, now)
		switch {
		case err == nil:
		case errors.Is(err, llm.ErrMalformed):
			r.Malformed++
			streak = 0
			log.Printf("Skipping item %d: %v", it.ID, err)
			continue
		case errors.Is(err, llm.ErrRejected):
			r.Rejected++
			return r, fmt.Errorf("provider rejected scoring request: %w", err)
		default:
			r.Unavailable++
			streak++
			log.Printf("Scoring item %d: provider unavailable: %v", it.ID, err)
			if streak >= budget {
				return r, fmt.Errorf("provider unavailable for %d consecutive items: %w", streak, err)
			}
			continue
		}
		streak = 0

		if err := s.db.SaveScore(ctx, it.ID, sc); err != nil {
			return r, err
		}
		r.Scored++
		log.Printf("Scored [%d] %s", sc.PriorityScore, it.Title)
	}

	if r.Unavailable == len(items) {
		return r, fmt.Errorf("no item could be scored: %w", llm.ErrUnavailable)
	}

	log.Printf("Scoring complete: %d scored, %d malformed, %d unavailable",
		r.Scored, r.Malformed, r.Unavailable)
	return r, nil
}

func (s *Scorer) scoreItem(ctx context.Context, it database.Item, now time.Time) (database.ItemScore, error) {
	body := it.Body
	if it.ImgText != nil && *it.ImgText != "" {
		body = strings.TrimSpace(body + "\n\n" + *it.ImgText)
	}
	if body == "" {
		body = "(no text)"
	}
	if len(body) > maxPromptChars {
		body = llm.Truncate(body, maxPromptChars) + "..."
	}
	flair := "none"
	if it.LinkFlair != nil && *it.LinkFlair != "" {
		flair = *it.LinkFlair
	}

	reply, err := s.provider.Generate(ctx, fmt.Sprintf(scorePrompt, it.Community, flair, it.Title, body), s.tokens)
	if err != nil {
		return database.ItemScore{}, err
	}
	parsed, err := llm.ParseJSONResponse(reply)
	if err != nil {
		return database.ItemScore{}, err
	}

	priority, ok := llm.Int(parsed, "priority")
	if !ok {
		return database.ItemScore{}, fmt.Errorf("%w: missing priority", llm.ErrMalformed)
	}
	priority = min(max(priority, 1), 10)

	tags := llm.Strings(parsed, "tags")
	if len(tags) > 5 {
		tags = tags[:5]
	}

	return database.ItemScore{
		HeuristicScore: Heuristic(it, s.cfg, now),
		PriorityScore:  priority,
		Theme:          llm.String(parsed, "theme"),
		Rationale:      llm.String(parsed, "rationale"),
		Tags:           tags,
		AuthorGender:   normalizeGender(llm.String(parsed, "author_gender")),
	}, nil
}

// Heuristic is engagement per day of age, plus a keyword bonus of 2 and a
// flair bonus of 1.
func Heuristic(it database.Item, cfg config.Scoring, now time.Time) float64 {
	created := it.CreatedUTC
	if created.IsZero() {
		created = it.IngestedAt
	}
	ageDays := math.Max(1, now.Sub(created).Hours()/24)
	score := float64(it.EngagementScore+it.NumComments) / ageDays

	text := strings.ToLower(it.Title + " " + it.Body)
	for _, kw := range cfg.Keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			score += 2
			break
		}
	}
	if it.LinkFlair != nil {
		flair := strings.ToLower(*it.LinkFlair)
		for _, f := range cfg.Flairs {
			if f != "" && strings.Contains(flair, strings.ToLower(f)) {
				score += 1
				break
			}
		}
	}
	return math.Round(score*100) / 100
}

func normalizeGender(g string) string {
	switch g = strings.ToLower(g); g {
	case "male", "female":
		return g
	case "m", "man":
		return "male"
	case "f", "woman":
		return "female"
	}
	return "unknown"
}
