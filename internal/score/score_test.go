package score

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
	"github.com/TobiSchelling/postpipe/internal/llm"
)

// scriptedProvider implements llm.Provider, answering by title.
type scriptedProvider struct {
	replies map[string]string
	errs    map[string]error
	calls   int
}

func (m *scriptedProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.calls++
	for title, err := range m.errs {
		if strings.Contains(prompt, "Title: "+title+"\n") {
			return "", err
		}
	}
	for title, reply := range m.replies {
		if strings.Contains(prompt, "Title: "+title+"\n") {
			return reply, nil
		}
	}
	return `{"priority": 5, "theme": "default"}`, nil
}

func (m *scriptedProvider) IsConfigured() bool { return true }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addItem(t *testing.T, db *database.DB, id, title string) int64 {
	t.Helper()
	res, err := db.UpsertItem(context.Background(), database.Candidate{
		SourceID: id, Community: "texting", Title: title, Body: "what should I reply?",
		EngagementScore: 10, NumComments: 2, CreatedUTC: time.Now().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return res.ItemID
}

var testCfg = config.Scoring{Keywords: []string{"texting"}, Flairs: []string{"advice"}, FailureBudget: 3}

func TestScoreWritesResults(t *testing.T) {
	db := openTestDB(t)
	id := addItem(t, db, "t3_a", "She left me on read")

	p := &scriptedProvider{replies: map[string]string{
		"She left me on read": "```json\n" + `{"priority": 14, "theme": "Left on read", "rationale": "Clear question", "tags": ["texting", "anxiety"], "author_gender": "M"}` + "\n```",
	}}
	r, err := NewScorer(db, p, testCfg, 0).Score(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Scored != 1 || r.Skipped() != 0 {
		t.Errorf("unexpected result %+v", r)
	}

	it, _ := db.GetItem(context.Background(), id)
	if !it.Scored {
		t.Fatal("expected item marked scored")
	}
	if it.PriorityScore == nil || *it.PriorityScore != 10 {
		t.Errorf("expected priority clamped to 10, got %v", it.PriorityScore)
	}
	if it.AuthorGender == nil || *it.AuthorGender != "male" {
		t.Errorf("expected gender 'male', got %v", it.AuthorGender)
	}
	if len(it.Tags) != 2 {
		t.Errorf("expected 2 tags, got %v", it.Tags)
	}
}

func TestScoreSkipsMalformedItem(t *testing.T) {
	db := openTestDB(t)
	bad := addItem(t, db, "t3_bad", "Garbled")
	good := addItem(t, db, "t3_good", "Fine")

	p := &scriptedProvider{replies: map[string]string{
		"Garbled": "I think this post is about dating.",
		"Fine":    `{"priority": 6}`,
	}}
	r, err := NewScorer(db, p, testCfg, 0).Score(context.Background())
	if err != nil {
		t.Fatalf("malformed item must not fail the stage: %v", err)
	}
	if r.Scored != 1 || r.Malformed != 1 {
		t.Errorf("unexpected result %+v", r)
	}

	ctx := context.Background()
	if it, _ := db.GetItem(ctx, bad); it.Scored {
		t.Error("garbled item must stay unscored")
	}
	if it, _ := db.GetItem(ctx, good); !it.Scored {
		t.Error("good item should be scored")
	}
	embed, _ := db.PendingItems(ctx, database.PendingEmbed, 0)
	if len(embed) != 1 || embed[0].ID != good {
		t.Errorf("only the good item should reach embedding, got %d items", len(embed))
	}
}

func TestScoreWithoutProviderFails(t *testing.T) {
	db := openTestDB(t)
	addItem(t, db, "t3_a", "A")
	_, err := NewScorer(db, nil, testCfg, 0).Score(context.Background())
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestScoreProviderDownFailsStage(t *testing.T) {
	db := openTestDB(t)
	addItem(t, db, "t3_a", "A")
	addItem(t, db, "t3_b", "B")

	down := fmt.Errorf("dial tcp: %w", llm.ErrUnavailable)
	p := &scriptedProvider{errs: map[string]error{"A": down, "B": down}}
	r, err := NewScorer(db, p, testCfg, 0).Score(context.Background())
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if r.Unavailable != 2 {
		t.Errorf("expected 2 unavailable, got %d", r.Unavailable)
	}
}

func TestScoreRejectedModelFailsStage(t *testing.T) {
	db := openTestDB(t)
	for i := range 5 {
		addItem(t, db, fmt.Sprintf("t3_%d", i), fmt.Sprintf("Post %d", i))
	}
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":"model \"missing\" not found, try pulling it first"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	r, err := NewScorer(db, llm.NewOllamaProvider("missing", srv.URL), testCfg, 0).Score(context.Background())
	if !errors.Is(err, llm.ErrRejected) {
		t.Fatalf("expected stage failure wrapping ErrRejected, got %v", err)
	}
	if r.Malformed != 0 || r.Scored != 0 {
		t.Errorf("rejected requests must not count as malformed: %+v", r)
	}
	if calls != 1 {
		t.Errorf("expected to stop after the first rejection, got %d calls", calls)
	}
	pending, _ := db.CountPending(context.Background(), database.PendingScore)
	if pending != 5 {
		t.Errorf("expected all 5 items still pending, got %d", pending)
	}
}

func TestScoreFailureBudget(t *testing.T) {
	db := openTestDB(t)
	for i := range 5 {
		addItem(t, db, fmt.Sprintf("t3_%d", i), fmt.Sprintf("Post %d", i))
	}
	down := fmt.Errorf("timeout: %w", llm.ErrUnavailable)
	p := &scriptedProvider{errs: map[string]error{"Post 1": down, "Post 2": down, "Post 3": down}}

	r, err := NewScorer(db, p, testCfg, 0).Score(context.Background())
	if err == nil {
		t.Fatal("expected failure after three consecutive unavailable items")
	}
	if p.calls != 4 || r.Scored != 1 {
		t.Errorf("expected to stop at the fourth item: calls=%d scored=%d", p.calls, r.Scored)
	}
}

type promptRecorder struct{ prompts []string }

func (p *promptRecorder) Generate(_ context.Context, prompt string, _ int) (string, error) {
	p.prompts = append(p.prompts, prompt)
	return `{"priority": 3}`, nil
}

func (p *promptRecorder) IsConfigured() bool { return true }

func TestScoreLongBodyStaysValidUTF8(t *testing.T) {
	db := openTestDB(t)
	_, err := db.UpsertItem(context.Background(), database.Candidate{
		SourceID: "t3_long", Community: "texting", Title: "Long one",
		Body: strings.Repeat("a", maxPromptChars-1) + strings.Repeat("ü", 10),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	p := &promptRecorder{}
	if _, err := NewScorer(db, p, testCfg, 0).Score(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(p.prompts))
	}
	if !utf8.ValidString(p.prompts[0]) {
		t.Error("prompt contains a split UTF-8 sequence")
	}
	if !strings.Contains(p.prompts[0], strings.Repeat("a", maxPromptChars-1)+"...") {
		t.Error("expected body cut before the first multibyte rune")
	}
}

func TestHeuristic(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	flair := "Advice needed"
	it := database.Item{
		Title:           "Texting after the first date",
		EngagementScore: 30,
		NumComments:     10,
		CreatedUTC:      now.Add(-4 * 24 * time.Hour),
		LinkFlair:       &flair,
	}
	// (30+10)/4 + 2 keyword + 1 flair
	if got := Heuristic(it, testCfg, now); got != 13 {
		t.Errorf("expected 13, got %v", got)
	}

	// Fresh posts divide by one day at least.
	it.CreatedUTC = now.Add(-time.Hour)
	it.LinkFlair = nil
	it.Title = "Hello"
	if got := Heuristic(it, testCfg, now); got != 40 {
		t.Errorf("expected 40, got %v", got)
	}
}
