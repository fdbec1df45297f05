package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
)

// ListingSource reads the JSON "new" listing of each community.
type ListingSource struct {
	communities []string
	urlPattern  string
	userAgent   string
	limit       int
	client      *http.Client
	limiter     *rate.Limiter
}

// NewListingSource creates a listing source from config.
func NewListingSource(cfg config.Sources, client *http.Client, limiter *rate.Limiter) *ListingSource {
	return &ListingSource{
		communities: cfg.Communities,
		urlPattern:  cfg.ListingURL,
		userAgent:   cfg.UserAgent,
		limit:       cfg.MaxPerFeed,
		client:      client,
		limiter:     limiter,
	}
}

type listing struct {
	Data struct {
		Children []struct {
			Data listingPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type listingPost struct {
	Name          string  `json:"name"`
	Subreddit     string  `json:"subreddit"`
	Title         string  `json:"title"`
	Selftext      string  `json:"selftext"`
	URL           string  `json:"url"`
	Permalink     string  `json:"permalink"`
	IsSelf        bool    `json:"is_self"`
	Score         int     `json:"score"`
	NumComments   int     `json:"num_comments"`
	CreatedUTC    float64 `json:"created_utc"`
	Author        string  `json:"author"`
	LinkFlairText string  `json:"link_flair_text"`
}

// Candidates fetches one page per community, in configured order.
func (s *ListingSource) Candidates(ctx context.Context) iter.Seq2[database.Candidate, error] {
	return func(yield func(database.Candidate, error) bool) {
		for _, community := range s.communities {
			posts, err := s.fetch(ctx, community)
			if err != nil {
				yield(database.Candidate{}, fmt.Errorf("r/%s: %w", community, err))
				return
			}
			for _, p := range posts {
				if !yield(p.candidate(community), nil) {
					return
				}
			}
		}
	}
}

func (s *ListingSource) fetch(ctx context.Context, community string) ([]listingPost, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf(s.urlPattern, community)
	if s.limit > 0 {
		u += fmt.Sprintf("?limit=%d", min(s.limit, 100))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("listing returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var l listing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}
	posts := make([]listingPost, 0, len(l.Data.Children))
	for _, c := range l.Data.Children {
		posts = append(posts, c.Data)
	}
	return posts, nil
}

func (p listingPost) candidate(community string) database.Candidate {
	if p.Subreddit != "" {
		community = p.Subreddit
	}
	link := p.URL
	if p.IsSelf || link == "" {
		link = "https://www.reddit.com" + p.Permalink
	}
	var created time.Time
	if p.CreatedUTC > 0 {
		sec, frac := math.Modf(p.CreatedUTC)
		created = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return database.Candidate{
		SourceID:        p.Name,
		Community:       community,
		Title:           strings.TrimSpace(p.Title),
		Body:            strings.TrimSpace(p.Selftext),
		URL:             link,
		LinkFlair:       p.LinkFlairText,
		EngagementScore: p.Score,
		NumComments:     p.NumComments,
		CreatedUTC:      created,
		AuthorName:      usableAuthor(p.Author),
	}
}

// usableAuthor drops placeholder names of deleted or removed accounts.
func usableAuthor(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/u/")
	switch name {
	case "", "[deleted]", "[removed]":
		return ""
	}
	return name
}
