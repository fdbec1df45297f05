package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/postpipe/internal/database"
)

// ErrAuthorGone is returned for suspended, deleted or unknown accounts.
var ErrAuthorGone = errors.New("author account unavailable")

// RedditAuthorResolver reads a user's public about record.
type RedditAuthorResolver struct {
	urlPattern string
	userAgent  string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewRedditAuthorResolver creates a resolver. urlPattern takes the username via %s.
func NewRedditAuthorResolver(urlPattern, userAgent string, client *http.Client, limiter *rate.Limiter) *RedditAuthorResolver {
	return &RedditAuthorResolver{urlPattern: urlPattern, userAgent: userAgent, client: client, limiter: limiter}
}

type aboutResponse struct {
	Data struct {
		ID           string  `json:"id"`
		Name         string  `json:"name"`
		CreatedUTC   float64 `json:"created_utc"`
		CommentKarma *int    `json:"comment_karma"`
		LinkKarma    *int    `json:"link_karma"`
		Verified     *bool   `json:"verified"`
		IsSuspended  bool    `json:"is_suspended"`
	} `json:"data"`
}

// Resolve fetches the author record for username.
func (r *RedditAuthorResolver) Resolve(ctx context.Context, username string) (database.Author, error) {
	if usableAuthor(username) == "" {
		return database.Author{}, ErrAuthorGone
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return database.Author{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(r.urlPattern, url.PathEscape(username)), nil)
	if err != nil {
		return database.Author{}, err
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return database.Author{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return database.Author{}, ErrAuthorGone
	case resp.StatusCode != http.StatusOK:
		return database.Author{}, fmt.Errorf("about %s returned %d", username, resp.StatusCode)
	}

	var about aboutResponse
	if err := json.NewDecoder(resp.Body).Decode(&about); err != nil {
		return database.Author{}, fmt.Errorf("decoding about %s: %w", username, err)
	}
	d := about.Data
	if d.IsSuspended || d.ID == "" {
		return database.Author{}, ErrAuthorGone
	}

	a := database.Author{
		ID:           "t2_" + d.ID,
		Username:     d.Name,
		CommentKarma: d.CommentKarma,
		LinkKarma:    d.LinkKarma,
		IsVerified:   d.Verified,
	}
	if a.Username == "" {
		a.Username = username
	}
	if d.CreatedUTC > 0 {
		sec, _ := math.Modf(d.CreatedUTC)
		t := time.Unix(int64(sec), 0).UTC()
		a.CreatedUTC = &t
	}
	return a, nil
}
