package collect

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
)

// FeedSource reads each community's RSS/Atom feed. Feeds carry no
// engagement counts, so candidates from it score on keywords and age only.
type FeedSource struct {
	communities []string
	urlPattern  string
	maxPerFeed  int
	parser      *gofeed.Parser
	limiter     *rate.Limiter
}

// NewFeedSource creates a feed source from config.
func NewFeedSource(cfg config.Sources, client *http.Client, limiter *rate.Limiter) *FeedSource {
	parser := gofeed.NewParser()
	parser.UserAgent = cfg.UserAgent
	parser.Client = client
	return &FeedSource{
		communities: cfg.Communities,
		urlPattern:  cfg.FeedURL,
		maxPerFeed:  cfg.MaxPerFeed,
		parser:      parser,
		limiter:     limiter,
	}
}

// Candidates parses the feeds one community at a time.
func (s *FeedSource) Candidates(ctx context.Context) iter.Seq2[database.Candidate, error] {
	return func(yield func(database.Candidate, error) bool) {
		for _, community := range s.communities {
			if err := s.limiter.Wait(ctx); err != nil {
				yield(database.Candidate{}, err)
				return
			}
			feed, err := s.parser.ParseURLWithContext(fmt.Sprintf(s.urlPattern, community), ctx)
			if err != nil {
				yield(database.Candidate{}, fmt.Errorf("r/%s feed: %w", community, err))
				return
			}
			for i, item := range feed.Items {
				if s.maxPerFeed > 0 && i >= s.maxPerFeed {
					break
				}
				if !yield(parseItem(item, community), nil) {
					return
				}
			}
		}
	}
}

func parseItem(item *gofeed.Item, community string) database.Candidate {
	sourceID := item.GUID
	if sourceID == "" {
		sourceID = item.Link
	}

	var created time.Time
	if item.PublishedParsed != nil {
		created = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		created = item.UpdatedParsed.UTC()
	}

	var author string
	if item.Author != nil {
		author = item.Author.Name
	} else if len(item.Authors) > 0 {
		author = item.Authors[0].Name
	}

	html := item.Content
	if html == "" {
		html = item.Description
	}
	body, link := parseContent(html)
	if link == "" {
		link = item.Link
	}

	return database.Candidate{
		SourceID:   sourceID,
		Community:  community,
		Title:      strings.TrimSpace(item.Title),
		Body:       body,
		URL:        link,
		CreatedUTC: created,
		AuthorName: usableAuthor(author),
	}
}

// parseContent splits a feed entry's HTML into the post text and, for link
// posts, the external URL behind the "[link]" anchor.
func parseContent(html string) (text, link string) {
	if strings.TrimSpace(html) == "" {
		return "", ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}

	doc.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if strings.TrimSpace(a.Text()) == "[link]" {
			href, _ := a.Attr("href")
			if !isRedditPermalink(href) {
				link = href
			}
			return false
		}
		return true
	})

	sel := doc.Find("div.md")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	return strings.Join(strings.Fields(sel.Text()), " "), link
}

func isRedditPermalink(href string) bool {
	return strings.Contains(href, "reddit.com/r/") && strings.Contains(href, "/comments/")
}
