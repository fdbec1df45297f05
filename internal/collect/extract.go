package collect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// ErrNoText is returned when a page yields no readable text.
var ErrNoText = errors.New("no extractable text")

const maxExtractBytes = 4 << 20

var skipHosts = []string{"reddit.com", "redd.it", "imgur.com", "youtube.com", "youtu.be"}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}

// NeedsExtraction reports whether rawURL points at an external article whose
// text is worth pulling in. Image and media hosts are left alone.
func NeedsExtraction(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, h := range skipHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return false
		}
	}
	return !imageExts[strings.ToLower(path.Ext(u.Path))]
}

// ReadabilityExtractor fetches a page and extracts its main text.
type ReadabilityExtractor struct {
	userAgent string
	client    *http.Client
}

// NewReadabilityExtractor creates an extractor with the given per-page timeout.
func NewReadabilityExtractor(userAgent string, timeout time.Duration) *ReadabilityExtractor {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ReadabilityExtractor{
		userAgent: userAgent,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Extract returns the readable text of the page at pageURL.
func (e *ReadabilityExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetching %s: %s", pageURL, http.StatusText(resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", fmt.Errorf("%w: content type %s", ErrNoText, ct)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxExtractBytes), parsed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoText, err)
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) < 100 {
		return "", ErrNoText
	}
	return text, nil
}
