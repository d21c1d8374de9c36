package chc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	"golang.org/x/net/html"
)

// maxListingBytes bounds the directory index page.
const maxListingBytes = 4 << 20

// Lister scrapes an Apache-style directory index and returns the file names
// it links to.
type Lister struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLister creates a directory listing client.
func NewLister(timeout time.Duration, logger *slog.Logger) *Lister {
	return &Lister{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// List returns the base names of every link on the index page at dirURL,
// in document order and without duplicates.
func (l *Lister) List(ctx context.Context, dirURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dirURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, &domain.DownloadFailedError{URL: dirURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.DownloadFailedError{URL: dirURL, Status: resp.StatusCode}
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	names := linkNames(doc)
	l.logger.Debug("listing scraped", "url", dirURL, "links", len(names))
	return names, nil
}

func linkNames(doc *html.Node) []string {
	var names []string
	seen := make(map[string]bool)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if name := hrefName(n); name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return names
}

// hrefName extracts the last path segment of an anchor's href. Directory
// links and sort links ("?C=N;O=D") yield "".
func hrefName(n *html.Node) string {
	for _, a := range n.Attr {
		if a.Key != "href" {
			continue
		}
		u, err := url.Parse(a.Val)
		if err != nil || u.Path == "" || u.Path[len(u.Path)-1] == '/' {
			return ""
		}
		return path.Base(u.Path)
	}
	return ""
}
