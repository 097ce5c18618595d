// Package enrich fetches display metadata for shared URLs: page title,
// description, preview image. Enrichment is best-effort by contract; callers
// fall back to the bare URL when it fails and never block an import on it.
package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Metadata is what could be learned about a URL. Any field may be empty.
type Metadata struct {
	Title       string
	Description string
	ImageURL    string
	Publisher   string
}

// Fetcher resolves metadata for one URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Metadata, error)
}

const maxHTMLBytes = 1 << 20 // read at most 1 MiB of the page

type HTTPFetcherOptions struct {
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPFetcher fetches the page and extracts the title plus the usual
// meta/OpenGraph tags.
type HTTPFetcher struct {
	httpClient *http.Client
	userAgent  string
}

func NewHTTPFetcher(opts HTTPFetcherOptions) *HTTPFetcher {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "keepsake/1.0"
	}
	return &HTTPFetcher{httpClient: httpClient, userAgent: userAgent}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Metadata{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Metadata{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxHTMLBytes))
	if err != nil {
		return Metadata{}, err
	}
	return extractMetadata(doc), nil
}

func extractMetadata(doc *html.Node) Metadata {
	var meta Metadata
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if meta.Title == "" {
					meta.Title = strings.TrimSpace(textContent(n))
				}
			case "meta":
				applyMetaTag(&meta, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return meta
}

func applyMetaTag(meta *Metadata, n *html.Node) {
	var name, property, content string
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "name":
			name = strings.ToLower(attr.Val)
		case "property":
			property = strings.ToLower(attr.Val)
		case "content":
			content = strings.TrimSpace(attr.Val)
		}
	}
	if content == "" {
		return
	}
	switch {
	case property == "og:title":
		// OpenGraph beats the <title> element when both are present.
		meta.Title = content
	case property == "og:description" || name == "description":
		if meta.Description == "" || property == "og:description" {
			meta.Description = content
		}
	case property == "og:image":
		meta.ImageURL = content
	case property == "og:site_name":
		meta.Publisher = content
	}
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}
