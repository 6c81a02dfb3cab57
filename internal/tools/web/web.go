// Package web searches the web through DuckDuckGo's HTML endpoint and reads
// pages as plain text for the model.
package web

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/doyensec/safeurl"
	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/util"
	"github.com/orca-platform/orca-server/internal/version"
)

const (
	DefaultSearchURL     = "https://html.duckduckgo.com/html/"
	DefaultBrowseTimeout = 10 * time.Second
	DefaultMaxChars      = 4000
	DefaultMaxResults    = 5

	truncatedMarker = "... [truncated]"
	maxPageBytes    = 5 << 20
	searchTimeout   = 15 * time.Second
)

// nonContent is removed before a page is reduced to text.
const nonContent = "script, style, nav, footer, header, aside, iframe, noscript, svg"

type Options struct {
	SearchURL string
	UserAgent string
	// SearchClient fetches DuckDuckGo result pages.
	SearchClient *http.Client
	// BrowseClient fetches arbitrary user supplied URLs. It defaults to an
	// SSRF guarded client that only reaches public http(s) hosts.
	BrowseClient  *http.Client
	BrowseTimeout time.Duration
	MaxChars      int
}

type Client struct {
	searchURL    string
	userAgent    string
	searchClient *http.Client
	browseClient *http.Client
	maxChars     int
}

func NewClient(opts Options) *Client {
	c := &Client{
		searchURL:    opts.SearchURL,
		userAgent:    opts.UserAgent,
		searchClient: opts.SearchClient,
		browseClient: opts.BrowseClient,
		maxChars:     opts.MaxChars,
	}
	if c.searchURL == "" {
		c.searchURL = DefaultSearchURL
	}
	if c.userAgent == "" {
		c.userAgent = version.UserAgent()
	}
	if c.searchClient == nil {
		c.searchClient = &http.Client{Timeout: searchTimeout}
	}
	if c.browseClient == nil {
		timeout := opts.BrowseTimeout
		if timeout <= 0 {
			timeout = DefaultBrowseTimeout
		}
		c.browseClient = NewSafeClient(timeout)
	}
	if c.maxChars <= 0 {
		c.maxChars = DefaultMaxChars
	}
	return c
}

// NewSafeClient returns an HTTP client that refuses private, loopback,
// link-local and metadata addresses, including after DNS resolution.
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

// SearchHit is one web search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Page is the readable text of a fetched page.
type Page struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type SearchResult struct {
	Success bool        `json:"success"`
	Results []SearchHit `json:"results,omitzero"`
	Error   string      `json:"error,omitempty"`
}

type BrowseResult struct {
	Success bool   `json:"success"`
	Page    *Page  `json:"page,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Search queries DuckDuckGo and returns at most maxResults hits.
func (c *Client) Search(ctx context.Context, query string, maxResults int) SearchResult {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	log := logging.FromContext(ctx)

	target := c.searchURL + "?" + url.Values{"q": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		log.Error().Err(err).Msg("build search request")
		return SearchResult{Error: "Failed to search the web"}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.searchClient.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("web search failed")
		return SearchResult{Error: "Failed to search the web"}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SearchResult{Error: fmt.Sprintf("DuckDuckGo error: %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		log.Error().Err(err).Msg("parse search results")
		return SearchResult{Error: "Failed to search the web"}
	}
	return SearchResult{Success: true, Results: parseResults(doc, maxResults)}
}

func parseResults(doc *goquery.Document, limit int) []SearchHit {
	hits := []SearchHit{}
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(hits) >= limit {
			return false
		}
		link := s.Find(".result__a")
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		snippet := strings.TrimSpace(s.Find(".result__snippet").Text())

		if href = unwrapRedirect(href); title != "" && href != "" {
			hits = append(hits, SearchHit{Title: title, URL: href, Snippet: snippet})
		}
		return true
	})
	return hits
}

// unwrapRedirect extracts the destination from DuckDuckGo's /l/?uddg=
// redirect links. Other links are returned unchanged.
func unwrapRedirect(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}
	base, _ := url.Parse("https://duckduckgo.com")
	u, err := base.Parse(href)
	if err != nil {
		return href
	}
	dest := u.Query().Get("uddg")
	if dest == "" {
		return href
	}
	if unescaped, err := url.PathUnescape(dest); err == nil {
		return unescaped
	}
	return dest
}

// Browse fetches rawURL and reduces it to its readable text. Navigation
// chrome is dropped and article or main content is preferred over the body.
func (c *Client) Browse(ctx context.Context, rawURL string) BrowseResult {
	log := logging.FromContext(ctx)

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return BrowseResult{Error: "Invalid URL: " + rawURL}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return BrowseResult{Error: "Invalid URL: " + rawURL}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.browseClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("browse failed")
		return BrowseResult{Error: "Failed to browse URL: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BrowseResult{Error: fmt.Sprintf("Failed to fetch URL: %d", resp.StatusCode)}
	}

	contentType := resp.Header.Get("Content-Type")
	if !readable(contentType) {
		return BrowseResult{Error: "Unsupported content type: " + contentType}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("parse page")
		return BrowseResult{Error: "Failed to browse URL"}
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = rawURL
	}

	doc.Find(nonContent).Remove()
	content := doc.Find("article")
	if content.Length() == 0 {
		content = doc.Find("main")
	}
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	text := strings.Join(strings.Fields(content.Text()), " ")
	return BrowseResult{
		Success: true,
		Page: &Page{
			Title:   title,
			URL:     rawURL,
			Content: util.TruncateRunes(text, c.maxChars, truncatedMarker),
		},
	}
}

func readable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "text/html") || strings.Contains(contentType, "text/plain")
	}
	return mediaType == "text/html" || mediaType == "text/plain"
}
