package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// HTTP timeout for a fetch
	FetchTimeout = 30 * time.Second

	// MaxFetchedContentLength caps extracted text so a huge page cannot
	// blow up a council prompt
	MaxFetchedContentLength = 50000
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// FetchURLContent fetches a page and extracts its readable text, stripping
// scripts, styles and navigation chrome. Only http/https URLs are accepted.
func FetchURLContent(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers to mimic a browser
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	client := &http.Client{
		Timeout: FetchTimeout,
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	// Drop non-content elements before extracting text
	doc.Find("script, style, noscript, nav, header, footer, iframe").Remove()

	var text string
	if body := doc.Find("body"); body.Length() > 0 {
		text = body.Text()
	} else {
		text = doc.Text()
	}

	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
	if text == "" {
		return "", fmt.Errorf("no readable content found")
	}

	if len(text) > MaxFetchedContentLength {
		text = text[:MaxFetchedContentLength] + "..."
	}

	return text, nil
}
