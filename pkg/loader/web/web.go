package web

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/loader"

	"codeberg.org/readeck/go-readability/v2"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"
)

const maxBodyBytes = 20 << 20

// WebLoader fetches web pages and extracts their readable text. HTML is run
// through readability; plain text bodies are returned as is.
type WebLoader struct {
	client *http.Client

	cache   map[string]loader.Loaded
	cacheMu sync.RWMutex
	group   singleflight.Group
}

type NewWebLoaderParams struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewWebLoader(params NewWebLoaderParams) *WebLoader {
	client := params.Client
	if client == nil {
		timeout := params.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &WebLoader{client: client, cache: make(map[string]loader.Loaded)}
}

// LoadText fetches rawURL once; concurrent and repeated loads of the same
// URL share the result.
func (l *WebLoader) LoadText(ctx context.Context, rawURL string) (loader.Loaded, error) {
	l.cacheMu.RLock()
	if cached, ok := l.cache[rawURL]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(rawURL, func() (any, error) {
		loaded, err := l.fetch(ctx, rawURL)
		if err != nil {
			return loader.Loaded{}, err
		}
		l.cacheMu.Lock()
		l.cache[rawURL] = loaded
		l.cacheMu.Unlock()
		return loaded, nil
	})
	return result.(loader.Loaded), err
}

func (l *WebLoader) fetch(ctx context.Context, rawURL string) (loader.Loaded, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return loader.Loaded{}, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return loader.Loaded{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return loader.Loaded{}, ai.ClassifyError("web.fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return loader.Loaded{}, ai.ClassifyError("web.fetch", err)
	}
	if resp.StatusCode >= 300 {
		return loader.Loaded{}, ai.ClassifyStatus("web.fetch", resp.StatusCode,
			fmt.Errorf("GET %s: %s", rawURL, resp.Status))
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return loader.Loaded{Text: string(body)}, nil
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return loader.Loaded{}, fmt.Errorf("failed to parse html: %w", err)
	}
	var builder strings.Builder
	if err := article.RenderText(&builder); err != nil {
		return loader.Loaded{}, fmt.Errorf("failed to render article text: %w", err)
	}

	title, publisher := pageMeta(body)
	if publisher == "" {
		publisher = pageURL.Hostname()
	}
	return loader.Loaded{Text: builder.String(), Title: title, Publisher: publisher}, nil
}

// pageMeta reads the <title> and og:site_name of an HTML document.
func pageMeta(body []byte) (title, siteName string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", ""
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				if attr(n, "property") == "og:site_name" && siteName == "" {
					siteName = strings.TrimSpace(attr(n, "content"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, siteName
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
