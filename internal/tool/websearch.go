package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const defaultSearchURL = "https://html.duckduckgo.com/html/"

// WebSearch queries the DuckDuckGo HTML endpoint and returns title, url and
// snippet of the top results.
type WebSearch struct {
	BaseURL      string
	MaxResults   int
	UserAgent    string
	MaxBodyBytes int64
	client       *http.Client
}

func NewWebSearch(baseURL string, timeout time.Duration, maxResults int, userAgent string) *WebSearch {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultSearchURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "stagebot/1.0"
	}
	return &WebSearch{
		BaseURL:      baseURL,
		MaxResults:   maxResults,
		UserAgent:    userAgent,
		MaxBodyBytes: 2 * 1024 * 1024,
		client:       &http.Client{Timeout: timeout},
	}
}

func (t *WebSearch) Name() string { return "web_search" }

func (t *WebSearch) Description() string {
	return "Search the web for a query and return a short list of results (title, url, snippet)."
}

func (t *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "q": {"type": "string", "description": "Search query."},
    "max_results": {"type": "integer", "description": "Optional max results to return."}
  },
  "required": ["q"]
}`)
}

type webSearchArgs struct {
	Q          string `json:"q"`
	MaxResults int    `json:"max_results"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

func (t *WebSearch) Validate(raw json.RawMessage) error {
	var args webSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("invalid web_search arguments: %w", err)
	}
	if strings.TrimSpace(args.Q) == "" {
		return fmt.Errorf("missing required param: q")
	}
	return nil
}

func (t *WebSearch) Execute(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args webSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	q := strings.TrimSpace(args.Q)
	maxResults := t.MaxResults
	if args.MaxResults > 0 {
		maxResults = args.MaxResults
	}
	if maxResults > 20 {
		maxResults = 20
	}

	u, err := url.Parse(t.BaseURL)
	if err != nil {
		return Result{}, fmt.Errorf("invalid base_url: %w", err)
	}
	qs := u.Query()
	qs.Set("q", q)
	u.RawQuery = qs.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", t.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))
		return Result{}, fmt.Errorf("web_search non-2xx status=%d body=%s", resp.StatusCode, string(bytes.ToValidUTF8(body, []byte("?"))))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.MaxBodyBytes))
	if err != nil {
		return Result{}, err
	}
	results, err := parseSearchHTML(body, maxResults)
	if err != nil {
		return Result{}, err
	}

	out, _ := json.Marshal(map[string]any{
		"query":   q,
		"results": results,
	})
	return Result{OK: true, Output: string(out), Meta: map[string]any{"result_count": len(results)}}, nil
}

// parseSearchHTML pairs each result__a link with the result__snippet that
// follows it inside the same result block.
func parseSearchHTML(htmlBytes []byte, maxResults int) ([]searchResult, error) {
	root, err := html.Parse(bytes.NewReader(htmlBytes))
	if err != nil {
		return nil, err
	}

	out := []searchResult{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(out) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__a") {
			href := attr(n, "href")
			title := textContent(n)
			if href != "" && title != "" {
				out = append(out, searchResult{Title: title, URL: normalizeResultURL(href)})
			}
			return
		}
		if n.Type == html.ElementNode && hasClass(n, "result__snippet") && len(out) > 0 {
			last := &out[len(out)-1]
			if last.Snippet == "" {
				last.Snippet = textContent(n)
			}
			return
		}
		for c := n.FirstChild; c != nil && len(out) < maxResults; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

// normalizeResultURL unwraps DuckDuckGo redirect links (/l/?uddg=...).
func normalizeResultURL(href string) string {
	href = strings.TrimSpace(href)
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.Path == "/l/" {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}
