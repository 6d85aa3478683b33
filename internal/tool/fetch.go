package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// FetchURL downloads a web page and returns its readable text.
type FetchURL struct {
	Policy       *Policy
	MaxBodyBytes int64
	UserAgent    string
	client       *http.Client
}

func NewFetchURL(policy *Policy, timeout time.Duration, maxBodyBytes int64) *FetchURL {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 2 * 1024 * 1024
	}
	if policy == nil {
		policy = NewPolicy(true, "")
	}
	return &FetchURL{
		Policy:       policy,
		MaxBodyBytes: maxBodyBytes,
		UserAgent:    "stagebot/1.0",
		client:       &http.Client{Timeout: timeout},
	}
}

func (t *FetchURL) Name() string { return "fetch_url" }

func (t *FetchURL) Description() string {
	return "Fetch a web page by URL and return its title and readable text."
}

func (t *FetchURL) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "url": {"type": "string", "description": "Absolute http(s) URL."}
  },
  "required": ["url"]
}`)
}

type fetchArgs struct {
	URL string `json:"url"`
}

func (t *FetchURL) Validate(raw json.RawMessage) error {
	var args fetchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("invalid fetch_url arguments: %w", err)
	}
	if strings.TrimSpace(args.URL) == "" {
		return fmt.Errorf("missing required param: url")
	}
	return nil
}

func (t *FetchURL) Execute(ctx context.Context, raw json.RawMessage) (Result, error) {
	var args fetchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Result{}, err
	}
	u, err := t.Policy.CheckURL(ctx, args.URL)
	if err != nil {
		return Result{}, err
	}

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
		return Result{}, fmt.Errorf("fetch_url non-2xx status=%d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, t.MaxBodyBytes)
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		data, err := io.ReadAll(body)
		if err != nil {
			return Result{}, err
		}
		if !strings.HasPrefix(contentType, "text/") && !strings.Contains(contentType, "json") {
			return Result{}, fmt.Errorf("unsupported content type: %s", contentType)
		}
		return Result{OK: true, Output: string(data), Meta: map[string]any{"url": u.String()}}, nil
	}

	root, err := html.Parse(body)
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	title, text := readableText(root)
	out := text
	if title != "" {
		out = title + "\n\n" + text
	}
	return Result{OK: true, Output: out, Meta: map[string]any{"url": u.String(), "title": title}}, nil
}
