// Package fetch provides Fetcher implementations backed by real retrieval
// services.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/searchscale"
	"go.uber.org/zap"
)

const defaultSerpAPIEndpoint = "https://serpapi.com/search"

// SerpAPIFetcher executes search subtasks against the SerpAPI HTTP API and
// formats the response into worker-ready evidence text.
type SerpAPIFetcher struct {
	apiKey     string
	endpoint   string
	engine     string
	numResults int
	client     *http.Client
	logger     *zap.Logger
}

// SerpAPIOption configures a SerpAPIFetcher.
type SerpAPIOption func(*SerpAPIFetcher)

// WithEndpoint overrides the SerpAPI endpoint. Mainly used by tests.
func WithEndpoint(endpoint string) SerpAPIOption {
	return func(f *SerpAPIFetcher) {
		f.endpoint = endpoint
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) SerpAPIOption {
	return func(f *SerpAPIFetcher) {
		f.client = client
	}
}

// WithEngine selects the search engine, "google" by default.
func WithEngine(engine string) SerpAPIOption {
	return func(f *SerpAPIFetcher) {
		f.engine = engine
	}
}

// WithNumResults sets how many organic results to request.
func WithNumResults(n int) SerpAPIOption {
	return func(f *SerpAPIFetcher) {
		f.numResults = n
	}
}

// WithSerpLogger sets the fetcher logger.
func WithSerpLogger(logger *zap.Logger) SerpAPIOption {
	return func(f *SerpAPIFetcher) {
		f.logger = logger
	}
}

// NewSerpAPIFetcher creates a SerpAPI-backed fetcher.
func NewSerpAPIFetcher(apiKey string, timeout time.Duration, options ...SerpAPIOption) (*SerpAPIFetcher, error) {
	if apiKey == "" {
		return nil, searchscale.NewConfigurationError("serpapi api key is required", nil)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	f := &SerpAPIFetcher{
		apiKey:     apiKey,
		endpoint:   defaultSerpAPIEndpoint,
		engine:     "google",
		numResults: 10,
		client:     &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(f)
	}
	return f, nil
}

type serpResponse struct {
	AnswerBox      *serpAnswerBox      `json:"answer_box"`
	KnowledgeGraph *serpKnowledgeGraph `json:"knowledge_graph"`
	OrganicResults []serpOrganicResult `json:"organic_results"`
}

type serpAnswerBox struct {
	Answer  string `json:"answer"`
	Snippet string `json:"snippet"`
}

type serpKnowledgeGraph struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

type serpOrganicResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Fetch implements searchscale.Fetcher. Server-side and transport failures
// come back transient; client-side rejections come back permanent.
func (f *SerpAPIFetcher) Fetch(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
	query := buildQuery(req)

	params := url.Values{}
	params.Set("q", query)
	params.Set("api_key", f.apiKey)
	params.Set("engine", f.engine)
	params.Set("num", strconv.Itoa(f.numResults))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, searchscale.NewPermanentFetchError(req.Goal, err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		// Network errors and timeouts are worth retrying.
		return nil, searchscale.NewTransientFetchError(req.Goal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("serpapi returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		f.logger.Warn("serpapi request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("goal", req.Goal))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, searchscale.NewTransientFetchError(req.Goal, err)
		}
		return nil, searchscale.NewPermanentFetchError(req.Goal, err)
	}

	var data serpResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, searchscale.NewTransientFetchError(req.Goal, err)
	}

	content := formatResults(query, &data)
	return &searchscale.FetchResponse{Content: content}, nil
}

// buildQuery folds subtask constraints into the search string.
func buildQuery(req searchscale.FetchRequest) string {
	constraints := strings.TrimSpace(req.Constraints)
	if constraints == "" {
		return req.Goal
	}
	return req.Goal + " " + constraints
}

// formatResults renders answer box, knowledge graph, and organic results as
// markdown, matching what downstream synthesis expects.
func formatResults(query string, data *serpResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search Results for: %s\n\n", query)

	if box := data.AnswerBox; box != nil {
		b.WriteString("## Answer Box\n")
		if box.Answer != "" {
			fmt.Fprintf(&b, "%s\n\n", box.Answer)
		}
		if box.Snippet != "" {
			fmt.Fprintf(&b, "%s\n\n", box.Snippet)
		}
	}

	if kg := data.KnowledgeGraph; kg != nil {
		b.WriteString("## Knowledge Graph\n")
		if kg.Title != "" {
			fmt.Fprintf(&b, "**%s**\n", kg.Title)
		}
		if kg.Description != "" {
			fmt.Fprintf(&b, "%s\n", kg.Description)
		}
		if kg.Type != "" {
			fmt.Fprintf(&b, "Type: %s\n", kg.Type)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Organic Results\n\n")
	for i, r := range data.OrganicResults {
		title := r.Title
		if title == "" {
			title = "No title"
		}
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, title)
		fmt.Fprintf(&b, "   URL: %s\n", r.Link)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
		b.WriteString("\n")
	}

	return b.String()
}
