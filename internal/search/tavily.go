package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/deep-research/internal/domain"
)

// DefaultTavilyURL is the public Tavily API endpoint.
const DefaultTavilyURL = "https://api.tavily.com"

// TavilyConfig configures the Tavily client.
type TavilyConfig struct {
	APIKey  string
	BaseURL string
	// Depth is Tavily's search_depth parameter (basic or advanced).
	Depth   string
	Timeout time.Duration
}

// Tavily calls the Tavily search API.
type Tavily struct {
	apiKey  string
	baseURL string
	depth   string
	client  *http.Client
}

// NewTavily constructs a Tavily search client.
func NewTavily(cfg TavilyConfig) (*Tavily, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("tavily: API key is missing")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTavilyURL
	}
	if cfg.Depth == "" {
		cfg.Depth = "basic"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Tavily{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		depth:   cfg.Depth,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type tavilyRequest struct {
	Query       string `json:"query"`
	APIKey      string `json:"api_key"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements WebSearch.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	payload, err := json.Marshal(tavilyRequest{
		Query:       query,
		APIKey:      t.apiKey,
		SearchDepth: t.depth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, &SearchError{Provider: "tavily", Query: query, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, &SearchError{Provider: "tavily", Query: query, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &SearchError{Provider: "tavily", Query: query, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &SearchError{
			Provider:   "tavily",
			Query:      query,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("tavily http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &SearchError{Provider: "tavily", Query: query, Err: fmt.Errorf("decode response: %w", err)}
	}

	results := make([]domain.SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(results, domain.SearchResult{Title: r.Title, URL: r.URL, Content: r.Content, Score: r.Score})
		if maxResults > 0 && len(results) >= maxResults {
			break
		}
	}
	return results, nil
}
