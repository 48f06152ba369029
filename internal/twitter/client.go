// Package twitter is a read-only Twitter API v2 client covering the
// lookups the engagement processor needs: public metrics for a tweet,
// the accounts that retweeted it, and the accounts that replied to it.
package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/amplifyhq/tallyman/internal/models"
	"github.com/amplifyhq/tallyman/pkg/clients"
)

const DefaultBaseURL = "https://api.twitter.com"

// ErrTweetNotFound is returned when the tweet no longer exists or is
// not visible to the authenticated app.
var ErrTweetNotFound = errors.New("tweet not found")

type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitter returned status: %d", e.StatusCode)
}

type Client struct {
	baseURL      string
	bearerToken  string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
	breaker      *clients.CircuitBreaker
}

type Option func(*Client)

func NewClient(bearerToken string, opts ...Option) *Client {
	defaultConfig := clients.DefaultHTTPExecutorConfig()
	// The upstream rate-limits aggressively; trip the breaker when it
	// starts failing outright so passes degrade instead of hammering it.
	defaultConfig.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{Name: "twitter"})
	c := &Client{
		baseURL:      DefaultBaseURL,
		bearerToken:  bearerToken,
		client:       &http.Client{Timeout: 15 * time.Second, Transport: clients.DefaultTransport()},
		httpExecutor: clients.NewHTTPExecutor(defaultConfig),
		shouldRetry:  defaultConfig.ShouldRetry,
		breaker:      defaultConfig.CircuitBreaker,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
		c.breaker = cfg.CircuitBreaker
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
// Nil when the client was configured without one.
func (c *Client) Breaker() *clients.CircuitBreaker {
	return c.breaker
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if c.httpExecutor == nil {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}

	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrTweetNotFound
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

type publicMetrics struct {
	LikeCount    int `json:"like_count"`
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
}

type tweetLookupResponse struct {
	Data *struct {
		ID            string         `json:"id"`
		PublicMetrics *publicMetrics `json:"public_metrics"`
	} `json:"data"`
}

// TweetMetrics fetches the public engagement counts for a tweet.
// Returns ErrTweetNotFound when the tweet is gone or hidden.
func (c *Client) TweetMetrics(ctx context.Context, tweetID string) (*models.TweetMetrics, error) {
	query := url.Values{}
	query.Set("tweet.fields", "public_metrics")

	var out tweetLookupResponse
	if err := c.get(ctx, "/2/tweets/"+tweetID, query, &out); err != nil {
		return nil, err
	}
	// The v2 API can answer 200 with an errors array and no data
	// for deleted or protected tweets.
	if out.Data == nil || out.Data.PublicMetrics == nil {
		return nil, ErrTweetNotFound
	}

	return &models.TweetMetrics{
		Likes:    out.Data.PublicMetrics.LikeCount,
		Retweets: out.Data.PublicMetrics.RetweetCount,
		Replies:  out.Data.PublicMetrics.ReplyCount,
	}, nil
}

type userListResponse struct {
	Data []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

// Retweeters returns the usernames of accounts that retweeted the
// tweet, up to the API page limit of 100.
func (c *Client) Retweeters(ctx context.Context, tweetID string) ([]string, error) {
	query := url.Values{}
	query.Set("max_results", "100")
	query.Set("user.fields", "username")

	var out userListResponse
	if err := c.get(ctx, "/2/tweets/"+tweetID+"/retweeted_by", query, &out); err != nil {
		return nil, err
	}

	handles := make([]string, 0, len(out.Data))
	for _, user := range out.Data {
		if user.Username != "" {
			handles = append(handles, user.Username)
		}
	}
	return handles, nil
}

type searchResponse struct {
	Data []struct {
		ID       string `json:"id"`
		AuthorID string `json:"author_id"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
}

// Repliers returns the usernames of accounts that replied in the
// tweet's conversation. The recent-search endpoint only reaches back
// seven days, which covers the candidate window with room to spare.
func (c *Client) Repliers(ctx context.Context, tweetID string) ([]string, error) {
	query := url.Values{}
	query.Set("query", "conversation_id:"+tweetID)
	query.Set("max_results", "100")
	query.Set("expansions", "author_id")
	query.Set("user.fields", "username")
	query.Set("tweet.fields", "author_id")

	var out searchResponse
	if err := c.get(ctx, "/2/tweets/search/recent", query, &out); err != nil {
		return nil, err
	}

	usernames := make(map[string]string, len(out.Includes.Users))
	for _, user := range out.Includes.Users {
		usernames[user.ID] = user.Username
	}

	seen := make(map[string]struct{}, len(out.Data))
	handles := make([]string, 0, len(out.Data))
	for _, reply := range out.Data {
		handle, ok := usernames[reply.AuthorID]
		if !ok || handle == "" {
			continue
		}
		if _, dup := seen[handle]; dup {
			continue
		}
		seen[handle] = struct{}{}
		handles = append(handles, handle)
	}
	return handles, nil
}
