// Package strava talks to the Strava v3 API: the paginated activity list,
// per-activity detail and comment endpoints, and the OAuth token endpoints.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
)

// Endpoints bundles the upstream URLs so tests can point them at a local server.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	APIBaseURL   string
	RedirectURI  string
}

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("strava: upstream status %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the error was a quota rejection.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ActivityDetail is the subset of the detail endpoint the engine consumes.
type ActivityDetail struct {
	ID             int64                 `json:"id"`
	SegmentEfforts []SegmentEffortDetail `json:"segment_efforts"`
}

// SegmentEffortDetail is one effort within an activity detail payload.
// KOMRank is null unless the effort placed on the segment leaderboard.
type SegmentEffortDetail struct {
	KOMRank *int `json:"kom_rank"`
	Segment struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"segment"`
}

// Comment is the wire shape of one activity comment.
type Comment struct {
	Athlete struct {
		ID        int64  `json:"id"`
		Firstname string `json:"firstname"`
		Lastname  string `json:"lastname"`
	} `json:"athlete"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithLogger overrides the logger used for retry reporting.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetryBaseDelay shortens the backoff interval; intended for tests.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryBase = d
	}
}

// WithMaxRetries caps retries of rate-limited requests.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// Client performs authorized calls against the collection API. The bearer
// token is injected by the oauth2 transport, which also refreshes it through
// the supplied token source when it expires mid-run.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
	retryBase  time.Duration
	maxRetries uint64
}

// NewClient constructs a Client whose requests are authorized by src.
func NewClient(baseURL string, src oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: oauth2.NewClient(context.Background(), src),
		logger:     log.New(log.Writer(), "[strava] ", log.LstdFlags),
		retryBase:  time.Second,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListActivities requests one page of activity summaries bounded by the
// half-open window [after, before), both expressed as epoch seconds.
func (c *Client) ListActivities(ctx context.Context, after, before int64, page, perPage int) ([]domain.ActivityRecord, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	query.Set("before", strconv.FormatInt(before, 10))
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))

	var activities []domain.ActivityRecord
	if err := c.getJSON(ctx, "/athlete/activities?"+query.Encode(), &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// FetchDetail retrieves one activity's detail, including segment efforts.
func (c *Client) FetchDetail(ctx context.Context, activityID int64) (*ActivityDetail, error) {
	var detail ActivityDetail
	if err := c.getJSON(ctx, fmt.Sprintf("/activities/%d", activityID), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FetchComments retrieves the comments left on one activity.
func (c *Client) FetchComments(ctx context.Context, activityID int64) ([]Comment, error) {
	var comments []Comment
	if err := c.getJSON(ctx, fmt.Sprintf("/activities/%d/comments", activityID), &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// getJSON performs a GET with bounded retries on 429 responses. Other non-2xx
// statuses surface immediately as *APIError; the engine decides whether that
// ends pagination or just skips one item's enrichment.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), c.maxRetries), ctx)

	body, err := backoff.RetryWithData(func() ([]byte, error) {
		payload, reqErr := c.get(ctx, path)
		if reqErr != nil {
			var apiErr *APIError
			if errors.As(reqErr, &apiErr) && apiErr.RateLimited() {
				c.logger.Printf("rate limited on %s, backing off", path)
				return nil, reqErr
			}
			return nil, backoff.Permanent(reqErr)
		}
		return payload, nil
	}, policy)
	if err != nil {
		return err
	}

	return json.Unmarshal(body, out)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) newBackoff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	return policy
}
