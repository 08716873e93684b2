package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public celestia leaderboard.
	//
	DefaultBaseURL = "https://leaderboard.celestia.tools"

	// DefaultTimeout bounds every single request made to the leaderboard.
	//
	DefaultTimeout = 10 * time.Second

	lightNodesPath = "/api/v1/nodes/light"
)

// Client retrieves light node statistics from the leaderboard API.
//
type Client struct {
	// baseURL is the scheme + host (and optional path prefix) of the
	// leaderboard API.
	//
	baseURL string

	// bearerToken, if set, is sent as `Authorization: Bearer <token>`.
	//
	bearerToken string

	httpClient *http.Client
	timeout    time.Duration

	log logr.Logger
}

// Option is a functional argument used to override the client's defaults.
//
type Option func(c *Client)

// WithHTTPClient overrides the http client used to reach the leaderboard.
//
func WithHTTPClient(v *http.Client) Option {
	return func(c *Client) {
		c.httpClient = v
	}
}

// WithTimeout overrides the per-request timeout.
//
func WithTimeout(v time.Duration) Option {
	return func(c *Client) {
		c.timeout = v
	}
}

// WithBearerToken makes every request carry the given bearer token.
//
func WithBearerToken(v string) Option {
	return func(c *Client) {
		c.bearerToken = v
	}
}

// WithLogger overrides the default development logger.
//
func WithLogger(v logr.Logger) Option {
	return func(c *Client) {
		c.log = v
	}
}

// NewClient instantiates a leaderboard client targeting `baseURL`.
//
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url '%s': %w", baseURL, err)
	}

	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	c := &Client{
		baseURL: baseURL,
		timeout: DefaultTimeout,
		log:     zapr.NewLogger(defaultLogger.Named("leaderboard")),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}

	return c, nil
}

// FetchAll retrieves every light node listed by the leaderboard.
//
// Failures are not propagated: they're logged and an empty list is returned,
// leaving it up to the caller to treat "no nodes" as a degraded outcome.
//
func (c *Client) FetchAll(ctx context.Context) []Node {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		c.log.Error(err, "fetch all nodes")
		return []Node{}
	}

	return nodes
}

// Nodes retrieves every light node listed by the leaderboard, walking through
// all of the pages in order.
//
// The first page tells how many pages there are: with zero pages nothing is
// returned, with a single one no further request is made.
//
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	first, err := c.Page(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("page 1: %w", err)
	}

	totalPages := int(first.Pagination.TotalPages)
	if totalPages <= 0 {
		return []Node{}, nil
	}

	nodes := append([]Node{}, first.Rows...)
	for page := 2; page <= totalPages; page++ {
		resp, err := c.Page(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}

		nodes = append(nodes, resp.Rows...)
	}

	c.log.V(1).Info("fetched nodes",
		"pages", totalPages,
		"nodes", len(nodes),
	)

	return nodes, nil
}

// Page retrieves a single page of the light nodes listing. Page 1 is
// requested without a query string.
//
func (c *Client) Page(ctx context.Context, page int) (*Page, error) {
	endpoint := c.baseURL + lightNodesPath
	if page > 1 {
		endpoint += "?" + url.Values{
			"page": []string{strconv.Itoa(page)},
		}.Encode()
	}

	resp := &Page{}
	if err := c.get(ctx, endpoint, resp); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}

	return resp, nil
}

func (c *Client) get(ctx context.Context, endpoint string, v interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("new request '%s': %w", endpoint, err)
	}

	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do '%s': %w", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)

		return &StatusError{
			URL:        endpoint,
			StatusCode: resp.StatusCode,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode '%s': %w", endpoint, err)
	}

	return nil
}
