package localnode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// AuthTokenEnv is the environment variable through which the celestia
	// CLI picks up the token used for its RPC calls.
	//
	AuthTokenEnv = "CELESTIA_NODE_AUTH_TOKEN"

	DefaultBinary         = "celestia"
	DefaultNodeType       = "light"
	DefaultCommandTimeout = 10 * time.Second
)

// Names of the read-only queries issued against the node. These are also
// the keys used in Stats.Errors.
//
const (
	QueryBandwidth = "bandwidth"
	QueryInfo      = "info"
	QueryAddress   = "address"
	QueryBalance   = "balance"
	QuerySampling  = "sampling"
)

type query struct {
	name   string
	module string
	method string
	decode func(out []byte, s *Stats) error
}

var queries = []query{
	{QueryBandwidth, "p2p", "BandwidthStats", func(out []byte, s *Stats) error {
		s.Bandwidth = &BandwidthStats{}
		return decodeResult(out, s.Bandwidth)
	}},
	{QueryInfo, "node", "Info", func(out []byte, s *Stats) error {
		s.Info = &NodeInfo{}
		return decodeResult(out, s.Info)
	}},
	{QueryAddress, "state", "AccountAddress", func(out []byte, s *Stats) error {
		var addr string
		if err := decodeResult(out, &addr); err != nil {
			return err
		}

		s.Address = &addr
		return nil
	}},
	{QueryBalance, "state", "Balance", func(out []byte, s *Stats) error {
		s.Balance = &Balance{}
		return decodeResult(out, s.Balance)
	}},
	{QuerySampling, "das", "SamplingStats", func(out []byte, s *Stats) error {
		s.Sampling = &SamplingStats{}
		return decodeResult(out, s.Sampling)
	}},
}

// Queries lists the names of every query a fetch performs.
//
func Queries() []string {
	names := make([]string, len(queries))
	for i, q := range queries {
		names[i] = q.name
	}

	return names
}

// Client gathers statistics from a celestia node running alongside the
// exporter by shelling out to its CLI.
//
type Client struct {
	runner Runner

	// binary is the path (or name in $PATH) of the celestia CLI.
	//
	binary string

	// nodeType is the node flavor passed to `auth` (light, full, bridge).
	//
	nodeType string

	// network, if set, is passed as `--p2p.network` when authenticating.
	//
	network string

	// rpcURL, if set, is passed as `--url` to every rpc call.
	//
	rpcURL string

	// authToken, if set, skips the authentication step.
	//
	authToken string

	commandTimeout time.Duration

	log logr.Logger
}

// Option is a functional argument used to override the client's defaults.
//
type Option func(c *Client)

func WithRunner(v Runner) Option {
	return func(c *Client) {
		c.runner = v
	}
}

func WithBinary(v string) Option {
	return func(c *Client) {
		c.binary = v
	}
}

func WithNodeType(v string) Option {
	return func(c *Client) {
		c.nodeType = v
	}
}

func WithNetwork(v string) Option {
	return func(c *Client) {
		c.network = v
	}
}

func WithRPCURL(v string) Option {
	return func(c *Client) {
		c.rpcURL = v
	}
}

// WithAuthToken provides a pre-issued token, skipping `auth admin`.
//
func WithAuthToken(v string) Option {
	return func(c *Client) {
		c.authToken = v
	}
}

func WithCommandTimeout(v time.Duration) Option {
	return func(c *Client) {
		c.commandTimeout = v
	}
}

func WithLogger(v logr.Logger) Option {
	return func(c *Client) {
		c.log = v
	}
}

// NewClient instantiates a local node client.
//
func NewClient(opts ...Option) (*Client, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	c := &Client{
		runner:         OSRunner{},
		binary:         DefaultBinary,
		nodeType:       DefaultNodeType,
		commandTimeout: DefaultCommandTimeout,
		log:            zapr.NewLogger(defaultLogger.Named("localnode")),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Fetch authenticates against the node and then runs every query
// concurrently, waiting for all of them before assembling the final Stats.
//
// A failure to authenticate abandons the whole fetch. Failures of individual
// queries don't: they're recorded in Stats.Errors and the remaining fields
// are still filled.
//
func (c *Client) Fetch(ctx context.Context) (*Stats, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	partials := make([]*Stats, len(queries))
	errs := make([]error, len(queries))

	var g errgroup.Group
	for idx, q := range queries {
		idx, q := idx, q

		g.Go(func() error {
			partial := &Stats{}
			if err := c.run(ctx, token, q, partial); err != nil {
				errs[idx] = fmt.Errorf("%s: %w", q.name, err)
				return nil
			}

			partials[idx] = partial
			return nil
		})
	}

	_ = g.Wait()

	stats := &Stats{Errors: map[string]error{}}
	for idx, q := range queries {
		if errs[idx] != nil {
			stats.Errors[q.name] = errs[idx]
			c.log.Error(errs[idx], "query failed", "query", q.name)
			continue
		}

		merge(stats, partials[idx])
	}

	return stats, nil
}

func (c *Client) run(ctx context.Context, token string, q query, partial *Stats) error {
	args := []string{"rpc", q.module, q.method}
	if c.rpcURL != "" {
		args = append(args, "--url", c.rpcURL)
	}

	out, err := c.output(ctx, []string{AuthTokenEnv + "=" + token}, args...)
	if err != nil {
		return err
	}

	if err := q.decode(out, partial); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.authToken != "" {
		return c.authToken, nil
	}

	args := []string{c.nodeType, "auth", "admin"}
	if c.network != "" {
		args = append(args, "--p2p.network", c.network)
	}

	out, err := c.output(ctx, nil, args...)
	if err != nil {
		return "", err
	}

	// the token is the last thing printed; anything before it is noise
	// from the node's own logging.
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	token := strings.TrimSpace(lines[len(lines)-1])
	if token == "" {
		return "", fmt.Errorf("empty token")
	}

	return token, nil
}

func (c *Client) output(ctx context.Context, env []string, args ...string) ([]byte, error) {
	if c.commandTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.commandTimeout)
		defer cancel()
	}

	return c.runner.Output(ctx, env, c.binary, args...)
}

// decodeResult unwraps a JSON-RPC envelope into `v`.
//
func decodeResult(out []byte, v interface{}) error {
	if !gjson.ValidBytes(out) {
		return fmt.Errorf("invalid json: %q", truncate(out, 128))
	}

	if rpcErr := gjson.GetBytes(out, "error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		return &RPCError{
			Code:    rpcErr.Get("code").Int(),
			Message: rpcErr.Get("message").String(),
		}
	}

	result := gjson.GetBytes(out, "result")
	if !result.Exists() {
		return fmt.Errorf("missing result")
	}

	if err := json.Unmarshal([]byte(result.Raw), v); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}

	return nil
}

func merge(dst, src *Stats) {
	if src.Bandwidth != nil {
		dst.Bandwidth = src.Bandwidth
	}
	if src.Info != nil {
		dst.Info = src.Info
	}
	if src.Address != nil {
		dst.Address = src.Address
	}
	if src.Balance != nil {
		dst.Balance = src.Balance
	}
	if src.Sampling != nil {
		dst.Sampling = src.Sampling
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}

	return string(b[:n]) + "..."
}
