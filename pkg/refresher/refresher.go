package refresher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cirocosta/celestia-exporter/pkg/collector"
	"github.com/cirocosta/celestia-exporter/pkg/leaderboard"
	"github.com/cirocosta/celestia-exporter/pkg/localnode"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultCycleTimeout = 25 * time.Second
)

// NodesFetcher retrieves the leaderboard's nodes, never failing: an empty
// list stands for "nothing known".
//
type NodesFetcher interface {
	FetchAll(ctx context.Context) []leaderboard.Node
}

// StatsFetcher retrieves a snapshot of the local node.
//
type StatsFetcher interface {
	Fetch(ctx context.Context) (*localnode.Stats, error)
}

// Registry is where the results of a refresh end up.
//
type Registry interface {
	ApplyNodes(nodes []leaderboard.Node)
	ApplyLocalStats(stats *localnode.Stats)
	MarkRefresh(source string, t time.Time)
}

var _ Registry = (*collector.Registry)(nil)

// Refresher periodically fetches fresh data and applies it to the registry.
//
// It is either idle or refreshing: a tick that fires while a refresh is
// still in flight is skipped, so slow upstreams never pile up concurrent
// requests.
//
type Refresher struct {
	nodes    NodesFetcher
	local    StatsFetcher
	registry Registry

	interval     time.Duration
	cycleTimeout time.Duration

	inFlight *atomic.Bool
	skipped  *atomic.Uint64
	wg       sync.WaitGroup

	now func() time.Time
	log logr.Logger
}

// Option is a functional argument used to override the refresher's
// defaults.
//
type Option func(r *Refresher)

// WithLocalFetcher enables gathering stats from a local node on every
// refresh.
//
func WithLocalFetcher(v StatsFetcher) Option {
	return func(r *Refresher) {
		r.local = v
	}
}

func WithInterval(v time.Duration) Option {
	return func(r *Refresher) {
		r.interval = v
	}
}

// WithCycleTimeout bounds how long a single refresh may take overall.
//
func WithCycleTimeout(v time.Duration) Option {
	return func(r *Refresher) {
		r.cycleTimeout = v
	}
}

func WithLogger(v logr.Logger) Option {
	return func(r *Refresher) {
		r.log = v
	}
}

func withClock(v func() time.Time) Option {
	return func(r *Refresher) {
		r.now = v
	}
}

// New instantiates a refresher feeding `registry` with the nodes retrieved
// by `nodes`.
//
func New(nodes NodesFetcher, registry Registry, opts ...Option) (*Refresher, error) {
	if nodes == nil {
		return nil, errors.New("nil nodes fetcher")
	}
	if registry == nil {
		return nil, errors.New("nil registry")
	}

	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	r := &Refresher{
		nodes:        nodes,
		registry:     registry,
		interval:     DefaultInterval,
		cycleTimeout: DefaultCycleTimeout,
		inFlight:     atomic.NewBool(false),
		skipped:      atomic.NewUint64(0),
		now:          time.Now,
		log:          zapr.NewLogger(defaultLogger.Named("refresher")),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", r.interval)
	}

	return r, nil
}

// Run refreshes right away and then on every tick of the interval until the
// context is cancelled, at which point it waits for an in-flight refresh to
// finish before returning.
//
// ps.: this is a BLOCKING method.
//
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("starting", "interval", r.interval.String())

	r.trigger(ctx)

	for {
		select {
		case <-ticker.C:
			r.trigger(ctx)
		case <-ctx.Done():
			r.log.Info("stopping, waiting for in-flight refresh")
			r.wg.Wait()

			return nil
		}
	}
}

// Skipped returns how many ticks were skipped due to a refresh still being
// in flight.
//
func (r *Refresher) Skipped() uint64 {
	return r.skipped.Load()
}

// trigger starts a refresh in the background unless one is already running,
// reporting whether it did.
//
func (r *Refresher) trigger(ctx context.Context) bool {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.skipped.Inc()
		r.log.Info("refresh still in flight, skipping tick")

		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inFlight.Store(false)

		r.Refresh(ctx)
	}()

	return true
}

// Refresh performs a single fetch-and-apply cycle. Failures are logged and
// leave the registry as it was.
//
func (r *Refresher) Refresh(ctx context.Context) {
	if r.cycleTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.cycleTimeout)
		defer cancel()
	}

	start := r.now()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.refreshNodes(ctx)
	}()

	if r.local != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.refreshLocal(ctx)
		}()
	}

	wg.Wait()

	r.log.V(1).Info("refreshed", "took", r.now().Sub(start).String())
}

func (r *Refresher) refreshNodes(ctx context.Context) {
	nodes := r.nodes.FetchAll(ctx)
	if len(nodes) == 0 {
		r.log.Info("leaderboard returned no nodes, keeping previous values")
		return
	}

	r.registry.ApplyNodes(nodes)
	r.registry.MarkRefresh(collector.SourceLeaderboard, r.now())

	r.log.Info("updated nodes", "nodes", len(nodes))
}

func (r *Refresher) refreshLocal(ctx context.Context) {
	stats, err := r.local.Fetch(ctx)
	if err != nil {
		r.log.Error(err, "local fetch")

		// values are kept, but every query is reported as down.
		r.registry.ApplyLocalStats(localnode.Unavailable(err))
		return
	}

	r.registry.ApplyLocalStats(stats)
	r.registry.MarkRefresh(collector.SourceLocal, r.now())

	if len(stats.Errors) > 0 {
		r.log.Info("local stats partially updated", "failed", len(stats.Errors))
	}
}
