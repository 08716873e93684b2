package refresher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirocosta/celestia-exporter/pkg/collector"
	"github.com/cirocosta/celestia-exporter/pkg/leaderboard"
	"github.com/cirocosta/celestia-exporter/pkg/localnode"
)

type nodesFetcherStub struct {
	FetchAllHandler func(ctx context.Context) []leaderboard.Node
}

func (s *nodesFetcherStub) FetchAll(ctx context.Context) []leaderboard.Node {
	if s.FetchAllHandler != nil {
		return s.FetchAllHandler(ctx)
	}

	return []leaderboard.Node{}
}

type statsFetcherStub struct {
	FetchHandler func(ctx context.Context) (*localnode.Stats, error)
}

func (s *statsFetcherStub) Fetch(ctx context.Context) (*localnode.Stats, error) {
	if s.FetchHandler != nil {
		return s.FetchHandler(ctx)
	}

	return &localnode.Stats{}, nil
}

type registryStub struct {
	mu        sync.Mutex
	nodes     [][]leaderboard.Node
	stats     []*localnode.Stats
	refreshes map[string]int
}

func (s *registryStub) ApplyNodes(nodes []leaderboard.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = append(s.nodes, nodes)
}

func (s *registryStub) ApplyLocalStats(stats *localnode.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = append(s.stats, stats)
}

func (s *registryStub) MarkRefresh(source string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshes == nil {
		s.refreshes = map[string]int{}
	}
	s.refreshes[source]++
}

func (s *registryStub) counts() (int, int, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refreshes := map[string]int{}
	for k, v := range s.refreshes {
		refreshes[k] = v
	}

	return len(s.nodes), len(s.stats), refreshes
}

func newTestRefresher(t *testing.T, nodes NodesFetcher, registry Registry, opts ...Option) *Refresher {
	t.Helper()

	r, err := New(nodes, registry, append([]Option{WithLogger(logr.Discard())}, opts...)...)
	require.NoError(t, err)

	return r
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("nil nodes fetcher should error", func(t *testing.T) {
		r, err := New(nil, &registryStub{})
		assert.Nil(t, r)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "nil nodes fetcher")
	})

	t.Run("nil registry should error", func(t *testing.T) {
		r, err := New(&nodesFetcherStub{}, nil)
		assert.Nil(t, r)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "nil registry")
	})

	t.Run("non-positive interval should error", func(t *testing.T) {
		r, err := New(&nodesFetcherStub{}, &registryStub{},
			WithInterval(0),
			WithLogger(logr.Discard()),
		)
		assert.Nil(t, r)
		assert.Error(t, err)
	})

	t.Run("should work", func(t *testing.T) {
		r, err := New(&nodesFetcherStub{}, &registryStub{}, WithLogger(logr.Discard()))
		assert.NotNil(t, r)
		assert.NoError(t, err)
		assert.Equal(t, logr.Discard(), r.log)
	})

	t.Run("defaults to a named logger", func(t *testing.T) {
		r, err := New(&nodesFetcherStub{}, &registryStub{})
		require.NoError(t, err)
		assert.NotNil(t, r.log.GetSink())
	})
}

func TestRefresher_Refresh(t *testing.T) {
	t.Parallel()

	t.Run("applies nodes and local stats", func(t *testing.T) {
		t.Parallel()

		registry := &registryStub{}
		r := newTestRefresher(t,
			&nodesFetcherStub{FetchAllHandler: func(context.Context) []leaderboard.Node {
				return []leaderboard.Node{{NodeID: "a"}}
			}},
			registry,
			WithLocalFetcher(&statsFetcherStub{}),
		)

		r.Refresh(context.Background())

		nodes, stats, refreshes := registry.counts()
		assert.Equal(t, 1, nodes)
		assert.Equal(t, 1, stats)
		assert.Equal(t, map[string]int{
			collector.SourceLeaderboard: 1,
			collector.SourceLocal:       1,
		}, refreshes)
	})

	t.Run("empty leaderboard and failing local node only report queries down", func(t *testing.T) {
		t.Parallel()

		registry := &registryStub{}
		r := newTestRefresher(t,
			&nodesFetcherStub{},
			registry,
			WithLocalFetcher(&statsFetcherStub{FetchHandler: func(context.Context) (*localnode.Stats, error) {
				return nil, errors.New("auth: boom")
			}}),
		)

		r.Refresh(context.Background())

		nodes, stats, refreshes := registry.counts()
		assert.Zero(t, nodes)
		assert.Equal(t, 1, stats)
		assert.Empty(t, refreshes)

		registry.mu.Lock()
		defer registry.mu.Unlock()

		for _, name := range localnode.Queries() {
			assert.False(t, registry.stats[0].Available(name), name)
		}
	})

	t.Run("cycle is bounded by the cycle timeout", func(t *testing.T) {
		t.Parallel()

		r := newTestRefresher(t,
			&nodesFetcherStub{FetchAllHandler: func(ctx context.Context) []leaderboard.Node {
				<-ctx.Done()
				return nil
			}},
			&registryStub{},
			WithCycleTimeout(50*time.Millisecond),
		)

		done := make(chan struct{})
		go func() {
			r.Refresh(context.Background())
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("refresh didn't honor the cycle timeout")
		}
	})
}

func TestRefresher_OverlappingTickIsSkipped(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	registry := &registryStub{}
	r := newTestRefresher(t,
		&nodesFetcherStub{FetchAllHandler: func(context.Context) []leaderboard.Node {
			started <- struct{}{}
			<-release
			return []leaderboard.Node{{NodeID: "a"}}
		}},
		registry,
	)

	ctx := context.Background()

	require.True(t, r.trigger(ctx))
	<-started

	assert.False(t, r.trigger(ctx))
	assert.False(t, r.trigger(ctx))
	assert.Equal(t, uint64(2), r.Skipped())

	close(release)
	r.wg.Wait()

	nodes, _, _ := registry.counts()
	assert.Equal(t, 1, nodes)

	// idle again: next tick goes through
	require.True(t, r.trigger(ctx))
	<-started
	r.wg.Wait()

	nodes, _, _ = registry.counts()
	assert.Equal(t, 2, nodes)
}

func TestRefresher_Run(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)

	registry := &registryStub{}
	r := newTestRefresher(t,
		&nodesFetcherStub{FetchAllHandler: func(context.Context) []leaderboard.Node {
			mu.Lock()
			defer mu.Unlock()
			calls++

			return []leaderboard.Node{{NodeID: "a"}}
		}},
		registry,
		WithInterval(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run didn't return after cancellation")
	}
}

func TestRefresher_RunDrainsInFlightRefresh(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	registry := &registryStub{}
	r := newTestRefresher(t,
		&nodesFetcherStub{FetchAllHandler: func(context.Context) []leaderboard.Node {
			close(started)
			<-release // deliberately ignores ctx
			return []leaderboard.Node{{NodeID: "a"}}
		}},
		registry,
		WithInterval(time.Hour),
		WithCycleTimeout(0),
	)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("run returned while a refresh was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run didn't return after the refresh finished")
	}

	nodes, _, refreshes := registry.counts()
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 1, refreshes[collector.SourceLeaderboard])
}

func TestRefresher_LocalNodeGoingDown(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		down bool
	)

	registry, err := collector.NewRegistry(collector.WithLogger(logr.Discard()))
	require.NoError(t, err)

	r := newTestRefresher(t, &nodesFetcherStub{}, registry,
		WithLocalFetcher(&statsFetcherStub{FetchHandler: func(context.Context) (*localnode.Stats, error) {
			mu.Lock()
			defer mu.Unlock()

			if down {
				return nil, errors.New("auth: node down")
			}

			return &localnode.Stats{
				Bandwidth: &localnode.BandwidthStats{TotalIn: 10},
			}, nil
		}}),
	)

	r.Refresh(context.Background())

	out, err := registry.Render()
	require.NoError(t, err)
	for _, name := range localnode.Queries() {
		assert.Contains(t, out, `celestia_local_query_up{query="`+name+`"} 1`)
	}

	mu.Lock()
	down = true
	mu.Unlock()

	r.Refresh(context.Background())

	out, err = registry.Render()
	require.NoError(t, err)
	for _, name := range localnode.Queries() {
		assert.Contains(t, out, `celestia_local_query_up{query="`+name+`"} 0`)
	}

	// last known values stay around
	assert.Contains(t, out, "celestia_local_bandwidth_total_in_bytes 10")
}

// TestRefresher_EndToEnd wires the real leaderboard client and registry
// against a mock leaderboard.
//
func TestRefresher_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"pagination":{"total_pages":1},"rows":[`+
			`{"node_id":"abc","node_type":1,"uptime":100,"pfb_count":5,"head":1000,"network_height":1000}]}`)
	}))

	client, err := leaderboard.NewClient(srv.URL,
		leaderboard.WithLogger(logr.Discard()),
		leaderboard.WithTimeout(time.Second),
	)
	require.NoError(t, err)

	registry, err := collector.NewRegistry(collector.WithLogger(logr.Discard()))
	require.NoError(t, err)

	r := newTestRefresher(t, client, registry)

	r.Refresh(context.Background())

	out, err := registry.Render()
	require.NoError(t, err)
	assert.Contains(t, out, `celestia_node_pfb_count{node_id="abc"} 5`)
	assert.Contains(t, out, `celestia_node_uptime{node_id="abc"} 100`)
	assert.Contains(t, out, `celestia_exporter_last_refresh_timestamp_seconds{source="leaderboard"}`)

	// upstream goes away: connection refused from now on
	srv.Close()

	r.Refresh(context.Background())

	after, err := registry.Render()
	require.NoError(t, err)
	assert.Equal(t, out, after)
}
