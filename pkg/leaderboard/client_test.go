package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLeaderboard struct {
	mu       sync.Mutex
	pages    [][]string
	total    int
	requests []string
}

func (f *fakeLeaderboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.URL.RequestURI())

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		page, _ = strconv.Atoi(p)
	}

	rows := ""
	if page >= 1 && page <= len(f.pages) {
		for i, id := range f.pages[page-1] {
			if i > 0 {
				rows += ","
			}
			rows += fmt.Sprintf(`{"node_id":%q,"node_type":1,"pfb_count":%d}`, id, page)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"pagination":{"total_pages":%d},"rows":[%s]}`, f.total, rows)
}

func (f *fakeLeaderboard) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string{}, f.requests...)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c, err := NewClient(url,
		WithLogger(logr.Discard()),
		WithTimeout(time.Second),
	)
	require.NoError(t, err)

	return c
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeID)
	}

	return ids
}

func TestClient_Nodes(t *testing.T) {
	t.Parallel()

	t.Run("concatenates all pages in order", func(t *testing.T) {
		t.Parallel()

		fake := &fakeLeaderboard{
			total: 3,
			pages: [][]string{{"a", "b"}, {"c"}, {"d", "e"}},
		}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		nodes, err := newTestClient(t, srv.URL).Nodes(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, nodeIDs(nodes))
		assert.Equal(t, float64(3), nodes[4].PFBCount.Float64())
		assert.Equal(t, []string{
			"/api/v1/nodes/light",
			"/api/v1/nodes/light?page=2",
			"/api/v1/nodes/light?page=3",
		}, fake.Requests())
	})

	t.Run("single page issues no further request", func(t *testing.T) {
		t.Parallel()

		fake := &fakeLeaderboard{
			total: 1,
			pages: [][]string{{"a"}, {"never"}},
		}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		nodes, err := newTestClient(t, srv.URL).Nodes(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, nodeIDs(nodes))
		assert.Len(t, fake.Requests(), 1)
	})

	t.Run("zero pages yields no nodes", func(t *testing.T) {
		t.Parallel()

		fake := &fakeLeaderboard{
			total: 0,
			pages: [][]string{{"ignored"}},
		}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		nodes, err := newTestClient(t, srv.URL).Nodes(context.Background())
		require.NoError(t, err)
		assert.Empty(t, nodes)
		assert.Len(t, fake.Requests(), 1)
	})

	t.Run("non-2xx status is a StatusError", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).Nodes(context.Background())
		require.Error(t, err)

		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	})

	t.Run("bearer token is sent", func(t *testing.T) {
		t.Parallel()

		got := make(chan string, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got <- r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`{"pagination":{"total_pages":1},"rows":[]}`))
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL,
			WithLogger(logr.Discard()),
			WithBearerToken("s3cr3t"),
		)
		require.NoError(t, err)

		_, err = c.Nodes(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer s3cr3t", <-got)
	})
}

func TestClient_FetchAll(t *testing.T) {
	t.Parallel()

	t.Run("connection refused yields empty list", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		nodes := newTestClient(t, url).FetchAll(context.Background())
		assert.NotNil(t, nodes)
		assert.Empty(t, nodes)
	})

	t.Run("malformed body yields empty list", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"pagination":`))
		}))
		defer srv.Close()

		assert.Empty(t, newTestClient(t, srv.URL).FetchAll(context.Background()))
	})

	t.Run("failure on a later page discards partial results", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("page") == "2" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			_, _ = w.Write([]byte(`{"pagination":{"total_pages":2},"rows":[{"node_id":"a"}]}`))
		}))
		defer srv.Close()

		assert.Empty(t, newTestClient(t, srv.URL).FetchAll(context.Background()))
	})

	t.Run("slow upstream is bounded by the request timeout", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()

		c, err := NewClient(srv.URL,
			WithLogger(logr.Discard()),
			WithTimeout(100*time.Millisecond),
		)
		require.NoError(t, err)

		start := time.Now()
		assert.Empty(t, c.FetchAll(context.Background()))
		assert.Less(t, int64(time.Since(start)), int64(time.Second))
	})
}

func TestNewClient_Logger(t *testing.T) {
	t.Parallel()

	c, err := NewClient("http://localhost", WithLogger(logr.Discard()))
	require.NoError(t, err)
	assert.Equal(t, logr.Discard(), c.log)

	c, err = NewClient("http://localhost")
	require.NoError(t, err)
	assert.NotNil(t, c.log.GetSink())
}
