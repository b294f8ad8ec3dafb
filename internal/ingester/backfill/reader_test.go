package backfill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/metrics"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/model"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/pipeline"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/store"
)

type collectingSink struct {
	mu      sync.Mutex
	entries []model.BackfillEntry
}

func (s *collectingSink) Store(ctx context.Context, batch []model.BackfillEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, batch...)
	return nil
}

func (s *collectingSink) Length(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *collectingSink) collected() []model.BackfillEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BackfillEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func TestEnumerationPagesThroughAllRepos(t *testing.T) {
	inactive := false
	pages := map[string]listReposResponse{
		"": {
			Repos: []repoRef{
				{Did: "did:plc:aaa", Rev: "rev-a"},
				{Did: "did:plc:bbb", Rev: "rev-b", Active: &inactive, Status: strPtr("takendown")},
			},
			Cursor: strPtr("page2"),
		},
		"page2": {
			Repos: []repoRef{{Did: "did:plc:ccc", Rev: "rev-c"}},
		},
	}
	var requests int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&requests, 1)
		assert.Equal(t, "/xrpc/com.atproto.sync.listRepos", req.URL.Path)
		page, ok := pages[req.URL.Query().Get("cursor")]
		require.True(t, ok)
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	withBackfillReader(t, srv, func(ctx context.Context, r *Reader, cursors *store.RedisStreamStore, sink *collectingSink) {
		require.NoError(t, r.runEnumeration(ctx))

		waitFor(t, func() bool { return len(sink.collected()) == 3 })
		entries := sink.collected()
		assert.Equal(t, "did:plc:aaa", entries[0].Did)
		assert.Equal(t, "https://relay.test", entries[0].Host)
		assert.Equal(t, "rev-a", entries[0].Rev)
		assert.True(t, entries[0].Active)
		assert.Nil(t, entries[0].Status)

		assert.False(t, entries[1].Active)
		require.NotNil(t, entries[1].Status)
		assert.Equal(t, "takendown", *entries[1].Status)

		cursor, found, err := cursors.GetCursor(ctx, model.RepoBackfillStream, "relay.test")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, model.DoneCursor, cursor)
		assert.Equal(t, int64(2), atomic.LoadInt64(&requests))
	})
}

func TestEnumerationResumesFromStoredCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "mid-token", req.URL.Query().Get("cursor"))
		page := listReposResponse{Repos: []repoRef{{Did: "did:plc:zzz", Rev: "rev-z"}}}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	withBackfillReader(t, srv, func(ctx context.Context, r *Reader, cursors *store.RedisStreamStore, sink *collectingSink) {
		require.NoError(t, cursors.SetCursor(ctx, model.RepoBackfillStream, "relay.test", "mid-token"))
		require.NoError(t, r.runEnumeration(ctx))
		waitFor(t, func() bool { return len(sink.collected()) == 1 })
	})
}

func TestEnumerationSkippedOnceComplete(t *testing.T) {
	var requests int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&requests, 1)
	}))
	defer srv.Close()

	withBackfillReader(t, srv, func(ctx context.Context, r *Reader, cursors *store.RedisStreamStore, sink *collectingSink) {
		require.NoError(t, cursors.SetCursor(ctx, model.RepoBackfillStream, "relay.test", model.DoneCursor))
		require.NoError(t, r.runEnumeration(ctx))
		assert.Equal(t, int64(0), atomic.LoadInt64(&requests))
		assert.Empty(t, sink.collected())
	})
}

func TestEnumerationSurfacesPersistentFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	withBackfillReader(t, srv, func(ctx context.Context, r *Reader, cursors *store.RedisStreamStore, sink *collectingSink) {
		err := r.runEnumeration(ctx)
		require.Error(t, err)

		// The pagination token is untouched, so the next attempt resumes from
		// the same place.
		_, found, getErr := cursors.GetCursor(ctx, model.RepoBackfillStream, "relay.test")
		require.NoError(t, getErr)
		assert.False(t, found)
	})
}

func withBackfillReader(t *testing.T, srv *httptest.Server, action func(ctx context.Context, r *Reader, cursors *store.RedisStreamStore, sink *collectingSink)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = db.Close() }()
	cursors := store.NewRedisStreamStore(db)

	sink := &collectingSink{}
	p := pipeline.New[model.BackfillEntry](model.RepoBackfillStream, sink, metrics.Get(), 10, 20*time.Millisecond, 1_000_000, 10*time.Millisecond, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipelineDone := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(pipelineDone)
	}()

	r := NewReader("relay.test", p, cursors, 100, time.Minute, metrics.Get())
	r.baseURL = srv.URL + "/xrpc/com.atproto.sync.listRepos"
	r.retries = 2
	r.retryDelay = time.Millisecond

	action(ctx, r, cursors, sink)

	cancel()
	<-pipelineDone
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	require.Eventually(t, condition, 5*time.Second, 5*time.Millisecond)
}

func strPtr(s string) *string {
	return &s
}
