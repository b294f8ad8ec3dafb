package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/model"
)

func TestCursorRoundTrip(t *testing.T) {
	withStreamStore(t, func(r *miniredis.Miniredis, s *RedisStreamStore) {
		ctx := context.Background()

		val, found, err := s.GetCursor(ctx, model.FirehoseLiveStream, "relay.example.com")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, "", val)

		err = s.SetCursor(ctx, model.FirehoseLiveStream, "relay.example.com", "12345")
		require.NoError(t, err)

		val, found, err = s.GetCursor(ctx, model.FirehoseLiveStream, "relay.example.com")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "12345", val)

		seq, err := s.GetIntCursor(ctx, model.FirehoseLiveStream, "relay.example.com")
		require.NoError(t, err)
		assert.Equal(t, int64(12345), seq)
	})
}

func TestIntCursorDefaultsToZero(t *testing.T) {
	withStreamStore(t, func(r *miniredis.Miniredis, s *RedisStreamStore) {
		seq, err := s.GetIntCursor(context.Background(), model.LabelLiveStream, "labeler.example.com")
		require.NoError(t, err)
		assert.Equal(t, int64(0), seq)
	})
}

func TestCursorsAreScopedPerStreamAndHost(t *testing.T) {
	withStreamStore(t, func(r *miniredis.Miniredis, s *RedisStreamStore) {
		ctx := context.Background()
		require.NoError(t, s.SetCursor(ctx, model.FirehoseLiveStream, "host-a", "1"))
		require.NoError(t, s.SetCursor(ctx, model.FirehoseLiveStream, "host-b", "2"))
		require.NoError(t, s.SetCursor(ctx, model.RepoBackfillStream, "host-a", model.DoneCursor))

		a, err := s.GetIntCursor(ctx, model.FirehoseLiveStream, "host-a")
		require.NoError(t, err)
		b, err := s.GetIntCursor(ctx, model.FirehoseLiveStream, "host-b")
		require.NoError(t, err)
		assert.Equal(t, int64(1), a)
		assert.Equal(t, int64(2), b)

		backfill, found, err := s.GetCursor(ctx, model.RepoBackfillStream, "host-a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, model.DoneCursor, backfill)
	})
}

func TestStoreAppendsBatchAndCursorTogether(t *testing.T) {
	withStreamStore(t, func(r *miniredis.Miniredis, s *RedisStreamStore) {
		ctx := context.Background()
		sink := NewStreamSink(
			s,
			model.FirehoseLiveStream,
			"event",
			CursorKey(model.FirehoseLiveStream, "relay.example.com"),
			func(e model.StreamEvent) int64 { return e.Seq },
		)

		batch := []model.StreamEvent{
			{Type: model.EventRepo, Seq: 10, Did: "did:plc:aaa", Commit: "bafyaaa"},
			{Type: model.EventRepo, Seq: 12, Did: "did:plc:bbb", Commit: "bafybbb"},
			{Type: model.EventRepo, Seq: 11, Did: "did:plc:ccc", Commit: "bafyccc"},
		}
		require.NoError(t, sink.Store(ctx, batch))

		length, err := sink.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), length)

		// The cursor is the highest sequence number of the batch.
		seq, err := s.GetIntCursor(ctx, model.FirehoseLiveStream, "relay.example.com")
		require.NoError(t, err)
		assert.Equal(t, int64(12), seq)

		// Events come back out in submission order.
		entries, err := redisClient(r).XRange(ctx, model.FirehoseLiveStream, "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, entry := range entries {
			var got model.StreamEvent
			require.NoError(t, json.Unmarshal([]byte(entry.Values["event"].(string)), &got))
			assert.Equal(t, batch[i].Seq, got.Seq)
			assert.Equal(t, batch[i].Did, got.Did)
		}
	})
}

func TestStoreWithoutCursorKeyLeavesNoCursor(t *testing.T) {
	withStreamStore(t, func(r *miniredis.Miniredis, s *RedisStreamStore) {
		ctx := context.Background()
		sink := NewStreamSink[model.BackfillEntry](s, model.RepoBackfillStream, "repo", "", nil)

		batch := []model.BackfillEntry{
			{Did: "did:plc:aaa", Host: "https://relay.example.com", Rev: "rev1", Active: true},
			{Did: "did:plc:bbb", Host: "https://relay.example.com", Rev: "rev2", Active: true},
		}
		require.NoError(t, sink.Store(ctx, batch))

		length, err := s.Length(ctx, model.RepoBackfillStream)
		require.NoError(t, err)
		assert.Equal(t, int64(2), length)

		_, found, err := s.GetCursor(ctx, model.RepoBackfillStream, "relay.example.com")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestStoreEmptyBatchIsANoop(t *testing.T) {
	withStreamStore(t, func(r *miniredis.Miniredis, s *RedisStreamStore) {
		ctx := context.Background()
		sink := NewStreamSink(s, model.LabelLiveStream, "labels", CursorKey(model.LabelLiveStream, "labeler"), func(e model.LabelEvent) int64 { return e.Seq })
		require.NoError(t, sink.Store(ctx, nil))

		length, err := sink.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), length)
	})
}

func withStreamStore(t *testing.T, action func(r *miniredis.Miniredis, s *RedisStreamStore)) {
	t.Helper()
	r, err := miniredis.Run()
	require.NoError(t, err)
	defer r.Close()
	db := redis.NewClient(&redis.Options{Addr: r.Addr()})
	defer func() { _ = db.Close() }()
	action(r, NewRedisStreamStore(db))
}

func redisClient(r *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: r.Addr()})
}
