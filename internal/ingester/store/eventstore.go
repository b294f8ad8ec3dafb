package store

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStreamStore is the downstream log: an append-only, length-queryable
// Redis Streams store that doubles as the cursor store. Cursor keys live in
// the same keyspace as the streams so that a batch append and its cursor
// update can ride in one pipeline.
type RedisStreamStore struct {
	db redis.UniversalClient
}

func NewRedisStreamStore(db redis.UniversalClient) *RedisStreamStore {
	return &RedisStreamStore{db: db}
}

// CursorKey is the durable marker key for the last confirmed position of one
// source+host pair.
func CursorKey(stream string, host string) string {
	return stream + ":cursor:" + host
}

// GetCursor returns the stored cursor for the given stream and host, or
// ("", false) if no cursor has been stored yet.
func (s *RedisStreamStore) GetCursor(ctx context.Context, stream string, host string) (string, bool, error) {
	val, err := s.db.Get(ctx, CursorKey(stream, host)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WithMessagef(err, "error reading cursor for %s/%s", stream, host)
	}
	return val, true, nil
}

// GetIntCursor returns the stored cursor parsed as a sequence number, or 0 if
// no cursor has been stored. A cursor of 0 asks the upstream for everything
// from the beginning of its buffer.
func (s *RedisStreamStore) GetIntCursor(ctx context.Context, stream string, host string) (int64, error) {
	val, ok, err := s.GetCursor(ctx, stream, host)
	if err != nil || !ok {
		return 0, err
	}
	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, errors.WithMessagef(err, "malformed cursor %q for %s/%s", val, stream, host)
	}
	return seq, nil
}

func (s *RedisStreamStore) SetCursor(ctx context.Context, stream string, host string, value string) error {
	err := s.db.Set(ctx, CursorKey(stream, host), value, 0).Err()
	return errors.WithMessagef(err, "error writing cursor for %s/%s", stream, host)
}

// Length returns the current length of a stream.
func (s *RedisStreamStore) Length(ctx context.Context, stream string) (int64, error) {
	length, err := s.db.XLen(ctx, stream).Result()
	return length, errors.WithMessagef(err, "error querying length of %s", stream)
}

// StreamSink binds the store to one stream and one event type. It appends a
// batch of events atomically as one Redis pipeline; if the sink carries a
// cursor key, the batch's last sequence number is written in the same
// pipeline, so the cursor can never run ahead of a confirmed append.
type StreamSink[T any] struct {
	store     *RedisStreamStore
	stream    string
	field     string
	cursorKey string
	seqOf     func(T) int64
}

// NewStreamSink creates a sink for the given stream. cursorKey may be empty
// and seqOf nil for sources whose cursor is maintained elsewhere (backfill
// pagination tokens).
func NewStreamSink[T any](store *RedisStreamStore, stream string, field string, cursorKey string, seqOf func(T) int64) *StreamSink[T] {
	return &StreamSink[T]{
		store:     store,
		stream:    stream,
		field:     field,
		cursorKey: cursorKey,
		seqOf:     seqOf,
	}
}

// Store appends the batch to the stream. The batch is written as a unit;
// either every event is appended or the error is returned with the batch
// unconsumed.
func (s *StreamSink[T]) Store(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}

	var maxSeq int64
	pipe := s.store.db.Pipeline()
	for _, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			return errors.WithMessagef(err, "error serializing event for %s", s.stream)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{s.field: data},
		})
		if s.seqOf != nil {
			if seq := s.seqOf(event); seq > maxSeq {
				maxSeq = seq
			}
		}
	}
	if s.cursorKey != "" && maxSeq > 0 {
		pipe.Set(ctx, s.cursorKey, maxSeq, 0)
	}

	_, err := pipe.Exec(ctx)
	return errors.WithMessagef(err, "error appending %d events to %s", len(batch), s.stream)
}

// Length reports the current length of the sink's stream.
func (s *StreamSink[T]) Length(ctx context.Context) (int64, error) {
	return s.store.Length(ctx, s.stream)
}
