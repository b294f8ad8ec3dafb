// Package firehose ingests the live repository event stream
// (com.atproto.sync.subscribeRepos) from a relay and submits the resulting
// events to the firehose_live pipeline.
package firehose

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/metrics"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/model"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/pipeline"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/store"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/subscribe"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/wire"
)

const (
	Source = "firehose"
	method = "com.atproto.sync.subscribeRepos"
)

// Reader is the live-event source reader for one relay host. It owns no
// buffering of its own: every event is pushed through the pipeline's blocking
// Submit before the next frame is pulled off the socket.
type Reader struct {
	host                 string
	pipeline             *pipeline.Pipeline[model.StreamEvent]
	cursors              *store.RedisStreamStore
	maxReconnectAttempts int
	metrics              *metrics.Metrics
}

func NewReader(host string, p *pipeline.Pipeline[model.StreamEvent], cursors *store.RedisStreamStore, maxReconnectAttempts int, m *metrics.Metrics) *Reader {
	return &Reader{
		host:                 host,
		pipeline:             p,
		cursors:              cursors,
		maxReconnectAttempts: maxReconnectAttempts,
		metrics:              m,
	}
}

// Run subscribes to the relay until ctx is cancelled, reconnecting with
// backoff. Each reconnect resumes from the last confirmed cursor, which the
// writer persists together with every batch append.
func (r *Reader) Run(ctx context.Context) error {
	log.Infof("Starting firehose reader for %s", r.host)
	return subscribe.RunWithReconnect(ctx, Source, r.maxReconnectAttempts, r.metrics, r.runConnection)
}

func (r *Reader) runConnection(ctx context.Context) error {
	cursor, err := r.cursors.GetIntCursor(ctx, model.FirehoseLiveStream, r.host)
	if err != nil {
		return errors.WithMessage(err, "error resolving firehose cursor")
	}

	url := subscribe.URL(r.host, method, cursor)
	log.Infof("Subscribing to %s from cursor %d", url, cursor)

	return subscribe.Run(ctx, url, r.metrics, func(data []byte) error {
		events, err := convertFrame(data)
		if err != nil {
			var subErr *wire.SubscriptionError
			if errors.As(err, &subErr) {
				return subErr
			}
			r.metrics.RecordParseError(Source)
			log.WithError(err).Warnf("Skipping unparseable frame from %s", r.host)
			return nil
		}
		if len(events) == 0 {
			return nil
		}
		return r.pipeline.Submit(ctx, events...)
	})
}
