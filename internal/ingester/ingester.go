// Package ingester wires source readers, pipelines and the Redis Streams
// store into a running process.
package ingester

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blacksky-algorithms/rsky-sub001/internal/common"
	"github.com/blacksky-algorithms/rsky-sub001/internal/common/app"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/backfill"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/configuration"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/firehose"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/labels"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/metrics"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/model"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/pipeline"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/store"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/subscribe"
)

// Run will create one pipeline per source and host, pulling events off the
// firehose, backfill and label sources and appending them to Redis Streams.
// It runs until a SIGTERM is received or a pipeline fails fatally.
func Run(config *configuration.IngesterConfiguration) error {
	log.Info("Ingester starting")

	m := metrics.Get()

	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close Redis client")
		}
	}()
	streamStore := store.NewRedisStreamStore(db)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	ctx := app.CreateContextWithShutdown()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		metrics.RunReporter(ctx, m, config.ReporterInterval)
		return nil
	})

	runLive := config.Mode == configuration.ModeAll || config.Mode == configuration.ModeLive
	runBackfill := config.Mode == configuration.ModeAll || config.Mode == configuration.ModeBackfill
	runLabels := config.Mode == configuration.ModeAll || config.Mode == configuration.ModeLabels

	for _, relayHost := range config.RelayHosts {
		host := subscribe.CleanHost(relayHost)

		if runLive {
			sink := store.NewStreamSink(
				streamStore,
				model.FirehoseLiveStream,
				"event",
				store.CursorKey(model.FirehoseLiveStream, host),
				func(e model.StreamEvent) int64 { return e.Seq },
			)
			p := pipeline.New[model.StreamEvent](model.FirehoseLiveStream, sink, m, config.BatchSize, config.BatchDuration, config.HighWaterMark, config.Cooldown, config.MaxWriteRetries)
			reader := firehose.NewReader(host, p, streamStore, config.MaxReconnectAttempts, m)
			g.Go(func() error { return p.Run(ctx) })
			g.Go(func() error { return reader.Run(ctx) })
		}

		if runBackfill {
			// The backfill cursor is the listRepos pagination token, persisted
			// by the reader per page rather than by the sink per batch.
			sink := store.NewStreamSink[model.BackfillEntry](streamStore, model.RepoBackfillStream, "repo", "", nil)
			p := pipeline.New[model.BackfillEntry](model.RepoBackfillStream, sink, m, config.BatchSize, config.BatchDuration, config.HighWaterMark, config.Cooldown, config.MaxWriteRetries)
			reader := backfill.NewReader(host, p, streamStore, config.BackfillPageSize, config.BackfillPollInterval, m)
			g.Go(func() error { return p.Run(ctx) })
			g.Go(func() error { return reader.Run(ctx) })
		}
	}

	if runLabels {
		for _, labelerHost := range config.LabelerHosts {
			host := subscribe.CleanHost(labelerHost)
			sink := store.NewStreamSink(
				streamStore,
				model.LabelLiveStream,
				"labels",
				store.CursorKey(model.LabelLiveStream, host),
				func(e model.LabelEvent) int64 { return e.Seq },
			)
			p := pipeline.New[model.LabelEvent](model.LabelLiveStream, sink, m, config.BatchSize, config.BatchDuration, config.HighWaterMark, config.Cooldown, config.MaxWriteRetries)
			reader := labels.NewReader(host, p, streamStore, config.MaxReconnectAttempts, m)
			g.Go(func() error { return p.Run(ctx) })
			g.Go(func() error { return reader.Run(ctx) })
		}
	}

	if err := g.Wait(); err != nil {
		return errors.WithMessage(err, "error running ingestion pipelines")
	}
	log.Info("Ingester shut down")
	return nil
}
