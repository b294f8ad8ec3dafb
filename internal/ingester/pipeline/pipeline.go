package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/batch"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/metrics"
)

// flushQueueCapacity bounds how many fully-formed batches can wait for a
// write slot. Together with the intake capacity of 2x batch size this fixes
// the maximum number of events the process can hold in memory per pipeline.
const flushQueueCapacity = 4

// Sink is the downstream log for one stream: it can append a batch
// atomically and report its current length. The sink must not retry
// internally; the pipeline owns the retry policy.
type Sink[T any] interface {
	Store(ctx context.Context, batch []T) error
	Length(ctx context.Context) (int64, error)
}

// Pipeline is the bounded hand-off between a source reader and the downstream
// log. Events submitted by the reader flow through a bounded intake channel
// into the batcher, completed batches flow through a bounded flush queue into
// the writer, and the writer gates each write on the downstream length. All
// three hand-offs block when full; that blocking, not any explicit signal, is
// the backpressure mechanism.
type Pipeline[T any] struct {
	name          string
	intake        chan T
	flush         chan []T
	batchSize     int
	batchDuration time.Duration
	highWaterMark int64
	cooldown      time.Duration
	maxRetries    int
	sink          Sink[T]
	metrics       *metrics.Metrics
	clock         clock.Clock
}

func New[T any](
	name string,
	sink Sink[T],
	m *metrics.Metrics,
	batchSize int,
	batchDuration time.Duration,
	highWaterMark int64,
	cooldown time.Duration,
	maxWriteRetries int,
) *Pipeline[T] {
	return &Pipeline[T]{
		name:          name,
		intake:        make(chan T, 2*batchSize),
		flush:         make(chan []T, flushQueueCapacity),
		batchSize:     batchSize,
		batchDuration: batchDuration,
		highWaterMark: highWaterMark,
		cooldown:      cooldown,
		maxRetries:    maxWriteRetries,
		sink:          sink,
		metrics:       m,
		clock:         clock.RealClock{},
	}
}

// Submit hands events to the batcher in order, blocking while the intake
// channel is full. The in-memory counter is incremented per accepted event;
// callers must not buffer events locally on top of this call. Returns the
// context error if cancelled mid-submission; events accepted before the
// cancellation remain counted and will be drained by the writer.
func (p *Pipeline[T]) Submit(ctx context.Context, events ...T) error {
	for _, event := range events {
		select {
		case p.intake <- event:
			p.metrics.RecordEventsReceived(p.name, 1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run drives the batcher and the writer until ctx is cancelled or a write
// exhausts its retry budget. On cancellation the pipeline is given a grace
// period of twice the batch duration to flush in-flight batches before it is
// torn down; cursor updates ride inside confirmed writes, so a restart never
// resumes before the last confirmed position.
func (p *Pipeline[T]) Run(ctx context.Context) error {
	drainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			p.clock.Sleep(2 * p.batchDuration)
			log.Infof("Pipeline %s: drain grace period elapsed, forcing shutdown", p.name)
			cancel()
		case <-drainCtx.Done():
		}
	}()

	batcher := batch.NewBatcher[T](p.intake, p.batchSize, p.batchDuration, func(b []T) {
		select {
		case p.flush <- b:
		case <-drainCtx.Done():
		}
	})
	batcherDone := make(chan struct{})
	go func() {
		batcher.Run(drainCtx)
		close(batcherDone)
	}()

	for {
		select {
		case <-drainCtx.Done():
			<-batcherDone
			return nil
		case b := <-p.flush:
			if err := p.write(drainCtx, b); err != nil {
				return err
			}
		}
	}
}

// write is one writer iteration: gate on the downstream length, then append
// the batch with bounded retries, then decrement the in-memory counter. The
// batch is never discarded on error; a retry-budget exhaustion is returned as
// fatal.
func (p *Pipeline[T]) write(ctx context.Context, b []T) error {
	p.waitForCapacity(ctx)
	if ctx.Err() != nil {
		return nil
	}

	start := time.Now()
	err := WithRetry(func() (error, bool) {
		storeErr := p.sink.Store(ctx, b)
		return storeErr, isRetryable(storeErr)
	}, p.maxRetries)
	if err != nil {
		return err
	}

	p.metrics.RecordEventsWritten(p.name, len(b))
	log.Debugf("Pipeline %s: wrote %d events in %dms", p.name, len(b), time.Since(start).Milliseconds())
	return nil
}

// waitForCapacity blocks while the downstream stream length is at or above
// the high-water mark, re-checking after each fixed cooldown. A failed length
// probe is logged and treated as "proceed": the write path's own retries deal
// with a store that is actually down, and a store that can append but not
// answer XLEN must not wedge the gate forever.
func (p *Pipeline[T]) waitForCapacity(ctx context.Context) {
	throttled := false
	for {
		length, err := p.sink.Length(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warnf("Pipeline %s: could not query downstream length, proceeding to write", p.name)
			}
			break
		}
		p.metrics.RecordStreamLength(p.name, length)
		if length < p.highWaterMark {
			break
		}
		if !throttled {
			throttled = true
			p.metrics.RecordBackpressure(p.name, true)
		}
		log.WithFields(log.Fields{
			"stream":         p.name,
			"length":         length,
			"highWaterMark":  p.highWaterMark,
			"eventsInMemory": p.metrics.EventsInMemory(),
		}).Warn("Backpressure: downstream stream over high-water mark, pausing writes")
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.cooldown):
		}
	}
	if throttled {
		p.metrics.RecordBackpressure(p.name, false)
		log.Infof("Pipeline %s: backpressure cleared, resuming writes", p.name)
	}
}
