package batch

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"
)

// Batcher batches up events from a channel. Batches are emitted whenever
// maxItems have been received or maxTimeout has elapsed since the current
// batch was started (whichever occurs first). The callback is expected to
// block when downstream is full; that blocking is what propagates
// backpressure to the intake channel and, through it, to the source readers.
type Batcher[T any] struct {
	input      <-chan T
	maxItems   int
	maxTimeout time.Duration
	clock      clock.Clock
	callback   func([]T)
	buffer     []T
}

func NewBatcher[T any](input <-chan T, maxItems int, maxTimeout time.Duration, callback func([]T)) *Batcher[T] {
	return &Batcher[T]{
		input:      input,
		maxItems:   maxItems,
		maxTimeout: maxTimeout,
		callback:   callback,
		clock:      clock.RealClock{},
	}
}

// Run accumulates batches until ctx is cancelled or the input channel closes.
// On channel close any partial batch is flushed before returning, so a
// graceful shutdown (reader closes intake) never strands accepted events.
func (b *Batcher[T]) Run(ctx context.Context) {
	for {
		b.buffer = make([]T, 0, b.maxItems)
		expire := b.clock.After(b.maxTimeout)
		for appendToBatch := true; appendToBatch; {
			select {
			case <-ctx.Done():
				log.Debug("Batcher: context is done")
				return
			case value, ok := <-b.input:
				if !ok {
					if len(b.buffer) > 0 {
						b.callback(b.buffer)
					}
					return
				}

				b.buffer = append(b.buffer, value)
				if len(b.buffer) == b.maxItems {
					b.callback(b.buffer)
					appendToBatch = false
				}

			case <-expire:
				if len(b.buffer) > 0 {
					b.callback(b.buffer)
				}
				appendToBatch = false
			}
		}
	}
}
