package metrics

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunReporter periodically logs the in-memory event count and the last
// observed downstream stream length. It is purely diagnostic and has no
// side effects on the pipeline. Runs until ctx is cancelled.
func RunReporter(ctx context.Context, m *Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.WithFields(log.Fields{
				"eventsInMemory": m.EventsInMemory(),
				"streamLength":   m.LastStreamLength(),
			}).Info("ingester buffering status")
		}
	}
}
