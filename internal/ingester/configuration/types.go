package configuration

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Mode selects which source readers an ingester instance runs.
const (
	ModeAll      = "all"
	ModeLive     = "live"
	ModeBackfill = "backfill"
	ModeLabels   = "labels"
)

type IngesterConfiguration struct {
	// Database connection details
	Redis redis.UniversalOptions
	// Metrics port
	MetricsPort uint16 `validate:"required"`
	// Which source readers to run
	Mode string `validate:"required,oneof=all live backfill labels"`
	// Relay hosts to ingest live events and backfill listings from
	RelayHosts []string `validate:"required,min=1,dive,required"`
	// Labeler hosts to ingest moderation labels from
	LabelerHosts []string
	// Writes to a stream pause while its length is at or above this mark
	HighWaterMark int64 `validate:"required,gt=0"`
	// Maximum number of events in a batch
	BatchSize int `validate:"required,gt=0"`
	// Maximum time after which a batch is flushed regardless of size
	BatchDuration time.Duration `validate:"required"`
	// Wait between stream length probes while the high-water mark is hit
	Cooldown time.Duration `validate:"required"`
	// Number of times to try and write a batch to Redis before giving up
	MaxWriteRetries int `validate:"required,gt=0"`
	// Number of consecutive connection failures tolerated per source
	MaxReconnectAttempts int `validate:"required,gt=0"`
	// Number of repos requested per listRepos page
	BackfillPageSize int `validate:"required,gt=0,lte=1000"`
	// Wait between completed backfill enumerations before re-checking
	BackfillPollInterval time.Duration `validate:"required"`
	// Interval at which pipeline occupancy is logged
	ReporterInterval time.Duration `validate:"required"`
}
