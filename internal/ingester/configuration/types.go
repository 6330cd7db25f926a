package configuration

import (
	"time"

	"github.com/G-Research/ingestcoord/internal/common/config"
	"github.com/G-Research/ingestcoord/internal/common/database"
	"github.com/G-Research/ingestcoord/internal/common/logging"
	"github.com/G-Research/ingestcoord/internal/throttle"
)

type SinkType string

const (
	SinkMemory   SinkType = "memory"
	SinkPostgres SinkType = "postgres"
)

type IngesterConfiguration struct {
	// Per-host concurrency and rate limits for fetching objects. Unlisted hosts are not throttled.
	Hosts []throttle.HostConfig `validate:"dive"`
	// Total bytes of object bodies that may be held in memory at once.
	InFlightBytes config.ByteSize `validate:"gt=0"`
	// Bytes reserved for an object whose size is not known up front.
	DefaultObjectSize config.ByteSize `validate:"gt=0"`
	// Whether the in-flight byte limit is enforced. It can be switched at runtime.
	GateEnabled bool
	// The objects to ingest, grouped by destination partition.
	Partitions []PartitionSource `validate:"min=1,dive"`
	// Where records are written.
	Sink SinkType `validate:"oneof=memory postgres"`
	// Disables partition locking. Only safe when each partition has a single writer.
	SingleWriter bool
	// Connection settings for the postgres sink.
	Postgres database.PostgresConfig
	// How often gate, lock and per-host usage is logged. Zero disables progress reports.
	ProgressInterval time.Duration
	Metrics          MetricsConfig
	Logging          logging.Config
	// Settings for decoding fetched objects.
	Decoding DecodingConfig
}

type PartitionSource struct {
	Partition string   `validate:"required"`
	URLs      []string `validate:"min=1,dive,url"`
	// If true, the records of all URLs are fetched together and replace the partition's contents in one write.
	// Otherwise each URL's records are appended as soon as they are fetched.
	Replace bool
}

type MetricsConfig struct {
	// Port to serve prometheus metrics on. Zero disables the metrics server.
	Port uint16
}

type DecodingConfig struct {
	// Single-character field delimiter. Defaults to ",".
	Delimiter  string `validate:"omitempty,len=1"`
	Comment    string `validate:"omitempty,len=1"`
	SkipHeader bool
}
