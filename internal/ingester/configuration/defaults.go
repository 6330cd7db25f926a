package configuration

import (
	"time"

	"github.com/G-Research/ingestcoord/internal/common/config"
	"github.com/G-Research/ingestcoord/internal/common/logging"
)

// Default returns the configuration values used when a config file does not set them.
func Default() IngesterConfiguration {
	return IngesterConfiguration{
		InFlightBytes:     config.ByteSize(256 * 1024 * 1024),
		DefaultObjectSize: config.ByteSize(8 * 1024 * 1024),
		GateEnabled:       true,
		Sink:              SinkMemory,
		ProgressInterval:  30 * time.Second,
		Metrics:           MetricsConfig{Port: 9000},
		Logging:           logging.DefaultConfig(),
	}
}
