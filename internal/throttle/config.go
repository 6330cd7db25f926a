package throttle

// HostConfig limits outbound traffic to a single destination host.
type HostConfig struct {
	// Host as it appears in request URLs, either "name" or "name:port".
	Host string `validate:"required"`
	// Maximum number of concurrent requests to the host.
	MaxConcurrency int `validate:"gt=0"`
	// Optional steady-state request rate. Zero means requests are not paced.
	RequestsPerSecond float64 `validate:"gte=0"`
	// Burst allowed above RequestsPerSecond. Defaults to 1 when pacing is enabled.
	Burst int `validate:"gte=0"`
}

// Config is the set of per-host limits. Hosts that are not listed are not throttled.
type Config struct {
	Hosts []HostConfig `validate:"dive"`
}
