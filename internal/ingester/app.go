package ingester

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	commonconfig "github.com/G-Research/ingestcoord/internal/common/config"
	"github.com/G-Research/ingestcoord/internal/common/database"
	"github.com/G-Research/ingestcoord/internal/common/ingestcontext"
	"github.com/G-Research/ingestcoord/internal/common/metrics"
	"github.com/G-Research/ingestcoord/internal/common/task"
	"github.com/G-Research/ingestcoord/internal/gate"
	"github.com/G-Research/ingestcoord/internal/ingester/configuration"
	"github.com/G-Research/ingestcoord/internal/ingester/fetch"
	"github.com/G-Research/ingestcoord/internal/ingester/pgsink"
	"github.com/G-Research/ingestcoord/internal/ingester/sink"
	"github.com/G-Research/ingestcoord/internal/partitionlock"
	"github.com/G-Research/ingestcoord/internal/throttle"
)

// Run builds an ingester from config and runs it to completion. In a dry run records are kept in memory whatever
// sink is configured. Sending the process SIGUSR1 switches the in-flight byte limit on or off.
func Run(ctx *ingestcontext.Context, config configuration.IngesterConfiguration, dryRun bool) (*Summary, error) {
	return run(ctx, config, dryRun, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func run(
	ctx *ingestcontext.Context,
	config configuration.IngesterConfiguration,
	dryRun bool,
	registerer prometheus.Registerer,
	gatherer prometheus.Gatherer,
) (*Summary, error) {
	m := metrics.NewMetrics(metrics.IngestCoordMetricsPrefix, registerer)
	if config.Metrics.Port > 0 {
		shutdownMetrics := metrics.ServeMetrics(config.Metrics.Port, gatherer)
		defer shutdownMetrics()
	}

	client, err := throttle.New(&http.Client{}, throttle.Config{Hosts: config.Hosts}, m)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sized, err := gate.NewSized(int64(config.InFlightBytes))
	if err != nil {
		return nil, err
	}
	bytes := gate.NewToggle(sized, config.GateEnabled)
	stopToggling := toggleOnSignal(ctx, bytes)
	defer stopToggling()

	partitionLock := partitionlock.New()
	var lock partitionlock.PartitionLock = partitionLock
	if config.SingleWriter {
		ctx.Log.Warn("Partition locking is disabled; each partition must have a single writer")
		lock = partitionlock.Void{}
	}

	if config.ProgressInterval > 0 {
		tasks := task.NewBackgroundTaskManager(metrics.IngestCoordMetricsPrefix, registerer)
		tasks.Register(func() { reportProgress(ctx, client, bytes, partitionLock) }, config.ProgressInterval, "progress_report")
		defer tasks.StopAll(time.Second)
	}

	var s sink.Sink
	if dryRun || config.Sink == configuration.SinkMemory {
		ctx.Log.Info("Storing records in memory")
		s = sink.NewMemorySink(lock, m)
	} else {
		ctx.Log.Infof("Opening connection pool to postgres")
		db, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, errors.WithMessage(err, "error opening connection to postgres")
		}
		defer db.Close()
		migrations, err := pgsink.Migrations()
		if err != nil {
			return nil, err
		}
		if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
			return nil, err
		}
		s = pgsink.New(db, lock, m)
	}

	fetcher := fetch.NewFetcher(client, bytes, int64(config.DefaultObjectSize), decoderFor(config.Decoding), m)
	return New(config.Partitions, fetcher, s, m).Run(ctx)
}

func reportProgress(ctx *ingestcontext.Context, client *throttle.Client, bytes *gate.Toggle, lock *partitionlock.Lock) {
	log := ctx.Log.WithFields(map[string]interface{}{
		"bytesReserved":    commonconfig.ByteSize(bytes.InUse()),
		"bytesLimit":       commonconfig.ByteSize(bytes.Capacity()),
		"byteLimitEnabled": !bytes.Disabled(),
		"activePartitions": lock.ActivePartitions(),
	})
	for _, host := range client.Hosts() {
		log = log.WithField("inFlight."+host, client.InFlight(host))
	}
	log.Info("Ingestion progress")
}

func decoderFor(config configuration.DecodingConfig) fetch.Decoder {
	decoder := fetch.CSVDecoder{SkipHeader: config.SkipHeader}
	if config.Delimiter != "" {
		decoder.Comma = []rune(config.Delimiter)[0]
	}
	if config.Comment != "" {
		decoder.Comment = []rune(config.Comment)[0]
	}
	return decoder
}

// Enabling or disabling the byte gate waits for a unit of capacity; give up rather than stop listening for signals.
const toggleTimeout = 30 * time.Second

// toggleOnSignal flips toggle between enabled and disabled each time SIGUSR1 is received.
func toggleOnSignal(ctx *ingestcontext.Context, toggle *gate.Toggle) (stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-c:
				if err := flip(ctx, toggle); err != nil {
					ctx.Log.WithError(err).Warn("Failed to switch the in-flight byte limit")
					continue
				}
				ctx.Log.Infof("In-flight byte limit disabled: %t", toggle.Disabled())
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		signal.Stop(c)
		close(done)
	}
}

func flip(ctx *ingestcontext.Context, toggle *gate.Toggle) error {
	ctx, cancel := ingestcontext.WithTimeout(ctx, toggleTimeout)
	defer cancel()
	if toggle.Disabled() {
		return toggle.Enable(ctx)
	}
	return toggle.Disable(ctx)
}
