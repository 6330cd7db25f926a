// Package ingester fetches objects from remote hosts and writes their records to partitions of a sink.
//
// Every partition source is read concurrently. Fetches are bounded per host by the throttled client and in total
// by a byte gate, and writers to the same partition are coordinated by the sink's partition lock: appends share a
// partition while a replacement has it to itself.
package ingester

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/ingestcoord/internal/common/ingestcontext"
	"github.com/G-Research/ingestcoord/internal/common/metrics"
	"github.com/G-Research/ingestcoord/internal/ingester/configuration"
	"github.com/G-Research/ingestcoord/internal/ingester/model"
	"github.com/G-Research/ingestcoord/internal/ingester/sink"
	"github.com/G-Research/ingestcoord/internal/stream"
)

type Fetcher interface {
	Fetch(ctx context.Context, task model.Task) (*model.Batch, error)
}

// job is a single write to a partition. An append job covers one object; a replace job covers every object of
// its source, so the partition is swapped for their combined records in one step.
type job struct {
	partition string
	tasks     []model.Task
	replace   bool
}

type Ingester struct {
	sources []configuration.PartitionSource
	fetcher Fetcher
	sink    sink.Sink
	metrics *metrics.Metrics
}

func New(sources []configuration.PartitionSource, fetcher Fetcher, sink sink.Sink, m *metrics.Metrics) *Ingester {
	return &Ingester{
		sources: sources,
		fetcher: fetcher,
		sink:    sink,
		metrics: m,
	}
}

// Run ingests every configured source. It returns once everything has been stored, or with the first error, in
// which case all other work is cancelled.
func (i *Ingester) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	logCtx := ingestcontext.WithLogField(ingestcontext.FromContext(ctx), "runId", runID)
	logCtx.Log.Infof("Ingesting %d partition sources", len(i.sources))

	sources := make([]stream.Source[job], len(i.sources))
	for idx, src := range i.sources {
		sources[idx] = stream.FromSlice(jobsFor(src))
	}
	jobs := stream.Merge(logCtx, sources...)
	defer jobs.Close()
	results := stream.Pipe[job, model.Result](logCtx, jobs, stream.Map(i.process))
	defer results.Close()

	summary := &Summary{RunID: runID}
	err := stream.ForEach[model.Result](logCtx, results, func(result model.Result) error {
		logCtx.Log.
			WithField("partition", result.Partition).
			Debugf("Stored %d records from %d objects", result.Records, len(result.URLs))
		summary.Results = append(summary.Results, result)
		return nil
	})
	summary.Elapsed = time.Since(start)
	if err != nil {
		return summary, err
	}

	sort.SliceStable(summary.Results, func(a, b int) bool {
		return summary.Results[a].Partition < summary.Results[b].Partition
	})
	logCtx.Log.Infof("Stored %d records (%d bytes) in %s", summary.Records(), summary.Bytes(), summary.Elapsed)
	return summary, nil
}

func (i *Ingester) process(parent context.Context, j job) (model.Result, error) {
	ctx := ingestcontext.WithLogFields(ingestcontext.FromContext(parent), log.Fields{
		"partition": j.partition,
		"replace":   j.replace,
	})
	result := model.Result{Partition: j.partition, Replaced: j.replace}

	batches, err := i.fetchAll(ctx, j.tasks)
	if err != nil {
		return result, err
	}
	var records []model.Record
	for _, batch := range batches {
		result.URLs = append(result.URLs, batch.Task.URL)
		result.Bytes += batch.Bytes
		records = append(records, batch.Records...)
	}
	result.Records = len(records)

	if j.replace {
		err = i.sink.Replace(ctx, j.partition, records)
	} else {
		err = i.sink.Store(ctx, j.partition, records)
	}
	if err != nil {
		i.metrics.RecordError(metrics.ErrorKindStore)
		return result, errors.WithMessagef(err, "error writing to partition %s", j.partition)
	}
	return result, nil
}

// fetchAll fetches tasks concurrently and returns their batches in task order.
func (i *Ingester) fetchAll(ctx context.Context, tasks []model.Task) ([]*model.Batch, error) {
	if len(tasks) == 1 {
		batch, err := i.fetcher.Fetch(ctx, tasks[0])
		if err != nil {
			return nil, err
		}
		return []*model.Batch{batch}, nil
	}

	type indexed struct {
		idx   int
		batch *model.Batch
	}
	indices := make([]int, len(tasks))
	for idx := range indices {
		indices[idx] = idx
	}
	fetched := stream.Pipe[int, indexed](ctx, stream.FromSlice(indices), stream.Map(
		func(ctx context.Context, idx int) (indexed, error) {
			batch, err := i.fetcher.Fetch(ctx, tasks[idx])
			return indexed{idx: idx, batch: batch}, err
		}))
	defer fetched.Close()

	batches := make([]*model.Batch, len(tasks))
	err := stream.ForEach[indexed](ctx, fetched, func(item indexed) error {
		batches[item.idx] = item.batch
		return nil
	})
	return batches, err
}

func jobsFor(src configuration.PartitionSource) []job {
	tasks := make([]model.Task, len(src.URLs))
	for idx, u := range src.URLs {
		tasks[idx] = model.Task{Partition: src.Partition, URL: u, Replace: src.Replace}
	}
	if src.Replace {
		return []job{{partition: src.Partition, tasks: tasks, replace: true}}
	}
	jobs := make([]job, len(tasks))
	for idx, task := range tasks {
		jobs[idx] = job{partition: src.Partition, tasks: []model.Task{task}}
	}
	return jobs
}

// Summary describes a completed run.
type Summary struct {
	RunID   string
	Results []model.Result
	Elapsed time.Duration
}

func (s *Summary) Records() int {
	total := 0
	for _, r := range s.Results {
		total += r.Records
	}
	return total
}

func (s *Summary) Bytes() int64 {
	var total int64
	for _, r := range s.Results {
		total += r.Bytes
	}
	return total
}

// Partitions returns the number of records stored per partition.
func (s *Summary) Partitions() map[string]int {
	partitions := make(map[string]int)
	for _, r := range s.Results {
		partitions[r.Partition] += r.Records
	}
	return partitions
}
