package sink

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/ingestcoord/internal/common/metrics"
	"github.com/G-Research/ingestcoord/internal/ingester/model"
	"github.com/G-Research/ingestcoord/internal/partitionlock"
)

// MemorySink keeps records per partition in memory. Useful for dry runs and tests.
type MemorySink struct {
	lock    partitionlock.PartitionLock
	metrics *metrics.Metrics

	mu         sync.Mutex
	partitions map[string][]model.Record
}

func NewMemorySink(lock partitionlock.PartitionLock, m *metrics.Metrics) *MemorySink {
	return &MemorySink{
		lock:       lock,
		metrics:    m,
		partitions: make(map[string][]model.Record),
	}
}

func (s *MemorySink) Store(ctx context.Context, partition string, records []model.Record) error {
	start := time.Now()
	release, err := s.lock.EntryAccess(ctx, partition)
	if err != nil {
		return errors.WithMessagef(err, "error waiting to store to partition %s", partition)
	}
	defer release()
	s.metrics.RecordLockWait(metrics.AccessModeEntry, time.Since(start))

	s.mu.Lock()
	s.partitions[partition] = append(s.partitions[partition], records...)
	s.mu.Unlock()
	s.metrics.RecordRecordsStored(partition, metrics.AccessModeEntry, len(records))
	return nil
}

func (s *MemorySink) Replace(ctx context.Context, partition string, records []model.Record) error {
	start := time.Now()
	release, err := s.lock.WholePartitionAccess(ctx, partition)
	if err != nil {
		return errors.WithMessagef(err, "error waiting to replace partition %s", partition)
	}
	defer release()
	s.metrics.RecordLockWait(metrics.AccessModeWhole, time.Since(start))

	s.mu.Lock()
	s.partitions[partition] = slices.Clone(records)
	s.mu.Unlock()
	s.metrics.RecordRecordsStored(partition, metrics.AccessModeWhole, len(records))
	return nil
}

// Records returns a copy of what is currently stored in partition.
func (s *MemorySink) Records(partition string) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.partitions[partition])
}

// Partitions returns the names of all partitions written so far, in sorted order.
func (s *MemorySink) Partitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	partitions := maps.Keys(s.partitions)
	slices.Sort(partitions)
	return partitions
}
