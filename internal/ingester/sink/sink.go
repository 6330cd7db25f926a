// Package sink stores decoded records, coordinating writers to the same partition through a PartitionLock.
package sink

import (
	"context"

	"github.com/G-Research/ingestcoord/internal/ingester/model"
)

// Sink is the destination of an ingestion run.
type Sink interface {
	// Store appends records to partition. Any number of Store calls may proceed on a partition at once.
	Store(ctx context.Context, partition string, records []model.Record) error
	// Replace swaps the contents of partition for records. It waits for in-progress Store calls on the partition
	// to finish and excludes new ones until it is done.
	Replace(ctx context.Context, partition string, records []model.Record) error
}
