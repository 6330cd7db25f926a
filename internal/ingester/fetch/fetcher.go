// Package fetch downloads objects through the throttled client and decodes them into records.
package fetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/ingestcoord/internal/common/config"
	"github.com/G-Research/ingestcoord/internal/common/ingestcontext"
	"github.com/G-Research/ingestcoord/internal/common/metrics"
	"github.com/G-Research/ingestcoord/internal/gate"
	"github.com/G-Research/ingestcoord/internal/ingester/model"
	"github.com/G-Research/ingestcoord/internal/throttle"
)

const byteGateName = "bytes"

// Fetcher downloads and decodes the object named by a task. The response's size is reserved on a byte gate
// while the body is being read, which bounds the memory held by concurrent fetches.
type Fetcher struct {
	client      *throttle.Client
	bytes       gate.Gate
	defaultSize int64
	decoder     Decoder
	metrics     *metrics.Metrics
}

// NewFetcher creates a Fetcher. defaultSize is reserved for responses that do not declare a Content-Length.
func NewFetcher(client *throttle.Client, bytes gate.Gate, defaultSize int64, decoder Decoder, m *metrics.Metrics) *Fetcher {
	return &Fetcher{
		client:      client,
		bytes:       bytes,
		defaultSize: defaultSize,
		decoder:     decoder,
		metrics:     m,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, task model.Task) (*model.Batch, error) {
	resp, err := f.client.Get(ctx, task.URL, nil)
	if err != nil {
		f.metrics.RecordError(metrics.ErrorKindFetch)
		return nil, err
	}
	defer resp.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		f.metrics.RecordError(metrics.ErrorKindFetch)
		return nil, errors.Errorf("error fetching %s: unexpected status %s", task.URL, resp.Status)
	}

	release, err := f.reserve(ctx, f.sizeOf(resp.Response))
	if err != nil {
		f.metrics.RecordError(metrics.ErrorKindFetch)
		return nil, errors.WithMessagef(err, "error reserving memory to read %s", task.URL)
	}
	defer release()

	body := &countingReader{r: resp.Body}
	records, err := f.decoder.Decode(body, task.URL)
	if err != nil {
		f.metrics.RecordError(metrics.ErrorKindDecode)
		return nil, err
	}
	return &model.Batch{Task: task, Records: records, Bytes: body.n}, nil
}

// sizeOf estimates the bytes a response will occupy. Objects larger than the gate are clamped to its capacity
// so they are read on their own rather than rejected.
func (f *Fetcher) sizeOf(resp *http.Response) int64 {
	size := resp.ContentLength
	if size < 0 {
		size = f.defaultSize
	}
	if size <= 0 {
		size = 1
	}
	if capacity := f.bytes.Capacity(); size > capacity {
		size = capacity
	}
	return size
}

func (f *Fetcher) reserve(ctx context.Context, size int64) (func(), error) {
	start := time.Now()
	release, err := f.bytes.Acquire(ctx, size)
	if err != nil {
		return nil, err
	}
	waited := time.Since(start)
	f.metrics.RecordGateWait(byteGateName, waited)
	f.metrics.SetBytesReserved(f.bytes.InUse())
	if waited > time.Second {
		ingestcontext.FromContext(ctx).Log.Debugf("Waited %s to reserve %s", waited, config.ByteSize(size))
	}
	return func() {
		release()
		f.metrics.SetBytesReserved(f.bytes.InUse())
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
