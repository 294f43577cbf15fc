// Package ingest decodes point batches and pumps them into clouds through
// bounded queues, keeping parsing and file IO off the cooperative thread.
package ingest

import (
	"context"
	"io"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	pc "go.viam.com/pointlod/pointcloud"
)

// DefaultBatchSize is the batch granularity CloudDecoder uses when none is
// given.
const DefaultBatchSize = 65536

// Batch is one decoded run of points with optional colors and values.
// Batches are immutable once handed off; consumers may hold them without
// copying.
type Batch struct {
	Points []r3.Vector
	Colors []pc.Color
	Values []float64
}

// Len returns the number of points in the batch.
func (b Batch) Len() int { return len(b.Points) }

// Decoder produces batches until io.EOF.
type Decoder interface {
	// Next returns the next batch, or io.EOF once the stream is
	// exhausted. It is called from a single dedicated goroutine.
	Next(ctx context.Context) (Batch, error)
}

// CloudDecoder replays an in-memory cloud as a batch stream.
type CloudDecoder struct {
	cloud *pc.Cloud
	size  int
	next  int
}

// NewCloudDecoder returns a decoder replaying cloud in batches of size
// points. Size zero or below picks DefaultBatchSize.
func NewCloudDecoder(cloud *pc.Cloud, size int) *CloudDecoder {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &CloudDecoder{cloud: cloud, size: size}
}

// Next returns the next run of points copied out of the source cloud.
func (d *CloudDecoder) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	n := d.cloud.Len()
	if d.next >= n {
		return Batch{}, io.EOF
	}
	end := d.next + d.size
	if end > n {
		end = n
	}
	batch := Batch{Points: make([]r3.Vector, 0, end-d.next)}
	colors := d.cloud.Colors()
	values := d.cloud.Values()
	if colors != nil {
		batch.Colors = make([]pc.Color, 0, end-d.next)
	}
	if values != nil {
		batch.Values = make([]float64, 0, end-d.next)
	}
	for i := d.next; i < end; i++ {
		batch.Points = append(batch.Points, d.cloud.At(i))
		if colors != nil {
			batch.Colors = append(batch.Colors, colors.At(i))
		}
		if values != nil {
			batch.Values = append(batch.Values, values.At(i))
		}
	}
	d.next = end
	return batch, nil
}

// Stream drains dec into out, closing out when the decode loop stops for
// any reason. It blocks until then and returns the decoder's error, or the
// context's if cancellation won the race.
func Stream(ctx context.Context, dec Decoder, out chan<- Batch) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(out)
		for {
			batch, err := dec.Next(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if batch.Len() == 0 {
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	return g.Wait()
}

// Collect decodes the whole stream into a fresh cloud. Decoding and
// appending run concurrently over a queue of the given batch depth.
func Collect(ctx context.Context, dec Decoder, queue int) (*pc.Cloud, error) {
	if queue <= 0 {
		queue = 1
	}
	cloud := pc.NewCloud()
	g, gctx := errgroup.WithContext(ctx)
	out := make(chan Batch, queue)
	g.Go(func() error {
		return Stream(gctx, dec, out)
	})
	g.Go(func() error {
		for batch := range out {
			if err := cloud.Append(batch.Points, batch.Colors, batch.Values); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cloud, nil
}
