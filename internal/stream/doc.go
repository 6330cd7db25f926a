// Package stream contains concurrent combinators over lazily produced sequences.
//
// A Source yields one item per call to Next and reports exhaustion with io.EOF. Pipe transforms the items of one
// Source concurrently, overlapping the fetch of the next item with the processing of earlier ones; Merge fans in
// several Sources. Both return a *Stream, which is itself a Source, so the combinators compose:
//
//	merged := stream.Merge(ctx, pipeA, pipeB)
//	defer merged.Close()
//	for {
//		item, err := merged.Next(ctx)
//		if err == io.EOF {
//			break
//		}
//		...
//	}
//
// Items are emitted in the order they complete, not the order they were produced. The first error returned by a
// source or a transform cancels all other outstanding work and is returned from Next. Pipe places no bound on the
// number of items processed concurrently; bound it by acquiring a gate inside the transform.
package stream
