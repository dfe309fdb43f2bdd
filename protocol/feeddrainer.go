package protocol

import (
	"context"
	"io"
)

// Feeder reads outbound record batches. The EoF convention follows
// io.Reader: either `records, EoF`, or `records, nil` followed by
// `nil, EoF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer accepts inbound record batches.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type FeedCloser interface {
	Feeder
	io.Closer
}

type DrainCloser interface {
	Drainer
	io.Closer
}

// FeedDrainCloser is the handler contract a Peer drives: Feed supplies
// frames to write to the connection, Drain consumes frames read off it.
type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Relay moves one batch from feeder to drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if err != nil {
		if len(recs) > 0 {
			_ = drainer.Drain(ctx, recs)
		}
		return err
	}
	return drainer.Drain(ctx, recs)
}

// Pump relays batches until an error or context cancellation.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}
