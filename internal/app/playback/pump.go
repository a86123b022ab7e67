package playback

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
)

// errTransportDown stops the pump when the transport cannot take frames.
var errTransportDown = errors.New("transport not connected")

// pumpRun is one pump goroutine for the current track.
type pumpRun struct {
	token  uint64
	cancel context.CancelFunc
	frames atomic.Int64 // frames sent since the start of the track
}

type pumpResult struct {
	token  uint64
	frames int64
	err    error
}

// pumpFrames sends the Opus packets of an Ogg file to the transport, one per
// interval, after skipping the first run.frames packets. It returns nil at
// the end of the file.
func pumpFrames(ctx context.Context, run *pumpRun, path string, interval time.Duration,
	guildID snowflake.ID, transport Transport) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open audio")
	}
	defer f.Close()

	r := NewOggReader(f)
	if err := r.Skip(run.frames.Load()); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(err, "seek audio")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read audio")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if transport.State(guildID) != TransportConnected {
			return errTransportDown
		}
		if err := transport.SendFrame(ctx, guildID, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Mark(errors.Wrap(err, "send frame"), errTransportDown)
		}
		run.frames.Add(1)
	}
}
