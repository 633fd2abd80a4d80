// Package realtime keeps live views of support conversations in sync with
// the store: one subscription per thread, reconciled against the roster,
// with unread counting and notification dedup layered on top.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/capitalize-ai/live-support/internal/store"
)

// ErrStreamEnded is returned when a subscription the engine depends on
// terminates without being asked to.
var ErrStreamEnded = errors.New("subscription ended")

// stream owns one store subscription and the goroutine delivering it.
type stream struct {
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func startStream(ctx context.Context, adapter store.Adapter, pattern string, deliver func(context.Context, store.Snapshot)) (*stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	snaps, err := adapter.Subscribe(ctx, pattern)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &stream{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for snap := range snaps {
			if ctx.Err() != nil {
				return
			}
			deliver(ctx, snap)
		}
	}()
	return s, nil
}

// Close cancels the subscription and returns once no further deliveries can
// happen. It is idempotent. It must not be called from inside a listener.
func (s *stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed when the stream stops delivering, whether closed or lost.
func (s *stream) Done() <-chan struct{} {
	return s.done
}
