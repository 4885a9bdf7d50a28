package store

import (
	"context"

	"cloudcollab/pkg/logger"
)

// Watch streams snapshots produced by load: one right away and one after
// every change on topic. The channel holds only the latest snapshot, so a
// slow reader skips intermediate states. The stream ends when cancel is
// called or ctx is done.
func Watch[T any](ctx context.Context, feed *Feed, topic string, load func(context.Context) (T, error)) (<-chan T, func()) {
	changes, unsubscribe := feed.Subscribe(topic)
	out := make(chan T, 1)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer unsubscribe()

		emit := func() {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Sugar.Warnf("Failed to load snapshot for %s: %v", topic, err)
				}
				return
			}
			SendLatest(out, v)
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				// Coalesce a burst into one reload.
				for drained := false; !drained; {
					select {
					case _, ok := <-changes:
						if !ok {
							return
						}
					default:
						drained = true
					}
				}
				emit()
			}
		}
	}()

	return out, cancel
}

// SendLatest replaces whatever is buffered in ch with v. ch must have a
// buffer of one and a single sender.
func SendLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}
