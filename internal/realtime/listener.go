package realtime

import (
	"context"
	"sync"
)

// Listener streams authoritative snapshots of one query or document. Snapshots are reloaded after
// every change event on the topic and delivered in order; the listener stops on the first load
// error, on context cancellation, or on Close.
type Listener[T any] struct {
	snapshots chan T
	cancel    context.CancelFunc
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Watch subscribes to topic and starts delivering snapshots produced by load. The subscription is
// registered before the initial load so a change committed in between is not missed.
func Watch[T any](ctx context.Context, source Subscriber, topic string, load func(context.Context) (T, error)) *Listener[T] {
	listenCtx, cancel := context.WithCancel(ctx)
	listener := &Listener[T]{
		snapshots: make(chan T),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	events, cleanup := source.Subscribe(listenCtx, topic)
	go listener.run(listenCtx, events, cleanup, load)
	return listener
}

// Snapshots returns the delivery channel. It is closed when the listener stops.
func (l *Listener[T]) Snapshots() <-chan T {
	return l.snapshots
}

// Err reports the load error that terminated the listener, if any.
func (l *Listener[T]) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close detaches the listener and waits for its goroutine to exit.
func (l *Listener[T]) Close() {
	l.cancel()
	<-l.done
}

// Done is closed once the listener has stopped.
func (l *Listener[T]) Done() <-chan struct{} {
	return l.done
}

func (l *Listener[T]) run(ctx context.Context, events <-chan Event, cleanup func(), load func(context.Context) (T, error)) {
	defer close(l.done)
	defer close(l.snapshots)
	defer cleanup()
	defer l.cancel()

	if !l.deliver(ctx, load) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			coalesce(events)
			if !l.deliver(ctx, load) {
				return
			}
		}
	}
}

func (l *Listener[T]) deliver(ctx context.Context, load func(context.Context) (T, error)) bool {
	snapshot, err := load(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
		}
		return false
	}
	select {
	case l.snapshots <- snapshot:
		return true
	case <-ctx.Done():
		return false
	}
}

// coalesce drops queued events; the next reload observes all of them at once.
func coalesce(events <-chan Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
