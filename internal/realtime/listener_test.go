package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func receiveSnapshot[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("snapshot channel closed unexpectedly")
		}
		return value
	case <-time.After(time.Second):
		t.Fatalf("expected snapshot within deadline")
	}
	var zero T
	return zero
}

func TestWatchDeliversInitialAndReloadedSnapshots(t *testing.T) {
	dispatcher := NewDispatcher()
	var counter atomic.Int64
	counter.Store(1)

	listener := Watch(context.Background(), dispatcher, ConfessionTopic("c-1"), func(context.Context) (int64, error) {
		return counter.Load(), nil
	})
	defer listener.Close()

	if value := receiveSnapshot(t, listener.Snapshots()); value != 1 {
		t.Fatalf("expected initial snapshot 1, got %d", value)
	}

	counter.Store(2)
	dispatcher.Publish(Event{Topic: ConfessionTopic("c-1"), Kind: EventDocumentChanged})

	if value := receiveSnapshot(t, listener.Snapshots()); value != 2 {
		t.Fatalf("expected reloaded snapshot 2, got %d", value)
	}
}

func TestWatchStopsOnLoadError(t *testing.T) {
	dispatcher := NewDispatcher()
	failure := errors.New("permission denied")

	listener := Watch(context.Background(), dispatcher, RoomTopic("room-1"), func(context.Context) (string, error) {
		return "", failure
	})

	select {
	case _, ok := <-listener.Snapshots():
		if ok {
			t.Fatalf("expected no snapshot when load fails")
		}
	case <-time.After(time.Second):
		t.Fatal("expected snapshots channel to close")
	}
	<-listener.Done()
	if !errors.Is(listener.Err(), failure) {
		t.Fatalf("expected load error, got %v", listener.Err())
	}
	if dispatcher.SubscriberCount(RoomTopic("room-1")) != 0 {
		t.Fatalf("expected subscription to be released after failure")
	}
}

type recordingSubscriber struct {
	ctx chan context.Context
}

func (r *recordingSubscriber) Subscribe(ctx context.Context, _ string) (<-chan Event, func()) {
	r.ctx <- ctx
	return make(chan Event), func() {}
}

func TestWatchReleasesContextAfterLoadError(t *testing.T) {
	source := &recordingSubscriber{ctx: make(chan context.Context, 1)}
	listener := Watch(context.Background(), source, RoomTopic("room-2"), func(context.Context) (int, error) {
		return 0, errors.New("load failed")
	})
	<-listener.Done()

	subscribeCtx := <-source.ctx
	select {
	case <-subscribeCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected the subscription context to be cancelled after the listener stopped")
	}
}

func TestWatchCloseDetachesSubscription(t *testing.T) {
	dispatcher := NewDispatcher()
	listener := Watch(context.Background(), dispatcher, ProfileTopic("u1"), func(context.Context) (string, error) {
		return "profile", nil
	})
	receiveSnapshot(t, listener.Snapshots())

	listener.Close()

	if dispatcher.SubscriberCount(ProfileTopic("u1")) != 0 {
		t.Fatalf("expected listener removal on close")
	}
	if listener.Err() != nil {
		t.Fatalf("expected no error after close, got %v", listener.Err())
	}
}

func TestWatchCloseWithoutReader(t *testing.T) {
	dispatcher := NewDispatcher()
	listener := Watch(context.Background(), dispatcher, AuthorTopic("u1"), func(context.Context) (int, error) {
		return 1, nil
	})
	done := make(chan struct{})
	go func() {
		listener.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close blocked while no reader was attached")
	}
}

func TestCombineLatestEmitsAfterBothSources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	left := make(chan string)
	right := make(chan int)
	combined := CombineLatest(ctx, left, right, func(name string, count int) string {
		return name + ":" + string(rune('0'+count))
	})

	go func() { left <- "a" }()
	select {
	case value := <-combined:
		t.Fatalf("did not expect emission before both sources, got %s", value)
	case <-time.After(100 * time.Millisecond):
	}

	go func() { right <- 1 }()
	if value := receiveSnapshot(t, combined); value != "a:1" {
		t.Fatalf("unexpected combined value %s", value)
	}

	go func() { right <- 2 }()
	if value := receiveSnapshot(t, combined); value != "a:2" {
		t.Fatalf("unexpected combined value %s", value)
	}

	go func() { left <- "b" }()
	if value := receiveSnapshot(t, combined); value != "b:2" {
		t.Fatalf("unexpected combined value %s", value)
	}

	close(left)
	select {
	case _, ok := <-combined:
		if ok {
			t.Fatalf("expected output to close when an input closes")
		}
	case <-time.After(time.Second):
		t.Fatal("expected output to close")
	}
}
