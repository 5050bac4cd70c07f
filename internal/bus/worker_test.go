package bus

import (
	"context"
	"testing"
	"time"
)

func TestWorkerRegistryStopAllUnblocksSpawnedTasks(t *testing.T) {
	wr := newWorkerRegistry()

	started := make(chan struct{})
	returned := make(chan struct{})
	wr.spawn(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(returned)
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("spawned task never started")
	}

	wr.stopAll()

	select {
	case <-returned:
	default:
		t.Fatal("stopAll returned before the spawned task observed cancellation")
	}
}

func TestWorkerRegistryParentCancelPropagates(t *testing.T) {
	wr := newWorkerRegistry()
	parent, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	wr.spawn(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned task did not observe parent cancellation")
	}
	wr.stopAll()
}
