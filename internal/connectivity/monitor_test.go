package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorPublishesOnlyOnTransition(t *testing.T) {
	monitor := NewMonitor(Config{InitialOnline: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := monitor.Subscribe(ctx)
	defer cleanup()

	if monitor.SetOnline(true) {
		t.Fatal("setting the same state should not be a transition")
	}
	if !monitor.SetOnline(false) {
		t.Fatal("expected offline transition")
	}
	if !monitor.SetOnline(true) {
		t.Fatal("expected online transition")
	}

	expected := []bool{false, true}
	for _, want := range expected {
		select {
		case received := <-stream:
			if received.Online != want {
				t.Fatalf("expected online=%v, got %v", want, received.Online)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected transition within deadline")
		}
	}

	select {
	case extra := <-stream:
		t.Fatalf("did not expect extra transition %#v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorStopsDeliveringAfterCleanup(t *testing.T) {
	monitor := NewMonitor(Config{})
	stream, cleanup := monitor.Subscribe(context.Background())
	cleanup()

	monitor.SetOnline(true)

	select {
	case <-stream:
		t.Fatal("unsubscribed stream should not receive transitions")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorWatchFollowsProbe(t *testing.T) {
	monitor := NewMonitor(Config{InitialOnline: false})
	var healthy atomic.Bool
	healthy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Watch(ctx, func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("fetch failed")
		}, 10*time.Millisecond)
		close(done)
	}()

	waitFor(t, func() bool { return monitor.Online() })
	healthy.Store(false)
	waitFor(t, func() bool { return !monitor.Online() })

	cancel()
	<-done
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
