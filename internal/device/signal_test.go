package device

import (
	"context"
	"testing"
	"time"
)

func TestSignalFiresOnce(t *testing.T) {
	s := NewSignal()
	if s.IsSet() {
		t.Fatal("new signal already set")
	}
	select {
	case <-s.Done():
		t.Fatal("Done closed before Set")
	default:
	}

	s.Set()
	s.Set() // repeat must not panic
	if !s.IsSet() {
		t.Error("signal not set after Set")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after Set")
	}
}

func TestLatchLevels(t *testing.T) {
	l := newLatch(false)
	if l.IsSet() {
		t.Fatal("new latch set")
	}

	l.Set()
	select {
	case <-l.Wait():
	default:
		t.Error("Wait channel open while latch set")
	}

	l.Clear()
	if l.IsSet() {
		t.Error("latch still set after Clear")
	}
	select {
	case <-l.Wait():
		t.Error("Wait channel closed after Clear")
	default:
	}

	// WaitSet observes a Set from another goroutine.
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Set()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.WaitSet(ctx); err != nil {
		t.Fatalf("WaitSet: %v", err)
	}
}

func TestLatchWaitSetHonorsContext(t *testing.T) {
	l := newLatch(false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.WaitSet(ctx); err != context.DeadlineExceeded {
		t.Fatalf("WaitSet returned %v, want deadline exceeded", err)
	}
}

func TestFifoOrderAndReady(t *testing.T) {
	f := newFifo[int]()
	if _, ok := f.TryGet(); ok {
		t.Fatal("TryGet succeeded on empty queue")
	}
	select {
	case <-f.Ready():
		t.Fatal("Ready closed on empty queue")
	default:
	}

	f.Put(1)
	f.Put(2)
	select {
	case <-f.Ready():
	default:
		t.Error("Ready open with items queued")
	}

	for want := 1; want <= 2; want++ {
		got, ok := f.TryGet()
		if !ok || got != want {
			t.Fatalf("TryGet = %d, %v, want %d, true", got, ok, want)
		}
	}
	if _, ok := f.TryGet(); ok {
		t.Error("TryGet succeeded after queue drained")
	}
	select {
	case <-f.Ready():
		t.Error("Ready still closed after queue drained")
	default:
	}
}

func TestFifoGetBlocksUntilPut(t *testing.T) {
	f := newFifo[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Put("ball")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := f.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "ball" {
		t.Errorf("Get = %q, want %q", got, "ball")
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := f.Get(short); err != context.DeadlineExceeded {
		t.Errorf("Get on empty queue returned %v, want deadline exceeded", err)
	}
}
