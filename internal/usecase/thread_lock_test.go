package usecase

import (
	"context"
	"sync"
	"testing"
)

func TestThreadLockerBasic(t *testing.T) {
	tl := NewThreadLocker()

	release, ok, err := tl.TryLock(context.Background(), "thread-1")
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	if tl.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", tl.ActiveCount())
	}

	release()
	if tl.ActiveCount() != 0 {
		t.Errorf("ActiveCount after release = %d, want 0", tl.ActiveCount())
	}
}

func TestThreadLockerContention(t *testing.T) {
	tl := NewThreadLocker()

	release, ok, _ := tl.TryLock(context.Background(), "thread-1")
	if !ok {
		t.Fatal("first TryLock failed")
	}

	if _, ok, err := tl.TryLock(context.Background(), "thread-1"); ok || err != nil {
		t.Fatalf("second TryLock: ok=%v err=%v, want false/nil", ok, err)
	}

	release()
	release2, ok, _ := tl.TryLock(context.Background(), "thread-1")
	if !ok {
		t.Fatal("TryLock after release failed")
	}
	release2()
}

func TestThreadLockerStaleReleaseKeepsNewOwner(t *testing.T) {
	tl := NewThreadLocker()

	release1, _, _ := tl.TryLock(context.Background(), "thread-1")
	release1()
	release2, ok, _ := tl.TryLock(context.Background(), "thread-1")
	if !ok {
		t.Fatal("TryLock failed")
	}

	// A second call of an old release must not free the new holder.
	release1()
	if _, ok, _ := tl.TryLock(context.Background(), "thread-1"); ok {
		t.Fatal("stale release freed the thread")
	}
	release2()
}

func TestThreadLockerDifferentThreads(t *testing.T) {
	tl := NewThreadLocker()

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, _ := tl.TryLock(context.Background(), string(rune('a'+i)))
			results[i] = ok
		}()
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("thread %d: TryLock failed", i)
		}
	}
	if tl.ActiveCount() != len(results) {
		t.Errorf("ActiveCount = %d, want %d", tl.ActiveCount(), len(results))
	}
}

func TestThreadLockerCancelledContext(t *testing.T) {
	tl := NewThreadLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok, err := tl.TryLock(ctx, "thread-1"); ok || err == nil {
		t.Fatalf("TryLock on cancelled ctx: ok=%v err=%v", ok, err)
	}
	if tl.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", tl.ActiveCount())
	}
}
