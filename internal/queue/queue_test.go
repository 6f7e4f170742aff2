package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sped0n/texa/internal/types"
)

func newReq(src string) types.InferRequest {
	return types.NewInferRequest([]byte(src), types.DefaultMode, 0.5, src)
}

func TestFIFOOrder(t *testing.T) {
	q := New(DefaultCapacity)
	ctx := context.Background()

	sources := []string{"a", "b", "c"}
	for _, s := range sources {
		if err := q.Push(ctx, newReq(s)); err != nil {
			t.Fatalf("Push(%s) failed: %v", s, err)
		}
	}

	for _, want := range sources {
		got, err := q.Pop(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if got.Source != want {
			t.Errorf("Expected %s, got %s", want, got.Source)
		}
	}
}

func TestTryPushRejectsWhenFull(t *testing.T) {
	q := New(DefaultCapacity)

	for i := 0; i < DefaultCapacity; i++ {
		if err := q.TryPush(newReq("fill")); err != nil {
			t.Fatalf("TryPush %d failed: %v", i, err)
		}
	}

	// 4th push must be rejected, not silently dropped
	if err := q.TryPush(newReq("overflow")); !errors.Is(err, ErrFull) {
		t.Fatalf("Expected ErrFull, got %v", err)
	}
	if q.Len() != DefaultCapacity {
		t.Errorf("Expected len %d, got %d", DefaultCapacity, q.Len())
	}

	// Order of the accepted requests is untouched
	for i := 0; i < DefaultCapacity; i++ {
		got, err := q.Pop(10 * time.Millisecond)
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		if got.Source != "fill" {
			t.Errorf("Unexpected request %q in queue", got.Source)
		}
	}
}

func TestPushBlocksUntilSpaceFrees(t *testing.T) {
	q := New(DefaultCapacity)
	ctx := context.Background()

	for i := 0; i < DefaultCapacity; i++ {
		q.Push(ctx, newReq("fill"))
	}

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push(ctx, newReq("late"))
	}()

	select {
	case err := <-pushed:
		t.Fatalf("Push returned early on a full queue: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Pop(10 * time.Millisecond); err != nil {
		t.Fatalf("Pop failed: %v", err)
	}

	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("Blocked Push failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push did not unblock after space freed")
	}

	if q.Len() != DefaultCapacity {
		t.Errorf("Expected len %d, got %d", DefaultCapacity, q.Len())
	}
}

func TestPushHonorsContext(t *testing.T) {
	q := New(1)
	q.Push(context.Background(), newReq("fill"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Push(ctx, newReq("late")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestPopTimeout(t *testing.T) {
	q := New(DefaultCapacity)

	start := time.Now()
	_, err := q.Pop(30 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Errorf("Pop returned before its timeout")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New(1)
	q.Push(context.Background(), newReq("fill"))

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- q.Push(context.Background(), newReq("blocked"))
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close() // idempotent

	wg.Wait()
	if err := <-errs; !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from blocked Push, got %v", err)
	}

	if _, err := q.Pop(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Pop, got %v", err)
	}
	if err := q.TryPush(newReq("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from TryPush, got %v", err)
	}
	if !q.Closed() {
		t.Error("Closed() should report true")
	}
}

func TestNewCapacityFallback(t *testing.T) {
	if got := New(0).Cap(); got != DefaultCapacity {
		t.Errorf("Expected capacity %d, got %d", DefaultCapacity, got)
	}
}
