package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sped0n/texa/internal/queue"
	"github.com/Sped0n/texa/internal/state"
	"github.com/Sped0n/texa/internal/types"
)

// fakeModel lets each test script what Infer does.
type fakeModel struct {
	infer  func(ctx context.Context, job Job) (string, error)
	closed atomic.Int32
}

func (m *fakeModel) Infer(ctx context.Context, job Job) (string, error) {
	return m.infer(ctx, job)
}

func (m *fakeModel) Close() error {
	m.closed.Add(1)
	return nil
}

func loaderFor(m Model) Loader {
	return LoaderFunc(func(ctx context.Context) (Model, error) { return m, nil })
}

func echoModel() *fakeModel {
	return &fakeModel{infer: func(ctx context.Context, job Job) (string, error) {
		return string(job.Request.Image), nil
	}}
}

func request(text string) types.InferRequest {
	return types.NewInferRequest([]byte(text), types.ModeFormulaOnly, 0, "test")
}

func recv(t *testing.T, ch <-chan types.InferResult) types.InferResult {
	t.Helper()
	select {
	case res, ok := <-ch:
		if !ok {
			t.Fatal("Results channel closed unexpectedly")
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a result")
	}
	return types.InferResult{}
}

func TestWorkerServesAndStops(t *testing.T) {
	// 1. Setup a worker directly, without the supervisor
	q := queue.New(queue.DefaultCapacity)
	avail := state.NewAvailability()
	model := echoModel()
	w := NewWorker(loaderFor(model), q, avail, 10*time.Millisecond)

	if w.Phase() != PhaseUninitialized {
		t.Fatalf("Expected uninitialized phase, got %s", w.Phase())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	// 2. Load completes
	<-w.Loaded()
	if !w.LoadResult().Ok() {
		t.Fatalf("Unexpected load error: %s", w.LoadResult().Err)
	}
	if !avail.ModelLoaded() {
		t.Error("Model should be marked loaded")
	}

	// 3. Serve one request
	req := request("\\frac{a}{b}")
	if err := q.TryPush(req); err != nil {
		t.Fatal(err)
	}
	res := recv(t, w.Results())
	if res.RequestID != req.ID || res.Text != "\\frac{a}{b}" {
		t.Errorf("Unexpected result %+v", res)
	}

	// 4. Stop
	cancel()
	<-done

	if w.Phase() != PhaseStopped {
		t.Errorf("Expected stopped phase, got %s", w.Phase())
	}
	if avail.ModelLoaded() {
		t.Error("Model should be released on stop")
	}
	if model.closed.Load() != 1 {
		t.Errorf("Expected model closed once, got %d", model.closed.Load())
	}
	if _, ok := <-w.Results(); ok {
		t.Error("Results channel should be closed")
	}
}

func TestWorkerStoppedBeforeLoad(t *testing.T) {
	q := queue.New(1)
	var loads atomic.Int32
	loader := LoaderFunc(func(ctx context.Context) (Model, error) {
		loads.Add(1)
		return echoModel(), nil
	})
	w := NewWorker(loader, q, state.NewAvailability(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	if w.LoadResult().Ok() {
		t.Error("Expected a load error when stopped before loading")
	}
	if loads.Load() != 0 {
		t.Error("Loader should not run after stop")
	}
}

func TestWorkerLoadPanic(t *testing.T) {
	q := queue.New(1)
	loader := LoaderFunc(func(ctx context.Context) (Model, error) {
		panic("onnx session exploded")
	})
	w := NewWorker(loader, q, state.NewAvailability(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	<-w.Loaded()
	if res := w.LoadResult(); res.Ok() || !strings.Contains(res.Err, "onnx session exploded") {
		t.Errorf("Expected panic to surface as load error, got %+v", res)
	}
	if w.Phase() != PhaseFailed {
		t.Errorf("Expected failed phase, got %s", w.Phase())
	}

	cancel()
	<-done
}

func TestWorkerSettingsSnapshot(t *testing.T) {
	q := queue.New(1)
	w := NewWorker(loaderFor(echoModel()), q, state.NewAvailability(), 0)

	if w.Settings().TextModel != nil {
		t.Fatal("Expected empty initial settings")
	}

	// Concurrent readers and a writer never tear the snapshot
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Settings()
		}()
	}
	w.UpdateSettings(w.Settings())
	wg.Wait()
}

func TestPhaseString(t *testing.T) {
	if PhaseBusy.String() != "busy" || Phase(42).String() != "unknown" {
		t.Error("Unexpected phase names")
	}
}
