package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/queue"
	"github.com/Sped0n/texa/internal/state"
	"github.com/Sped0n/texa/internal/types"
)

// DefaultPollInterval is how long the Ready loop waits on the queue before
// checking for stop again.
const DefaultPollInterval = 100 * time.Millisecond

// Worker owns the model for its whole life. Run must be called exactly once.
type Worker struct {
	loader Loader
	queue  *queue.RequestQueue
	avail  *state.Availability
	poll   time.Duration

	phase    atomic.Int32
	settings atomic.Pointer[config.Settings]

	loadDone   chan struct{}
	loadResult types.LoadResult

	results   chan types.InferResult
	abort     chan struct{}
	abortOnce sync.Once
}

// NewWorker wires a worker to its queue and availability tracker.
func NewWorker(loader Loader, q *queue.RequestQueue, avail *state.Availability, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	w := &Worker{
		loader:   loader,
		queue:    q,
		avail:    avail,
		poll:     poll,
		loadDone: make(chan struct{}),
		results:  make(chan types.InferResult, q.Cap()),
		abort:    make(chan struct{}),
	}
	w.settings.Store(&config.Settings{})
	return w
}

func (w *Worker) Phase() Phase { return Phase(w.phase.Load()) }

func (w *Worker) setPhase(p Phase) {
	old := Phase(w.phase.Swap(int32(p)))
	if old != p {
		slog.Debug("worker phase", "from", old, "to", p)
	}
}

// UpdateSettings replaces the snapshot handed to the next dequeued request.
func (w *Worker) UpdateSettings(s config.Settings) {
	w.settings.Store(&s)
}

func (w *Worker) Settings() config.Settings { return *w.settings.Load() }

// Results is closed once Run returns.
func (w *Worker) Results() <-chan types.InferResult { return w.results }

// Loaded is closed after the single LoadResult is available.
func (w *Worker) Loaded() <-chan struct{} { return w.loadDone }

// LoadResult is only meaningful after Loaded is closed.
func (w *Worker) LoadResult() types.LoadResult { return w.loadResult }

// Abort drops any result still waiting for a reader.
func (w *Worker) Abort() {
	w.abortOnce.Do(func() { close(w.abort) })
}

// Run loads the model and serves the queue until ctx is cancelled or the
// queue is closed. A request already being inferred when that happens still
// completes and its result is delivered.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.results)
	defer w.setPhase(PhaseStopped)

	if ctx.Err() != nil {
		w.publishLoad(types.LoadErr("worker stopped before the model was loaded"))
		return
	}

	w.setPhase(PhaseLoading)
	model, err := w.load(ctx)
	if err != nil {
		slog.Error("model load failed", "error", err)
		w.setPhase(PhaseFailed)
		w.publishLoad(types.LoadErr(err.Error()))

		// Failed is terminal. Idle until told to stop.
		<-ctx.Done()
		return
	}

	defer func() {
		if err := model.Close(); err != nil {
			slog.Warn("failed to release model", "error", err)
		}
		w.avail.SetModelLoaded(false)
	}()

	w.setPhase(PhaseReady)
	w.avail.SetModelLoaded(true)
	w.publishLoad(types.LoadOk())
	slog.Info("model loaded")

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := w.queue.Pop(w.poll)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}

		// Stop may have raced the pop; the request is dropped unserved.
		if ctx.Err() != nil {
			slog.Debug("dropping request dequeued after stop", "id", req.ID)
			return
		}

		w.serve(ctx, model, req)
	}
}

func (w *Worker) publishLoad(r types.LoadResult) {
	w.loadResult = r
	close(w.loadDone)
}

func (w *Worker) load(ctx context.Context) (m Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("model load panicked: %v", r)
		}
	}()

	m, err = w.loader.Load(ctx)
	if err == nil && m == nil {
		err = errors.New("loader returned no model")
	}
	return m, err
}

func (w *Worker) serve(ctx context.Context, model Model, req types.InferRequest) {
	w.setPhase(PhaseBusy)
	w.avail.SetBusy(true)

	job := Job{Request: req, Settings: w.Settings()}

	start := time.Now()
	// Stop must not interrupt a request that has already started.
	res := w.infer(context.WithoutCancel(ctx), model, job)
	res.Duration = time.Since(start)

	if res.Ok() {
		slog.Debug("request served", "id", req.ID, "duration", res.Duration)
	} else {
		slog.Warn("request failed", "id", req.ID, "error", res.Err)
	}

	select {
	case w.results <- res:
	case <-w.abort:
		slog.Warn("result dropped, no reader", "id", req.ID)
	}

	w.avail.SetBusy(false)
	w.setPhase(PhaseReady)
}

func (w *Worker) infer(ctx context.Context, model Model, job Job) (res types.InferResult) {
	id := job.Request.ID
	defer func() {
		if r := recover(); r != nil {
			res = types.InferErr(id, fmt.Sprintf("inference panicked: %v", r))
		}
	}()

	text, err := model.Infer(ctx, job)
	if err != nil {
		return types.InferErr(id, err.Error())
	}
	return types.InferOk(id, text)
}
