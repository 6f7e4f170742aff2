package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/queue"
	"github.com/Sped0n/texa/internal/state"
	"github.com/Sped0n/texa/internal/types"
)

// DefaultStopTimeout bounds how long Stop waits for the worker goroutine.
const DefaultStopTimeout = 5 * time.Second

var (
	ErrAlreadyStarted = errors.New("worker supervisor already started")
	ErrNotStarted     = errors.New("worker supervisor not started")
	ErrUnavailable    = errors.New("recognizer is not available")
	ErrStopTimeout    = errors.New("worker did not stop in time")
)

type SupervisorConfig struct {
	Loader Loader

	// Settings, when set, feeds config changes to the worker.
	Settings *config.Manager

	QueueCapacity int
	PollInterval  time.Duration
	StopTimeout   time.Duration
}

// Supervisor owns the queue, the worker goroutine and the availability
// tracker. It is the only thing the front end talks to.
type Supervisor struct {
	cfg   SupervisorConfig
	avail *state.Availability

	mu          sync.Mutex
	started     bool
	stopped     bool
	stopErr     error
	queue       *queue.RequestQueue
	worker      *Worker
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = queue.DefaultCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Supervisor{cfg: cfg, avail: state.NewAvailability()}
}

// Availability is valid before Start so observers can subscribe early.
func (s *Supervisor) Availability() *state.Availability { return s.avail }

// Start creates the queue and spawns the worker goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.cfg.Loader == nil {
		return errors.New("worker supervisor has no loader")
	}

	s.queue = queue.New(s.cfg.QueueCapacity)
	s.worker = NewWorker(s.cfg.Loader, s.queue, s.avail, s.cfg.PollInterval)

	if s.cfg.Settings != nil {
		s.worker.UpdateSettings(s.cfg.Settings.Settings())
		s.unsubscribe = s.cfg.Settings.Subscribe(s.worker.UpdateSettings)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go func() {
		defer close(s.done)
		s.worker.Run(runCtx)
	}()

	slog.Debug("worker supervisor started", "queue_capacity", s.cfg.QueueCapacity, "poll", s.cfg.PollInterval)
	return nil
}

// AwaitLoad blocks until the worker has published its single LoadResult.
// Later callers get the same result.
func (s *Supervisor) AwaitLoad(ctx context.Context) (types.LoadResult, error) {
	w := s.currentWorker()
	if w == nil {
		return types.LoadResult{}, ErrNotStarted
	}

	select {
	case <-w.Loaded():
		return w.LoadResult(), nil
	case <-ctx.Done():
		return types.LoadResult{}, ctx.Err()
	}
}

// Submit enqueues, waiting for room when the queue is full.
func (s *Supervisor) Submit(ctx context.Context, req types.InferRequest) error {
	q, err := s.acceptingQueue()
	if err != nil {
		return err
	}
	if err := q.Push(ctx, req); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return ErrUnavailable
		}
		return err
	}
	return nil
}

// TrySubmit enqueues or fails with queue.ErrFull.
func (s *Supervisor) TrySubmit(req types.InferRequest) error {
	q, err := s.acceptingQueue()
	if err != nil {
		return err
	}
	if err := q.TryPush(req); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return ErrUnavailable
		}
		return err
	}
	return nil
}

func (s *Supervisor) acceptingQueue() (*queue.RequestQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped || !s.avail.ModelLoaded() {
		return nil, ErrUnavailable
	}
	return s.queue, nil
}

// Results yields one InferResult per served request and is closed when the
// worker exits. Nil before Start.
func (s *Supervisor) Results() <-chan types.InferResult {
	if w := s.currentWorker(); w != nil {
		return w.Results()
	}
	return nil
}

// Available reports model loaded and not busy.
func (s *Supervisor) Available() bool { return s.avail.Get() }

func (s *Supervisor) Phase() Phase {
	if w := s.currentWorker(); w != nil {
		return w.Phase()
	}
	return PhaseUninitialized
}

// Pending is the number of queued requests not yet picked up.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

func (s *Supervisor) currentWorker() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// Stop signals the worker and waits up to StopTimeout for it to exit.
// Safe to call before Start and more than once.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		err := s.stopErr
		s.mu.Unlock()
		return err
	}
	s.stopped = true
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()
	s.queue.Close()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-s.done:
		slog.Debug("worker supervisor stopped")
	case <-timer.C:
		s.worker.Abort()
		err = ErrStopTimeout
		slog.Warn("worker did not stop in time", "timeout", s.cfg.StopTimeout)
	}

	s.mu.Lock()
	s.stopErr = err
	s.mu.Unlock()
	return err
}

// Done is closed when the worker goroutine has exited. Nil before Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
