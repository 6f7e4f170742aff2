// Package worker runs a single recognition model on its own goroutine and
// feeds it from the request queue.
package worker

import (
	"context"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/types"
)

// Loader builds a Model. It is called once per worker, on the worker goroutine.
type Loader interface {
	Load(ctx context.Context) (Model, error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(ctx context.Context) (Model, error)

func (f LoaderFunc) Load(ctx context.Context) (Model, error) { return f(ctx) }

// Model is a loaded recognizer. Infer is never called concurrently.
type Model interface {
	Infer(ctx context.Context, job Job) (string, error)
	Close() error
}

// Job is one unit of work: the request plus the settings snapshot taken
// when it was dequeued.
type Job struct {
	Request  types.InferRequest
	Settings config.Settings
}

// Phase is the worker lifecycle state.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
	PhaseBusy
	PhaseFailed
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseBusy:
		return "busy"
	case PhaseFailed:
		return "failed"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
