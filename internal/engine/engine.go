// Package engine provides the model loaders the worker runs: an out of
// process texifast or pix2text host, and an OpenAI compatible vision model.
package engine

import (
	"fmt"
	"time"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/files"
	"github.com/Sped0n/texa/internal/worker"
)

const (
	BackendTexifast = "texifast"
	BackendPix2Text = "pix2text"
	BackendOpenAI   = "openai"
)

type Options struct {
	Env         config.Environment
	Files       *files.Manager
	MaxSide     int
	LoadTimeout time.Duration
}

// NewLoader picks the loader for env.Backend.
func NewLoader(opts Options) (worker.Loader, error) {
	env := opts.Env
	switch env.Backend {
	case BackendTexifast, BackendPix2Text:
		return &ProcessLoader{
			Python:         env.Python,
			Script:         env.WorkerScript,
			Engine:         env.Backend,
			Files:          opts.Files,
			OnnxRuntimeLib: env.OnnxRuntimeLib,
			LoadTimeout:    opts.LoadTimeout,
			MaxSide:        opts.MaxSide,
		}, nil
	case BackendOpenAI:
		return &OpenAILoader{
			APIKey:  env.OpenAIKey,
			BaseURL: env.OpenAIBaseURL,
			Model:   env.OpenAIModel,
			MaxSide: opts.MaxSide,
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want texifast, pix2text or openai)", env.Backend)
	}
}
