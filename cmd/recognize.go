package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Sped0n/texa/internal/emitter"
	"github.com/Sped0n/texa/internal/engine"
	"github.com/Sped0n/texa/internal/store"
	"github.com/Sped0n/texa/internal/types"
	"github.com/Sped0n/texa/internal/utils"
	"github.com/Sped0n/texa/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// DefaultTemperature matches the recognizer's usual sampling setting.
const DefaultTemperature = 0.5

// RecognizeOptions holds shared configuration for recognize and interactive
type RecognizeOptions struct {
	Mode         string
	Temperature  float64
	MaxSide      int
	PollInterval time.Duration
	LoadTimeout  time.Duration
	UseCache     bool
}

var recognizeOpts RecognizeOptions

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>...",
	Short: "Recognize one or more images and print the results in order",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecognize(cmd.Context(), args, recognizeOpts)
	},
}

func addRecognizerFlags(c *cobra.Command, opts *RecognizeOptions) {
	c.Flags().StringVarP(&opts.Mode, "mode", "m", string(types.DefaultMode), "What to look for: text_and_formula, text_only or formula_only")
	c.Flags().Float64VarP(&opts.Temperature, "temperature", "t", DefaultTemperature, "Sampling temperature handed to the model")
	c.Flags().IntVar(&opts.MaxSide, "max-side", engine.DefaultMaxSide, "Downscale images so neither side exceeds this many pixels")
	c.Flags().DurationVar(&opts.PollInterval, "poll", worker.DefaultPollInterval, "How often the idle worker checks for stop")
	c.Flags().DurationVar(&opts.LoadTimeout, "load-timeout", engine.DefaultLoadTimeout, "Give up if the model has not loaded within this time")
}

func init() {
	addRecognizerFlags(recognizeCmd, &recognizeOpts)
	recognizeCmd.Flags().BoolVar(&recognizeOpts.UseCache, "cached", false, "Reuse a previous successful result for the same image from history")
	rootCmd.AddCommand(recognizeCmd)
}

// startRecognizer builds the loader for the configured backend, starts the
// supervisor and waits for the model. A load failure is fatal.
func startRecognizer(ctx context.Context, opts RecognizeOptions) *worker.Supervisor {
	loader, err := engine.NewLoader(engine.Options{
		Env:         app.Env,
		Files:       app.Files,
		MaxSide:     opts.MaxSide,
		LoadTimeout: opts.LoadTimeout,
	})
	if err != nil {
		utils.Die("Invalid backend", err, nil)
	}

	return launchSupervisor(ctx, worker.SupervisorConfig{
		Loader:       loader,
		Settings:     app.Settings,
		PollInterval: opts.PollInterval,
	})
}

func launchSupervisor(ctx context.Context, cfg worker.SupervisorConfig) *worker.Supervisor {
	sup := worker.NewSupervisor(cfg)
	if app.Emitter != nil {
		sup.Availability().Subscribe(app.Emitter.PublishAvailability)
	}
	if err := sup.Start(ctx); err != nil {
		utils.Die("Failed to start worker", err, nil)
	}

	fmt.Fprintf(os.Stderr, "⏳ Loading %s model...\n", app.Env.Backend)
	res, err := sup.AwaitLoad(ctx)
	if err != nil {
		sup.Stop()
		utils.Die("Interrupted while loading the model", err, nil)
	}
	if !res.Ok() {
		sup.Stop()
		utils.Die("Model failed to load", errors.New(res.Err), nil)
	}
	fmt.Fprintf(os.Stderr, "✅ Model ready\n")
	return sup
}

func runRecognize(ctx context.Context, paths []string, opts RecognizeOptions) error {
	mode, err := types.ParseMode(opts.Mode)
	if err != nil {
		return err
	}

	sup := startRecognizer(ctx, opts)
	defer func() {
		if err := sup.Stop(); err != nil {
			slog.Warn("worker shutdown", "error", err)
		}
	}()

	failed := recognizeBatch(ctx, sup, batchConfig{
		Paths:       paths,
		Mode:        mode,
		Temperature: opts.Temperature,
		DB:          app.DB,
		Emitter:     app.Emitter,
		UseCache:    opts.UseCache,
		Out:         os.Stdout,
		Log:         os.Stderr,
	})
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(paths))
	}
	return nil
}

type batchConfig struct {
	Paths       []string
	Mode        types.Mode
	Temperature float64
	DB          *store.Store
	Emitter     *emitter.MQTTEmitter
	UseCache    bool
	Out         io.Writer
	Log         io.Writer
}

// pendingImage is one input in submission order. Either Req was submitted
// or Err/Cached already decided the outcome.
type pendingImage struct {
	Path   string
	Req    types.InferRequest
	Hash   string
	Err    error
	Cached string
	Hit    bool
}

// recognizeBatch submits every path in order and prints results as they
// come back. It returns the number of failures.
func recognizeBatch(ctx context.Context, sup *worker.Supervisor, cfg batchConfig) int {
	pending := make(chan pendingImage, len(cfg.Paths))

	// 1. Producer: read, hash, submit with the blocking policy
	go func() {
		defer close(pending)
		for _, path := range cfg.Paths {
			p := pendingImage{Path: path}

			data, err := os.ReadFile(path)
			if err != nil {
				p.Err = err
				pending <- p
				continue
			}
			p.Hash = utils.HashImage(data)

			if cfg.UseCache && cfg.DB != nil {
				if text, ok, err := cfg.DB.Lookup(ctx, p.Hash, string(cfg.Mode)); err != nil {
					slog.Warn("history lookup failed", "error", err)
				} else if ok {
					p.Cached, p.Hit = text, true
					pending <- p
					continue
				}
			}

			p.Req = types.NewInferRequest(data, cfg.Mode, cfg.Temperature, filepath.Base(path))
			if err := sup.Submit(ctx, p.Req); err != nil {
				p.Err = err
				pending <- p
				// Nothing else will be accepted either.
				if errors.Is(err, worker.ErrUnavailable) || ctx.Err() != nil {
					return
				}
				continue
			}
			pending <- p
		}
	}()

	var bar *progressbar.ProgressBar
	if len(cfg.Paths) > 1 {
		bar = progressbar.NewOptions(len(cfg.Paths),
			progressbar.OptionSetDescription("🔍 Recognizing"),
			progressbar.OptionSetWriter(cfg.Log),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	// 2. Consumer: the worker is FIFO, so results line up with pending
	failed, seen := 0, 0
	results := sup.Results()
	for p := range pending {
		seen++
		var res types.InferResult

		switch {
		case p.Err != nil:
			res = types.InferErr(p.Req.ID, p.Err.Error())
		case p.Hit:
			res = types.InferOk(p.Req.ID, p.Cached)
		case ctx.Err() != nil:
			// Once interrupted, never wait on the worker again.
			res = types.InferErr(p.Req.ID, "interrupted before the image was recognized")
		default:
			select {
			case r, ok := <-results:
				if !ok {
					res = types.InferErr(p.Req.ID, "worker stopped before the image was recognized")
					break
				}
				if r.RequestID != p.Req.ID {
					slog.Error("result out of order", "want", p.Req.ID, "got", r.RequestID)
				}
				res = r
				recordResult(ctx, cfg.DB, p, res, cfg.Mode)
				publishResult(cfg.Emitter, p, res, cfg.Mode)
			case <-ctx.Done():
				res = types.InferErr(p.Req.ID, "interrupted before the image was recognized")
			}
		}

		if bar != nil {
			bar.Add(1)
		}
		if !printResult(cfg, p, res) {
			failed++
		}
	}

	// Inputs the producer never reached count as failures too.
	failed += len(cfg.Paths) - seen

	if bar != nil {
		bar.Finish()
	}
	return failed
}

func printResult(cfg batchConfig, p pendingImage, res types.InferResult) bool {
	if !res.Ok() {
		fmt.Fprintf(cfg.Log, "⚠️  %s: %s\n", p.Path, res.Err)
		return false
	}
	if len(cfg.Paths) > 1 {
		fmt.Fprintf(cfg.Out, "== %s ==\n", p.Path)
	}
	fmt.Fprintln(cfg.Out, res.Text)
	return true
}

// recordResult stores the outcome in history. Failures here are logged only.
func recordResult(ctx context.Context, db *store.Store, p pendingImage, res types.InferResult, mode types.Mode) {
	if db == nil {
		return
	}
	entry := store.Entry{
		ID:        res.RequestID,
		ImageHash: p.Hash,
		Source:    p.Path,
		Mode:      string(mode),
		Text:      res.Text,
		Err:       res.Err,
		Duration:  res.Duration,
	}
	// Use a fresh context so a Ctrl+C during the last image still gets recorded.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := db.Record(recordCtx, entry); err != nil {
		slog.Warn("failed to record history", "error", err)
	}
}

func publishResult(em *emitter.MQTTEmitter, p pendingImage, res types.InferResult, mode types.Mode) {
	if em == nil {
		return
	}
	if err := em.PublishResult(res, p.Path, mode); err != nil {
		slog.Warn("failed to publish result", "error", err)
	}
}
