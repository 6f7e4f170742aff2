package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/emitter"
	"github.com/Sped0n/texa/internal/queue"
	"github.com/Sped0n/texa/internal/store"
	"github.com/Sped0n/texa/internal/types"
	"github.com/Sped0n/texa/internal/utils"
	"github.com/Sped0n/texa/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var interactiveOpts RecognizeOptions

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Read image paths from stdin and print results as they arrive",
	Long: `Starts the recognizer once and keeps it loaded. Each line on stdin is an
image path. Requests are rejected, not queued, once three are waiting.

Commands:
  rerun                                  resubmit the last image
  status                                 show worker phase and queue depth
  config                                 print the current model slots
  set <slot> <name> <backend> <dir>      point a slot at a custom model
  clear <slot>                           remove a custom model slot
  reload                                 re-read config.json from disk
  quit

Slot changes apply from the next request on.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := types.ParseMode(interactiveOpts.Mode)
		if err != nil {
			return err
		}

		sup := startRecognizer(cmd.Context(), interactiveOpts)
		defer func() {
			if err := sup.Stop(); err != nil {
				slog.Warn("worker shutdown", "error", err)
			}
		}()

		s := newSession(sup, mode, interactiveOpts.Temperature, os.Stdout, os.Stderr)
		s.db = app.DB
		s.settings = app.Settings
		s.emitter = app.Emitter
		s.Run(cmd.Context(), os.Stdin)
		return nil
	},
}

func init() {
	addRecognizerFlags(interactiveCmd, &interactiveOpts)
	rootCmd.AddCommand(interactiveCmd)
}

// session is the interactive front end. It never runs inference itself; it
// submits requests and prints results from the supervisor asynchronously.
type session struct {
	sup         *worker.Supervisor
	mode        types.Mode
	temperature float64
	out, log    io.Writer
	db          *store.Store
	settings    *config.Manager
	emitter     *emitter.MQTTEmitter

	mu      sync.Mutex
	sources map[uuid.UUID]pendingImage
	last    []byte
	lastSrc string
}

func newSession(sup *worker.Supervisor, mode types.Mode, temperature float64, out, log io.Writer) *session {
	return &session{
		sup:         sup,
		mode:        mode,
		temperature: temperature,
		out:         out,
		log:         log,
		sources:     make(map[uuid.UUID]pendingImage),
	}
}

// Run reads commands until EOF, "quit" or ctx ends. Results that are still
// being inferred when input ends are waited for.
func (s *session) Run(ctx context.Context, in io.Reader) {
	unsubscribe := s.sup.Availability().Subscribe(func(available bool) {
		slog.Debug("recognizer availability", "available", available)
	})
	defer unsubscribe()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		s.printResults(ctx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(s.log, "📥 Enter image paths (rerun, status, config, set, clear, reload, quit):")
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !s.handle(strings.TrimSpace(line)) {
				break loop
			}
		}
	}

	s.drain(ctx)

	// A hung inference keeps Results open; give up on the printer then.
	if err := s.sup.Stop(); errors.Is(err, worker.ErrStopTimeout) {
		fmt.Fprintln(s.log, "⚠️  Recognizer did not stop in time, abandoning the running request")
		return
	}
	<-printed
}

// handle processes one input line. It returns false to quit.
func (s *session) handle(line string) bool {
	switch line {
	case "":
		return true
	case "quit", "exit":
		return false
	case "status":
		fmt.Fprintf(s.log, "ℹ️  phase=%s available=%t pending=%d\n", s.sup.Phase(), s.sup.Available(), s.sup.Pending())
		return true
	case "rerun":
		s.mu.Lock()
		data, src := s.last, s.lastSrc
		s.mu.Unlock()
		if data == nil {
			fmt.Fprintln(s.log, "⚠️  Nothing to rerun yet")
			return true
		}
		s.submit(data, src)
		return true
	}

	if fields := strings.Fields(line); len(fields) > 0 {
		switch fields[0] {
		case "config", "set", "clear", "reload":
			s.configure(fields)
			return true
		}
	}

	data, err := os.ReadFile(line)
	if err != nil {
		fmt.Fprintf(s.log, "⚠️  %v\n", err)
		return true
	}
	s.submit(data, line)
	return true
}

// configure changes model slots through the shared manager. The running
// worker is subscribed to it and sees the change on its next request.
func (s *session) configure(args []string) {
	if s.settings == nil {
		fmt.Fprintln(s.log, "⚠️  No configuration loaded")
		return
	}

	switch args[0] {
	case "config":
		data, err := json.MarshalIndent(s.settings.Settings(), "", "  ")
		if err != nil {
			fmt.Fprintf(s.log, "⚠️  %v\n", err)
			return
		}
		fmt.Fprintln(s.log, string(data))
		return
	case "reload":
		if err := s.settings.Load(); err != nil {
			fmt.Fprintf(s.log, "⚠️  %v\n", err)
			return
		}
		fmt.Fprintf(s.log, "🔄 Reloaded %s\n", s.settings.Path())
		return
	}

	usage := "set <slot> <name> <backend> <dir>"
	want := 5
	if args[0] == "clear" {
		usage, want = "clear <slot>", 2
	}
	if len(args) != want {
		fmt.Fprintf(s.log, "⚠️  Usage: %s\n", usage)
		return
	}

	kind, err := config.ParseSlotKind(args[1])
	if err != nil {
		fmt.Fprintf(s.log, "⚠️  %v\n", err)
		return
	}

	var slot *config.ModelSlot
	if args[0] == "set" {
		slot = &config.ModelSlot{Name: args[2], Backend: args[3], Dir: args[4]}
	}
	if err := s.settings.SetSlot(kind, slot); err != nil {
		fmt.Fprintf(s.log, "⚠️  %v\n", err)
		return
	}

	if slot != nil {
		fmt.Fprintf(s.log, "✅ %s set to %s (%s)\n", kind, slot.Name, slot.Backend)
	} else {
		fmt.Fprintf(s.log, "🗑️  %s cleared\n", kind)
	}
}

func (s *session) submit(data []byte, path string) {
	req := types.NewInferRequest(data, s.mode, s.temperature, filepath.Base(path))

	// Register before submitting so the printer always finds the source.
	s.mu.Lock()
	s.sources[req.ID] = pendingImage{Path: path, Req: req, Hash: utils.HashImage(data)}
	s.mu.Unlock()

	err := s.sup.TrySubmit(req)
	switch {
	case err == nil:
		s.mu.Lock()
		s.last, s.lastSrc = data, path
		s.mu.Unlock()
		fmt.Fprintf(s.log, "📨 Queued %s\n", path)
		return
	case errors.Is(err, queue.ErrFull):
		fmt.Fprintf(s.log, "⏳ Queue full (%d waiting), try again shortly\n", s.sup.Pending())
	default:
		fmt.Fprintf(s.log, "⚠️  %v\n", err)
	}

	s.mu.Lock()
	delete(s.sources, req.ID)
	s.mu.Unlock()
}

func (s *session) printResults(ctx context.Context) {
	for res := range s.sup.Results() {
		s.mu.Lock()
		p, ok := s.sources[res.RequestID]
		delete(s.sources, res.RequestID)
		s.mu.Unlock()
		if !ok {
			p.Path = res.RequestID.String()
		}

		if res.Ok() {
			fmt.Fprintf(s.out, "== %s (%s) ==\n%s\n", p.Path, res.Duration.Round(time.Millisecond), res.Text)
		} else {
			fmt.Fprintf(s.log, "⚠️  %s: %s\n", p.Path, res.Err)
		}
		recordResult(ctx, s.db, p, res, s.mode)
		publishResult(s.emitter, p, res, s.mode)
	}
}

// drain waits until every accepted request has been answered.
func (s *session) drain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for {
		s.mu.Lock()
		n := len(s.sources)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.sup.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
