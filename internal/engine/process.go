package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/files"
	"github.com/Sped0n/texa/internal/utils" // Using the SafeCommand wrapper
	"github.com/Sped0n/texa/internal/worker"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultLoadTimeout = 5 * time.Minute
	DefaultStopGrace   = 2 * time.Second

	statusOK  = 0
	statusErr = 1

	// A reply larger than this means the stream is out of sync.
	maxReplySize = 16 << 20
)

// hostRequest is the msgpack body of one request frame.
type hostRequest struct {
	Image       []byte          `msgpack:"image"`
	Mode        string          `msgpack:"mode"`
	Temperature float64         `msgpack:"temperature"`
	Models      config.Settings `msgpack:"models"`
}

// ProcessLoader spawns the out-of-process model host.
type ProcessLoader struct {
	Python string
	Script string
	Engine string // texifast or pix2text

	// Files is required for texifast.
	Files *files.Manager

	// OnnxRuntimeLib enables graph validation before spawning.
	OnnxRuntimeLib string

	LoadTimeout time.Duration
	StopGrace   time.Duration
	MaxSide     int
}

func (l *ProcessLoader) Load(ctx context.Context) (worker.Model, error) {
	args := []string{"-u", l.Script, "--engine", l.Engine}

	if l.Engine == BackendTexifast {
		if l.Files == nil {
			return nil, errors.New("texifast needs a model file manager")
		}
		if missing := l.Files.Missing(); len(missing) > 0 {
			names := make([]string, len(missing))
			for i, ft := range missing {
				names[i] = string(ft)
			}
			return nil, fmt.Errorf("missing model files: %s (run 'texa models download')", strings.Join(names, ", "))
		}
		if l.OnnxRuntimeLib != "" {
			if err := ValidateGraphs(l.OnnxRuntimeLib, l.Files.EncoderPath(), l.Files.DecoderPath()); err != nil {
				return nil, err
			}
		}
		args = append(args,
			"--encoder", l.Files.EncoderPath(),
			"--decoder", l.Files.DecoderPath(),
			"--tokenizer", l.Files.TokenizerPath(),
		)
	}

	m, err := startProcess(l.Python, args...)
	if err != nil {
		return nil, err
	}
	m.maxSide = l.MaxSide
	m.stopGrace = l.StopGrace
	if m.stopGrace <= 0 {
		m.stopGrace = DefaultStopGrace
	}

	timeout := l.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	if err := m.handshake(ctx, timeout); err != nil {
		m.Close()
		return nil, m.withLogs(err)
	}
	return m, nil
}

// ProcessModel talks to a running model host over stdin and a side pipe.
type ProcessModel struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	maxSide   int
	stopGrace time.Duration
	closeOnce sync.Once
}

func startProcess(python string, args ...string) (*ProcessModel, error) {
	// 1. Initialize the SafeCommand so stderr survives a crash
	py := utils.NewSafeCommand(python, args...)

	// Create a side-channel pipe (FD 3) so library chatter on stdout can't corrupt replies
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("model host failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &ProcessModel{
		Cmd:       py,
		Stdin:     stdin,
		DataPipe:  r,
		stopGrace: DefaultStopGrace,
	}, nil
}

// handshake waits for the first reply, which reports whether the model loaded.
func (m *ProcessModel) handshake(ctx context.Context, timeout time.Duration) error {
	type reply struct {
		msg string
		err error
	}
	done := make(chan reply, 1)
	go func() {
		msg, err := m.readReply()
		done <- reply{msg, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.err
	case <-timer.C:
		return fmt.Errorf("model host did not finish loading within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ProcessModel) Infer(ctx context.Context, job worker.Job) (string, error) {
	img, err := Preprocess(job.Request.Image, m.maxSide)
	if err != nil {
		return "", err
	}

	body, err := msgpack.Marshal(hostRequest{
		Image:       img,
		Mode:        string(job.Request.Mode),
		Temperature: job.Request.Temperature,
		Models:      job.Settings,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	text, err := m.Communicate(body)
	if err != nil {
		return "", err
	}
	return ReplaceKatexInvalid(text), nil
}

// Communicate sends one frame and reads one reply.
func (m *ProcessModel) Communicate(data []byte) (string, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(m.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return "", fmt.Errorf("failed to write to model host: %w", err)
	}
	if _, err := m.Stdin.Write(data); err != nil {
		return "", fmt.Errorf("failed to write to model host: %w", err)
	}
	return m.readReply()
}

// readReply reads [Length][Status][MsgLen][Msg] from the data pipe.
func (m *ProcessModel) readReply() (string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(m.DataPipe, header); err != nil {
		return "", fmt.Errorf("model host exited: %w", err)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen < 5 || respLen > maxReplySize {
		return "", fmt.Errorf("malformed reply of %d bytes from model host", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(m.DataPipe, respBody); err != nil {
		return "", fmt.Errorf("model host exited: %w", err)
	}

	status := respBody[0]
	msgLen := binary.BigEndian.Uint32(respBody[1:5])
	if int(msgLen) != len(respBody)-5 {
		return "", fmt.Errorf("malformed reply: message length %d, payload %d", msgLen, len(respBody)-5)
	}
	msg := string(respBody[5:])

	switch status {
	case statusOK:
		return msg, nil
	case statusErr:
		return "", errors.New(msg)
	default:
		return "", fmt.Errorf("unknown reply status %d from model host", status)
	}
}

// withLogs appends whatever the host printed to stderr. Only call it after
// the process has been waited on.
func (m *ProcessModel) withLogs(err error) error {
	if logs := m.Cmd.Logs(); logs != "" {
		return fmt.Errorf("%w\n%s", err, logs)
	}
	return err
}

// Close ends the host: closing stdin asks it to exit, and it is killed if it
// is still running after the grace period.
func (m *ProcessModel) Close() error {
	m.closeOnce.Do(func() {
		m.Stdin.Close()
		m.DataPipe.Close()

		if m.Cmd == nil || m.Cmd.Process == nil {
			return
		}

		exited := make(chan struct{})
		go func() {
			m.Cmd.Wait()
			close(exited)
		}()

		select {
		case <-exited:
		case <-time.After(m.stopGrace):
			m.Cmd.Process.Kill()
			<-exited
		}
	})
	return nil
}
