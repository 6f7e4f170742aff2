package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects what the recognizer looks for in an image.
type Mode string

const (
	ModeTextAndFormula Mode = "text_and_formula"
	ModeTextOnly       Mode = "text_only"
	ModeFormulaOnly    Mode = "formula_only"
)

// DefaultMode is used when the caller does not pick one.
const DefaultMode = ModeFormulaOnly

// ParseMode converts a user supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeTextAndFormula, ModeTextOnly, ModeFormulaOnly:
		return m, nil
	case "":
		return DefaultMode, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want text_and_formula, text_only or formula_only)", s)
	}
}

// InferRequest is a single image handed from the front end to the worker.
// It is consumed exactly once.
type InferRequest struct {
	ID          uuid.UUID
	Image       []byte // encoded bitmap (PNG or JPEG)
	Mode        Mode
	Temperature float64
	Source      string // where the image came from, for display only
}

// NewInferRequest builds a request with a fresh ID.
func NewInferRequest(image []byte, mode Mode, temperature float64, source string) InferRequest {
	return InferRequest{
		ID:          uuid.New(),
		Image:       image,
		Mode:        mode,
		Temperature: temperature,
		Source:      source,
	}
}

// InferResult is either recognized text or an error message.
type InferResult struct {
	RequestID uuid.UUID
	Text      string
	Err       string
	Duration  time.Duration
}

// InferOk wraps recognized text.
func InferOk(id uuid.UUID, text string) InferResult {
	return InferResult{RequestID: id, Text: text}
}

// InferErr wraps a failure message.
func InferErr(id uuid.UUID, msg string) InferResult {
	if msg == "" {
		msg = "unknown inference error"
	}
	return InferResult{RequestID: id, Err: msg}
}

func (r InferResult) Ok() bool { return r.Err == "" }

// LoadResult is published once when the worker finishes loading its model.
type LoadResult struct {
	Err string
}

func LoadOk() LoadResult { return LoadResult{} }

func LoadErr(msg string) LoadResult {
	if msg == "" {
		msg = "unknown load error"
	}
	return LoadResult{Err: msg}
}

func (r LoadResult) Ok() bool { return r.Err == "" }
