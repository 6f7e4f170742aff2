package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Sped0n/texa/internal/types"
	"github.com/Sped0n/texa/internal/worker"
	"github.com/sashabaranov/go-openai"
)

const systemPrompt = "You transcribe images of mathematical documents. Return only the transcription, no explanations and no surrounding code fences."

var modePrompts = map[types.Mode]string{
	types.ModeFormulaOnly:    "Transcribe the formula in this image as LaTeX without $ delimiters.",
	types.ModeTextOnly:       "Transcribe the text in this image as plain text, preserving line breaks.",
	types.ModeTextAndFormula: "Transcribe this image as Markdown. Wrap inline formulas in $...$ and display formulas in $$...$$.",
}

type OpenAILoader struct {
	APIKey  string
	BaseURL string
	Model   string
	MaxSide int
}

func (l *OpenAILoader) Load(ctx context.Context) (worker.Model, error) {
	if l.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}

	cfg := openai.DefaultConfig(l.APIKey)
	if l.BaseURL != "" {
		cfg.BaseURL = l.BaseURL
	}

	model := l.Model
	if model == "" {
		model = openai.GPT4o
	}

	slog.Debug("openai backend ready", "model", model, "base_url", cfg.BaseURL)
	return &OpenAIModel{client: openai.NewClientWithConfig(cfg), model: model, maxSide: l.MaxSide}, nil
}

type OpenAIModel struct {
	client  *openai.Client
	model   string
	maxSide int
}

func (m *OpenAIModel) Infer(ctx context.Context, job worker.Job) (string, error) {
	img, err := Preprocess(job.Request.Image, m.maxSide)
	if err != nil {
		return "", err
	}

	model := m.model
	if slot := job.Settings.TextModel; slot != nil {
		model = slot.Name
	}

	prompt, ok := modePrompts[job.Request.Mode]
	if !ok {
		prompt = modePrompts[types.DefaultMode]
	}

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
		Temperature: float32(job.Request.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	return ReplaceKatexInvalid(stripFences(resp.Choices[0].Message.Content)), nil
}

func (m *OpenAIModel) Close() error { return nil }

// stripFences drops a surrounding ```lang ... ``` block if the model added one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], " \\$") {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
