// Package files manages the encoder/decoder/tokenizer triplet the
// recognizer needs on disk.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

const (
	EncoderModelName   = "encoder_model_quantized.onnx"
	DecoderModelName   = "decoder_model_merged_quantized.onnx"
	TokenizerJSONName  = "tokenizer.json"
	ModelRepository    = "Spedon/texify-quantized-onnx"
	modelSubdirectory  = "texifast"
	downloadBufferSize = 32 * 1024
)

// FileType is one member of the model triplet.
type FileType string

const (
	Encoder   FileType = "encoder"
	Decoder   FileType = "decoder"
	Tokenizer FileType = "tokenizer"
)

// AllTypes lists the triplet in a stable order.
var AllTypes = []FileType{Encoder, Decoder, Tokenizer}

func ParseFileType(s string) (FileType, error) {
	switch ft := FileType(s); ft {
	case Encoder, Decoder, Tokenizer:
		return ft, nil
	}
	return "", fmt.Errorf("unknown model file type %q (want encoder, decoder or tokenizer)", s)
}

// FileName returns the fixed on-disk name for ft.
func (ft FileType) FileName() string {
	switch ft {
	case Encoder:
		return EncoderModelName
	case Decoder:
		return DecoderModelName
	default:
		return TokenizerJSONName
	}
}

// Manager owns the managed model directory.
type Manager struct {
	dir     string
	baseURL string
	client  *http.Client

	// Progress receives download progress bars. nil disables them.
	Progress io.Writer
}

// NewManager roots the triplet at <dataDir>/texifast and creates it.
func NewManager(dataDir, baseURL string) (*Manager, error) {
	dir := filepath.Join(dataDir, modelSubdirectory)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return &Manager{dir: dir, baseURL: baseURL, client: &http.Client{}}, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) Path(ft FileType) string {
	return filepath.Join(m.dir, ft.FileName())
}

func (m *Manager) EncoderPath() string   { return m.Path(Encoder) }
func (m *Manager) DecoderPath() string   { return m.Path(Decoder) }
func (m *Manager) TokenizerPath() string { return m.Path(Tokenizer) }

// Status reports presence of each file.
func (m *Manager) Status() map[FileType]bool {
	status := make(map[FileType]bool, len(AllTypes))
	for _, ft := range AllTypes {
		_, err := os.Stat(m.Path(ft))
		status[ft] = err == nil
	}
	return status
}

// Missing lists absent files in AllTypes order.
func (m *Manager) Missing() []FileType {
	status := m.Status()
	var missing []FileType
	for _, ft := range AllTypes {
		if !status[ft] {
			missing = append(missing, ft)
		}
	}
	return missing
}

// Ready reports whether the whole triplet is present.
func (m *Manager) Ready() bool {
	return len(m.Missing()) == 0
}

// Import copies src into the managed directory under the fixed name,
// replacing any existing file of that type. The existing file is only
// replaced once the copy is complete.
func (m *Manager) Import(ft FileType, src string) error {
	dst := m.Path(ft)
	tmp := dst + ".importing"
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to import %s: %w", ft, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", ft, err)
	}
	return nil
}

// Remove deletes the file if present.
func (m *Manager) Remove(ft FileType) error {
	if err := os.Remove(m.Path(ft)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", ft, err)
	}
	return nil
}

// Download fetches each listed file from the model repository. Every file is
// attempted; failures are joined into a single error.
func (m *Manager) Download(ctx context.Context, wanted []FileType) error {
	if len(wanted) == 0 {
		return nil
	}

	tmp, err := os.MkdirTemp("", "texa-download-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	var errs []error
	for _, ft := range wanted {
		staged := filepath.Join(tmp, ft.FileName())
		if err := m.fetch(ctx, ft, staged); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ft, err))
			continue
		}
		if err := copyFile(staged, m.Path(ft)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ft, err))
		}
	}
	return errors.Join(errs...)
}

// URL is where ft is fetched from.
func (m *Manager) URL(ft FileType) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", m.baseURL, ModelRepository, ft.FileName())
}

func (m *Manager) fetch(ctx context.Context, ft FileType, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL(ft), nil)
	if err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("download failed: status %d: %s", resp.StatusCode, string(body))
	}

	file, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer file.Close()

	var w io.Writer = file
	if m.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription("⬇️  "+ft.FileName()),
			progressbar.OptionSetWriter(m.Progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(m.Progress) }),
		)
		defer bar.Finish()
		w = io.MultiWriter(file, bar)
	}

	if _, err := io.CopyBuffer(w, resp.Body, make([]byte, downloadBufferSize)); err != nil {
		return err
	}
	return file.Sync()
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destinationFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destinationFile.Close()

	if _, err := io.Copy(destinationFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	return destinationFile.Sync()
}
