package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// The onnxruntime environment is process global.
var ortMu sync.Mutex

// ValidateGraphs opens each model with ONNX Runtime and checks that it
// declares inputs and outputs. It catches truncated downloads before the
// model host is spawned.
func ValidateGraphs(libPath string, paths ...string) error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		defer ort.DestroyEnvironment()
	}

	for _, path := range paths {
		inputs, outputs, err := ort.GetInputOutputInfo(path)
		if err != nil {
			return fmt.Errorf("%s is not a valid ONNX model: %w", filepath.Base(path), err)
		}
		if len(inputs) == 0 || len(outputs) == 0 {
			return fmt.Errorf("%s declares no inputs or outputs", filepath.Base(path))
		}
		slog.Debug("validated onnx graph", "model", filepath.Base(path), "inputs", len(inputs), "outputs", len(outputs))
	}
	return nil
}
