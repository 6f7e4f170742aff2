package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	AppName = "Texa"

	DefaultLogLevel     = slog.LevelInfo
	DefaultBackend      = "texifast"
	DefaultPython       = "python3"
	DefaultWorkerScript = "python/worker.py"
	DefaultModelBaseURL = "https://huggingface.co"
	DefaultOpenAIModel  = "gpt-4o"
)

// Environment holds the process level settings that do not live in the
// JSON document.
type Environment struct {
	DataDir        string
	Backend        string
	Python         string
	WorkerScript   string
	LogLevel       string
	DatabaseURL    string
	ModelBaseURL   string
	OnnxRuntimeLib string
	OpenAIKey      string
	OpenAIBaseURL  string
	OpenAIModel    string
	MQTTBroker     string
	MQTTTopic      string
}

// LoadEnvironment reads an optional .env file and then the process
// environment, filling defaults for anything unset.
func LoadEnvironment() Environment {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env file", "error", err)
	}

	env := Environment{
		DataDir:        os.Getenv("TEXA_DATA_DIR"),
		Backend:        strings.ToLower(os.Getenv("TEXA_BACKEND")),
		Python:         os.Getenv("TEXA_PYTHON"),
		WorkerScript:   os.Getenv("TEXA_WORKER_SCRIPT"),
		LogLevel:       os.Getenv("TEXA_LOG_LEVEL"),
		DatabaseURL:    os.Getenv("TEXA_DATABASE_URL"),
		ModelBaseURL:   os.Getenv("TEXA_MODEL_BASE_URL"),
		OnnxRuntimeLib: os.Getenv("ONNXRUNTIME_LIB"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:    os.Getenv("TEXA_OPENAI_MODEL"),
		MQTTBroker:     os.Getenv("TEXA_MQTT_BROKER"),
		MQTTTopic:      os.Getenv("TEXA_MQTT_TOPIC"),
	}

	if env.DataDir == "" {
		env.DataDir = DefaultDataDir()
	}
	if env.Backend == "" {
		env.Backend = DefaultBackend
	}
	if env.Python == "" {
		env.Python = DefaultPython
	}
	if env.WorkerScript == "" {
		env.WorkerScript = DefaultWorkerScript
	}
	if env.LogLevel == "" {
		env.LogLevel = DefaultLogLevel.String()
	}
	if env.ModelBaseURL == "" {
		env.ModelBaseURL = DefaultModelBaseURL
	}
	if env.OpenAIModel == "" {
		env.OpenAIModel = DefaultOpenAIModel
	}
	return env
}

// DefaultDataDir is the per-user application data directory.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(os.TempDir(), AppName)
}
