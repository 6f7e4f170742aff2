package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/emitter"
	"github.com/Sped0n/texa/internal/files"
	"github.com/Sped0n/texa/internal/store"
	"github.com/Sped0n/texa/internal/utils"
	"github.com/spf13/cobra"
)

// App holds what every subcommand shares. It is built once in
// PersistentPreRunE.
type App struct {
	Env      config.Environment
	Settings *config.Manager
	Files    *files.Manager
	LogLevel *slog.LevelVar

	// DB is nil unless a connection string was given.
	DB *store.Store

	// Emitter is nil unless an MQTT broker was given.
	Emitter *emitter.MQTTEmitter
}

var (
	app *App

	// flag overrides for the environment
	dataDir  string
	logLevel string
	dbURL    string
	backend  string
	broker   string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "texa",
	Short:   "Recognize formulas and text in images with a local or remote model",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		env := config.LoadEnvironment()
		if dataDir != "" {
			env.DataDir = dataDir
		}
		if logLevel != "" {
			env.LogLevel = logLevel
		}
		if dbURL != "" {
			env.DatabaseURL = dbURL
		}
		if backend != "" {
			env.Backend = backend
		}
		if broker != "" {
			env.MQTTBroker = broker
		}

		level := utils.ConfigureLogger(os.Stderr, env.LogLevel, config.DefaultLogLevel)

		if err := os.MkdirAll(env.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		settings := config.NewManager(env.DataDir)
		if err := settings.Load(); err != nil {
			return err
		}

		fm, err := files.NewManager(env.DataDir, env.ModelBaseURL)
		if err != nil {
			return err
		}
		fm.Progress = os.Stderr

		app = &App{Env: env, Settings: settings, Files: fm, LogLevel: level}

		// History is optional; failing to reach the database never blocks recognition.
		if env.DatabaseURL != "" {
			// Use the command's context (which will be cancellable) for the connection
			db, err := store.New(cmd.Context(), env.DatabaseURL)
			if err != nil {
				slog.Warn("history disabled, failed to connect to database", "error", err)
			} else {
				app.DB = db
			}
		}

		if env.MQTTBroker != "" {
			em := emitter.NewMQTTEmitter(emitter.Config{Broker: env.MQTTBroker, Topic: env.MQTTTopic})
			if err := em.Connect(cmd.Context()); err != nil {
				slog.Warn("result publishing disabled", "error", err)
			} else {
				app.Emitter = em
			}
		}

		slog.Debug("environment loaded", "data_dir", env.DataDir, "backend", env.Backend, "history", app.DB != nil, "mqtt", app.Emitter != nil)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil && app.DB != nil {
			app.DB.Close()
		}
		if app != nil && app.Emitter != nil {
			app.Emitter.Disconnect()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// requireDB is for commands that only make sense with history enabled.
func requireDB() *store.Store {
	if app.DB == nil {
		utils.Die("History is not available", fmt.Errorf("set --db or TEXA_DATABASE_URL to a reachable PostgreSQL database"), nil)
	}
	return app.DB
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for config.json and model files (default: per-user data dir, or TEXA_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info, or TEXA_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for recognition history (or TEXA_DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&broker, "mqtt", "", "MQTT broker (host:port) to publish results and availability to (or TEXA_MQTT_BROKER)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Recognizer backend: texifast, pix2text or openai (default: texifast, or TEXA_BACKEND)")
}
