package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/config"
	"github.com/brensch/dicomstage/internal/db"
	"github.com/brensch/dicomstage/internal/dicom"
	"github.com/brensch/dicomstage/internal/orchestrator"
	"github.com/brensch/dicomstage/internal/store"
	"github.com/brensch/dicomstage/internal/transport"
)

var (
	cfgFile string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	logFile    *os.File
	dbConn     *sql.DB
	fileStore  *store.Store
	workspace  *orchestrator.Workspace
	appConfig  config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dicomstage",
	Short: "Stage DICOM files locally: ingest, anonymize, send and package for download.",
	Long: `dicomstage keeps a durable local workspace of DICOM files. Files are ingested
from .dcm files or .zip archives, grouped into studies and series, anonymized by
a pool of workers, sent to a remote endpoint or packaged into size-bounded zip
archives. Binaries live in a verified Bolt store and the session manifest and
event history live in DuckDB, so the workspace survives restarts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Resolve Config (flags > env > file > defaults) ---
		var err error
		appConfig, err = config.Load(cfgFile, cmd)
		if err != nil {
			return err
		}

		// --- 2. Initialize Logger ---
		rootLogger, err = newLogger(appConfig)
		if err != nil {
			return err
		}
		slog.SetDefault(rootLogger)
		rootLogger.Info("Logger initialized", "level", appConfig.LogLevel, "format", appConfig.LogFormat, "output", appConfig.LogOutput)
		rootLogger.Debug("Configuration loaded", slog.Any("config", appConfig))

		for _, d := range []string{appConfig.DataDir, filepath.Dir(appConfig.StorePath), filepath.Dir(appConfig.DBPath)} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", d, err)
			}
		}

		// --- 3. Open Local Store ---
		backend, err := store.OpenBolt(appConfig.StorePath)
		if err != nil {
			return fmt.Errorf("failed to open local store (%s): %w", appConfig.StorePath, err)
		}
		fileStore = store.New(backend, rootLogger)

		// --- 4. Initialize DuckDB Connection & Schema ---
		rootLogger.Info("Initializing DuckDB connection", "path", appConfig.DBPath)
		dbConn, err = sql.Open("duckdb", appConfig.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DBPath, err)
		}
		pingCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DBPath, err)
		}
		if err := db.InitializeSchema(dbConn); err != nil {
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		rootLogger.Info("Database schema initialized successfully.")

		// --- 5. Build Workspace & Restore Session ---
		codec := dicom.NewCodec()
		workspace, err = orchestrator.New(appConfig, orchestrator.Deps{
			Store:      fileStore,
			DB:         dbConn,
			Parser:     codec,
			Preparer:   codec,
			Anonymizer: codec,
			Sender:     transport.NewHTTPSender(transport.DefaultHTTPClient(appConfig.HTTPTimeout), rootLogger),
			Logger:     rootLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to build workspace: %w", err)
		}
		restored, err := workspace.Restore(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to restore session: %w", err)
		}
		if restored.Placeholders > 0 {
			rootLogger.Warn("Some files could not be restored and are shown as missing.", slog.Int("missing", restored.Placeholders))
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		closeAll()
		return nil
	},
}

// Execute adds all child commands to the root command and runs it with a
// context cancelled on SIGINT or SIGTERM. It is called by main.main().
func Execute() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(studiesCmd)
	rootCmd.AddCommand(anonymizeCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(tuiCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		// PersistentPostRunE does not run when RunE fails.
		closeAll()
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./config/config.yaml, $HOME/.dicomstage/config.yaml)")
	pf.String("data-dir", d.DataDir, "Directory holding the local store and session database")
	pf.String("store-path", "", "Path to the Bolt file store (default <data-dir>/files.bolt)")
	pf.String("db-path", "", "Path to the DuckDB session database (default <data-dir>/session.duckdb)")
	pf.StringP("output-dir", "o", d.OutputDir, "Directory for downloaded archives and Parquet exports")
	pf.String("log-format", d.LogFormat, "Log output format (text or json)")
	pf.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	pf.String("log-output", d.LogOutput, "Log output destination (stderr, stdout, or file path)")
	pf.Int("anonymize-workers", d.AnonymizeWorkers, "Number of anonymize workers")
	pf.Int("send-workers", d.SendWorkers, "Number of send workers")
	pf.Int("debug-log-size", d.DebugLogSize, "Debug messages kept per worker pool")
	pf.Int64("archive-ceiling", d.ArchiveCeilingBytes, "Maximum uncompressed payload bytes per download archive")
	pf.String("endpoint", d.Endpoint, "Default upload endpoint for send")
	pf.Duration("http-timeout", d.HTTPTimeout, "Timeout for each upload request")

	rootCmd.Version = "0.1.0"
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var logWriter io.Writer = os.Stderr
	switch out := strings.ToLower(cfg.LogOutput); out {
	case "", "stderr":
	case "stdout":
		logWriter = os.Stdout
	default:
		f, err := os.OpenFile(cfg.LogOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.LogOutput, err)
		}
		logFile = f
		logWriter = f
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(logWriter, opts)), nil
	}
	return slog.New(slog.NewTextHandler(logWriter, opts)), nil
}

// closeAll releases the workspace, store, database and log file. It is safe
// to call more than once.
func closeAll() {
	logger := getLogger()
	if workspace != nil {
		workspace.Close()
		workspace = nil
	}
	if fileStore != nil {
		if err := fileStore.Close(); err != nil {
			logger.Error("Failed to close local store cleanly", "error", err)
		}
		fileStore = nil
	}
	if dbConn != nil {
		logger.Info("Closing DuckDB connection.")
		if err := dbConn.Close(); err != nil {
			logger.Error("Failed to close DuckDB connection cleanly", "error", err)
		}
		dbConn = nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getDB() *sql.DB {
	return dbConn
}

func getConfig() config.Config {
	return appConfig
}

func getWorkspace() *orchestrator.Workspace {
	return workspace
}
