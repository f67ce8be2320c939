package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gradeworks/gradeworks/pkg/jobs"
	"github.com/gradeworks/gradeworks/pkg/tasks/backup"
)

// Config is the root application configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Server  ServerConfig  `koanf:"server"`
	Engine  EngineConfig  `koanf:"engine"`
	Storage StorageConfig `koanf:"storage"`
	Backup  backup.Config `koanf:"backup"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// Level is the minimum level (debug, info, warn, error).
	Level string `koanf:"level"`

	// Format selects text (console) or json output.
	Format string `koanf:"format"`

	// File is an optional log file path; empty logs to stderr.
	File string `koanf:"file"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// EngineConfig bounds the job engine.
type EngineConfig struct {
	// Workers is the worker pool size.
	Workers int `koanf:"workers"`

	// QueueCapacity bounds the admission queue.
	QueueCapacity int `koanf:"queue_capacity"`

	// MaxActivePerUser / MaxActiveTotal cap pending+running jobs.
	MaxActivePerUser int `koanf:"max_active_per_user"`
	MaxActiveTotal   int `koanf:"max_active_total"`

	// MaxAttempts caps task executions per job, counting the first run.
	MaxAttempts int `koanf:"max_attempts"`

	// RetryBackoff is the base delay between attempts.
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// CancelCheckInterval is the running-job cancel poll interval.
	CancelCheckInterval time.Duration `koanf:"cancel_check_interval"`
}

// StorageConfig locates the engine workspace.
type StorageConfig struct {
	// WorkspaceRoot is the engine's working directory; job records,
	// artifacts, export data and the audit log live underneath it.
	WorkspaceRoot string `koanf:"workspace_root"`

	// Retention bounds terminal-job retention for the sweep.
	Retention jobs.RetentionConfig `koanf:"retention"`
}

// DefaultServerConfig returns the HTTP server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1",
		Port:            8090,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultConfig returns a Config populated with the baseline defaults that
// lower-priority sources start from.
func DefaultConfig() Config {
	workspace := defaultWorkspaceRoot()

	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
		Server: DefaultServerConfig(),
		Engine: EngineConfig{
			Workers:             4,
			QueueCapacity:       64,
			MaxActivePerUser:    4,
			MaxActiveTotal:      16,
			MaxAttempts:         3,
			RetryBackoff:        500 * time.Millisecond,
			CancelCheckInterval: 2 * time.Second,
		},
		Storage: StorageConfig{
			WorkspaceRoot: workspace,
			Retention: jobs.RetentionConfig{
				MaxAgeDays: 30,
				MaxJobs:    500,
			},
		},
		Backup: backup.Config{
			DatabaseDir: filepath.Join(workspace, "db"),
			FilesDir:    filepath.Join(workspace, "files"),
		},
	}
}

// DefaultConfigAsMap flattens DefaultConfig for koanf's confmap provider,
// so every known key exists before higher-priority sources merge in.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()

	return map[string]any{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,
		"log.file":   def.Log.File,

		"server.addr":             def.Server.Addr,
		"server.port":             def.Server.Port,
		"server.read_timeout":     def.Server.ReadTimeout,
		"server.write_timeout":    def.Server.WriteTimeout,
		"server.shutdown_timeout": def.Server.ShutdownTimeout,

		"engine.workers":               def.Engine.Workers,
		"engine.queue_capacity":        def.Engine.QueueCapacity,
		"engine.max_active_per_user":   def.Engine.MaxActivePerUser,
		"engine.max_active_total":      def.Engine.MaxActiveTotal,
		"engine.max_attempts":          def.Engine.MaxAttempts,
		"engine.retry_backoff":         def.Engine.RetryBackoff,
		"engine.cancel_check_interval": def.Engine.CancelCheckInterval,

		"storage.workspace_root":         def.Storage.WorkspaceRoot,
		"storage.retention.max_age_days": def.Storage.Retention.MaxAgeDays,
		"storage.retention.max_jobs":     def.Storage.Retention.MaxJobs,

		"backup.database_dir":  def.Backup.DatabaseDir,
		"backup.files_dir":     def.Backup.FilesDir,
		"backup.age_recipient": def.Backup.AgeRecipient,
	}
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gradeworks"
	}
	return filepath.Join(home, ".gradeworks")
}
