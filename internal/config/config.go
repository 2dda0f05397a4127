package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brensch/dicomstage/internal/dicom"
	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/packaging"
)

const EnvPrefix = "DICOMSTAGE"

var (
	// Default number of anonymize workers, often set to CPU count.
	DefaultAnonymizeWorkers = runtime.NumCPU()
)

const (
	DefaultSendWorkers  = 2
	DefaultDebugLogSize = 500
	DefaultHTTPTimeout  = 120 * time.Second
	DefaultDataDir      = "./dicomstage_data"
)

// AnonymizeConfig is the de-identification profile as configured.
type AnonymizeConfig struct {
	DefaultReplacement string `mapstructure:"default_replacement"`
	DateShiftDays      int    `mapstructure:"date_shift_days"`
	// Overrides are "Keyword=Value" pairs. A list is used because viper
	// lowercases map keys and DICOM keywords are case sensitive.
	Overrides             []string `mapstructure:"overrides"`
	PseudonymizePatientID bool     `mapstructure:"pseudonymize_patient_id"`
	RemapUIDs             bool     `mapstructure:"remap_uids"`
}

// Config holds application settings
type Config struct {
	DataDir             string
	StorePath           string
	DBPath              string
	OutputDir           string
	LogLevel            string
	LogFormat           string
	LogOutput           string
	AnonymizeWorkers    int
	SendWorkers         int
	DebugLogSize        int
	ArchiveCeilingBytes int64
	Endpoint            string
	HTTPTimeout         time.Duration
	Anonymize           AnonymizeConfig
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir:             DefaultDataDir,
		StorePath:           filepath.Join(DefaultDataDir, "files.bolt"),
		DBPath:              filepath.Join(DefaultDataDir, "session.duckdb"),
		OutputDir:           ".",
		LogLevel:            "info",
		LogFormat:           "text",
		LogOutput:           "stderr",
		AnonymizeWorkers:    DefaultAnonymizeWorkers,
		SendWorkers:         DefaultSendWorkers,
		DebugLogSize:        DefaultDebugLogSize,
		ArchiveCeilingBytes: packaging.DefaultCeiling,
		HTTPTimeout:         DefaultHTTPTimeout,
		Anonymize: AnonymizeConfig{
			DefaultReplacement:    dicom.DefaultProfile().DefaultReplacement,
			PseudonymizePatientID: true,
		},
	}
}

// Profile converts the configured anonymization settings.
func (c Config) Profile() (dicom.Profile, error) {
	overrides := make(map[string]string, len(c.Anonymize.Overrides))
	for _, kv := range c.Anonymize.Overrides {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return dicom.Profile{}, &domain.ValidationError{Field: "anonymize.overrides", Msg: fmt.Sprintf("want Keyword=Value, got %q", kv)}
		}
		overrides[strings.TrimSpace(k)] = val
	}
	return dicom.Profile{
		DefaultReplacement:    c.Anonymize.DefaultReplacement,
		Overrides:             overrides,
		DateShiftDays:         c.Anonymize.DateShiftDays,
		PseudonymizePatientID: c.Anonymize.PseudonymizePatientID,
		RemapUIDs:             c.Anonymize.RemapUIDs,
	}, nil
}

// flagKeys maps persistent flag names to config keys.
var flagKeys = map[string]string{
	"data-dir":          "data_dir",
	"store-path":        "store_path",
	"db-path":           "db_path",
	"output-dir":        "output_dir",
	"log-level":         "log_level",
	"log-format":        "log_format",
	"log-output":        "log_output",
	"anonymize-workers": "anonymize_workers",
	"send-workers":      "send_workers",
	"debug-log-size":    "debug_log_size",
	"archive-ceiling":   "archive_ceiling_bytes",
	"endpoint":          "endpoint",
	"http-timeout":      "http_timeout",
}

// Load resolves configuration.
// Priority: CLI flags > DICOMSTAGE_* environment > config.yaml > defaults
func Load(configPath string, cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".dicomstage"))
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		flags := cmd.Flags()
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("store_path", "")
	v.SetDefault("db_path", "")
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_output", d.LogOutput)
	v.SetDefault("anonymize_workers", d.AnonymizeWorkers)
	v.SetDefault("send_workers", d.SendWorkers)
	v.SetDefault("debug_log_size", d.DebugLogSize)
	v.SetDefault("archive_ceiling_bytes", d.ArchiveCeilingBytes)
	v.SetDefault("endpoint", "")
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("anonymize.default_replacement", d.Anonymize.DefaultReplacement)
	v.SetDefault("anonymize.date_shift_days", 0)
	v.SetDefault("anonymize.pseudonymize_patient_id", d.Anonymize.PseudonymizePatientID)
	v.SetDefault("anonymize.remap_uids", false)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		DataDir:             v.GetString("data_dir"),
		StorePath:           v.GetString("store_path"),
		DBPath:              v.GetString("db_path"),
		OutputDir:           v.GetString("output_dir"),
		LogLevel:            v.GetString("log_level"),
		LogFormat:           v.GetString("log_format"),
		LogOutput:           v.GetString("log_output"),
		AnonymizeWorkers:    v.GetInt("anonymize_workers"),
		SendWorkers:         v.GetInt("send_workers"),
		DebugLogSize:        v.GetInt("debug_log_size"),
		ArchiveCeilingBytes: v.GetInt64("archive_ceiling_bytes"),
		Endpoint:            v.GetString("endpoint"),
		HTTPTimeout:         v.GetDuration("http_timeout"),
	}
	if err := v.UnmarshalKey("anonymize", &cfg.Anonymize); err != nil {
		return Config{}, fmt.Errorf("failed to decode anonymize settings: %w", err)
	}

	// Store and database live under the data directory unless set explicitly.
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.DataDir, "files.bolt")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "session.duckdb")
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.AnonymizeWorkers < 1:
		return &domain.ValidationError{Field: "anonymize_workers", Msg: fmt.Sprintf("must be at least 1, got %d", c.AnonymizeWorkers)}
	case c.SendWorkers < 1:
		return &domain.ValidationError{Field: "send_workers", Msg: fmt.Sprintf("must be at least 1, got %d", c.SendWorkers)}
	case c.ArchiveCeilingBytes < 1:
		return &domain.ValidationError{Field: "archive_ceiling_bytes", Msg: fmt.Sprintf("must be positive, got %d", c.ArchiveCeilingBytes)}
	}
	if _, err := c.Profile(); err != nil {
		return err
	}
	return nil
}
