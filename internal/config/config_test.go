package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorePath != filepath.Join(DefaultDataDir, "files.bolt") {
		t.Errorf("StorePath = %q", cfg.StorePath)
	}
	if cfg.SendWorkers != DefaultSendWorkers || cfg.HTTPTimeout != DefaultHTTPTimeout {
		t.Errorf("SendWorkers = %d HTTPTimeout = %v", cfg.SendWorkers, cfg.HTTPTimeout)
	}
	p, err := cfg.Profile()
	if err != nil || p.DefaultReplacement != "ANONYMIZED" || !p.PseudonymizePatientID {
		t.Errorf("Profile() = %+v, %v", p, err)
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	yaml := `
data_dir: /srv/dicom
send_workers: 4
archive_ceiling_bytes: 1000
anonymize:
  default_replacement: REDACTED
  date_shift_days: -30
  overrides:
    - PatientName=Doe^Jane
    - InstitutionName=Nowhere
`
	cfgPath := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DICOMSTAGE_SEND_WORKERS", "6")
	t.Setenv("DICOMSTAGE_ENDPOINT", "http://pacs.local/upload")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Int("anonymize-workers", 1, "")
	cmd.Flags().Duration("http-timeout", time.Minute, "")
	if err := cmd.Flags().Set("anonymize-workers", "3"); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath, cmd)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file value", cfg.DataDir, "/srv/dicom"},
		{"derived store path", cfg.StorePath, filepath.Join("/srv/dicom", "files.bolt")},
		{"env beats file", cfg.SendWorkers, 6},
		{"env only", cfg.Endpoint, "http://pacs.local/upload"},
		{"flag set", cfg.AnonymizeWorkers, 3},
		{"file int64", cfg.ArchiveCeilingBytes, int64(1000)},
		{"nested", cfg.Anonymize.DateShiftDays, -30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	p, err := cfg.Profile()
	if err != nil {
		t.Fatal(err)
	}
	if p.DefaultReplacement != "REDACTED" || p.Overrides["PatientName"] != "Doe^Jane" || len(p.Overrides) != 2 {
		t.Errorf("Profile() = %+v", p)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"ok", func(*Config) {}, ""},
		{"no anonymize workers", func(c *Config) { c.AnonymizeWorkers = 0 }, "anonymize_workers"},
		{"no send workers", func(c *Config) { c.SendWorkers = 0 }, "send_workers"},
		{"zero ceiling", func(c *Config) { c.ArchiveCeilingBytes = 0 }, "archive_ceiling_bytes"},
		{"bad override", func(c *Config) { c.Anonymize.Overrides = []string{"PatientName"} }, "anonymize.overrides"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("Validate() error = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}
}
