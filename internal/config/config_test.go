package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.ResolvePaths()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max attempts", func(c *Config) { c.Security.MaxFailedAttempts = 0 }},
		{"confidence above one", func(c *Config) { c.Security.ConfidenceThreshold = 1.5 }},
		{"negative weight", func(c *Config) { c.Biometric.VoiceWeight = -0.1 }},
		{"empty key sequence", func(c *Config) { c.Failsafe.KeySequence = nil }},
		{"weak kdf", func(c *Config) { c.Failsafe.KDFIterations = 100 }},
		{"inverted thresholds", func(c *Config) { c.Threat.HighThreshold = 0.1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ResolvePaths()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biolock.toml")
	content := `
[security]
max_failed_attempts = 5
lockout_duration_min = 30
confidence_threshold = 0.95
liveness_threshold = 0.85
similarity_threshold = 0.80

[biometric]
enable_voice = true
enable_face = true
voice_weight = 0.6
face_weight = 0.4
sample_rate = 16000
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.MaxFailedAttempts != 5 {
		t.Errorf("MaxFailedAttempts = %d, want 5", cfg.Security.MaxFailedAttempts)
	}
	if cfg.Security.ConfidenceThreshold != 0.95 {
		t.Errorf("ConfidenceThreshold = %v, want 0.95", cfg.Security.ConfidenceThreshold)
	}
	// Defaults survive for sections not in the file
	if cfg.Failsafe.MaxUses != 3 {
		t.Errorf("Failsafe.MaxUses = %d, want default 3", cfg.Failsafe.MaxUses)
	}
	// Derived paths resolved
	if cfg.Storage.DatabasePath == "" || cfg.Storage.KeyPath == "" {
		t.Error("derived storage paths were not resolved")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biolock.yaml")
	content := "security:\n  max_failed_attempts: 7\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.MaxFailedAttempts != 7 {
		t.Errorf("MaxFailedAttempts = %d, want 7", cfg.Security.MaxFailedAttempts)
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biolock.ini")
	if err := os.WriteFile(path, []byte("x=1"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load of .ini succeeded, want error")
	}
}

func TestModalityWeightsNormalization(t *testing.T) {
	cfg := Default()
	cfg.Biometric.EnableVoice = true
	cfg.Biometric.EnableFace = true
	cfg.Biometric.EnableIris = false
	cfg.Biometric.EnableBehavior = false

	w, err := cfg.ModalityWeights()
	if err != nil {
		t.Fatalf("ModalityWeights: %v", err)
	}
	if _, ok := w["iris"]; ok {
		t.Error("disabled modality iris present in weights")
	}

	var sum float64
	for _, v := range w {
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("weights sum to %v, want 1.0", sum)
	}
	// voice 0.50, face 0.25 -> normalized 2/3, 1/3
	if math.Abs(w["voice"]-2.0/3.0) > 1e-9 {
		t.Errorf("voice weight = %v, want %v", w["voice"], 2.0/3.0)
	}
}

func TestModalityWeightsAllDisabled(t *testing.T) {
	cfg := Default()
	cfg.Biometric.EnableVoice = false
	cfg.Biometric.EnableFace = false
	cfg.Biometric.EnableIris = false
	cfg.Biometric.EnableBehavior = false
	if _, err := cfg.ModalityWeights(); err == nil {
		t.Error("ModalityWeights with all modalities disabled succeeded, want error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BIOLOCK_MAX_FAILED_ATTEMPTS", "9")
	t.Setenv("BIOLOCK_DATA_DIR", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.MaxFailedAttempts != 9 {
		t.Errorf("MaxFailedAttempts = %d, want 9", cfg.Security.MaxFailedAttempts)
	}
	if filepath.Dir(cfg.Storage.DatabasePath) != cfg.Storage.DataDir {
		t.Errorf("database path %q not under data dir %q", cfg.Storage.DatabasePath, cfg.Storage.DataDir)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.toml")
	cfg := Default()
	cfg.Security.MaxFailedAttempts = 4
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Security.MaxFailedAttempts != 4 {
		t.Errorf("round-tripped MaxFailedAttempts = %d, want 4", got.Security.MaxFailedAttempts)
	}
}
