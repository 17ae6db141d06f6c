// Package config handles configuration loading, validation, and management
// for biolock.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the complete biolock configuration.
type Config struct {
	// Security holds authentication decision thresholds and lockout policy.
	Security SecurityConfig `toml:"security" json:"security" yaml:"security"`

	// Biometric holds per-modality enables and fusion weights.
	Biometric BiometricConfig `toml:"biometric" json:"biometric" yaml:"biometric"`

	// Failsafe holds the developer emergency-access policy.
	Failsafe FailsafeConfig `toml:"failsafe" json:"failsafe" yaml:"failsafe"`

	// Threat holds contextual threat scoring thresholds.
	Threat ThreatConfig `toml:"threat" json:"threat" yaml:"threat"`

	// Storage holds persistence paths.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging holds structured logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// SecurityConfig holds decision thresholds and lockout policy.
type SecurityConfig struct {
	// MaxFailedAttempts is the number of consecutive failures before lockout.
	MaxFailedAttempts int `toml:"max_failed_attempts" json:"max_failed_attempts" yaml:"max_failed_attempts"`

	// LockoutDurationMin is the lockout duration in minutes.
	LockoutDurationMin int `toml:"lockout_duration_min" json:"lockout_duration_min" yaml:"lockout_duration_min"`

	// ConfidenceThreshold is the fused confidence required to authenticate.
	ConfidenceThreshold float64 `toml:"confidence_threshold" json:"confidence_threshold" yaml:"confidence_threshold"`

	// LivenessThreshold is the gate every supplied liveness sub-score must exceed.
	LivenessThreshold float64 `toml:"liveness_threshold" json:"liveness_threshold" yaml:"liveness_threshold"`

	// SimilarityThreshold is the minimum match score on the voice-only path.
	SimilarityThreshold float64 `toml:"similarity_threshold" json:"similarity_threshold" yaml:"similarity_threshold"`
}

// LockoutDuration returns the lockout duration as a time.Duration.
func (c SecurityConfig) LockoutDuration() time.Duration {
	return time.Duration(c.LockoutDurationMin) * time.Minute
}

// BiometricConfig holds modality enables and fusion weights.
type BiometricConfig struct {
	EnableVoice    bool `toml:"enable_voice" json:"enable_voice" yaml:"enable_voice"`
	EnableFace     bool `toml:"enable_face" json:"enable_face" yaml:"enable_face"`
	EnableIris     bool `toml:"enable_iris" json:"enable_iris" yaml:"enable_iris"`
	EnableBehavior bool `toml:"enable_behavior" json:"enable_behavior" yaml:"enable_behavior"`

	VoiceWeight    float64 `toml:"voice_weight" json:"voice_weight" yaml:"voice_weight"`
	FaceWeight     float64 `toml:"face_weight" json:"face_weight" yaml:"face_weight"`
	IrisWeight     float64 `toml:"iris_weight" json:"iris_weight" yaml:"iris_weight"`
	BehaviorWeight float64 `toml:"behavior_weight" json:"behavior_weight" yaml:"behavior_weight"`

	// SampleRate is the expected audio sample rate in Hz.
	SampleRate int `toml:"sample_rate" json:"sample_rate" yaml:"sample_rate"`
}

// FailsafeConfig holds the developer emergency-access policy.
type FailsafeConfig struct {
	// MaxUses is the activation budget per installation until an explicit reset.
	MaxUses int `toml:"max_uses" json:"max_uses" yaml:"max_uses"`

	// TimeoutSec is the automatic deactivation timeout in seconds.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// OTKValidityMin is the one-time key validity window in minutes.
	OTKValidityMin int `toml:"otk_validity_min" json:"otk_validity_min" yaml:"otk_validity_min"`

	// KeySequence is the physical confirmation key sequence, in order.
	KeySequence []string `toml:"key_sequence" json:"key_sequence" yaml:"key_sequence"`

	// KDFIterations is the PBKDF2 iteration count for the developer secret.
	KDFIterations int `toml:"kdf_iterations" json:"kdf_iterations" yaml:"kdf_iterations"`
}

// Timeout returns the failsafe timeout as a time.Duration.
func (c FailsafeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// OTKValidity returns the OTK validity window as a time.Duration.
func (c FailsafeConfig) OTKValidity() time.Duration {
	return time.Duration(c.OTKValidityMin) * time.Minute
}

// ThreatConfig holds contextual threat scoring configuration.
type ThreatConfig struct {
	// Level thresholds; a score at or above a threshold maps to that level.
	LowThreshold      float64 `toml:"low_threshold" json:"low_threshold" yaml:"low_threshold"`
	MediumThreshold   float64 `toml:"medium_threshold" json:"medium_threshold" yaml:"medium_threshold"`
	HighThreshold     float64 `toml:"high_threshold" json:"high_threshold" yaml:"high_threshold"`
	CriticalThreshold float64 `toml:"critical_threshold" json:"critical_threshold" yaml:"critical_threshold"`

	// NormalHoursStart/End define the expected access window (local hours).
	NormalHoursStart int `toml:"normal_hours_start" json:"normal_hours_start" yaml:"normal_hours_start"`
	NormalHoursEnd   int `toml:"normal_hours_end" json:"normal_hours_end" yaml:"normal_hours_end"`

	// RetentionDays is how long threat events are kept.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// Retention returns the threat log retention window.
func (c ThreatConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// StorageConfig holds persistence paths.
type StorageConfig struct {
	// DataDir is the root directory for all persisted state.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// DatabasePath is the SQLite database holding audit, lockout, and
	// threat state. Defaults to <data_dir>/biolock.db.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	// KeyPath is the master key file. Defaults to <data_dir>/master.key.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// ProfileDir holds encrypted enrollment profiles. Defaults to
	// <data_dir>/profiles.
	ProfileDir string `toml:"profile_dir" json:"profile_dir" yaml:"profile_dir"`

	// FailsafeStatePath is the encrypted failsafe state file. Defaults to
	// <data_dir>/failsafe.state.
	FailsafeStatePath string `toml:"failsafe_state_path" json:"failsafe_state_path" yaml:"failsafe_state_path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Security: SecurityConfig{
			MaxFailedAttempts:   3,
			LockoutDurationMin:  15,
			ConfidenceThreshold: 0.98,
			LivenessThreshold:   0.8,
			SimilarityThreshold: 0.85,
		},
		Biometric: BiometricConfig{
			EnableVoice:    true,
			EnableFace:     false,
			EnableIris:     false,
			EnableBehavior: true,
			VoiceWeight:    0.50,
			FaceWeight:     0.25,
			IrisWeight:     0.15,
			BehaviorWeight: 0.10,
			SampleRate:     16000,
		},
		Failsafe: FailsafeConfig{
			MaxUses:        3,
			TimeoutSec:     1800,
			OTKValidityMin: 15,
			KeySequence:    []string{"ctrl", "alt", "f12", "d"},
			KDFIterations:  100000,
		},
		Threat: ThreatConfig{
			LowThreshold:      0.3,
			MediumThreshold:   0.6,
			HighThreshold:     0.8,
			CriticalThreshold: 0.95,
			NormalHoursStart:  6,
			NormalHoursEnd:    22,
			RetentionDays:     90,
		},
		Storage: StorageConfig{
			DataDir:       dataDir,
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// defaultDataDir returns the platform data directory for biolock.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "biolock")
	}
	return filepath.Join(home, ".local", "share", "biolock")
}

// ResolvePaths fills derived storage paths that were left empty.
func (c *Config) ResolvePaths() {
	s := &c.Storage
	if s.DataDir == "" {
		s.DataDir = defaultDataDir()
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataDir, "biolock.db")
	}
	if s.KeyPath == "" {
		s.KeyPath = filepath.Join(s.DataDir, "master.key")
	}
	if s.ProfileDir == "" {
		s.ProfileDir = filepath.Join(s.DataDir, "profiles")
	}
	if s.FailsafeStatePath == "" {
		s.FailsafeStatePath = filepath.Join(s.DataDir, "failsafe.state")
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Security.MaxFailedAttempts < 1 {
		errs = append(errs, fmt.Errorf("security.max_failed_attempts must be >= 1, got %d", c.Security.MaxFailedAttempts))
	}
	if c.Security.LockoutDurationMin < 1 {
		errs = append(errs, fmt.Errorf("security.lockout_duration_min must be >= 1, got %d", c.Security.LockoutDurationMin))
	}
	for name, v := range map[string]float64{
		"security.confidence_threshold": c.Security.ConfidenceThreshold,
		"security.liveness_threshold":   c.Security.LivenessThreshold,
		"security.similarity_threshold": c.Security.SimilarityThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, v))
		}
	}

	for name, w := range map[string]float64{
		"biometric.voice_weight":    c.Biometric.VoiceWeight,
		"biometric.face_weight":     c.Biometric.FaceWeight,
		"biometric.iris_weight":     c.Biometric.IrisWeight,
		"biometric.behavior_weight": c.Biometric.BehaviorWeight,
	} {
		if w < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %v", name, w))
		}
	}
	if c.Biometric.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("biometric.sample_rate must be >= 8000, got %d", c.Biometric.SampleRate))
	}

	if c.Failsafe.MaxUses < 1 {
		errs = append(errs, fmt.Errorf("failsafe.max_uses must be >= 1, got %d", c.Failsafe.MaxUses))
	}
	if c.Failsafe.TimeoutSec < 1 {
		errs = append(errs, fmt.Errorf("failsafe.timeout_sec must be >= 1, got %d", c.Failsafe.TimeoutSec))
	}
	if c.Failsafe.OTKValidityMin < 1 {
		errs = append(errs, fmt.Errorf("failsafe.otk_validity_min must be >= 1, got %d", c.Failsafe.OTKValidityMin))
	}
	if len(c.Failsafe.KeySequence) == 0 {
		errs = append(errs, errors.New("failsafe.key_sequence must not be empty"))
	}
	if c.Failsafe.KDFIterations < 10000 {
		errs = append(errs, fmt.Errorf("failsafe.kdf_iterations must be >= 10000, got %d", c.Failsafe.KDFIterations))
	}

	t := c.Threat
	if !(t.LowThreshold <= t.MediumThreshold && t.MediumThreshold <= t.HighThreshold && t.HighThreshold <= t.CriticalThreshold) {
		errs = append(errs, errors.New("threat level thresholds must be non-decreasing"))
	}
	if t.NormalHoursStart < 0 || t.NormalHoursStart > 23 || t.NormalHoursEnd < 0 || t.NormalHoursEnd > 23 {
		errs = append(errs, errors.New("threat normal hours must be in [0,23]"))
	}
	if t.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("threat.retention_days must be >= 1, got %d", t.RetentionDays))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug/info/warn/error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text/json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ApplyEnvOverrides applies BIOLOCK_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("BIOLOCK_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
		c.Storage.DatabasePath = ""
		c.Storage.KeyPath = ""
		c.Storage.ProfileDir = ""
		c.Storage.FailsafeStatePath = ""
	}
	if v := os.Getenv("BIOLOCK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BIOLOCK_MAX_FAILED_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Security.MaxFailedAttempts = n
		}
	}
	if v := os.Getenv("BIOLOCK_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Security.ConfidenceThreshold = f
		}
	}
}

// ModalityWeights returns the normalized fusion weights, zeroing disabled
// modalities. Returns an error if every modality ends up disabled.
func (c *Config) ModalityWeights() (map[string]float64, error) {
	w := map[string]float64{}
	if c.Biometric.EnableVoice {
		w["voice"] = c.Biometric.VoiceWeight
	}
	if c.Biometric.EnableFace {
		w["face"] = c.Biometric.FaceWeight
	}
	if c.Biometric.EnableIris {
		w["iris"] = c.Biometric.IrisWeight
	}
	if c.Biometric.EnableBehavior {
		w["behavior"] = c.Biometric.BehaviorWeight
	}

	var total float64
	for _, v := range w {
		total += v
	}
	if total <= 0 {
		return nil, errors.New("config: no enabled modality carries positive weight")
	}
	for k := range w {
		w[k] /= total
	}
	return w, nil
}
