// Package config loads cozmonaut configuration.
//
// Configuration comes from an optional YAML file layered over Default(),
// then environment overrides (see ApplyEnv). Every section has working
// defaults, so an empty file is a valid configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Interaction modes.
const (
	ModeBoth  = "both"
	ModeJustA = "just_a"
	ModeJustB = "just_b"
)

// Config is the top-level configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Robots   RobotsConfig   `yaml:"robots"`
	Docking  DockingConfig  `yaml:"docking"`
	Face     FaceConfig     `yaml:"face"`
	Governor GovernorConfig `yaml:"governor"`
	Store    StoreConfig    `yaml:"store"`
	Convo    ConvoConfig    `yaml:"convo"`
	Web      WebConfig      `yaml:"web"`
	Events   EventsConfig   `yaml:"events"`
}

// RobotsConfig selects which robots take part and how to reach them.
type RobotsConfig struct {
	// Mode is both, just_a or just_b.
	Mode string `yaml:"mode"`

	// SerialA and SerialB identify the two robot slots.
	SerialA string `yaml:"serial_a"`
	SerialB string `yaml:"serial_b"`

	// Bridge is the base URL of the robot bridge daemon.
	Bridge string `yaml:"bridge"`

	// ActionTimeout bounds a single bridge action request.
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

// DockingConfig tunes the docking controller.
type DockingConfig struct {
	// FineRetries is the number of corrective fine-alignment passes
	// attempted when the residual is outside tolerance.
	FineRetries int `yaml:"fine_retries"`

	// MaxFindAttempts bounds the charger search. Zero searches forever.
	MaxFindAttempts int `yaml:"max_find_attempts"`

	StrikeTimeout  time.Duration `yaml:"strike_timeout"`
	FlattenTimeout time.Duration `yaml:"flatten_timeout"`
}

// FaceConfig tunes the face pipeline.
type FaceConfig struct {
	// DetectorModel is the YuNet ONNX model path.
	DetectorModel string `yaml:"detector_model"`

	// RecognizerModel is the SFace ONNX model path.
	RecognizerModel string `yaml:"recognizer_model"`

	QualityThreshold   float64       `yaml:"quality_threshold"`
	DetectInterval     time.Duration `yaml:"detect_interval"`
	TrackPadding       float64       `yaml:"track_padding"`
	RecognitionWorkers int           `yaml:"recognition_workers"`
	MatchThreshold     float64       `yaml:"match_threshold"`
}

// GovernorConfig tunes turn-taking and battery monitoring.
type GovernorConfig struct {
	// Manual disables turn-taking entirely: robots move only on operator
	// commands, and the battery watcher still sends them home.
	Manual bool `yaml:"manual"`

	// Choreographed enables random activity selection. When false the
	// active robot only greets.
	Choreographed bool `yaml:"choreographed"`

	BatteryThreshold float64       `yaml:"battery_threshold"`
	BatteryPoll      time.Duration `yaml:"battery_poll"`
	FreeplayCeiling  time.Duration `yaml:"freeplay_ceiling"`

	// TurnLength is how long a robot stays out before handing over. Zero
	// keeps it out until its battery runs low or an operator swaps.
	TurnLength time.Duration `yaml:"turn_length"`
	// DrawInterval is how long greeting runs before the next draw.
	DrawInterval time.Duration `yaml:"draw_interval"`

	// Weights maps activity names (convo, pong, freeplay, greet) to
	// relative draw weights.
	Weights map[string]int `yaml:"weights"`
}

// StoreConfig locates the identity database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ConvoConfig locates conversation scripts.
type ConvoConfig struct {
	Dir string `yaml:"dir"`
}

// WebConfig configures the operator API.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EventsConfig configures the Redis event bus. An empty RedisAddr
// disables publishing.
type EventsConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Channel   string `yaml:"channel"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Robots: RobotsConfig{
			Mode:          ModeBoth,
			Bridge:        "http://127.0.0.1:8765",
			ActionTimeout: 30 * time.Second,
		},
		Docking: DockingConfig{
			StrikeTimeout:  3 * time.Second,
			FlattenTimeout: 5 * time.Second,
		},
		Face: FaceConfig{
			DetectorModel:      "models/face_detection_yunet_2023mar.onnx",
			RecognizerModel:    "models/face_recognition_sface_2021dec.onnx",
			QualityThreshold:   0.55,
			DetectInterval:     100 * time.Millisecond,
			TrackPadding:       0.10,
			RecognitionWorkers: 2,
			MatchThreshold:     0.6,
		},
		Governor: GovernorConfig{
			Choreographed:    true,
			BatteryThreshold: 3.5,
			BatteryPoll:      3 * time.Second,
			FreeplayCeiling:  20 * time.Second,
			DrawInterval:     15 * time.Second,
			Weights: map[string]int{
				"convo":    1,
				"pong":     1,
				"freeplay": 1,
				"greet":    5,
			},
		},
		Store: StoreConfig{Path: "cozmonaut.db"},
		Convo: ConvoConfig{Dir: "convos"},
		Web:   WebConfig{Enabled: true, Addr: ":8080"},
		Events: EventsConfig{
			Channel: "cozmonaut:events",
		},
	}
}

// Load reads a YAML file over Default(). A missing path is not an error
// when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// NeedsA reports whether slot A takes part in the configured mode.
func (c *Config) NeedsA() bool { return c.Robots.Mode != ModeJustB }

// NeedsB reports whether slot B takes part in the configured mode.
func (c *Config) NeedsB() bool { return c.Robots.Mode != ModeJustA }

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	var errs []error

	switch c.Robots.Mode {
	case ModeBoth, ModeJustA, ModeJustB:
	default:
		errs = append(errs, &ConfigError{Field: "robots.mode", Message: fmt.Sprintf("unknown interaction mode %q", c.Robots.Mode)})
	}
	if c.NeedsA() && c.Robots.SerialA == "" {
		errs = append(errs, &ConfigError{Field: "robots.serial_a", Message: "serial for robot A is required (COZMO_SERIAL_A)"})
	}
	if c.NeedsB() && c.Robots.SerialB == "" {
		errs = append(errs, &ConfigError{Field: "robots.serial_b", Message: "serial for robot B is required (COZMO_SERIAL_B)"})
	}
	if c.Robots.Bridge == "" {
		errs = append(errs, &ConfigError{Field: "robots.bridge", Message: "bridge URL is required"})
	}
	if c.Face.QualityThreshold <= 0 || c.Face.QualityThreshold > 1 {
		errs = append(errs, &ConfigError{Field: "face.quality_threshold", Message: "must be in (0, 1]"})
	}
	if c.Face.RecognitionWorkers < 1 {
		errs = append(errs, &ConfigError{Field: "face.recognition_workers", Message: "must be at least 1"})
	}
	if c.Governor.BatteryPoll <= 0 {
		errs = append(errs, &ConfigError{Field: "governor.battery_poll", Message: "must be positive"})
	}
	total := 0
	for name, w := range c.Governor.Weights {
		switch name {
		case "convo", "pong", "freeplay", "greet":
		default:
			errs = append(errs, &ConfigError{Field: "governor.weights", Message: fmt.Sprintf("unknown activity %q", name)})
		}
		if w < 0 {
			errs = append(errs, &ConfigError{Field: "governor.weights", Message: fmt.Sprintf("weight for %s must not be negative", name)})
		}
		total += w
	}
	if c.Governor.Choreographed && total <= 0 {
		errs = append(errs, &ConfigError{Field: "governor.weights", Message: "at least one activity needs a positive weight"})
	}
	if c.Docking.FineRetries < 0 || c.Docking.MaxFindAttempts < 0 {
		errs = append(errs, &ConfigError{Field: "docking", Message: "retry counts must not be negative"})
	}

	return errors.Join(errs...)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
