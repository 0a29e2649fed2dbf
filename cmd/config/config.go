package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the server.
type Config struct {
	// Server configuration
	Port int `envconfig:"PORT" default:"10001" json:"port"`

	// Recording configuration
	OutputDir string `envconfig:"OUTPUT_DIR" default:"./recordings" json:"output_dir"`
	// MaxSegmentDuration caps each segment; 0 records a single segment.
	MaxSegmentDuration time.Duration `envconfig:"MAX_SEGMENT_DURATION" default:"15m" json:"max_segment_duration"`
	ProgressInterval   time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s" json:"progress_interval"`

	// Capture configuration
	InputFormat  string `envconfig:"INPUT_FORMAT" default:"pulse" json:"input_format"`
	Device       string `envconfig:"DEVICE" default:"default" json:"device"`
	SampleRate   int    `envconfig:"SAMPLE_RATE" default:"44100" json:"sample_rate"`
	Channels     int    `envconfig:"CHANNELS" default:"1" json:"channels"`
	AudioBitrate string `envconfig:"AUDIO_BITRATE" default:"64k" json:"audio_bitrate"`

	// Absolute or relative paths to the ffmpeg binaries. If left as the
	// defaults the code falls back to $PATH lookup.
	PathToFFmpeg  string `envconfig:"FFMPEG_PATH" default:"ffmpeg" json:"ffmpeg_path"`
	PathToFFprobe string `envconfig:"FFPROBE_PATH" default:"ffprobe" json:"ffprobe_path"`

	// Lifecycle guard configuration. An empty control file path disables
	// platform suspension control; GuardMaxHold bounds a single extension.
	SuspendControlFile string        `envconfig:"SUSPEND_CONTROL_FILE" default:"" json:"suspend_control_file"`
	GuardMaxHold       time.Duration `envconfig:"GUARD_MAX_HOLD" default:"10s" json:"guard_max_hold"`

	// Catalog configuration
	DBPath string `envconfig:"DB_PATH" default:"./recordings/catalog.db" json:"db_path"`
}

// Load loads configuration from environment variables. When CONFIG_FILE
// names a YAML file, keys present in the file override the environment.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return nil, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
		}
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR is required")
	}
	if config.MaxSegmentDuration < 0 {
		return fmt.Errorf("MAX_SEGMENT_DURATION must not be negative")
	}
	if config.ProgressInterval < 0 {
		return fmt.Errorf("PROGRESS_INTERVAL must not be negative")
	}
	if config.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be greater than 0")
	}
	if config.Channels <= 0 {
		return fmt.Errorf("CHANNELS must be greater than 0")
	}
	if config.PathToFFmpeg == "" {
		return fmt.Errorf("FFMPEG_PATH is required")
	}
	if config.PathToFFprobe == "" {
		return fmt.Errorf("FFPROBE_PATH is required")
	}
	if config.GuardMaxHold < 0 {
		return fmt.Errorf("GUARD_MAX_HOLD must not be negative")
	}
	if config.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	return nil
}
