package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	defaults := Config{
		Port:               10001,
		OutputDir:          "./recordings",
		MaxSegmentDuration: 15 * time.Minute,
		ProgressInterval:   time.Second,
		InputFormat:        "pulse",
		Device:             "default",
		SampleRate:         44100,
		Channels:           1,
		AudioBitrate:       "64k",
		PathToFFmpeg:       "ffmpeg",
		PathToFFprobe:      "ffprobe",
		GuardMaxHold:       10 * time.Second,
		DBPath:             "./recordings/catalog.db",
	}

	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name:    "defaults (no env set)",
			env:     map[string]string{},
			wantCfg: &defaults,
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"PORT":                 "12345",
				"OUTPUT_DIR":           "/tmp/audio",
				"MAX_SEGMENT_DURATION": "5m",
				"PROGRESS_INTERVAL":    "500ms",
				"INPUT_FORMAT":         "alsa",
				"DEVICE":               "hw:1",
				"SAMPLE_RATE":          "48000",
				"CHANNELS":             "2",
				"AUDIO_BITRATE":        "128k",
				"FFMPEG_PATH":          "/usr/local/bin/ffmpeg",
				"FFPROBE_PATH":         "/usr/local/bin/ffprobe",
				"GUARD_MAX_HOLD":       "30s",
				"DB_PATH":              "/tmp/audio/catalog.db",
			},
			wantCfg: &Config{
				Port:               12345,
				OutputDir:          "/tmp/audio",
				MaxSegmentDuration: 5 * time.Minute,
				ProgressInterval:   500 * time.Millisecond,
				InputFormat:        "alsa",
				Device:             "hw:1",
				SampleRate:         48000,
				Channels:           2,
				AudioBitrate:       "128k",
				PathToFFmpeg:       "/usr/local/bin/ffmpeg",
				PathToFFprobe:      "/usr/local/bin/ffprobe",
				GuardMaxHold:       30 * time.Second,
				DBPath:             "/tmp/audio/catalog.db",
			},
		},
		{
			name: "negative segment duration",
			env: map[string]string{
				"MAX_SEGMENT_DURATION": "-5m",
			},
			wantErr: true,
		},
		{
			name: "zero sample rate",
			env: map[string]string{
				"SAMPLE_RATE": "0",
			},
			wantErr: true,
		},
		{
			name: "missing ffmpeg path (set to empty)",
			env: map[string]string{
				"FFMPEG_PATH": "",
			},
			wantErr: true,
		},
		{
			name: "missing output dir (set to empty)",
			env: map[string]string{
				"OUTPUT_DIR": "",
			},
			wantErr: true,
		},
		{
			name: "missing db path (set to empty)",
			env: map[string]string{
				"DB_PATH": "",
			},
			wantErr: true,
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}

func TestLoadConfigFileOverridesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999\noutput_dir: /var/audio\nsample_rate: 48000\n"), 0644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "12345")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "/var/audio", cfg.OutputDir)
	require.Equal(t, 48000, cfg.SampleRate)
	// keys absent from the file keep their environment values
	require.Equal(t, "pulse", cfg.InputFormat)
}

func TestLoadConfigFileMissing(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
}
