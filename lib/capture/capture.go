package capture

import (
	"context"
	"fmt"
	"time"
)

// Unit is one finite audio capture bound to one output file. A unit is
// opened once, optionally suspended and resumed any number of times, and
// finished exactly once; the output file is never reopened for writing after
// Finish returns.
type Unit interface {
	// Path returns the output file path the unit writes to.
	Path() string
	// Open starts capturing into the output file.
	Open(ctx context.Context) error
	// Suspend halts capture without ending the segment.
	Suspend(ctx context.Context) error
	// Resume continues a suspended capture into the same file.
	Resume(ctx context.Context) error
	// Finish stops capture and returns the realized duration of the file.
	Finish(ctx context.Context) (time.Duration, error)
	// Failures delivers at most one asynchronous capture-layer failure
	// (e.g. the device process dying underneath us).
	Failures() <-chan error
}

// Factory creates a Unit that will write to the given path.
type Factory func(path string) (Unit, error)

// Params configures audio capture. Pointer fields allow per-request
// overrides to be merged over configured defaults.
type Params struct {
	// InputFormat is the ffmpeg input demuxer: "pulse" or "alsa" on linux,
	// "avfoundation" on darwin.
	InputFormat *string
	// Device is the capture device name understood by the input format.
	Device     *string
	SampleRate *int
	Channels   *int
	// AudioBitrate is the AAC encode bitrate, e.g. "128k".
	AudioBitrate *string
	OutputDir    *string
}

func (p Params) Validate() error {
	if p.OutputDir == nil {
		return fmt.Errorf("output directory is required")
	}
	if p.InputFormat == nil {
		return fmt.Errorf("input format is required")
	}
	if p.Device == nil {
		return fmt.Errorf("capture device is required")
	}
	if p.SampleRate == nil || *p.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be greater than 0")
	}
	if p.Channels == nil || *p.Channels <= 0 {
		return fmt.Errorf("channel count must be greater than 0")
	}
	if p.AudioBitrate == nil || *p.AudioBitrate == "" {
		return fmt.Errorf("audio bitrate is required")
	}
	return nil
}

// MergeParams overlays non-nil override fields on top of config.
func MergeParams(config Params, overrides Params) Params {
	merged := config
	if overrides.InputFormat != nil {
		merged.InputFormat = overrides.InputFormat
	}
	if overrides.Device != nil {
		merged.Device = overrides.Device
	}
	if overrides.SampleRate != nil {
		merged.SampleRate = overrides.SampleRate
	}
	if overrides.Channels != nil {
		merged.Channels = overrides.Channels
	}
	if overrides.AudioBitrate != nil {
		merged.AudioBitrate = overrides.AudioBitrate
	}
	if overrides.OutputDir != nil {
		merged.OutputDir = overrides.OutputDir
	}
	return merged
}
