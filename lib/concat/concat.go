// Package concat joins an ordered list of finished segment files into one
// continuous output file without re-encoding. The join is all-or-nothing: a
// single unreadable segment fails the whole operation, and source files are
// never mutated or deleted.
package concat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/arcoscribe/server/lib/logger"
	"github.com/arcoscribe/server/lib/probe"
)

// ErrDurationMismatch indicates the joined output does not account for the
// summed duration of its inputs within tolerance.
var ErrDurationMismatch = errors.New("concatenated duration does not match sum of segments")

// DefaultTolerance is the allowed drift between the summed segment durations
// and the measured output duration.
const DefaultTolerance = 50 * time.Millisecond

// Concatenator joins segment files in order.
type Concatenator interface {
	Concatenate(ctx context.Context, segmentPaths []string, outputPath string) (time.Duration, error)
}

// FFmpegConcatenator uses the ffmpeg concat demuxer with stream copy, so the
// join is container-accurate and lossless.
type FFmpegConcatenator struct {
	binaryPath string
	probePath  string
	tolerance  time.Duration
}

var _ Concatenator = (*FFmpegConcatenator)(nil)

func NewFFmpegConcatenator(pathToFFmpeg, pathToFFprobe string, tolerance time.Duration) *FFmpegConcatenator {
	if pathToFFmpeg == "" {
		pathToFFmpeg = "ffmpeg"
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &FFmpegConcatenator{binaryPath: pathToFFmpeg, probePath: pathToFFprobe, tolerance: tolerance}
}

// Concatenate joins segmentPaths in order into outputPath and returns the
// measured duration of the result.
func (c *FFmpegConcatenator) Concatenate(ctx context.Context, segmentPaths []string, outputPath string) (time.Duration, error) {
	log := logger.FromContext(ctx)

	if len(segmentPaths) == 0 {
		return 0, fmt.Errorf("no segments to concatenate")
	}

	// verify every input up front; a missing segment must fail the whole
	// join rather than silently dropping audio
	var expected time.Duration
	for _, p := range segmentPaths {
		if _, err := os.Stat(p); err != nil {
			return 0, fmt.Errorf("segment %s is not readable: %w", p, err)
		}
		d, err := probe.Duration(ctx, c.probePath, p)
		if err != nil {
			return 0, fmt.Errorf("segment %s is not probeable: %w", p, err)
		}
		expected += d
	}

	listPath, err := writeConcatList(segmentPaths)
	if err != nil {
		return 0, err
	}
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}
	log.Info(fmt.Sprintf("%s %s", c.binaryPath, strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, c.binaryPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("ffmpeg concat failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	measured, err := probe.Duration(ctx, c.probePath, outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to measure concatenated output: %w", err)
	}

	drift := measured - expected
	if drift < 0 {
		drift = -drift
	}
	if drift > c.tolerance {
		return 0, fmt.Errorf("%w: expected %v, measured %v", ErrDurationMismatch, expected, measured)
	}

	log.Info("segments concatenated", "count", len(segmentPaths), "duration", measured, "output", outputPath)
	return measured, nil
}

// writeConcatList writes an ffmpeg concat demuxer list file to a temp path.
func writeConcatList(segmentPaths []string) (string, error) {
	f, err := os.CreateTemp("", "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}
	defer f.Close()

	lines := lo.Map(segmentPaths, func(p string, _ int) string {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		// single quotes in paths are escaped the concat-demuxer way
		return fmt.Sprintf("file '%s'", strings.ReplaceAll(abs, "'", `'\''`))
	})
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}
	return f.Name(), nil
}
