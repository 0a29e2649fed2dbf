// Package probe reads media durations via ffprobe.
package probe

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// Duration returns the container duration of the media file at path. The
// read is retried briefly because a file closed by a capture process that
// just exited can take a moment to become consistent on disk.
func Duration(ctx context.Context, binaryPath string, path string) (time.Duration, error) {
	if binaryPath == "" {
		binaryPath = "ffprobe"
	}

	var d time.Duration
	err := retry.New(
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		out, err := exec.CommandContext(ctx, binaryPath,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		).Output()
		if err != nil {
			return fmt.Errorf("ffprobe %s: %w", path, err)
		}
		seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
		if err != nil {
			return fmt.Errorf("parse ffprobe output %q: %w", strings.TrimSpace(string(out)), err)
		}
		d = time.Duration(seconds * float64(time.Second))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return d, nil
}
