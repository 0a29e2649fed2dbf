package concat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	mockBin        = filepath.Join("testdata", "mock_ffmpeg.sh")
	mockTruncating = filepath.Join("testdata", "mock_ffmpeg_truncating.sh")
	mockProbe      = filepath.Join("testdata", "mock_ffprobe.sh")
)

// writeSegment creates a file whose mock-probed duration is seconds long
// (the mock ffprobe reports 1000 bytes as one second).
func writeSegment(t *testing.T, dir, name string, seconds int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("a", seconds*1000)), 0o644))
	return path
}

func TestConcatenate_PreservesOrderAndDuration(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := writeSegment(t, dir, "a.m4a", 3)
	b := writeSegment(t, dir, "b.m4a", 4)
	out := filepath.Join(dir, "final.m4a")

	c := NewFFmpegConcatenator(mockBin, mockProbe, 0)
	d, err := c.Concatenate(t.Context(), []string{a, b}, out)
	require.NoError(t, err)
	assert.InDelta(t, (7 * time.Second).Seconds(), d.Seconds(), DefaultTolerance.Seconds())

	// output is a + b in order
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, data, 7000)
}

func TestConcatenate_MissingSegmentFailsWhole(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := writeSegment(t, dir, "a.m4a", 3)
	missing := filepath.Join(dir, "b.m4a")
	out := filepath.Join(dir, "final.m4a")

	c := NewFFmpegConcatenator(mockBin, mockProbe, 0)
	_, err := c.Concatenate(t.Context(), []string{a, missing}, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not readable")

	// no partial output, and the surviving source is untouched
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "no output file may be produced")
	data, err := os.ReadFile(a)
	require.NoError(t, err)
	assert.Len(t, data, 3000, "source segment must not be mutated")
}

func TestConcatenate_DurationMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := writeSegment(t, dir, "a.m4a", 3)
	b := writeSegment(t, dir, "b.m4a", 4)
	out := filepath.Join(dir, "final.m4a")

	c := NewFFmpegConcatenator(mockTruncating, mockProbe, 0)
	_, err := c.Concatenate(t.Context(), []string{a, b}, out)
	require.ErrorIs(t, err, ErrDurationMismatch)
}

func TestConcatenate_NoSegments(t *testing.T) {
	t.Parallel()
	c := NewFFmpegConcatenator(mockBin, mockProbe, 0)
	_, err := c.Concatenate(t.Context(), nil, filepath.Join(t.TempDir(), "out.m4a"))
	require.Error(t, err)
}

func TestWriteConcatList_EscapesQuotes(t *testing.T) {
	t.Parallel()
	listPath, err := writeConcatList([]string{"/tmp/it's.m4a"})
	require.NoError(t, err)
	defer os.Remove(listPath)

	data, err := os.ReadFile(listPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `it'\''s.m4a`)
}
