package capture

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/arcoscribe/server/lib/logger"
	"github.com/arcoscribe/server/lib/probe"
)

const (
	// arbitrary value to indicate we have not yet received an exit code from the process
	exitCodeInitValue = math.MinInt

	// the exit codes returned by the stdlib:
	// -1 if the process hasn't exited yet or was terminated by a signal
	// 0 if the process exited successfully
	// >0 if the process exited with a non-zero exit code
	exitCodeProcessDoneMinValue = -1

	// how long to wait for the output file to appear after launching ffmpeg
	openConfirmTimeout = 2 * time.Second
)

// FFmpegUnit captures one audio segment with a dedicated ffmpeg process.
// Suspend/Resume signal the whole process group with SIGSTOP/SIGCONT so the
// segment file stays open across pauses. Thread-safe.
type FFmpegUnit struct {
	mu sync.Mutex

	binaryPath string
	probePath  string
	params     Params
	outputPath string

	cmd       *exec.Cmd
	procErr   error
	exitCode  int
	exited    chan struct{}
	suspended bool
	finishing bool
	finished  bool
	failures  chan error
}

var _ Unit = (*FFmpegUnit)(nil)

// NewFFmpegFactory returns a Factory creating units that execute the given
// ffmpeg binary (falling back to "ffmpeg" on $PATH when empty) and measure
// realized durations with the given ffprobe binary.
func NewFFmpegFactory(pathToFFmpeg, pathToFFprobe string, params Params) (Factory, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if pathToFFmpeg == "" {
		pathToFFmpeg = "ffmpeg"
	}
	return func(path string) (Unit, error) {
		return &FFmpegUnit{
			binaryPath: pathToFFmpeg,
			probePath:  pathToFFprobe,
			params:     params,
			outputPath: path,
			exitCode:   exitCodeInitValue,
			failures:   make(chan error, 1),
		}, nil
	}, nil
}

func (u *FFmpegUnit) Path() string { return u.outputPath }

func (u *FFmpegUnit) Failures() <-chan error { return u.failures }

// Open launches the capture process and confirms the output file appeared on
// disk before returning.
func (u *FFmpegUnit) Open(ctx context.Context) error {
	log := logger.FromContext(ctx)

	u.mu.Lock()
	if u.cmd != nil {
		u.mu.Unlock()
		return fmt.Errorf("capture already in progress")
	}

	u.procErr = nil
	u.exitCode = exitCodeInitValue
	u.exited = make(chan struct{})

	args := ffmpegArgs(u.params, u.outputPath)
	log.Info(fmt.Sprintf("%s %s", u.binaryPath, strings.Join(args, " ")))

	// watch the output directory before starting so the create event for the
	// segment file cannot be missed
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		if err := watcher.Add(filepath.Dir(u.outputPath)); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
	}

	cmd := exec.Command(u.binaryPath, args...)
	// process group so signals reach ffmpeg and any children together
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr
	u.cmd = cmd
	u.mu.Unlock()

	if err := cmd.Start(); err != nil {
		u.mu.Lock()
		u.procErr = err
		u.cmd = nil
		close(u.exited)
		u.mu.Unlock()
		return fmt.Errorf("failed to start capture process: %w", err)
	}

	go u.waitForCommand(ctx)

	return u.confirmOpen(ctx, watcher)
}

// confirmOpen waits until the segment file exists, the process dies, or the
// confirmation window runs out.
func (u *FFmpegUnit) confirmOpen(ctx context.Context, watcher *fsnotify.Watcher) error {
	deadline := time.After(openConfirmTimeout)
	var fsEvents chan fsnotify.Event
	if watcher != nil {
		fsEvents = watcher.Events
	}

	for {
		if _, err := os.Stat(u.outputPath); err == nil {
			return nil
		}
		select {
		case ev := <-fsEvents:
			if ev.Op.Has(fsnotify.Create) && ev.Name == u.outputPath {
				return nil
			}
		case <-u.exited:
			u.mu.Lock()
			defer u.mu.Unlock()
			return fmt.Errorf("capture process exited before writing %s: %w", u.outputPath, u.procErr)
		case <-deadline:
			if _, err := os.Stat(u.outputPath); err == nil {
				return nil
			}
			return fmt.Errorf("capture output %s never appeared", u.outputPath)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
			// fall through to the stat at the top; covers a missing watcher
		}
	}
}

// Suspend stops the capture process group without ending the segment.
func (u *FFmpegUnit) Suspend(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.activeLocked() {
		return fmt.Errorf("no active capture to suspend")
	}
	if u.suspended {
		return nil
	}
	if err := unix.Kill(-u.cmd.Process.Pid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("failed to suspend capture process: %w", err)
	}
	u.suspended = true
	logger.FromContext(ctx).Info("capture suspended", "path", u.outputPath)
	return nil
}

// Resume continues a suspended capture into the same segment file.
func (u *FFmpegUnit) Resume(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.activeLocked() {
		return fmt.Errorf("no active capture to resume")
	}
	if !u.suspended {
		return nil
	}
	if err := unix.Kill(-u.cmd.Process.Pid, unix.SIGCONT); err != nil {
		return fmt.Errorf("failed to resume capture process: %w", err)
	}
	u.suspended = false
	logger.FromContext(ctx).Info("capture resumed", "path", u.outputPath)
	return nil
}

// Finish stops the capture process in phases and returns the realized
// duration of the segment file.
func (u *FFmpegUnit) Finish(ctx context.Context) (time.Duration, error) {
	u.mu.Lock()
	if u.finished {
		u.mu.Unlock()
		return 0, fmt.Errorf("segment already finished")
	}
	u.finishing = true
	u.suspended = false
	u.mu.Unlock()

	err := u.shutdownInPhases(ctx, []shutdownPhase{
		// SIGCONT first: the group may be suspended from a pause
		{"wake_and_interrupt", []syscall.Signal{syscall.SIGCONT, syscall.SIGINT}, 5 * time.Second, "graceful stop"},
		{"retry_interrupt", []syscall.Signal{syscall.SIGINT}, 3 * time.Second, "retry graceful stop"},
		{"terminate", []syscall.Signal{syscall.SIGTERM}, 250 * time.Millisecond, "forceful termination"},
		{"kill", []syscall.Signal{syscall.SIGKILL}, 100 * time.Millisecond, "immediate kill"},
	})
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	u.finished = true
	u.mu.Unlock()

	d, err := probe.Duration(ctx, u.probePath, u.outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to measure segment duration: %w", err)
	}
	return d, nil
}

func (u *FFmpegUnit) activeLocked() bool {
	return u.cmd != nil && u.cmd.Process != nil && u.exitCode < exitCodeProcessDoneMinValue
}

// waitForCommand runs in the background to reap the ffmpeg process. An exit
// that nobody asked for is reported as an asynchronous capture failure.
func (u *FFmpegUnit) waitForCommand(ctx context.Context) {
	log := logger.FromContext(ctx)

	err := u.cmd.Wait()

	u.mu.Lock()
	u.procErr = err
	u.exitCode = u.cmd.ProcessState.ExitCode()
	finishing := u.finishing
	close(u.exited)
	u.mu.Unlock()

	if finishing {
		log.Info("capture process completed", "exitCode", u.exitCode, "path", u.outputPath)
		close(u.failures)
		return
	}

	failure := fmt.Errorf("capture process exited unexpectedly (code %d): %w", u.exitCode, err)
	if err == nil {
		failure = fmt.Errorf("capture process exited unexpectedly (code %d)", u.exitCode)
	}
	log.Error("capture process died", "exitCode", u.exitCode, "path", u.outputPath, "err", err)
	u.failures <- failure
	close(u.failures)
}

type shutdownPhase struct {
	name    string
	signals []syscall.Signal
	timeout time.Duration
	desc    string
}

func (u *FFmpegUnit) shutdownInPhases(ctx context.Context, phases []shutdownPhase) error {
	log := logger.FromContext(ctx)

	u.mu.Lock()
	exitCode := u.exitCode
	cmd := u.cmd
	done := u.exited
	u.mu.Unlock()

	if exitCode >= exitCodeProcessDoneMinValue {
		log.Info("capture process has already exited")
		return nil
	}
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("no capture to stop")
	}

	pgid := -cmd.Process.Pid // negative PGID targets the whole group
	for _, phase := range phases {
		phaseStartTime := time.Now()
		select {
		case <-done:
			return nil
		default:
		}

		log.Info("capture shutdown phase", "phase", phase.name, "desc", phase.desc)

		for idx, sig := range phase.signals {
			_ = unix.Kill(pgid, unix.Signal(sig)) // ignore error; process may have gone away
			if idx < len(phase.signals)-1 {
				time.Sleep(100 * time.Millisecond)
			}
		}

		if err := waitForChan(ctx, phase.timeout-time.Since(phaseStartTime), done); err == nil {
			log.Info("capture shutdown successful", "phase", phase.name)
			return nil
		}
	}

	return fmt.Errorf("failed to shut down capture process")
}

// waitForChan returns nil if and only if the channel is closed
func waitForChan(ctx context.Context, timeout time.Duration, c <-chan struct{}) error {
	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("process did not exit within %v timeout", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ffmpegArgs builds the capture command line. Input options come first.
func ffmpegArgs(params Params, outputPath string) []string {
	args := []string{
		"-f", *params.InputFormat,
		"-i", *params.Device,
		"-ac", strconv.Itoa(*params.Channels),
		"-ar", strconv.Itoa(*params.SampleRate),
		"-c:a", "aac",
		"-b:a", *params.AudioBitrate,
		// fragmented output so an interrupted segment is still playable
		"-movflags", "+frag_keyframe+empty_moov",
		"-y",
		outputPath,
	}
	return args
}
