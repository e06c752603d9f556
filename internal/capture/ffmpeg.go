package capture

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FFmpegConfig holds the knobs for screen capture through ffmpeg.
type FFmpegConfig struct {
	Path         string
	InputFormat  string // e.g. x11grab, avfoundation, gdigrab
	Input        string // e.g. ":0"
	FrameRate    int
	StopTimeout  time.Duration
	StartupGrace time.Duration // how long ffmpeg must survive before Start reports success
}

// FFmpegFactory creates FFmpegRecorders.
type FFmpegFactory struct {
	cfg FFmpegConfig
}

// NewFFmpegFactory creates a new factory, filling in defaults.
func NewFFmpegFactory(cfg FFmpegConfig) *FFmpegFactory {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg" // Assumes ffmpeg is in PATH
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "x11grab"
	}
	if cfg.Input == "" {
		cfg.Input = ":0"
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 500 * time.Millisecond
	}
	return &FFmpegFactory{cfg: cfg}
}

// CheckAvailable checks if FFmpeg is installed and available
func (f *FFmpegFactory) CheckAvailable() error {
	cmd := exec.Command(f.cfg.Path, "-version")
	output, err := cmd.Output()
	if err != nil {
		return errors.Wrap(err, "ffmpeg not found")
	}
	if !strings.Contains(string(output), "ffmpeg version") {
		return errors.New("ffmpeg not properly installed")
	}
	return nil
}

func (f *FFmpegFactory) New(target string, g Geometry) (Recorder, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if target == "" {
		return nil, errors.New("target path is required")
	}
	return &FFmpegRecorder{cfg: f.cfg, target: target, geometry: g}, nil
}

// FFmpegRecorder records the screen by running one ffmpeg process.
type FFmpegRecorder struct {
	cfg      FFmpegConfig
	target   string
	geometry Geometry

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logf    *os.File
	done    chan struct{}
	waitErr error
}

// Args returns the ffmpeg command line for this recorder.
func (r *FFmpegRecorder) Args() []string {
	w, h := r.geometry.FrameSize()
	return []string{
		"-hide_banner",
		"-y",
		"-f", r.cfg.InputFormat,
		"-video_size", fmt.Sprintf("%dx%d", w, h),
		"-framerate", strconv.Itoa(r.cfg.FrameRate),
		"-i", r.cfg.Input,
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		"-metadata", "comment=density=" + strconv.Itoa(r.geometry.Density),
		r.target,
	}
}

// Start launches ffmpeg and waits out the startup grace period so that an
// immediate rejection (bad input, unsupported size) is reported here.
func (r *FFmpegRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return errors.New("recorder already started")
	}

	cmd := exec.Command(r.cfg.Path, r.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "ffmpeg stdin")
	}

	// Log stderr for diagnostics
	if logFile, err := os.Create(r.target + ".ffmpeg.log"); err == nil {
		cmd.Stderr = logFile
		r.logf = logFile
	}

	if err := cmd.Start(); err != nil {
		r.closeLog()
		return errors.Wrap(err, "failed to start ffmpeg")
	}

	done := make(chan struct{})
	// waitErr is only read after done is closed.
	go func() {
		r.waitErr = cmd.Wait()
		close(done)
	}()

	r.cmd = cmd
	r.stdin = stdin
	r.done = done

	grace := time.NewTimer(r.cfg.StartupGrace)
	defer grace.Stop()

	r.mu.Unlock()
	select {
	case <-done:
		r.mu.Lock()
		r.closeLog()
		r.cmd = nil
		if r.waitErr != nil {
			return errors.Wrap(r.waitErr, "ffmpeg exited during startup")
		}
		return errors.New("ffmpeg exited during startup")
	case <-ctx.Done():
		r.mu.Lock()
		r.killLocked()
		r.closeLog()
		r.cmd = nil
		return ctx.Err()
	case <-grace.C:
		r.mu.Lock()
	}

	log.Printf("FFmpeg: recording %s to %s (pid %d)", r.geometry, r.target, cmd.Process.Pid)
	return nil
}

// Stop asks ffmpeg to quit so the muxer writes the trailer, then waits.
// If the process does not exit within StopTimeout it is killed.
func (r *FFmpegRecorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cmd == nil {
		r.mu.Unlock()
		return nil
	}
	done := r.done
	stdin := r.stdin
	r.mu.Unlock()

	if _, err := io.WriteString(stdin, "q\n"); err != nil {
		log.Printf("FFmpeg: could not send quit to %s: %v", r.target, err)
	}
	_ = stdin.Close()

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()

	var stopErr error
	select {
	case <-done:
	case <-timer.C:
		stopErr = errors.Errorf("ffmpeg did not finalize %s within %s", r.target, r.cfg.StopTimeout)
	case <-ctx.Done():
		stopErr = errors.Wrap(ctx.Err(), "stop interrupted")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if stopErr != nil {
		r.killLocked()
		<-done
	}
	if stopErr == nil && r.waitErr != nil {
		stopErr = errors.Wrap(r.waitErr, "ffmpeg exited with error")
	}
	r.closeLog()
	r.cmd = nil
	return stopErr
}

func (r *FFmpegRecorder) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *FFmpegRecorder) killLocked() {
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
}

func (r *FFmpegRecorder) closeLog() {
	if r.logf != nil {
		r.logf.Close()
		r.logf = nil
	}
}
