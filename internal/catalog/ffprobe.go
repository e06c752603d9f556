package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"time"
)

// FFProbe reads durations with the ffprobe executable.
type FFProbe struct {
	Path    string
	Timeout time.Duration
}

func NewFFProbe(path string, timeout time.Duration) *FFProbe {
	if path == "" {
		path = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FFProbe{Path: path, Timeout: timeout}
}

func (p *FFProbe) Duration(ctx context.Context, path string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Path,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path)

	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("failed to extract metadata: %w", err)
	}
	return parseDuration(out.Bytes())
}

func parseDuration(output []byte) (int64, error) {
	var result struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if result.Format.Duration == "" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}

	seconds, err := strconv.ParseFloat(result.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", result.Format.Duration, err)
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return 0, fmt.Errorf("invalid duration %q", result.Format.Duration)
	}
	return int64(math.Round(seconds * 1000)), nil
}
