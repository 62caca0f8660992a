package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (engine logs)
// This ensures we don't lose critical crash information if the worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a context-bound command and attaches a buffer to
// its Stderr pipe. Cancelling the context kills the child process, so an
// interrupted run never leaves a Python engine behind.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box to stderr and dumps captured engine
// logs if a SafeCommand is provided. It does not exit; callers propagate the
// error so the process exits non-zero through the command runner.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 TALKGEN ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nENGINE CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Media Probing ---

// ProbeAudioDuration uses ffprobe to measure the driving audio clip.
// It returns 0 if ffprobe is unavailable or fails; the duration is operator
// feedback and run metadata, never a hard requirement.
func ProbeAudioDuration(ctx context.Context, path string) time.Duration {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0
	}

	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error",
		"-show_entries", "format=duration", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe failed on %s: %v\n", path, err)
		return 0
	}

	d, err := ParseProbeDuration(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe output unreadable: %v\n", err)
		return 0
	}
	return d
}

// ParseProbeDuration extracts the format duration from ffprobe JSON output.
func ParseProbeDuration(out []byte) (time.Duration, error) {
	var res struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, err
	}
	if res.Format.Duration == "" {
		return 0, fmt.Errorf("no duration in ffprobe output")
	}
	secs, err := strconv.ParseFloat(res.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", res.Format.Duration, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
