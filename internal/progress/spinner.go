package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/limba-pkg/limba/internal/graph"
)

// spinnerFrames defines the animation characters for the spinner.
var spinnerFrames = []string{"|", "/", "-", "\\"}

// spinnerInterval is the time between spinner frame updates.
const spinnerInterval = 100 * time.Millisecond

// Spinner displays an animated spinner with a message during long operations.
// In non-TTY environments, it prints the message once without animation.
type Spinner struct {
	mu      sync.Mutex
	output  io.Writer
	message string
	done    chan struct{}
	stopped bool
	isTTY   bool
}

// NewSpinner creates a new spinner that writes to the given output.
// If output is nil, os.Stderr is used.
func NewSpinner(output io.Writer) *Spinner {
	if output == nil {
		output = os.Stderr
	}
	return &Spinner{
		output: output,
		done:   make(chan struct{}),
		isTTY:  ShouldShowProgress(),
	}
}

// Start begins the spinner animation with the given message.
// In TTY mode, it animates the spinner. In non-TTY mode, it prints
// the message once and returns.
func (s *Spinner) Start(message string) {
	s.mu.Lock()
	s.message = message
	s.stopped = false
	s.mu.Unlock()

	if !s.isTTY {
		// Non-TTY: print message once, no animation
		fmt.Fprintf(s.output, "%s\n", message)
		return
	}

	go s.animate()
}

// SetMessage updates the spinner message while it's running.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Stop halts the spinner animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)

	if s.isTTY {
		// Clear the spinner line
		fmt.Fprintf(s.output, "\r%s\r", strings.Repeat(" ", 80))
	}
}

// StopWithMessage halts the spinner and prints a final message.
func (s *Spinner) StopWithMessage(message string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)

	if s.isTTY {
		// Clear spinner line and print the final message
		fmt.Fprintf(s.output, "\r%s\r%s\n", strings.Repeat(" ", 80), message)
	} else {
		fmt.Fprintf(s.output, "%s\n", message)
	}
}

// StageMessage formats an installer stage transition (the
// pending/downloading/extracting/installing/installed machine
// internal/graph.Stage tracks) for spinner display, e.g.
// "hello/1.0: extracting".
func StageMessage(stage graph.Stage, pkgID string) string {
	return fmt.Sprintf("%s: %s", pkgID, stage)
}

// DownloadMessage formats an internal/cache Fetch progress callback for
// spinner display, e.g. "hello/1.0: downloading (42%)".
func DownloadMessage(pkgID string, pct int) string {
	return fmt.Sprintf("%s: downloading (%d%%)", pkgID, pct)
}

// InstallSpinner drives one Spinner across an entire install's stage and
// download-progress callbacks (installer.WithStageCallback,
// installer.WithProgressCallback), so the CLI shows one continuously
// updating line instead of one per package per stage.
type InstallSpinner struct {
	sp      *Spinner
	output  io.Writer
	started bool
}

// NewInstallSpinner returns an InstallSpinner writing to output
// (os.Stderr if nil).
func NewInstallSpinner(output io.Writer) *InstallSpinner {
	if output == nil {
		output = os.Stderr
	}
	return &InstallSpinner{sp: NewSpinner(output), output: output}
}

// OnStage is an installer.WithStageCallback-compatible callback.
func (s *InstallSpinner) OnStage(stage graph.Stage, pkgID string) {
	s.show(StageMessage(stage, pkgID))
}

// OnProgress is an installer.WithProgressCallback-compatible callback.
func (s *InstallSpinner) OnProgress(pct int, pkgID string) {
	s.show(DownloadMessage(pkgID, pct))
}

func (s *InstallSpinner) show(message string) {
	if !s.started {
		s.sp.Start(message)
		s.started = true
		return
	}
	s.sp.SetMessage(message)
}

// Stop halts the spinner, if any stage or progress event ever started it.
func (s *InstallSpinner) Stop() {
	if s.started {
		s.sp.Stop()
	}
}

// StopWithMessage halts the spinner and prints a final message.
func (s *InstallSpinner) StopWithMessage(message string) {
	if !s.started {
		fmt.Fprintf(s.output, "%s\n", message)
		return
	}
	s.sp.StopWithMessage(message)
}

// animate runs the spinner animation loop.
func (s *Spinner) animate() {
	frame := 0
	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()

			char := spinnerFrames[frame%len(spinnerFrames)]
			line := fmt.Sprintf("\r%s %s", char, msg)
			// Pad to clear previous content
			if len(line) < 80 {
				line += strings.Repeat(" ", 80-len(line))
			}
			fmt.Fprint(s.output, line)

			frame++
		}
	}
}
