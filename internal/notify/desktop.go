// Package notify raises desktop notifications for workflow milestones.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/msageha/devswarm/internal/model"
)

// Runner executes a notifier binary. It is swapped out in tests.
type Runner func(name string, args ...string) error

func execRunner(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// send shows a notification with the platform notifier: osascript on
// macOS, notify-send elsewhere.
func send(goos string, run Runner, title, message string) error {
	if goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return run("osascript", "-e", script)
	}
	return run("notify-send", "--app-name=devswarm", title, message)
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// DefaultBurst notifications may be shown back to back before the sink
// falls back to one per DefaultInterval.
const (
	DefaultBurst    = 3
	DefaultInterval = 2 * time.Second
)

// DesktopSink turns success and error sink messages into desktop
// notifications. Info and command messages are ignored, and messages over
// the rate limit are dropped.
type DesktopSink struct {
	Title string
	// OnError receives notifier failures; nil drops them.
	OnError func(error)

	goos    string
	run     Runner
	limiter *rate.Limiter
}

// NewDesktopSink returns a rate-limited sink using the platform notifier.
func NewDesktopSink(title string) *DesktopSink {
	return &DesktopSink{
		Title:   title,
		goos:    runtime.GOOS,
		run:     execRunner,
		limiter: rate.NewLimiter(rate.Every(DefaultInterval), DefaultBurst),
	}
}

// Append implements events.Sink.
func (d *DesktopSink) Append(message string, kind model.LogType) {
	var title string
	switch kind {
	case model.LogSuccess:
		title = d.Title
	case model.LogError:
		title = d.Title + " (error)"
	default:
		return
	}
	if d.limiter != nil && !d.limiter.Allow() {
		return
	}
	if err := send(d.goos, d.run, title, message); err != nil && d.OnError != nil {
		d.OnError(err)
	}
}
