// Package notify provides desktop notification support.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/foreman/internal/model"
)

// Send sends a desktop notification: osascript on macOS, notify-send on
// Linux. Platforms without either get an error the caller can ignore.
func Send(title, message string) error {
	switch runtime.GOOS {
	case "darwin":
		return sendMacOS(title, message)
	case "linux":
		return sendLinux(title, message)
	default:
		return fmt.Errorf("notifications not supported on %s", runtime.GOOS)
	}
}

// RunFinished formats and sends the end-of-run notification. Best-effort;
// the error is reported to the caller but a run never fails on it.
func RunFinished(state *model.RunState) error {
	completed, failed := 0, 0
	for _, status := range state.StoryStates {
		switch status {
		case model.StoryCompleted:
			completed++
		case model.StoryAbortedError, model.StoryAbortedLoop:
			failed++
		}
	}

	message := fmt.Sprintf("%s: %d stories completed", state.Status, completed)
	if failed > 0 {
		message += fmt.Sprintf(", %d failed", failed)
	}
	return Send("foreman", message)
}

func sendMacOS(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func sendLinux(title, message string) error {
	cmd := exec.Command("notify-send", title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
