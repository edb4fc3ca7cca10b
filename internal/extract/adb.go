package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedTask is returned by a collector for a task name it cannot count.
var ErrUnsupportedTask = errors.New("unsupported task")

// Shell runs a command on the device and returns its output.
type Shell interface {
	Shell(ctx context.Context, command string) ([]byte, error)
}

const (
	rowCount   = " 2>/dev/null | grep -c '^Row:'"
	lineCount  = " 2>/dev/null | wc -l"
	imageTypes = `\( -iname '*.jpg' -o -iname '*.jpeg' -o -iname '*.png' -o -iname '*.heic' -o -iname '*.webp' -o -iname '*.gif' \)`
	videoTypes = `\( -iname '*.mp4' -o -iname '*.3gp' -o -iname '*.mkv' -o -iname '*.mov' -o -iname '*.webm' \)`
)

// DefaultShellSteps maps each default task to the shell commands whose numeric outputs are
// summed into its count. Each command is one progress step.
func DefaultShellSteps() map[string][]string {
	return map[string][]string{
		TaskPhotos: {
			"find /sdcard/DCIM -type f " + imageTypes + lineCount,
			"find /sdcard/Pictures -type f " + imageTypes + lineCount,
		},
		TaskVideos: {
			"find /sdcard/DCIM -type f " + videoTypes + lineCount,
			"find /sdcard/Movies -type f " + videoTypes + lineCount,
		},
		TaskMessages: {
			"content query --uri content://sms --projection _id" + rowCount,
			"content query --uri content://mms --projection _id" + rowCount,
		},
		TaskContacts: {
			"content query --uri content://com.android.contacts/contacts --projection _id" + rowCount,
		},
		TaskCallLogs: {
			"content query --uri content://call_log/calls --projection _id" + rowCount,
		},
		TaskDeletedFiles: {
			"find /sdcard -name '.trashed-*' -type f" + lineCount,
			"find /sdcard -path '*/.Trash*' -type f" + lineCount,
		},
	}
}

// ADBCollector counts items on an Android device through shell commands.
type ADBCollector struct {
	shell Shell
	steps map[string][]string
}

// NewADBCollector creates a collector. A nil steps map uses DefaultShellSteps.
func NewADBCollector(shell Shell, steps map[string][]string) *ADBCollector {
	if steps == nil {
		steps = DefaultShellSteps()
	}
	return &ADBCollector{shell: shell, steps: steps}
}

func (c *ADBCollector) Collect(ctx context.Context, task Task, report func(float64)) (int, error) {
	commands, ok := c.steps[task.Name]
	if !ok || len(commands) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedTask, task.Name)
	}

	total := 0
	for i, cmd := range commands {
		out, err := c.shell.Shell(ctx, cmd)
		if err != nil {
			return total, fmt.Errorf("step %d: %w", i+1, err)
		}
		n, err := parseCount(out)
		if err != nil {
			return total, fmt.Errorf("step %d: %w", i+1, err)
		}
		total += n
		report(float64(i+1) / float64(len(commands)))
	}
	return total, nil
}

// parseCount reads the last non-empty line of a counting command. Anything else, such as a
// permission error printed by content query, is an error.
func parseCount(out []byte) (int, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	n, err := strconv.Atoi(last)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unexpected output %q", truncate(string(out), 80))
	}
	return n, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
