package executor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rhuss/taskrun/pkg/observability"
)

// writeScratch creates dir/task-<runID>.py holding code. The file is
// created exclusively so two runs can never share it.
func writeScratch(dir, runID, code string) (string, error) {
	path := filepath.Join(dir, "task-"+runID+".py")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating scratch file: %w", err)
	}
	observability.ScratchFilesTotal.Inc()
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing scratch file: %w", err)
	}
	return path, nil
}

func removeScratch(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove scratch file", "path", path, "error", err)
	}
}
