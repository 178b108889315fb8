package notebook

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// EnsureOutputDir creates the directory that will hold the output notebook.
func EnsureOutputDir(output string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(output)
	if dir == "" || dir == "." {
		return nil
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("output directory %s is not a directory", dir)
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("Output directory does not exist, creating", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory %s: %w", dir, err)
		}
		return nil
	default:
		return fmt.Errorf("stat output directory %s: %w", dir, err)
	}
}
