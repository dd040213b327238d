// Package robocopy builds, runs and interprets one Robocopy invocation
// for a mirror task.
package robocopy

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/text/encoding"

	"github.com/Ning0612/robomirror/internal/domain"
)

// Tool is a resolved Robocopy executable
type Tool struct {
	Path string

	// Encoding of the console output, nil for UTF-8
	Encoding encoding.Encoding
}

// Locate resolves Robocopy.exe once at startup. An explicit override wins;
// otherwise the copy shipped with Windows is preferred over the one
// bundled in toolsDir.
func Locate(toolsDir, override string) (Tool, error) {
	var candidates []string
	if override != "" {
		candidates = append(candidates, override)
	} else {
		if root := os.Getenv("SystemRoot"); root != "" {
			candidates = append(candidates, filepath.Join(root, "System32", "Robocopy.exe"))
		}
		if toolsDir != "" {
			candidates = append(candidates, filepath.Join(toolsDir, "Robocopy.exe"))
		}
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return Tool{Path: path}, nil
		}
	}

	if len(candidates) == 0 {
		return Tool{}, fmt.Errorf("%w: Robocopy.exe", domain.ErrToolNotFound)
	}
	return Tool{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, candidates[len(candidates)-1])
}

// BackupModeSupported reports whether /zb can be used, which requires
// the backup privilege of an elevated process
func BackupModeSupported() bool {
	return isElevated()
}
