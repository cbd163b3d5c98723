// Package builtin provides the standard file and shell tools.
package builtin

import (
	"path/filepath"

	"loom/internal/tools"
)

// RegisterAll adds every built-in tool to the registry.
func RegisterAll(registry *tools.Registry) {
	registry.MustRegister(NewReadFileTool())
	registry.MustRegister(NewWriteFileTool())
	registry.MustRegister(NewEditFileTool())
	registry.MustRegister(NewListDirTool())
	registry.MustRegister(NewShellTool())
}

// resolvePath anchors a relative path at the tool context working dir.
func resolvePath(path string, tc tools.Context) string {
	if path == "" || filepath.IsAbs(path) || tc.WorkingDir == "" {
		return path
	}
	return filepath.Join(tc.WorkingDir, path)
}
