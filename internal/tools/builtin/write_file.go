package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"loom/internal/tools"
)

// WriteFileArgs defines the parameters for the write_file tool.
type WriteFileArgs struct {
	Path    string `json:"path" jsonschema:"description=The file path to write,required"`
	Content string `json:"content" jsonschema:"description=The full content to write to the file,required"`
	Append  bool   `json:"append" jsonschema:"description=Append to the file instead of overwriting"`
}

// WriteFileTool writes files to disk, creating parent directories as
// needed.
type WriteFileTool struct {
	tools.BaseTool
}

// NewWriteFileTool creates a new write file tool.
func NewWriteFileTool() *WriteFileTool {
	return &WriteFileTool{
		BaseTool: tools.BaseTool{
			ToolName:        "write_file",
			ToolDescription: "Write content to a file, creating it (and parent directories) if needed. Overwrites existing content unless append is set.",
			ToolParameters:  tools.BuildSchema(WriteFileArgs{}),
		},
	}
}

// Meta returns a short label for UI display.
func (t *WriteFileTool) Meta(args map[string]any) string {
	path, _ := args["path"].(string)
	return path
}

// Execute writes the file.
func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (tools.Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return tools.Result{}, tools.NewInvalidArgsError(t.Name(), "path is required", nil)
	}
	path = resolvePath(path, tc)

	content, _ := args["content"].(string)
	appendMode, _ := args["append"].(bool)

	select {
	case <-ctx.Done():
		return tools.Result{}, ctx.Err()
	default:
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return tools.NewErrorResult(fmt.Sprintf("failed to create directory: %v", err)), nil
		}
	}

	if appendMode {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return tools.NewErrorResult(fmt.Sprintf("failed to open file: %v", err)), nil
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return tools.NewErrorResult(fmt.Sprintf("failed to append: %v", err)), nil
		}
		return tools.NewSuccessResult(fmt.Sprintf("Appended %d bytes to %s", len(content), path)), nil
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to write file: %v", err)), nil
	}
	return tools.NewSuccessResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
}
