package builtin

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"loom/internal/tools"
)

// ListDirArgs defines the parameters for the list_dir tool.
type ListDirArgs struct {
	Path string `json:"path" jsonschema:"description=The directory path to list,required"`
}

// ListDirTool lists directory contents.
type ListDirTool struct {
	tools.BaseTool
	// MaxEntries limits how many entries are returned.
	MaxEntries int
}

// NewListDirTool creates a new list dir tool.
func NewListDirTool() *ListDirTool {
	return &ListDirTool{
		BaseTool: tools.BaseTool{
			ToolName:        "list_dir",
			ToolDescription: "List the contents of a directory. Directories are suffixed with a slash.",
			ToolParameters:  tools.BuildSchema(ListDirArgs{}),
		},
		MaxEntries: 500,
	}
}

// Meta returns a short label for UI display.
func (t *ListDirTool) Meta(args map[string]any) string {
	path, _ := args["path"].(string)
	return path
}

// Execute lists the directory.
func (t *ListDirTool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (tools.Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	path = resolvePath(path, tc)

	select {
	case <-ctx.Done():
		return tools.Result{}, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.NewErrorResult(fmt.Sprintf("directory not found: %s", path)), nil
		}
		return tools.NewErrorResult(fmt.Sprintf("failed to read directory: %v", err)), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	truncated := false
	if len(names) > t.MaxEntries {
		names = names[:t.MaxEntries]
		truncated = true
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(names, "\n"))
	if truncated {
		sb.WriteString(fmt.Sprintf("\n... (%d entries total, truncated)", len(entries)))
	}
	if sb.Len() == 0 {
		return tools.NewSuccessResult("(empty directory)"), nil
	}
	return tools.NewSuccessResult(sb.String()), nil
}
