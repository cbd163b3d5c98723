package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"loom/internal/tools"
)

// EditFileArgs defines the parameters for the edit_file tool.
type EditFileArgs struct {
	Path    string `json:"path" jsonschema:"description=The file path to edit,required"`
	OldText string `json:"old_text" jsonschema:"description=The exact text to find and replace (must match exactly including whitespace),required"`
	NewText string `json:"new_text" jsonschema:"description=The text to replace old_text with,required"`
}

// EditFileTool edits existing files by replacing text.
type EditFileTool struct {
	tools.BaseTool
}

// NewEditFileTool creates a new edit file tool.
func NewEditFileTool() *EditFileTool {
	return &EditFileTool{
		BaseTool: tools.BaseTool{
			ToolName:        "edit_file",
			ToolDescription: "Edit an existing file by replacing specific text. The old_text must match exactly (including whitespace and indentation). Use this for precise edits instead of rewriting entire files.",
			ToolParameters:  tools.BuildSchema(EditFileArgs{}),
		},
	}
}

// Meta returns a short label for UI display.
func (t *EditFileTool) Meta(args map[string]any) string {
	path, _ := args["path"].(string)
	return path
}

// Execute replaces old_text with new_text in the file.
func (t *EditFileTool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (tools.Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return tools.Result{}, tools.NewInvalidArgsError(t.Name(), "path is required", nil)
	}
	path = resolvePath(path, tc)

	oldText, _ := args["old_text"].(string)
	if oldText == "" {
		return tools.Result{}, tools.NewInvalidArgsError(t.Name(), "old_text is required", nil)
	}
	newText, _ := args["new_text"].(string) // empty means deletion

	select {
	case <-ctx.Done():
		return tools.Result{}, ctx.Err()
	default:
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tools.NewErrorResult(fmt.Sprintf("file not found: %s", path)), nil
		}
		return tools.NewErrorResult(fmt.Sprintf("failed to read file: %v", err)), nil
	}

	contentStr := string(content)
	count := strings.Count(contentStr, oldText)
	if count == 0 {
		preview := contentStr
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return tools.NewErrorResult(fmt.Sprintf(
			"old_text not found in file. File starts with:\n%s\n\nMake sure old_text matches exactly including whitespace.",
			preview,
		)), nil
	}
	if count > 1 {
		return tools.NewErrorResult(fmt.Sprintf(
			"old_text matches %d locations in file. Please provide more context to make the match unique.",
			count,
		)), nil
	}

	newContent := strings.Replace(contentStr, oldText, newText, 1)

	info, err := os.Stat(path)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, []byte(newContent), mode); err != nil {
		return tools.NewErrorResult(fmt.Sprintf("failed to write file: %v", err)), nil
	}

	return tools.NewSuccessResult(fmt.Sprintf("Edited %s (replaced %d bytes with %d bytes)", path, len(oldText), len(newText))), nil
}
