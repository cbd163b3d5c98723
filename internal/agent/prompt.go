package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultSystemPrompt = `You are a capable software engineering assistant. You can read, write and edit files, run shell commands and delegate subtasks through the tools provided. Prefer precise, minimal edits; verify your changes when you can; report failures honestly.`

// contextFileNames are looked up in the working directory at session
// start. Their content joins the system prompt.
var contextFileNames = []string{"AGENTS.md", "CONTEXT.md"}

// maxContextFileBytes bounds how much of a context file enters the
// prompt.
const maxContextFileBytes = 32 * 1024

// systemPrompt assembles the outgoing system message: base instructions,
// working directory, and any discovered context or skills sections.
func (a *Agent) systemPrompt() string {
	var sb strings.Builder
	if a.cfg.SystemPrompt != "" {
		sb.WriteString(a.cfg.SystemPrompt)
	} else {
		sb.WriteString(defaultSystemPrompt)
	}
	if a.cfg.WorkingDir != "" {
		fmt.Fprintf(&sb, "\n\nWorking directory: %s", a.cfg.WorkingDir)
	}
	if a.cfg.ContextPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(a.cfg.ContextPrompt)
	}
	return sb.String()
}

// DiscoverContext reads the well-known project context files from the
// working directory. It returns the discovered file paths and a prompt
// section carrying their content.
func DiscoverContext(workingDir string) (files []string, prompt string) {
	if workingDir == "" {
		return nil, ""
	}
	var sb strings.Builder
	for _, name := range contextFileNames {
		path := filepath.Join(workingDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > maxContextFileBytes {
			content = content[:maxContextFileBytes] + "\n... (truncated)"
		}
		files = append(files, path)
		fmt.Fprintf(&sb, "## Project context (%s)\n\n%s\n\n", name, strings.TrimSpace(content))
	}
	return files, strings.TrimSpace(sb.String())
}
