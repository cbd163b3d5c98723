// Package skills loads SKILL.md instruction files and exposes them to
// the agent as a system-prompt section. A skill directory is watched
// for changes so edits take effect without a restart.
package skills

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Skill parse errors.
var (
	ErrInvalidManifest = errors.New("skills: invalid SKILL.md frontmatter")
	ErrInvalidVersion  = errors.New("skills: version is not valid semver")
)

// frontmatterRegex matches the YAML frontmatter block of a SKILL.md.
var frontmatterRegex = regexp.MustCompile(`(?s)^---\s*\n(.+?)\n---\s*\n`)

// Skill is one loaded instruction file.
type Skill struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     *semver.Version `json:"version,omitempty"`
	Path        string          `json:"path"`

	// Body is the markdown after the frontmatter.
	Body string `json:"-"`
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

// ParseFile reads and parses one SKILL.md.
func ParseFile(path string) (*Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(content), path)
}

// Parse parses SKILL.md content. The frontmatter must carry a name; a
// version, when present, must be valid semver.
func Parse(content, path string) (*Skill, error) {
	matches := frontmatterRegex.FindStringSubmatch(content)
	if len(matches) < 2 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidManifest, path)
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(matches[1]), &fm); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("%w: %s: missing name", ErrInvalidManifest, path)
	}

	skill := &Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Path:        path,
		Body:        body(content),
	}

	if fm.Version != "" {
		v, err := semver.NewVersion(fm.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q", ErrInvalidVersion, path, fm.Version)
		}
		skill.Version = v
	}
	return skill, nil
}

// body returns the markdown after the frontmatter block.
func body(content string) string {
	idx := frontmatterRegex.FindStringIndex(content)
	if idx == nil {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(content[idx[1]:])
}
