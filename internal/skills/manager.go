package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"loom/internal/bus"
	"loom/pkg/logger"
)

// manifestName is the per-skill instruction file inside each skill
// directory.
const manifestName = "SKILL.md"

// Manager loads all skills under one directory and keeps them fresh.
// It is safe for concurrent use.
type Manager struct {
	dir    string
	broker *bus.Bus

	mu     sync.RWMutex
	skills map[string]*Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager creates a manager over a skills directory. The directory
// may not exist yet; LoadAll then finds nothing.
func NewManager(dir string, broker *bus.Bus) *Manager {
	return &Manager{
		dir:    dir,
		broker: broker,
		skills: make(map[string]*Skill),
		done:   make(chan struct{}),
	}
}

// LoadAll scans the directory for <skill>/SKILL.md files. Invalid
// manifests are logged and skipped; they never fail the scan.
func (m *Manager) LoadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m.loadOne(filepath.Join(m.dir, entry.Name(), manifestName))
	}
	return nil
}

func (m *Manager) loadOne(path string) {
	skill, err := ParseFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("skipping invalid skill")
		}
		return
	}

	m.mu.Lock()
	m.skills[skill.Name] = skill
	m.mu.Unlock()

	logger.Info().Str("skill", skill.Name).Str("path", path).Msg("skill loaded")
	if m.broker != nil {
		m.broker.Publish(bus.TopicAll, bus.Event{
			Type:  bus.EventSkillLoaded,
			Skill: skill.Name,
			Files: []string{path},
		})
	}
}

// Watch starts the directory watcher. Changed or newly added SKILL.md
// files reload in place. Call Close to stop.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.dir); err != nil {
		w.Close()
		return err
	}
	// Skill manifests live one level down.
	if entries, err := os.ReadDir(m.dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				w.Add(filepath.Join(m.dir, entry.Name()))
			}
		}
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				m.handleEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("skills watcher error")
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

func (m *Manager) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	// A new skill directory: watch it and pick up its manifest.
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if m.watcher != nil {
			m.watcher.Add(ev.Name)
		}
		m.loadOne(filepath.Join(ev.Name, manifestName))
		return
	}

	if filepath.Base(ev.Name) == manifestName {
		m.loadOne(ev.Name)
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Get returns one skill by name.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[name]
	return s, ok
}

// List returns all loaded skills sorted by name.
func (m *Manager) List() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PromptSection renders the loaded skills as a system-prompt section.
// Empty when no skills are loaded.
func (m *Manager) PromptSection() string {
	list := m.List()
	if len(list) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Skills\n")
	sb.WriteString("Scan <available_skills> before replying. If exactly one skill clearly applies, read its file at <location> with `read_file` and follow it. Read at most one skill, and only after selecting it.\n\n")
	sb.WriteString("<available_skills>\n")
	for _, s := range list {
		sb.WriteString("  <skill>\n")
		sb.WriteString("    <name>" + s.Name + "</name>\n")
		if s.Description != "" {
			sb.WriteString("    <description>" + s.Description + "</description>\n")
		}
		sb.WriteString("    <location>" + s.Path + "</location>\n")
		sb.WriteString("  </skill>\n")
	}
	sb.WriteString("</available_skills>")
	return sb.String()
}
