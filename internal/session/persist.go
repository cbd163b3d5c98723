package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// metaRecord is the first line of a session log.
type metaRecord struct {
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// leafRecord moves the active-leaf pointer during replay. Appends advance
// the leaf implicitly; branches and snapshot rewrites record it
// explicitly so a reload lands on the same leaf the session had.
type leafRecord struct {
	CurrentID string `json:"current_id"`
}

// persistLog is the append-only on-disk session log. One line-delimited
// JSON record per message, with a metadata record on the first line.
// Rewrites (after compaction) go through a temp file and atomic rename.
type persistLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// EnablePersist turns on append-to-disk persistence at the given path.
// An existing log is appended to; a fresh one starts with the metadata
// line.
func (s *Session) EnablePersist(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	info, statErr := os.Stat(path)
	fresh := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}

	p := &persistLog{path: path, file: f}
	if fresh {
		if err := p.writeLine(metaRecord{SessionID: s.id, Metadata: s.MetadataSnapshot()}); err != nil {
			f.Close()
			return fmt.Errorf("write session meta: %w", err)
		}
	}

	s.mu.Lock()
	s.persist = p
	s.mu.Unlock()
	return nil
}

// Close closes the on-disk log, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	p := s.persist
	s.persist = nil
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

func (p *persistLog) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return fmt.Errorf("session log closed")
	}
	if _, err := p.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *persistLog) appendMessage(m *Message) error {
	return p.writeLine(m)
}

func (p *persistLog) appendCurrent(id string) error {
	return p.writeLine(leafRecord{CurrentID: id})
}

// rewrite replaces the log contents with a full snapshot via atomic
// rename, then reopens the log for appending.
func (p *persistLog) rewrite(sessionID, currentID string, metadata map[string]any, messages []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := writeSnapshot(p.path, sessionID, currentID, metadata, messages); err != nil {
		return err
	}

	if p.file != nil {
		p.file.Close()
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		p.file = nil
		return fmt.Errorf("reopen session log: %w", err)
	}
	p.file = f
	return nil
}

// writeSnapshot writes a complete session log to path atomically. The
// trailing leaf record pins currentID: messages are written in append
// order, so without it a replay would land on the last append instead of
// the branch the session was actually on.
func writeSnapshot(path, sessionID, currentID string, metadata map[string]any, messages []Message) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(metaRecord{SessionID: sessionID, Metadata: metadata}); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	for i := range messages {
		if err := enc.Encode(&messages[i]); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if currentID != "" {
		if err := enc.Encode(leafRecord{CurrentID: currentID}); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Save serialises the full tree plus metadata to path via atomic rename.
// Saving onto the live append-log path goes through rewrite so the log
// handle stays valid.
func (s *Session) Save(path string) error {
	s.mu.RLock()
	messages := s.snapshotLocked()
	meta := s.metadataSnapshotLocked()
	id := s.id
	current := s.currentID
	p := s.persist
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if p != nil && p.path == path {
		return p.rewrite(id, current, meta, messages)
	}
	return writeSnapshot(path, id, current, meta, messages)
}

// Load reconstructs a session from a line-delimited log. The replay
// follows append semantics: each message advances the leaf, each leaf
// record moves it explicitly. Logs from before leaf records fall back to
// the longest path, with later appends winning ties.
func Load(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read session meta: %w", err)
		}
		return nil, fmt.Errorf("session log %s is empty", path)
	}
	var meta metaRecord
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("parse session meta: %w", err)
	}

	s := New(meta.SessionID)
	if meta.Metadata != nil {
		s.metadata = meta.Metadata
	}

	current := ""
	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("parse message at line %d: %w", lineNo, err)
		}
		if m.ID == "" {
			var leaf leafRecord
			if json.Unmarshal(line, &leaf) == nil && leaf.CurrentID != "" {
				current = leaf.CurrentID
				continue
			}
			return nil, fmt.Errorf("message at line %d has no id", lineNo)
		}
		stored := m
		s.messages[stored.ID] = &stored
		s.order = append(s.order, stored.ID)
		current = stored.ID
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}

	if _, ok := s.messages[current]; ok {
		s.currentID = current
	} else {
		s.currentID = s.longestLeaf()
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("session %s integrity: %w", s.id, err)
	}
	return s, nil
}

// longestLeaf returns the message whose root walk is deepest. Ties go to
// the message appended last.
func (s *Session) longestLeaf() string {
	depths := make(map[string]int, len(s.messages))
	var depth func(id string) int
	depth = func(id string) int {
		if id == "" {
			return 0
		}
		if d, ok := depths[id]; ok {
			return d
		}
		m, ok := s.messages[id]
		if !ok {
			return 0
		}
		d := depth(m.ParentID) + 1
		depths[id] = d
		return d
	}

	best := ""
	bestDepth := 0
	for _, id := range s.order {
		if d := depth(id); d >= bestDepth {
			best, bestDepth = id, d
		}
	}
	return best
}
