package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the session package.
var (
	// ErrNotFound is returned when a message ID does not resolve.
	ErrNotFound = errors.New("message not found")

	// ErrNotOnPath is returned when a segment operation names messages
	// that are not on the active path.
	ErrNotOnPath = errors.New("message not on active path")

	// ErrEmptySegment is returned when a replace operation would remove
	// nothing.
	ErrEmptySegment = errors.New("empty segment")
)

// Session owns a tree of messages and the pointer to the active leaf.
// The parent pointers form a tree; the active path is the chain from the
// root to currentID. It is safe for concurrent use; mutations are
// serialised through its mutex.
type Session struct {
	mu        sync.RWMutex
	id        string
	messages  map[string]*Message
	order     []string // append order; stable serialisation + longest-path tie break
	currentID string
	metadata  map[string]any

	persist *persistLog

	// OnPersistError, when set, receives non-fatal disk write failures.
	// The in-memory tree stays the source of truth.
	OnPersistError func(error)
}

// New creates an empty session with the given ID. If id is empty a new
// UUID is assigned.
func New(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:       id,
		messages: make(map[string]*Message),
		metadata: make(map[string]any),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CurrentID returns the ID of the active leaf, or "" for an empty session.
func (s *Session) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Len returns the total number of messages in the tree, including
// messages on inactive branches.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Append assigns an ID to msg, parents it under the current leaf, stores
// it and advances currentID. It returns the stored copy.
func (s *Session) Append(msg Message) Message {
	s.mu.Lock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ParentID = s.currentID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	stored := msg
	s.messages[stored.ID] = &stored
	s.order = append(s.order, stored.ID)
	s.currentID = stored.ID
	out := stored.clone()
	p := s.persist
	s.mu.Unlock()

	if p != nil {
		if err := p.appendMessage(&stored); err != nil {
			s.reportPersistError(fmt.Errorf("append message %s: %w", stored.ID, err))
		}
	}
	return out
}

// Get returns a copy of the message with the given ID.
func (s *Session) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Path returns the active conversation: the root-to-leaf chain ending at
// currentID.
func (s *Session) Path() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathLocked()
}

func (s *Session) pathLocked() []Message {
	var rev []Message
	id := s.currentID
	for id != "" {
		m, ok := s.messages[id]
		if !ok {
			// A dangling parent pointer would be a bug in a mutation;
			// stop the walk rather than loop.
			break
		}
		rev = append(rev, m.clone())
		id = m.ParentID
	}
	// Reverse into root-first order.
	out := make([]Message, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out
}

// Branch moves currentID to an earlier message. The next Append forks the
// tree; older branches are retained.
func (s *Session) Branch(targetID string) error {
	s.mu.Lock()
	if _, ok := s.messages[targetID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("branch target %s: %w", targetID, ErrNotFound)
	}
	s.currentID = targetID
	p := s.persist
	s.mu.Unlock()

	if p != nil {
		if err := p.appendCurrent(targetID); err != nil {
			s.reportPersistError(fmt.Errorf("record branch to %s: %w", targetID, err))
		}
	}
	return nil
}

// ReplaceSegment removes the contiguous run fromID..toID on the active
// path and splices in the replacement messages in order. Children of toID
// are re-parented onto the last replacement (or onto fromID's parent when
// no replacements are given). The operation is atomic with respect to
// concurrent readers.
func (s *Session) ReplaceSegment(fromID, toID string, replacements []Message) error {
	s.mu.Lock()

	segment, err := s.segmentLocked(fromID, toID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	parentID := s.messages[fromID].ParentID

	// Insert replacements as a chain rooted at fromID's parent.
	newHead := parentID
	now := time.Now()
	for i := range replacements {
		r := replacements[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.ParentID = newHead
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		stored := r
		s.messages[stored.ID] = &stored
		s.order = append(s.order, stored.ID)
		newHead = stored.ID
	}

	// Re-parent surviving children of the removed suffix.
	removed := make(map[string]struct{}, len(segment))
	for _, id := range segment {
		removed[id] = struct{}{}
	}
	for _, m := range s.messages {
		if _, gone := removed[m.ID]; gone {
			continue
		}
		if _, cut := removed[m.ParentID]; cut {
			m.ParentID = newHead
		}
	}

	// Drop the removed messages.
	for _, id := range segment {
		delete(s.messages, id)
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, gone := removed[id]; !gone {
			kept = append(kept, id)
		}
	}
	s.order = kept

	if _, gone := removed[s.currentID]; gone {
		s.currentID = newHead
	}

	p := s.persist
	current := s.currentID
	var snapshot []Message
	if p != nil {
		snapshot = s.snapshotLocked()
	}
	meta := s.metadataSnapshotLocked()
	s.mu.Unlock()

	if p != nil {
		if err := p.rewrite(s.id, current, meta, snapshot); err != nil {
			s.reportPersistError(fmt.Errorf("rewrite after segment replace: %w", err))
		}
	}
	return nil
}

// segmentLocked resolves fromID..toID as a contiguous run on the active
// path and returns the IDs in root-first order.
func (s *Session) segmentLocked(fromID, toID string) ([]string, error) {
	if _, ok := s.messages[fromID]; !ok {
		return nil, fmt.Errorf("segment start %s: %w", fromID, ErrNotFound)
	}
	if _, ok := s.messages[toID]; !ok {
		return nil, fmt.Errorf("segment end %s: %w", toID, ErrNotFound)
	}

	// Walk the active path root-first and collect the run.
	var ids []string
	id := s.currentID
	for id != "" {
		ids = append(ids, id)
		id = s.messages[id].ParentID
	}
	// ids is leaf-first; scan for toID then fromID.
	var segment []string
	collecting := false
	for _, cur := range ids {
		if cur == toID {
			collecting = true
		}
		if collecting {
			segment = append(segment, cur)
			if cur == fromID {
				// Reverse into root-first order.
				for i, j := 0, len(segment)-1; i < j; i, j = i+1, j-1 {
					segment[i], segment[j] = segment[j], segment[i]
				}
				return segment, nil
			}
		}
	}
	if !collecting {
		return nil, fmt.Errorf("segment %s..%s: %w", fromID, toID, ErrNotOnPath)
	}
	return nil, fmt.Errorf("segment %s..%s: %w", fromID, toID, ErrNotOnPath)
}

// SetMetadata stores a session-level key/value pair. Metadata lives on
// the log's first line; it is rewritten lazily on Save rather than on
// every set, so title updates etc. are picked up by auto-save.
func (s *Session) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// GetMetadata returns a session-level value.
func (s *Session) GetMetadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	return v, ok
}

// MetadataSnapshot returns a copy of the session metadata.
func (s *Session) MetadataSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadataSnapshotLocked()
}

func (s *Session) metadataSnapshotLocked() map[string]any {
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// snapshotLocked returns every message in append order.
func (s *Session) snapshotLocked() []Message {
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		if m, ok := s.messages[id]; ok {
			out = append(out, m.clone())
		}
	}
	return out
}

// Messages returns every message in the tree in append order, including
// inactive branches.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) reportPersistError(err error) {
	if s.OnPersistError != nil {
		s.OnPersistError(err)
	}
}

// Validate checks tree integrity: every non-empty parent pointer must
// resolve and the walk from currentID must terminate at a root.
func (s *Session) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, m := range s.messages {
		if m.ParentID == "" {
			continue
		}
		if _, ok := s.messages[m.ParentID]; !ok {
			return fmt.Errorf("message %s: parent %s: %w", id, m.ParentID, ErrNotFound)
		}
	}

	seen := make(map[string]struct{})
	id := s.currentID
	for id != "" {
		if _, loop := seen[id]; loop {
			return fmt.Errorf("cycle detected at message %s", id)
		}
		seen[id] = struct{}{}
		m, ok := s.messages[id]
		if !ok {
			return fmt.Errorf("current path references %s: %w", id, ErrNotFound)
		}
		id = m.ParentID
	}
	return nil
}
