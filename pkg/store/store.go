// Package store persists session metadata as JSON files on disk and serves
// all queries from an in-memory cache.
//
// Layout: {userData}/sessions/{engineType}/{projectFolder}/sessions.json,
// where projectFolder is the session's resolved project id sanitised for
// filesystem safety. Writes are debounced per file and performed atomically
// via temp-then-rename.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/agentgate/agentgate/pkg/model"
)

const (
	// fileVersion is the on-disk schema version.
	fileVersion = 1

	// DefaultDebounce is how long a mutation waits for more writes to the
	// same file before flushing.
	DefaultDebounce = 500 * time.Millisecond

	sessionsFileName = "sessions.json"
)

// fileDoc is the on-disk schema of one sessions.json.
type fileDoc struct {
	Version    int             `json:"version"`
	EngineType string          `json:"engineType"`
	Directory  string          `json:"directory"`
	Sessions   []model.Session `json:"sessions"`
}

// Store is the durable session store. All methods are safe for concurrent
// use. No file I/O happens while the mutex is held: flushes snapshot the
// document under the lock and write outside it.
type Store struct {
	root     string
	debounce time.Duration

	mu       sync.Mutex
	sessions map[string]model.Session // id → session
	dirty    map[string]bool          // group key → pending write
	timers   map[string]*time.Timer
	closed   bool
}

// New creates a store rooted at {userData}/sessions, loads all persisted
// sessions into memory, and runs the one-time layout migration.
func New(userDataDir string) (*Store, error) {
	s := &Store{
		root:     filepath.Join(userDataDir, "sessions"),
		debounce: DefaultDebounce,
		sessions: make(map[string]model.Session),
		dirty:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.migrate()
	return s, nil
}

// SetDebounce overrides the write debounce. Tests use a short interval.
func (s *Store) SetDebounce(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debounce = d
}

// load walks {root}/{engineType}/{folder}/sessions.json into the cache.
func (s *Store) load() error {
	engines, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read sessions dir: %w", err)
	}
	for _, eng := range engines {
		if !eng.IsDir() {
			continue
		}
		folders, err := os.ReadDir(filepath.Join(s.root, eng.Name()))
		if err != nil {
			continue
		}
		for _, f := range folders {
			if !f.IsDir() {
				continue
			}
			path := filepath.Join(s.root, eng.Name(), f.Name(), sessionsFileName)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var doc fileDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				slog.Warn("Skipping corrupt sessions file", "path", path, "error", err)
				continue
			}
			for _, sess := range doc.Sessions {
				sess.Directory = model.NormalizeDirectory(sess.Directory)
				s.sessions[sess.ID] = sess
			}
		}
	}
	slog.Info("Session store loaded", "sessions", len(s.sessions))
	return nil
}

// migrate re-flushes every session group to the project-id-based folder
// layout, then removes folders that no longer match an active group. Older
// layouts keyed folders directly on the raw directory path; re-flushing once
// converges them.
func (s *Store) migrate() {
	s.mu.Lock()
	groups := make(map[string]bool)
	for _, sess := range s.sessions {
		groups[s.groupKey(sess)] = true
		s.dirty[s.groupKey(sess)] = true
	}
	s.mu.Unlock()

	s.FlushAll()

	// Drop orphaned folders.
	engines, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, eng := range engines {
		if !eng.IsDir() {
			continue
		}
		folders, err := os.ReadDir(filepath.Join(s.root, eng.Name()))
		if err != nil {
			continue
		}
		for _, f := range folders {
			if !f.IsDir() {
				continue
			}
			key := eng.Name() + "/" + f.Name()
			if !groups[key] {
				path := filepath.Join(s.root, eng.Name(), f.Name())
				if err := os.RemoveAll(path); err != nil {
					slog.Warn("Failed to remove orphaned session folder", "path", path, "error", err)
				} else {
					slog.Info("Removed orphaned session folder", "path", path)
				}
			}
		}
	}
}

// groupKey returns "{engineType}/{projectFolder}" for a session. Must be
// called with or without the lock; it reads only its argument.
func (s *Store) groupKey(sess model.Session) string {
	projectID := sess.ProjectID
	if projectID == "" {
		projectID = model.ProjectID(sess.EngineType, sess.Directory)
	}
	return sess.EngineType + "/" + sanitizeFolder(projectID)
}

// sanitizeFolder replaces characters that are unsafe in file names.
func sanitizeFolder(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, name)
}

// Upsert inserts or replaces a session and schedules a debounced flush.
func (s *Store) Upsert(sess model.Session) {
	sess.Directory = model.NormalizeDirectory(sess.Directory)
	s.mu.Lock()
	if prev, ok := s.sessions[sess.ID]; ok {
		prevKey := s.groupKey(prev)
		if prevKey != s.groupKey(sess) {
			s.markDirtyLocked(prevKey)
		}
	}
	s.sessions[sess.ID] = sess
	s.markDirtyLocked(s.groupKey(sess))
	s.mu.Unlock()
}

// Merge applies a fresh session list pushed by an adapter. Backend data is
// authoritative for recency: an incoming session replaces the cached one
// when it is at least as recently updated.
func (s *Store) Merge(sessions []model.Session) {
	s.mu.Lock()
	for _, in := range sessions {
		in.Directory = model.NormalizeDirectory(in.Directory)
		existing, ok := s.sessions[in.ID]
		if ok && in.Time.Updated < existing.Time.Updated {
			continue
		}
		s.sessions[in.ID] = in
		s.markDirtyLocked(s.groupKey(in))
	}
	s.mu.Unlock()
}

// Delete removes a session. The owning file is rewritten without it.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		s.markDirtyLocked(s.groupKey(sess))
	}
	s.mu.Unlock()
}

// Get returns a session by id.
func (s *Store) Get(id string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns sessions filtered by engine type and/or directory; empty
// filters match everything. Results are ordered by creation time.
func (s *Store) List(engineType, dir string) []model.Session {
	dir = model.NormalizeDirectory(dir)
	s.mu.Lock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if engineType != "" && sess.EngineType != engineType {
			continue
		}
		if dir != "" && sess.Directory != dir {
			continue
		}
		out = append(out, sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Created < out[j].Time.Created })
	return out
}

// ListProjects groups cached sessions by (engineType, directory). Projects
// are derived; there is no separate project file.
func (s *Store) ListProjects() []model.Project {
	s.mu.Lock()
	counts := make(map[string]*model.Project)
	for _, sess := range s.sessions {
		id := model.ProjectID(sess.EngineType, sess.Directory)
		p, ok := counts[id]
		if !ok {
			p = &model.Project{
				ID:         id,
				EngineType: sess.EngineType,
				Directory:  sess.Directory,
			}
			counts[id] = p
		}
		p.Sessions++
	}
	s.mu.Unlock()

	out := make([]model.Project, 0, len(counts))
	for _, p := range counts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// markDirtyLocked flags a group and (re)schedules its debounce timer.
// Caller holds s.mu.
func (s *Store) markDirtyLocked(key string) {
	s.dirty[key] = true
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Reset(s.debounce)
		return
	}
	s.timers[key] = time.AfterFunc(s.debounce, func() {
		s.flushGroup(key)
	})
}

// flushGroup writes one group's file if it is still dirty.
func (s *Store) flushGroup(key string) {
	s.mu.Lock()
	if !s.dirty[key] {
		s.mu.Unlock()
		return
	}
	delete(s.dirty, key)
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	path, data, remove := s.snapshotLocked(key)
	s.mu.Unlock()

	s.write(path, data, remove)
}

// snapshotLocked marshals the group's document. Caller holds s.mu.
// remove is true when the group has no sessions left.
func (s *Store) snapshotLocked(key string) (path string, data []byte, remove bool) {
	engineType, folder, _ := strings.Cut(key, "/")
	path = filepath.Join(s.root, engineType, folder, sessionsFileName)

	var doc fileDoc
	doc.Version = fileVersion
	doc.EngineType = engineType
	doc.Sessions = []model.Session{}
	for _, sess := range s.sessions {
		if s.groupKey(sess) != key {
			continue
		}
		doc.Directory = sess.Directory
		doc.Sessions = append(doc.Sessions, sess)
	}
	if len(doc.Sessions) == 0 {
		return path, nil, true
	}
	sort.Slice(doc.Sessions, func(i, j int) bool {
		return doc.Sessions[i].Time.Created < doc.Sessions[j].Time.Created
	})
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal sessions file", "path", path, "error", err)
		return path, nil, false
	}
	return path, data, false
}

func (s *Store) write(path string, data []byte, remove bool) {
	if remove {
		if err := os.RemoveAll(filepath.Dir(path)); err != nil {
			slog.Warn("Failed to remove empty session folder", "path", path, "error", err)
		}
		return
	}
	if data == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("Failed to create session folder", "path", path, "error", err)
		return
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		slog.Error("Failed to write sessions file", "path", path, "error", err)
	}
}

// FlushAll cancels all debounce timers and writes every dirty group now.
// Calling it twice in a row performs no extra write.
func (s *Store) FlushAll() {
	s.mu.Lock()
	type pending struct {
		path   string
		data   []byte
		remove bool
	}
	var writes []pending
	for key := range s.dirty {
		if t, ok := s.timers[key]; ok {
			t.Stop()
			delete(s.timers, key)
		}
		path, data, remove := s.snapshotLocked(key)
		writes = append(writes, pending{path, data, remove})
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	for _, w := range writes {
		s.write(w.path, w.data, w.remove)
	}
}

// Close flushes pending writes and stops accepting new timers.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.FlushAll()
}
