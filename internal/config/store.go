package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/events"
	"github.com/poppobuilder/poppod/internal/log"
)

// Store is the Config Store (C1): a read-copy-update Document guarded by
// a writer lock, atomically persisted to disk with debounced writes and
// a filesystem watch for external changes (§4.1).
type Store struct {
	path   string
	broker *events.Broker

	current atomic.Pointer[Document]

	writeMu      sync.Mutex
	persistTimer *time.Timer
	debounce     time.Duration

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	lastMod  time.Time
}

// New creates a Store backed by path, which is not yet loaded. Call
// Load to read the file (or seed it with defaults if absent).
func New(path string, broker *events.Broker) *Store {
	return &Store{
		path:     path,
		broker:   broker,
		debounce: time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Load reads and validates the configuration file. A missing file is
// seeded with Default(). An invalid file is refused per §4.1's
// "invalid file at startup -> refuse to start" failure mode.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		doc := Default()
		s.current.Store(doc)
		return s.persistNow(doc)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.IO, err, "reading config file")
	}

	doc, verr := Validate(raw)
	if verr != nil {
		return verr
	}
	s.current.Store(doc)

	if info, statErr := os.Stat(s.path); statErr == nil {
		s.lastMod = info.ModTime()
	}
	return nil
}

// Get returns a deep clone of the current document (§4.1: every value
// read is a deep clone).
func (s *Store) Get() *Document {
	d := s.current.Load()
	if d == nil {
		return nil
	}
	return d.Clone()
}

// GetPath reads a single dotted path (e.g. "daemon.max_processes") from
// the current document.
func (s *Store) GetPath(path string) (any, bool, error) {
	d := s.current.Load()
	if d == nil {
		return nil, false, apperrors.New(apperrors.Internal, "config not loaded")
	}
	m, err := toMap(d)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.Internal, err, "encoding config")
	}
	v, ok := lookup(m, strings.Split(path, "."))
	return v, ok, nil
}

// Set applies a single dotted-path mutation, validating and persisting
// the result, and rolling back to the prior document on failure.
func (s *Store) Set(path string, value any) (requiresRestart bool, err error) {
	return s.Update(map[string]any{path: value})
}

// Update deep-merges a set of dotted-path values into the current
// document, validates the merged result, and on failure rolls back
// (leaving the in-memory document untouched) per §4.1.
func (s *Store) Update(patch map[string]any) (requiresRestart bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prior := s.current.Load()
	if prior == nil {
		return false, apperrors.New(apperrors.Internal, "config not loaded")
	}

	merged, err := toMap(prior)
	if err != nil {
		return false, apperrors.Wrap(apperrors.Internal, err, "encoding config")
	}
	for path, value := range patch {
		setPath(merged, strings.Split(path, "."), value)
		if !IsHotKey(path) {
			requiresRestart = true
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return requiresRestart, apperrors.Wrap(apperrors.Internal, err, "encoding merged config")
	}

	newDoc, verr := Validate(raw)
	if verr != nil {
		// Rollback: current document is untouched since we only built a
		// local merged copy.
		return requiresRestart, verr
	}

	s.current.Store(newDoc)
	s.schedulePersist()

	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.ConfigChanged, Message: "configuration updated"})
	}
	return requiresRestart, nil
}

// Reset restores Default(), persisting a timestamped backup of the prior
// document first (§3.6).
func (s *Store) Reset() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if prior := s.current.Load(); prior != nil {
		if err := s.backup(prior); err != nil {
			log.WithComponent("config").Warn().Err(err).Msg("backup before reset failed")
		}
	}

	doc := Default()
	s.current.Store(doc)
	return s.persistNow(doc)
}

// Import replaces the document wholesale from raw JSON, validating first.
func (s *Store) Import(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := Validate(raw)
	if err != nil {
		return err
	}
	s.current.Store(doc)
	return s.persistNow(doc)
}

// Export serializes the current document to indented JSON.
func (s *Store) Export() ([]byte, error) {
	d := s.current.Load()
	if d == nil {
		return nil, apperrors.New(apperrors.Internal, "config not loaded")
	}
	return json.MarshalIndent(d, "", "  ")
}

// Reload re-reads the file from disk, as if an external process had
// modified it.
func (s *Store) Reload() error {
	return s.Load()
}

// schedulePersist debounces writes to disk (default 1s, §4.1).
func (s *Store) schedulePersist() {
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = time.AfterFunc(s.debounce, func() {
		if d := s.current.Load(); d != nil {
			if err := s.persistNow(d); err != nil {
				log.WithComponent("config").Error().Err(err).Msg("debounced persist failed")
			}
		}
	})
}

// persistNow writes the document via write-tmp-then-rename (§4.1
// atomicity contract).
func (s *Store) persistNow(d *Document) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err, "encoding config for persist")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.IO, err, "creating config directory")
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return apperrors.Wrap(apperrors.IO, err, "creating temp config file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return apperrors.Wrap(apperrors.IO, err, "writing temp config file")
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.IO, err, "closing temp config file")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return apperrors.Wrap(apperrors.IO, err, "renaming config file into place")
	}
	if info, statErr := os.Stat(s.path); statErr == nil {
		s.lastMod = info.ModTime()
	}
	return nil
}

// backup writes a timestamped, mode-0600 copy under backup/ (§6).
func (s *Store) backup(d *Document) error {
	dir := filepath.Join(filepath.Dir(s.path), "backup")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("config-%s.json", time.Now().UTC().Format("20060102T150405Z"))
	return os.WriteFile(filepath.Join(dir, name), raw, 0o600)
}

// Watch starts an fsnotify watch on the config file; on external
// modification it reloads and emits ConfigExternal. If the watch cannot
// be established, it falls back to a 1s mtime poll (§4.1).
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if watchErr := w.Add(filepath.Dir(s.path)); watchErr == nil {
			s.watcher = w
			go s.watchLoop()
			return nil
		}
		w.Close()
	}

	log.WithComponent("config").Warn().Msg("fsnotify unavailable, falling back to mtime poll")
	go s.pollLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.handleExternalChange()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithComponent("config").Warn().Err(err).Msg("fsnotify error")
		case <-s.stopCh:
			s.watcher.Close()
			return
		}
	}
}

func (s *Store) pollLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(s.lastMod) {
				s.handleExternalChange()
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) handleExternalChange() {
	if err := s.Reload(); err != nil {
		log.WithComponent("config").Error().Err(err).Msg("external config change rejected, keeping in-memory copy")
		return
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.ConfigExternal, Message: "configuration reloaded from external change"})
	}
}

// StopWatch halts the watcher/poller goroutine.
func (s *Store) StopWatch() {
	close(s.stopCh)
}

func toMap(d *Document) (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func lookup(m map[string]any, parts []string) (any, bool) {
	cur := any(m)
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]any, parts []string, value any) {
	if len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		m[parts[0]] = value
		return
	}
	child, ok := m[parts[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[parts[0]] = child
	}
	setPath(child, parts[1:], value)
}
