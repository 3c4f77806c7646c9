package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	fileName       = "settings.json"
	reloadDebounce = 100 * time.Millisecond
)

// OnChangeListener is notified after settings change, either through
// Update or because the file was edited on disk. Called without the
// store's lock held.
type OnChangeListener interface {
	OnSettingsChange(Settings)
}

type Store struct {
	path   string
	dataMu sync.RWMutex
	data   Settings

	listenerMu sync.Mutex
	listeners  []OnChangeListener

	watcher    *fsnotify.Watcher
	debounceMu sync.Mutex
	debounce   *time.Timer
}

// NewStore loads existing settings from disk or uses defaults.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		path: filepath.Join(dataDir, fileName),
		data: Default(),
	}

	loaded, ok, err := s.readFromDisk()
	if err != nil {
		return nil, err
	}
	if ok {
		s.data = loaded
	}

	return s, nil
}

func (s *Store) Get() Settings {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.data
}

func (s *Store) AddListener(l OnChangeListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.dataMu.Lock()
	if err := s.save(settings); err != nil {
		s.dataMu.Unlock()
		return err
	}
	s.data = settings
	s.dataMu.Unlock()

	s.notify(settings)
	return nil
}

// readFromDisk returns ok=false when the file is missing, corrupted or
// holds invalid values; callers then keep what they have.
func (s *Store) readFromDisk() (Settings, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, err
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("ignoring corrupted settings file", "path", s.path, "error", err)
		return Settings{}, false, nil
	}
	if err := settings.Validate(); err != nil {
		slog.Warn("ignoring invalid settings file", "path", s.path, "error", err)
		return Settings{}, false, nil
	}
	return settings, true, nil
}

func (s *Store) save(settings Settings) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename
	tmp, err := os.CreateTemp(dir, "settings-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpPath, s.path)
}

func (s *Store) notify(settings Settings) {
	s.listenerMu.Lock()
	listeners := append([]OnChangeListener(nil), s.listeners...)
	s.listenerMu.Unlock()

	for _, l := range listeners {
		l.OnSettingsChange(settings)
	}
}

// --- fsnotify: pick up edits made outside the server ---

func (s *Store) StartWatching() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go s.watchLoop()
	slog.Info("settings store watching for external changes", "path", s.path)
	return nil
}

func (s *Store) StopWatching() {
	s.debounceMu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceMu.Unlock()

	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.scheduleReload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("settings store fsnotify error", "error", err)
		}
	}
}

func (s *Store) scheduleReload() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(reloadDebounce, s.reloadFromDisk)
}

func (s *Store) reloadFromDisk() {
	loaded, ok, err := s.readFromDisk()
	if err != nil {
		slog.Error("failed to reload settings", "error", err)
		return
	}
	if !ok {
		return
	}

	s.dataMu.Lock()
	// Our own Update already applied this value.
	if reflect.DeepEqual(s.data, loaded) {
		s.dataMu.Unlock()
		return
	}
	s.data = loaded
	s.dataMu.Unlock()

	slog.Info("settings reloaded from disk")
	s.notify(loaded)
}
