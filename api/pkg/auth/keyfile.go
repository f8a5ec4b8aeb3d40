// Package auth validates gateway API keys against a JSON key file and
// tracks per-user usage counters. The file is the source of truth so
// operators can edit it while the gateway runs; a filesystem watcher
// picks up external changes.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/helixml/surfboard/api/pkg/types"
)

type keyFile struct {
	APIKeys map[string]*types.User `json:"api_keys"`
}

// KeyStore is a file-backed API key to user mapping.
type KeyStore struct {
	path    string
	mu      sync.RWMutex
	keys    map[string]*types.User
	watcher *fsnotify.Watcher

	// lastSelfWrite is the mtime of the store's own most recent persist,
	// used to tell usage writes apart from operator edits.
	lastSelfWrite time.Time
	reloads       atomic.Int64
}

func NewKeyStore(path string) (*KeyStore, error) {
	store := &KeyStore{
		path: path,
		keys: map[string]*types.User{},
	}

	if err := store.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create key file watcher: %w", err)
	}
	// Watch the directory rather than the file: editors and atomic
	// writers replace the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch key file directory: %w", err)
	}
	store.watcher = watcher
	go store.watch()

	return store, nil
}

func (s *KeyStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", s.path).Msg("API keys file not found, no keys loaded")
			return nil
		}
		return fmt.Errorf("failed to read API keys file: %w", err)
	}

	var parsed keyFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("invalid API keys file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.keys = parsed.APIKeys
	if s.keys == nil {
		s.keys = map[string]*types.User{}
	}
	for key, user := range s.keys {
		user.APIKey = key
	}
	s.mu.Unlock()

	log.Info().Str("path", s.path).Int("keys", len(parsed.APIKeys)).Msg("loaded API keys")
	return nil
}

func (s *KeyStore) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Persisting usage stats writes the file we just read from;
			// reloading on our own writes would cycle on every request.
			if s.isSelfWrite() {
				continue
			}
			s.reloads.Add(1)
			if err := s.load(); err != nil {
				log.Error().Err(err).Msg("failed to reload API keys file")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("API key file watcher error")
		}
	}
}

func (s *KeyStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// ValidateKey returns a copy of the user behind the key, or nil if the
// key is unknown.
func (s *KeyStore) ValidateKey(apiKey string) *types.User {
	if apiKey == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.keys[apiKey]
	if !ok {
		return nil
	}
	copied := *user
	return &copied
}

// RecordUsage bumps the usage counters for a key and persists the file.
// Persistence failures are logged, never propagated: stats must not
// fail a request.
func (s *KeyStore) RecordUsage(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.keys[apiKey]
	if !ok {
		return
	}

	now := time.Now()
	user.TotalRequests++
	user.RequestsToday++
	user.LastRequest = &now

	if err := s.persistLocked(); err != nil {
		log.Warn().Err(err).Str("user", user.Name).Msg("failed to persist API key usage stats")
	}
}

func (s *KeyStore) persistLocked() error {
	data, err := json.MarshalIndent(&keyFile{APIKeys: s.keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return err
	}
	if fi, err := os.Stat(s.path); err == nil {
		s.lastSelfWrite = fi.ModTime()
	}
	return nil
}

// isSelfWrite reports whether the key file on disk is the one this store
// last wrote. An operator edit lands with a newer mtime and still
// triggers a reload.
func (s *KeyStore) isSelfWrite() bool {
	s.mu.RLock()
	last := s.lastSelfWrite
	s.mu.RUnlock()
	if last.IsZero() {
		return false
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	return fi.ModTime().Equal(last)
}

// Users returns a copy of all known users keyed by API key.
func (s *KeyStore) Users() map[string]*types.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make(map[string]*types.User, len(s.keys))
	for key, user := range s.keys {
		copied := *user
		users[key] = &copied
	}
	return users
}
