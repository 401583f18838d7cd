package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// CurrentCacheFile is the versioned cache key. Readers always prefer
	// it when both key formats exist.
	CurrentCacheFile = "session.v2.json"

	// LegacyCacheFile is the deprecated, unversioned key. It is read
	// once, copied forward, and left in place until an explicit purge.
	LegacyCacheFile = "kbchat_session.json"
)

// FileStore persists a ClientCache under a directory, handling the legacy
// key migration. It backs the terminal client; a browser client would use
// its local storage the same way.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("session: cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load reads the cache, migrating a legacy-format file to the current key
// when only the legacy one exists. Migration is idempotent: running it
// again changes nothing. A missing or unreadable cache yields an empty one.
func (s *FileStore) Load() (ClientCache, error) {
	current := filepath.Join(s.dir, CurrentCacheFile)

	cache, err := readCacheFile(current)
	if err == nil {
		return cache, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		// A corrupt current-format cache is advisory state only;
		// start fresh rather than failing the client.
		return NewClientCache(), nil
	}

	legacy := filepath.Join(s.dir, LegacyCacheFile)
	cache, err = readCacheFile(legacy)
	if err != nil {
		return NewClientCache(), nil
	}

	if cache.State == "" {
		// Legacy files predate the explicit state field; a non-empty
		// conversation id meant bound.
		if cache.ConversationID != "" {
			cache.State = Bound
		} else {
			cache.State = Uninitialized
		}
	}

	// Copy forward; the legacy file stays until an explicit purge.
	if saveErr := s.Save(cache); saveErr != nil {
		return cache, saveErr
	}

	return cache, nil
}

// Save writes the cache under the current key format.
func (s *FileStore) Save(cache ClientCache) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode cache: %w", err)
	}

	path := filepath.Join(s.dir, CurrentCacheFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("session: replace cache: %w", err)
	}
	return nil
}

// Purge removes the cache under every key format, current and legacy. Used
// on user-initiated reset.
func (s *FileStore) Purge() error {
	for _, name := range []string{CurrentCacheFile, LegacyCacheFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("session: purge cache: %w", err)
		}
	}
	return nil
}

func readCacheFile(path string) (ClientCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientCache{}, err
	}

	var cache ClientCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return ClientCache{}, fmt.Errorf("decode cache: %w", err)
	}
	return cache, nil
}
