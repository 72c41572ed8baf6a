package statestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Store persists small state blobs (tokens, cursors) across restarts.
type Store interface {
	Load(key string, out any) (bool, error)
	Save(key string, v any) error
	LoadString(key string) (string, bool)
	SaveString(key, value string) error
}

// FileStore keeps each blob in its own file under a state directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "tmp"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Load(key string, out any) (bool, error) {
	raw, err := os.ReadFile(s.path(key) + ".json")
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Save(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeAtomic(s.path(key)+".json", raw)
}

func (s *FileStore) LoadString(key string) (string, bool) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (s *FileStore) SaveString(key, value string) error {
	return writeAtomic(s.path(key), []byte(value))
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
