// Package persist provides durable on-disk overflow for cache entries.
//
// Each entry is one JSON file under a configured directory, named by a
// URL-safe encoding of the cache key. Storage is size-bounded per entry and
// count-bounded per directory, with oldest-by-mtime eviction.
package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sharedeck/datakit/pkg/errors"
	"github.com/sharedeck/datakit/pkg/utils"
)

const entryExt = ".json"

// Config represents persistence configuration.
type Config struct {
	Directory   string `yaml:"directory"`
	MaxFileSize int64  `yaml:"max_file_size"`
	MaxFiles    int    `yaml:"max_files"`
}

// DefaultConfig returns sensible persistence defaults.
func DefaultConfig() *Config {
	return &Config{
		Directory:   filepath.Join(os.TempDir(), "datakit-cache"),
		MaxFileSize: 1024 * 1024, // 1MB per entry
		MaxFiles:    1000,
	}
}

// Entry is the on-disk mirror of a cache entry.
type Entry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stats aggregates the state of the persistence directory.
type Stats struct {
	FileCount   int       `json:"file_count"`
	TotalSize   int64     `json:"total_size"`
	OldestEntry time.Time `json:"oldest_entry,omitempty"`
	NewestEntry time.Time `json:"newest_entry,omitempty"`
}

// Manager stores cache entries as individual files.
type Manager struct {
	config *Config
	logger *utils.StructuredLogger
}

// NewManager creates the persistence directory and returns a manager.
func NewManager(config *Config, logger *utils.StructuredLogger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 1024 * 1024
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = 1000
	}
	if logger == nil {
		logger = utils.NewStructuredLogger(nil)
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, errors.Newf(errors.ErrCodePersistenceIO,
			"failed to create persistence directory %s", config.Directory).
			WithComponent("persist").WithCause(err)
	}

	return &Manager{
		config: config,
		logger: logger.WithComponent("persist"),
	}, nil
}

// Save serializes {key, value, timestamp} to the entry file for key. Entries
// above MaxFileSize are rejected with ENTRY_TOO_LARGE. A cleanup pass runs
// first so the directory never exceeds MaxFiles after the write.
func (m *Manager) Save(key string, value interface{}) error {
	entry := Entry{
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.NewError(errors.ErrCodePersistenceIO, "failed to serialize entry").
			WithComponent("persist").WithOperation("save").WithCause(err)
	}

	if int64(len(data)) > m.config.MaxFileSize {
		return errors.Newf(errors.ErrCodeEntryTooLarge,
			"entry is %d bytes, cap is %d", len(data), m.config.MaxFileSize).
			WithComponent("persist").WithOperation("save")
	}

	if err := m.cleanup(); err != nil {
		m.logger.Warn("cleanup before save failed", map[string]interface{}{"error": err.Error()})
	}

	path := m.entryPath(key)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Newf(errors.ErrCodePersistenceIO, "failed to write %s", path).
			WithComponent("persist").WithOperation("save").WithCause(err)
	}

	return nil
}

// Load reads the entry for key. A missing file is not an error: ok is false
// and err is nil. Decode failures remove the corrupt file and report an error.
func (m *Manager) Load(key string) (interface{}, bool, error) {
	path := m.entryPath(key)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Newf(errors.ErrCodePersistenceIO, "failed to read %s", path).
			WithComponent("persist").WithOperation("load").WithCause(err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = os.Remove(path)
		return nil, false, errors.Newf(errors.ErrCodeEntryCorrupted, "corrupt entry for key %q", key).
			WithComponent("persist").WithOperation("load").WithCause(err)
	}

	return entry.Value, true, nil
}

// Delete removes the entry for key, treating "already absent" as success.
func (m *Manager) Delete(key string) error {
	err := os.Remove(m.entryPath(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Newf(errors.ErrCodePersistenceIO, "failed to delete entry for key %q", key).
			WithComponent("persist").WithOperation("delete").WithCause(err)
	}
	return nil
}

// Clear removes every entry file in the directory.
func (m *Manager) Clear() error {
	files, err := m.listEntries()
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return errors.Newf(errors.ErrCodePersistenceIO, "failed to remove %s", f.path).
				WithComponent("persist").WithOperation("clear").WithCause(err)
		}
	}
	return nil
}

// GetStats returns file count, total size, and the modification-time range.
func (m *Manager) GetStats() (Stats, error) {
	files, err := m.listEntries()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{FileCount: len(files)}
	for _, f := range files {
		stats.TotalSize += f.size
		if stats.OldestEntry.IsZero() || f.modTime.Before(stats.OldestEntry) {
			stats.OldestEntry = f.modTime
		}
		if f.modTime.After(stats.NewestEntry) {
			stats.NewestEntry = f.modTime
		}
	}
	return stats, nil
}

// Directory returns the persistence directory path.
func (m *Manager) Directory() string {
	return m.config.Directory
}

type entryFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (m *Manager) entryPath(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	return filepath.Join(m.config.Directory, name+entryExt)
}

func (m *Manager) listEntries() ([]entryFile, error) {
	dirEntries, err := os.ReadDir(m.config.Directory)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodePersistenceIO, "failed to list %s", m.config.Directory).
			WithComponent("persist").WithCause(err)
	}

	files := make([]entryFile, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != entryExt {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // raced with a concurrent delete
		}
		files = append(files, entryFile{
			path:    filepath.Join(m.config.Directory, de.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return files, nil
}

// cleanup deletes oldest-by-mtime files until the directory has room for one
// more entry under the MaxFiles cap.
func (m *Manager) cleanup() error {
	files, err := m.listEntries()
	if err != nil {
		return err
	}

	excess := len(files) - m.config.MaxFiles + 1
	if excess <= 0 {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for i := 0; i < excess; i++ {
		if err := os.Remove(files[i].path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evicting %s: %w", files[i].path, err)
		}
		m.logger.Debug("evicted oldest persisted entry", map[string]interface{}{
			"path": files[i].path,
		})
	}
	return nil
}
