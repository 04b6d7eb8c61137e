package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tokenbroker/internal/metrics"
	"tokenbroker/pkg/logging"
)

// DefaultFileDebounce is the window in which record mutations are coalesced
// into a single write.
const DefaultFileDebounce = 100 * time.Millisecond

const fileFormatVersion = 1

// Sealer encrypts data at rest. *crypto.Sealer implements it.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// fileFormat is the on-disk layout. Records holds the JSON array of
// RsRecords, or the sealed string of that array when Encrypted is set.
type fileFormat struct {
	Version   int             `json:"version"`
	Encrypted bool            `json:"encrypted"`
	Records   json.RawMessage `json:"records"`
}

// FileStore persists RS records to a single file on top of a MemoryStore.
// Transactions, codes and sessions live only in memory.
//
// SECURITY: the file is written with 0600 permissions inside a 0700
// directory, and the permissions are re-applied after every write in case
// the file already existed with looser ones. Token values are never logged.
type FileStore struct {
	*MemoryStore

	path     string
	sealer   Sealer
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool

	// writeMu serializes write-outs.
	writeMu sync.Mutex
}

// FileConfig configures a FileStore.
type FileConfig struct {
	// Path is the token file location.
	Path string

	// Sealer encrypts the records. Nil stores them in plaintext.
	Sealer Sealer

	// Debounce is the write coalescing window. Zero uses DefaultFileDebounce.
	Debounce time.Duration
}

// NewFileStore loads cfg.Path, if present, and returns a store that writes
// every record mutation back to it. Load failures are logged and the store
// starts empty. memOpts configure the wrapped MemoryStore.
func NewFileStore(cfg FileConfig, memOpts ...MemoryOption) (*FileStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultFileDebounce
	}

	f := &FileStore{
		path:     cfg.Path,
		sealer:   cfg.Sealer,
		debounce: cfg.Debounce,
	}

	memOpts = append(memOpts, withChangeHook(f.scheduleWrite))
	f.MemoryStore = NewMemoryStore(memOpts...)

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		_ = f.MemoryStore.Close()
		return nil, fmt.Errorf("failed to create token store directory: %w", err)
	}

	if err := f.load(); err != nil {
		// Keep the unreadable file so the next write-out cannot destroy it.
		backup := cfg.Path + ".unreadable"
		if renameErr := os.Rename(cfg.Path, backup); renameErr != nil {
			logging.Warn("FileStore", "Failed to move unreadable token file aside: %v", renameErr)
		}
		logging.Error("FileStore", err, "Failed to load token file %s, starting empty (previous file kept at %s)", cfg.Path, backup)
	}

	return f, nil
}

// load reads the file into memory, dropping records whose provider token or
// server-side lifetime has already expired.
func (f *FileStore) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("FileStore", "No token file at %s", f.path)
			return nil
		}
		return fmt.Errorf("failed to read token file: %w", err)
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse token file: %w", err)
	}
	if doc.Version != fileFormatVersion {
		return fmt.Errorf("unsupported token file version %d", doc.Version)
	}

	raw := []byte(doc.Records)
	if doc.Encrypted {
		if f.sealer == nil {
			return fmt.Errorf("token file is encrypted but no encryption key is configured")
		}
		var sealed string
		if err := json.Unmarshal(doc.Records, &sealed); err != nil {
			return fmt.Errorf("failed to parse encrypted records: %w", err)
		}
		raw, err = f.sealer.Open(sealed)
		if err != nil {
			return fmt.Errorf("failed to decrypt token file: %w", err)
		}
	} else if f.sealer != nil {
		logging.Warn("FileStore", "Token file %s is not encrypted; it will be encrypted on the next write", f.path)
	}

	var records []*RsRecord
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("failed to parse records: %w", err)
		}
	}

	now := f.now()
	loaded, dropped := 0, 0
	for _, rec := range records {
		if rec == nil || rec.RsRefreshToken == "" || rec.RsAccessToken == "" || rec.Provider == nil {
			dropped++
			continue
		}
		if isExpired(rec, now) || rec.Provider.IsExpiredAt(now, 0) {
			dropped++
			continue
		}
		f.upsertRecord(rec)
		loaded++
	}

	logging.Info("FileStore", "Loaded %d RS records from %s (dropped %d expired)", loaded, f.path, dropped)
	return nil
}

// scheduleWrite starts the debounce timer unless a write is already pending.
func (f *FileStore) scheduleWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.pending {
		return
	}
	f.pending = true
	f.timer = time.AfterFunc(f.debounce, func() {
		f.mu.Lock()
		f.pending = false
		f.mu.Unlock()

		if err := f.write(); err != nil {
			logging.Error("FileStore", err, "Failed to persist token file %s", f.path)
		}
	})
}

// Flush cancels any pending debounced write and writes synchronously.
func (f *FileStore) Flush(context.Context) error {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.pending = false
	f.mu.Unlock()

	return f.write()
}

// Close stops the sweep loop and flushes. Later mutations are not persisted.
func (f *FileStore) Close() error {
	_ = f.MemoryStore.Close()

	err := f.Flush(context.Background())

	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	return err
}

// write atomically replaces the file with the current records.
func (f *FileStore) write() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	records := f.snapshotRecords()
	raw, err := json.Marshal(records)
	if err != nil {
		metrics.FileWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	doc := fileFormat{Version: fileFormatVersion, Records: raw}
	if f.sealer != nil {
		sealed, err := f.sealer.Seal(raw)
		if err != nil {
			metrics.FileWrites.WithLabelValues("error").Inc()
			return fmt.Errorf("failed to encrypt records: %w", err)
		}
		doc.Encrypted = true
		doc.Records, _ = json.Marshal(sealed)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		metrics.FileWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal token file: %w", err)
	}

	if err := writeFileAtomic(f.path, data); err != nil {
		metrics.FileWrites.WithLabelValues("error").Inc()
		return err
	}

	metrics.FileWrites.WithLabelValues("ok").Inc()
	logging.Debug("FileStore", "Persisted %d RS records to %s", len(records), f.path)
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place with owner-only permissions.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set temp file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}

	// Re-assert in case the target pre-existed with looser permissions.
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set token file permissions: %w", err)
	}
	return nil
}
