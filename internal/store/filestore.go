package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"breakerpay/internal/models"
)

// FileStore persists the ledger as a single JSON document with three ordered
// collections (tarjetas, breakers, arduinos). All mutations run under one
// write lock; writes go through a tmp file + rename so the document on disk
// is always complete.
type FileStore struct {
	logger        *zap.Logger
	path          string
	watchInterval time.Duration

	mu   sync.RWMutex
	data *models.Snapshot

	// mtime of the last write we performed, to tell our own writes apart
	// from external ones in Watch.
	lastWrite time.Time
}

// NewFileStore loads the document at path, creating an empty one when the
// file does not exist.
func NewFileStore(logger *zap.Logger, path string, watchInterval time.Duration) (*FileStore, error) {
	fs := &FileStore{
		logger:        logger,
		path:          path,
		watchInterval: watchInterval,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fs.data = &models.Snapshot{}
		if err := fs.write(fs.data); err != nil {
			return nil, fmt.Errorf("init ledger file: %w", err)
		}
		logger.Info("Ledger file created", zap.String("path", path))
		return fs, nil
	}

	snap, err := fs.read()
	if err != nil {
		return nil, err
	}
	fs.data = snap
	logger.Info("Ledger file loaded",
		zap.String("path", path),
		zap.Int("tarjetas", len(snap.Tarjetas)),
		zap.Int("breakers", len(snap.Breakers)),
		zap.Int("arduinos", len(snap.Arduinos)))
	return fs, nil
}

// Snapshot returns a consistent deep copy of the document.
func (fs *FileStore) Snapshot(_ context.Context) (*models.Snapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.data.Clone(), nil
}

// Mutate applies fn to a private copy and persists it when fn reports a
// change. fn runs inside the write lock; callers must not perform I/O in it.
func (fs *FileStore) Mutate(_ context.Context, fn MutateFunc) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	work := fs.data.Clone()
	changed, err := fn(work)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := fs.write(work); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	fs.data = work
	return nil
}

// Watch polls the file mtime and fires when the document was modified by
// someone other than this store. The returned channel closes when ctx ends.
func (fs *FileStore) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(fs.watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			info, err := os.Stat(fs.path)
			if err != nil {
				continue
			}
			fs.mu.Lock()
			external := !fs.lastWrite.IsZero() && info.ModTime().After(fs.lastWrite)
			if external {
				snap, err := fs.read()
				if err != nil {
					fs.logger.Warn("Reload after external change failed", zap.Error(err))
					fs.mu.Unlock()
					continue
				}
				fs.data = snap
				fs.lastWrite = info.ModTime()
			}
			fs.mu.Unlock()

			if external {
				fs.logger.Info("External ledger change detected", zap.String("path", fs.path))
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

// Close is a no-op for the file store.
func (fs *FileStore) Close() {}

func (fs *FileStore) read() (*models.Snapshot, error) {
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	snap := &models.Snapshot{}
	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, fmt.Errorf("decode ledger file: %w", err)
	}
	return snap, nil
}

// write persists atomically: tmp file in the same directory, then rename.
func (fs *FileStore) write(snap *models.Snapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write tmp ledger: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	if info, err := os.Stat(fs.path); err == nil {
		fs.lastWrite = info.ModTime()
	}
	return nil
}
