package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mcpbridge/resource-server/security"
	"github.com/mcpbridge/resource-server/storage"
	"github.com/mcpbridge/resource-server/storage/memory"
)

const (
	documentVersion = 1
	debounceWindow  = 100 * time.Millisecond
)

// document is the on-disk persist shape.
type document struct {
	Version   int                 `json:"version"`
	Encrypted bool                `json:"encrypted"`
	Records   []*storage.RsRecord `json:"records"`
}

// Store is a Token Store that holds its working set in memory and mirrors
// it to an encrypted JSON file. Reads are served entirely from memory;
// writes are coalesced into a single flush per debounceWindow.
type Store struct {
	*memory.TokenStore

	path      string
	encryptor *security.Encryptor
	logger    *slog.Logger

	writeMu     sync.Mutex
	writeTimer  *time.Timer
	pendingStop bool

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a file-backed store, creating the parent directory (mode
// 0700) if absent and hydrating from an existing document, then starts a
// directory watch. A nil encryptor or one with no key writes plaintext JSON.
func New(path string, encryptor *security.Encryptor, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create directory: %w", err)
	}

	s := &Store{
		TokenStore: memory.NewTokenStore(),
		path:       path,
		encryptor:  encryptor,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if err := s.hydrate(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("filestore: watcher unavailable, out-of-band file changes will not be picked up", "error", err)
	} else {
		if err := watcher.Add(dir); err != nil {
			logger.Warn("filestore: failed to watch directory", "dir", dir, "error", err)
			_ = watcher.Close()
		} else {
			s.watcher = watcher
			go s.watchLoop()
		}
	}

	return s, nil
}

func (s *Store) watchLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.hydrate(); err != nil {
				s.logger.Warn("filestore: rehydrate after external change failed", "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("filestore: watcher error", "error", err)
		}
	}
}

// hydrate reads the document from disk, decrypting if configured, and
// replaces the in-memory index. Provider-expired records are dropped.
//
// If the encryptor is disabled but the on-disk document isn't valid
// plaintext JSON, it is treated as ciphertext written while a key was
// configured: the file is left untouched on disk, a warning is logged, and
// hydration proceeds with an empty store rather than failing startup.
func (s *Store) hydrate() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("filestore: read: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	encryptorEnabled := s.encryptor != nil && s.encryptor.IsEnabled()
	plaintext := string(raw)
	if encryptorEnabled {
		plaintext, err = s.encryptor.Decrypt(plaintext)
		if err != nil {
			return fmt.Errorf("filestore: decrypt: %w", err)
		}
	}

	var doc document
	if err := json.Unmarshal([]byte(plaintext), &doc); err != nil {
		if !encryptorEnabled {
			s.logger.Warn("filestore: document is not readable plaintext and no decryption key is configured; starting with an empty store",
				"path", s.path)
			return nil
		}
		return fmt.Errorf("filestore: decode: %w", err)
	}

	now := time.Now()
	live := make([]*storage.RsRecord, 0, len(doc.Records))
	for _, rec := range doc.Records {
		if !rec.Provider.Expired(0, now) {
			live = append(live, rec)
		}
	}
	s.TokenStore.Restore(live)
	return nil
}

func (s *Store) scheduleWrite() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.pendingStop {
		return
	}
	if s.writeTimer != nil {
		s.writeTimer.Stop()
	}
	s.writeTimer = time.AfterFunc(debounceWindow, func() {
		if err := s.flush(); err != nil {
			s.logger.Error("filestore: flush failed", "error", err)
		}
	})
}

// flush writes the current in-memory index to disk. File permissions are
// set to owner-only on every write.
func (s *Store) flush() error {
	records := s.TokenStore.Snapshot()
	doc := document{
		Version:   documentVersion,
		Encrypted: s.encryptor != nil && s.encryptor.IsEnabled(),
		Records:   records,
	}

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}

	out := string(plaintext)
	if doc.Encrypted {
		out, err = s.encryptor.Encrypt(out)
		if err != nil {
			return fmt.Errorf("filestore: encrypt: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o600); err != nil {
		return fmt.Errorf("filestore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("filestore: rename into place: %w", err)
	}
	return nil
}

func (s *Store) StoreRSMapping(ctx context.Context, rsAccess string, provider storage.ProviderToken, rsRefresh string) (*storage.RsRecord, error) {
	rec, err := s.TokenStore.StoreRSMapping(ctx, rsAccess, provider, rsRefresh)
	if err == nil {
		s.scheduleWrite()
	}
	return rec, err
}

func (s *Store) UpdateByRSRefresh(ctx context.Context, rsRefresh string, newProvider storage.ProviderToken, newRSAccess string) (*storage.RsRecord, error) {
	rec, err := s.TokenStore.UpdateByRSRefresh(ctx, rsRefresh, newProvider, newRSAccess)
	if err == nil && rec != nil {
		s.scheduleWrite()
	}
	return rec, err
}

// Close flushes any pending write, stops the watcher, and stops the
// underlying in-memory store's sweep goroutine. A second Close is a no-op.
func (s *Store) Close(ctx context.Context) error {
	s.writeMu.Lock()
	if s.pendingStop {
		s.writeMu.Unlock()
		return nil
	}
	s.pendingStop = true
	if s.writeTimer != nil {
		s.writeTimer.Stop()
	}
	s.writeMu.Unlock()

	if err := s.flush(); err != nil {
		s.logger.Error("filestore: final flush failed", "error", err)
	}

	if s.watcher != nil {
		close(s.stop)
		_ = s.watcher.Close()
		<-s.done
	}

	return s.TokenStore.Close(ctx)
}
