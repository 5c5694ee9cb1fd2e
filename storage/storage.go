// Package storage handles persistence of the notice watermark.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// PersistenceError reports a failed watermark read or write.
type PersistenceError struct {
	Op  string // "read" or "write"
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("watermark %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store persists the identifier of the most recently processed notice.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
}

// New creates a watermark store. When client is nil the watermark lives in
// the local file at localPath, otherwise in bucket/object on Cloud Storage.
func New(client *storage.Client, bucket, object, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		object:    object,
	}
}

func (s *Store) key() string {
	if s.client == nil {
		return s.localPath
	}
	return "gs://" + s.bucket + "/" + s.object
}

// Read returns the stored watermark. Any failure is logged and reported as
// "no watermark" so the caller falls back to first-run behavior.
func (s *Store) Read(ctx context.Context) (string, bool) {
	data, err := s.load(ctx)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
			s.logger.Info("No watermark stored yet", "key", s.key())
			return "", false
		}
		s.logger.Warn("Failed to read watermark, treating as absent", "error", &PersistenceError{Op: "read", Key: s.key(), Err: err})
		return "", false
	}

	id := strings.TrimSpace(string(data))
	if id == "" {
		s.logger.Info("Stored watermark is empty", "key", s.key())
		return "", false
	}

	s.logger.Debug("Watermark loaded", "key", s.key(), "notice_id", id)
	return id, true
}

// Write replaces the stored watermark with id.
func (s *Store) Write(ctx context.Context, id string) error {
	if id == "" {
		return &PersistenceError{Op: "write", Key: s.key(), Err: errors.New("empty notice id")}
	}
	if err := s.save(ctx, []byte(id)); err != nil {
		return &PersistenceError{Op: "write", Key: s.key(), Err: err}
	}
	s.logger.Info("Watermark saved", "key", s.key(), "notice_id", id)
	return nil
}

func (s *Store) load(ctx context.Context) ([]byte, error) {
	if s.client == nil {
		return os.ReadFile(s.localPath)
	}

	var (
		data     []byte
		notFound bool
	)
	err := retry.Do(
		func() error {
			r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying watermark read after error", "attempt", n, "key", s.key(), "error", err)
		}),
	)
	if notFound {
		return nil, storage.ErrObjectNotExist
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) save(ctx context.Context, data []byte) error {
	if s.client == nil {
		return writeFileAtomic(s.localPath, data, 0o600)
	}

	return retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
			w.ContentType = "text/plain; charset=utf-8"
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying watermark write after error", "attempt", n, "key", s.key(), "error", err)
		}),
	)
}

// writeFileAtomic writes data next to name and renames it into place, so a
// reader sees either the old or the new content, never a partial write.
func writeFileAtomic(name string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(f.Name(), name); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
