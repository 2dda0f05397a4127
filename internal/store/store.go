// Package store is the durable local file store. Payloads are keyed by file
// id; every save is verified against the backend before it is reported as
// successful.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/brensch/dicomstage/internal/domain"
)

// Backend is the raw key/value layer under the Store.
type Backend interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, bool, error)
	Size(key string) (int64, bool, error)
	Keys() ([]string, error)
	Delete(key string) error
	Clear() error
	Close() error
}

// Store adds write-then-verify semantics and typed errors on top of a Backend.
// It takes no per-id lock: callers never issue concurrent writes to one id.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.With(slog.String("component", "store")),
	}
}

// SaveFile writes data under id and then confirms the entry exists with the
// expected length. A write that returns nil but cannot be confirmed yields a
// PersistenceError.
func (s *Store) SaveFile(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return &domain.ValidationError{Field: "id", Msg: "file id must not be empty"}
	}
	if err := s.backend.Put(id, data); err != nil {
		return &domain.PersistenceError{Op: "save", ID: id, Err: err}
	}

	size, found, err := s.backend.Size(id)
	if err != nil {
		return &domain.PersistenceError{Op: "verify", ID: id, Err: err}
	}
	if !found {
		s.logger.Error("Saved file missing on verification.", "file_id", id)
		return &domain.PersistenceError{Op: "verify", ID: id, Err: errors.New("file absent after write")}
	}
	if size != int64(len(data)) {
		s.logger.Error("Saved file size mismatch on verification.", "file_id", id, slog.Int64("want", int64(len(data))), slog.Int64("got", size))
		return &domain.PersistenceError{Op: "verify", ID: id, Err: fmt.Errorf("stored %d bytes, wrote %d", size, len(data))}
	}

	s.logger.Debug("File saved and verified.", "file_id", id, slog.Int("bytes", len(data)))
	return nil
}

// LoadFile returns the stored bytes for id, or a PersistenceError wrapping
// domain.ErrNotFound.
func (s *Store) LoadFile(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, found, err := s.backend.Get(id)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load", ID: id, Err: err}
	}
	if !found {
		return nil, &domain.PersistenceError{Op: "load", ID: id, Err: domain.ErrNotFound}
	}
	return data, nil
}

func (s *Store) FileExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, found, err := s.backend.Size(id)
	if err != nil {
		return false, &domain.PersistenceError{Op: "exists", ID: id, Err: err}
	}
	return found, nil
}

// ListFiles returns every stored id in lexical order.
func (s *Store) ListFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.backend.Keys()
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list", Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteFile removes id. Deleting an absent id is a no-op.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.backend.Delete(id); err != nil {
		return &domain.PersistenceError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

func (s *Store) ClearAllFiles(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.backend.Clear(); err != nil {
		return &domain.PersistenceError{Op: "clear", Err: err}
	}
	s.logger.Info("Local store cleared.")
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}
