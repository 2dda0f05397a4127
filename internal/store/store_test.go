package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/brensch/dicomstage/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// droppingBackend wraps a MemoryBackend and lets tests intercept writes.
type droppingBackend struct {
	*MemoryBackend
	putFunc func(key string, data []byte) error
}

func (d *droppingBackend) Put(key string, data []byte) error {
	if d.putFunc != nil {
		return d.putFunc(key, data)
	}
	return d.MemoryBackend.Put(key, data)
}

func openBoltStore(t *testing.T) *Store {
	t.Helper()
	backend, err := OpenBolt(filepath.Join(t.TempDir(), "files.bolt"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	s := New(backend, discardLogger())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		id   string
		data []byte
	}{
		{name: "small payload", id: "a", data: []byte("DICM-payload")},
		{name: "empty payload", id: "empty", data: []byte{}},
		{name: "binary payload", id: "bin", data: bytes.Repeat([]byte{0x00, 0xff, 0x10}, 4096)},
	}

	ctx := context.Background()
	s := openBoltStore(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SaveFile(ctx, tt.id, tt.data); err != nil {
				t.Fatalf("SaveFile() error = %v", err)
			}
			got, err := s.LoadFile(ctx, tt.id)
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("LoadFile() returned %d bytes, want %d", len(got), len(tt.data))
			}
			exists, err := s.FileExists(ctx, tt.id)
			if err != nil || !exists {
				t.Errorf("FileExists() = %v, %v; want true, nil", exists, err)
			}
		})
	}
}

func TestStore_OverwriteReplacesContent(t *testing.T) {
	ctx := context.Background()
	s := openBoltStore(t)

	if err := s.SaveFile(ctx, "x", []byte("original bytes")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveFile(ctx, "x", []byte("anon")); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadFile(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "anon" {
		t.Errorf("LoadFile() = %q, want %q", got, "anon")
	}
}

func TestStore_LoadMissing(t *testing.T) {
	s := openBoltStore(t)
	_, err := s.LoadFile(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("LoadFile() error = %v, want ErrNotFound", err)
	}
	var perr *domain.PersistenceError
	if !errors.As(err, &perr) || perr.Op != "load" {
		t.Errorf("LoadFile() error = %#v, want PersistenceError op=load", err)
	}
}

func TestStore_ListDeleteClear(t *testing.T) {
	ctx := context.Background()
	s := openBoltStore(t)

	for _, id := range []string{"c", "a", "b"} {
		if err := s.SaveFile(ctx, id, []byte(id)); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.ListFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("ListFiles() = %v, want [a b c]", ids)
	}

	if err := s.DeleteFile(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteFile(ctx, "never-existed"); err != nil {
		t.Errorf("DeleteFile() on absent id error = %v, want nil", err)
	}
	if ok, _ := s.FileExists(ctx, "b"); ok {
		t.Error("FileExists(b) = true after delete")
	}

	if err := s.ClearAllFiles(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "c"} {
		if ok, _ := s.FileExists(ctx, id); ok {
			t.Errorf("FileExists(%s) = true after clear", id)
		}
	}
	ids, _ = s.ListFiles(ctx)
	if len(ids) != 0 {
		t.Errorf("ListFiles() after clear = %v, want empty", ids)
	}
}

func TestStore_VerifyDetectsSilentWriteFailure(t *testing.T) {
	tests := []struct {
		name    string
		putFunc func(b *MemoryBackend) func(string, []byte) error
	}{
		{
			name: "write silently dropped",
			putFunc: func(*MemoryBackend) func(string, []byte) error {
				return func(string, []byte) error { return nil }
			},
		},
		{
			name: "write truncated",
			putFunc: func(b *MemoryBackend) func(string, []byte) error {
				return func(key string, data []byte) error {
					return b.Put(key, data[:len(data)/2])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := NewMemoryBackend()
			s := New(&droppingBackend{MemoryBackend: mem, putFunc: tt.putFunc(mem)}, discardLogger())

			err := s.SaveFile(context.Background(), "f1", []byte("0123456789"))
			var perr *domain.PersistenceError
			if !errors.As(err, &perr) {
				t.Fatalf("SaveFile() error = %v, want PersistenceError", err)
			}
			if perr.Op != "verify" || perr.ID != "f1" {
				t.Errorf("PersistenceError = {Op:%q ID:%q}, want {verify f1}", perr.Op, perr.ID)
			}
		})
	}
}

func TestStore_BackendErrorWrapped(t *testing.T) {
	boom := errors.New("disk full")
	s := New(&droppingBackend{
		MemoryBackend: NewMemoryBackend(),
		putFunc:       func(string, []byte) error { return boom },
	}, discardLogger())

	err := s.SaveFile(context.Background(), "f1", []byte("x"))
	if !errors.Is(err, boom) {
		t.Fatalf("SaveFile() error = %v, want wrapping %v", err, boom)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	s := New(NewMemoryBackend(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SaveFile(ctx, "x", []byte("y")); !errors.Is(err, context.Canceled) {
		t.Errorf("SaveFile() error = %v, want context.Canceled", err)
	}
}
