package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func newTestLocal(t *testing.T) *LocalStorage {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewLocalStorage(LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "http://localhost:8080/files",
	}, logger)
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}
	return s
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	content := []byte("hello attachment")

	if err := s.Put(ctx, "uploads/u1/file.txt", bytes.NewReader(content), PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	reader, info, err := s.Get(ctx, "uploads/u1/file.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer reader.Close()

	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Get() returned %q, want %q", got, content)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", info.Size, len(content))
	}
}

func TestLocalPutRejectsExistingKey(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k", strings.NewReader("a"), PutOptions{}); err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	err := s.Put(ctx, "k", strings.NewReader("b"), PutOptions{})
	if !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Put() error = %v, want ErrKeyExists", err)
	}
	if err := s.Put(ctx, "k", strings.NewReader("b"), PutOptions{Overwrite: true}); err != nil {
		t.Errorf("Put() with Overwrite error = %v", err)
	}
}

func TestLocalPutMaxSize(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	err := s.Put(ctx, "big", strings.NewReader("0123456789"), PutOptions{MaxSize: 5})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("Put() error = %v, want ErrTooLarge", err)
	}
	// An object exactly at the limit is accepted.
	if err := s.Put(ctx, "fits", strings.NewReader("01234"), PutOptions{MaxSize: 5}); err != nil {
		t.Errorf("Put() at limit error = %v", err)
	}
	// The oversized file must not linger.
	exists, err := s.Exists(ctx, "big")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("oversized object was left behind")
	}
}

func TestLocalRejectsPathTraversal(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	keys := []string{"", "../escape", "uploads/../../etc/passwd"}
	for _, key := range keys {
		err := s.Put(ctx, key, strings.NewReader("x"), PutOptions{})
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestLocalGetMissingKey(t *testing.T) {
	s := newTestLocal(t)

	_, _, err := s.Get(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k", strings.NewReader("a"), PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestLocalURL(t *testing.T) {
	s := newTestLocal(t)

	url, err := s.URL(context.Background(), "uploads/u1/file.txt", 0)
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}
	want := "http://localhost:8080/files/uploads/u1/file.txt"
	if url != want {
		t.Errorf("URL() = %q, want %q", url, want)
	}
}
