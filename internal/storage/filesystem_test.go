package storage

import (
	"context"
	"errors"
	"testing"
)

func TestWriteReadDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	key, err := s.Write(ctx, "/users/guest_a/../guest_a/x.png", []byte("img"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if key != "users/guest_a/x.png" {
		t.Fatalf("unexpected key %q", key)
	}
	data, err := s.Read(ctx, key)
	if err != nil || string(data) != "img" {
		t.Fatalf("read: %q %v", data, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Read(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, key := range []string{"", "..", "../etc/passwd", "a/../../b"} {
		if _, err := s.Write(context.Background(), key, []byte("x")); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
}
