package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

func TestWriteAndRead(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	ctx := context.Background()

	key, err := store.Write(ctx, "./pkg-1/characters/portraits/hero_front.png", []byte("png"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if key != "pkg-1/characters/portraits/hero_front.png" {
		t.Fatalf("unexpected key %q", key)
	}
	data, err := store.Read(ctx, key)
	if err != nil || string(data) != "png" {
		t.Fatalf("Read = %q, %v", data, err)
	}
}

func TestWriteAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	ctx := context.Background()

	for _, body := range []string{`{"v":1}`, `{"v":2}`} {
		if _, err := store.WriteAtomic(ctx, "pkg-1/manifest.json", []byte(body)); err != nil {
			t.Fatalf("WriteAtomic error: %v", err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "pkg-1", "manifest.json"))
	if err != nil || string(data) != `{"v":2}` {
		t.Fatalf("manifest = %q, %v", data, err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "pkg-1"))
	if err != nil {
		t.Fatalf("ReadDir error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	if _, err := store.Read(context.Background(), "nope.json"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "..", "../etc/passwd", "a/../../b", "."} {
		if _, err := sanitizeKey(key); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
	if got, err := sanitizeKey(`pkg\ui\icon.png`); err != nil || got != "pkg/ui/icon.png" {
		t.Fatalf("sanitizeKey backslashes = %q, %v", got, err)
	}
}
