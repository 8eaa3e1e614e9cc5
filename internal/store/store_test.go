package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	f, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"file":   f,
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "absent")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "k1", []byte(`["a","b"]`)); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "k1", []byte(`["c"]`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err := s.Get(ctx, "k1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != `["c"]` {
				t.Errorf("expected overwritten value, got %s", got)
			}

			if err := s.Delete(ctx, "k1", "never-existed"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../escape", "a/b"} {
				if err := s.Put(context.Background(), key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Put(%q): expected ErrInvalidKey, got %v", key, err)
				}
			}
		})
	}
}

func TestFile_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := f.Put(context.Background(), "state", []byte("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Errorf("expected only state.json, got %v", entries)
	}
}

func TestFile_PersistsAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	ctx := context.Background()

	first, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := first.Put(ctx, "ids", []byte(`["x"]`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	got, err := second.Get(ctx, "ids")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `["x"]` {
		t.Errorf("unexpected value %s", got)
	}
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default memory", Config{}, false},
		{"memory", Config{Driver: "memory"}, false},
		{"file", Config{Driver: "FILE", Path: t.TempDir()}, false},
		{"file without path", Config{Driver: "file"}, true},
		{"postgres without url", Config{Driver: "postgres"}, true},
		{"mongo without uri", Config{Driver: "mongo"}, true},
		{"unknown", Config{Driver: "etcd"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			s.Close()
		})
	}
}
