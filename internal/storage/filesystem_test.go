package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndRead(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	key, err := store.Write(context.Background(), "/cards/req-1/front.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if key != "cards/req-1/front.png" {
		t.Fatalf("key = %q", key)
	}
	got, err := store.Read(context.Background(), key)
	if err != nil || string(got) != "png-bytes" {
		t.Fatalf("Read = %q, %v", got, err)
	}
	entries, _ := os.ReadDir(filepath.Join(store.Root(), "cards", "req-1"))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestWriteOverwrites(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	_, _ = store.Write(ctx, "a/b.png", []byte("one"))
	_, _ = store.Write(ctx, "a/b.png", []byte("two"))
	got, _ := store.Read(ctx, "a/b.png")
	if string(got) != "two" {
		t.Fatalf("content = %q", got)
	}
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "cards/x/front.png", want: "cards/x/front.png"},
		{in: `cards\x\front.png`, want: "cards/x/front.png"},
		{in: "./cards//x/../y.png", want: "cards/y.png"},
		{in: "", err: true},
		{in: "..", err: true},
		{in: "../etc/passwd", err: true},
		{in: "cards/../../escape", err: true},
	}
	for _, tc := range tests {
		got, err := cleanKey(tc.in)
		if tc.err {
			if !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("cleanKey(%q) error = %v, want ErrInvalidKey", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("cleanKey(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestWriteHonorsCanceledContext(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Write(ctx, "x.png", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
}
