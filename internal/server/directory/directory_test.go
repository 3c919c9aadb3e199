package directory_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"mlschat/internal/server/directory"
)

func openTestDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	d, err := directory.Open(path, directory.DefaultOptions())
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRegisterThenFetch(t *testing.T) {
	d := openTestDirectory(t)
	now := time.Now()

	if err := d.Register(context.Background(), "alice", []byte("key-bytes"), []byte("hash"), now); err != nil {
		t.Fatalf("register: %v", err)
	}

	pkg, found, err := d.Published(context.Background(), "alice")
	if err != nil {
		t.Fatalf("published: %v", err)
	}
	if !found {
		t.Fatal("expected a published record for alice")
	}
	if !bytes.Equal(pkg.PublicBytes, []byte("key-bytes")) {
		t.Fatalf("got public bytes %q, want %q", pkg.PublicBytes, "key-bytes")
	}
}

func TestFetch_UnknownUsername(t *testing.T) {
	d := openTestDirectory(t)
	_, found, err := d.Published(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("published: %v", err)
	}
	if found {
		t.Fatal("expected no record for an unregistered username")
	}
}

func TestRegister_Duplicate(t *testing.T) {
	d := openTestDirectory(t)
	now := time.Now()

	if err := d.Register(context.Background(), "alice", []byte("key-1"), []byte("hash-1"), now); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := d.Register(context.Background(), "alice", []byte("key-2"), []byte("hash-2"), now)
	if err != directory.ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	// The original record must survive a rejected second registration.
	pkg, found, err := d.Published(context.Background(), "alice")
	if err != nil || !found {
		t.Fatalf("published after duplicate register: found=%v err=%v", found, err)
	}
	if !bytes.Equal(pkg.PublicBytes, []byte("key-1")) {
		t.Fatalf("registration was overwritten by the duplicate attempt")
	}
}
