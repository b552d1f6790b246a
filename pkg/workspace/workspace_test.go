package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareAndCleanup(t *testing.T) {
	root := t.TempDir()
	dir, cleanup, err := Prepare(root, "run-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if dir != filepath.Join(root, "run-1") {
		t.Fatalf("unexpected dir: %s", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workspace missing: %v", err)
	}

	if _, _, err := Prepare(root, "run-1"); err == nil {
		t.Fatalf("expected error for existing workspace")
	}

	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := cleanup(); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace to be removed")
	}
}

func TestPrepareRejectsBadRunID(t *testing.T) {
	for _, id := range []string{"", "..", "a/b"} {
		if _, _, err := Prepare(t.TempDir(), id); err == nil {
			t.Fatalf("expected error for run id %q", id)
		}
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()

	got, err := Resolve(dir, "deploy/web.yaml")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(dir, "deploy", "web.yaml") {
		t.Fatalf("unexpected path: %s", got)
	}

	if got, _ := Resolve(dir, "."); got != dir {
		t.Fatalf("expected dir for '.', got %s", got)
	}

	for _, bad := range []string{"../etc/passwd", "/etc/passwd", "a/../../b"} {
		if _, err := Resolve(dir, bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "Dockerfile"), []byte("FROM scratch\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(src, ".git", "objects"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0644); err != nil {
		t.Fatalf("write ignored: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "src")
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "Dockerfile"))
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(data) != "FROM scratch\n" {
		t.Fatalf("unexpected content: %q", string(data))
	}
	if _, err := os.Stat(filepath.Join(dst, ".git")); !os.IsNotExist(err) {
		t.Fatalf("expected .git to be skipped")
	}

	if !IsLocalSource(src) || IsLocalSource("https://git.example.com/web.git") {
		t.Fatalf("unexpected local source detection")
	}
}
