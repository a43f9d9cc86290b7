package fileops_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"librarian/internal/fileops"
)

func TestValidateAndNormalizePath(t *testing.T) {
	base := t.TempDir()
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(base, "audio"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tests := []struct {
		name      string
		path      string
		want      string
		traversal bool
	}{
		{"relative", "a.wav", filepath.Join(resolvedBase, "a.wav"), false},
		{"nested relative", "audio/b.wav", filepath.Join(resolvedBase, "audio", "b.wav"), false},
		{"dot segments inside", "audio/../c.wav", filepath.Join(resolvedBase, "c.wav"), false},
		{"absolute inside", filepath.Join(base, "audio", "d.wav"), filepath.Join(resolvedBase, "audio", "d.wav"), false},
		{"parent escape", "../outside.wav", "", true},
		{"deep escape", "audio/../../etc/passwd", "", true},
		{"absolute outside", "/etc/passwd", "", true},
		{"sibling prefix", base + "-evil/file.wav", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fileops.ValidateAndNormalizePath(tt.path, base)
			if tt.traversal {
				if !errors.Is(err, fileops.ErrPathTraversal) {
					t.Fatalf("expected ErrPathTraversal, got %v (path %q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateAndNormalizePath failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			if !strings.HasPrefix(got, resolvedBase) {
				t.Fatalf("result %q not under base %q", got, resolvedBase)
			}
		})
	}
}

func TestValidateRejectsSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := fileops.ValidateAndNormalizePath("link/secret.txt", base); !errors.Is(err, fileops.ErrPathTraversal) {
		t.Fatalf("expected symlink escape to be rejected, got %v", err)
	}
}

func TestValidateKeepsSymlinkName(t *testing.T) {
	base := t.TempDir()
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	if err := os.WriteFile(filepath.Join(base, "master.wav"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(filepath.Join(base, "master.wav"), filepath.Join(base, "alias.wav")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	got, err := fileops.ValidateAndNormalizePath("alias.wav", base)
	if err != nil {
		t.Fatalf("ValidateAndNormalizePath: %v", err)
	}
	if want := filepath.Join(resolvedBase, "alias.wav"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestValidateRejectsBaseItself(t *testing.T) {
	base := t.TempDir()
	for _, p := range []string{".", base, "audio/.."} {
		if _, err := fileops.ValidateAndNormalizePath(p, base); !errors.Is(err, fileops.ErrPathTraversal) {
			t.Fatalf("%q: expected ErrPathTraversal, got %v", p, err)
		}
	}
}

func TestValidateRejectsFileLinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(base, "leak.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := fileops.ValidateAndNormalizePath("leak.txt", base); !errors.Is(err, fileops.ErrPathTraversal) {
		t.Fatalf("expected link to outside file to be rejected, got %v", err)
	}
}

func TestValidateRequiresInputs(t *testing.T) {
	if _, err := fileops.ValidateAndNormalizePath("a.wav", ""); err == nil {
		t.Fatal("expected error for empty base")
	}
	if _, err := fileops.ValidateAndNormalizePath(" ", t.TempDir()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCheckFileExists(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	if err := os.WriteFile(present, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ok, err := fileops.CheckFileExists(present)
	if err != nil || !ok {
		t.Fatalf("expected present file to exist, got %v %v", ok, err)
	}
	ok, err = fileops.CheckFileExists(filepath.Join(dir, "missing.txt"))
	if err != nil || ok {
		t.Fatalf("expected missing file to report false, got %v %v", ok, err)
	}
}
