package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithin(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	os.MkdirAll(filepath.Join(root, "real"), 0o755)
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias"))
	os.Symlink(filepath.Join(outside, "gone"), filepath.Join(root, "dangling"))
	os.Symlink(filepath.Join(outside, "victim.txt"), filepath.Join(root, "link.txt"))

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"plain file", filepath.Join(root, "index.php"), true},
		{"missing nested file", filepath.Join(root, "a", "b", "c.php"), true},
		{"in-root alias", filepath.Join(root, "alias", "x.php"), true},
		{"link itself", filepath.Join(root, "link.txt"), true},
		{"through escaping link", filepath.Join(root, "escape", "victim.txt"), false},
		{"missing below escaping link", filepath.Join(root, "escape", "new", "x.php"), false},
		{"root itself", root, false},
		{"traversal", filepath.Join(root, "..", "etc"), false},
		{"outside", filepath.Join(outside, "victim.txt"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Within(root, tt.path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Within(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}

	if _, err := Within(root, filepath.Join(root, "dangling", "x.php")); err == nil {
		t.Error("expected an error through a dangling link")
	}
}

func TestWithinLinkedRoot(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "site")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	ok, err := Within(link, filepath.Join(real, "index.php"))
	if err != nil || !ok {
		t.Errorf("expected path below the resolved root to be inside, got %v (%v)", ok, err)
	}
}
