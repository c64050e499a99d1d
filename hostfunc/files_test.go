package hostfunc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newFiles(t *testing.T, mounts ...Mount) *Files {
	t.Helper()
	f, err := NewFiles(FilesConfig{Mounts: mounts, MaxFileSize: 64})
	if err != nil {
		t.Fatalf("NewFiles failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFilesReadOnly(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "test.txt"), []byte("hello world"), 0644)

	f := newFiles(t, Mount{Path: "/data", Dir: dir, Mode: MountReadOnly})
	ctx := context.Background()

	content, err := f.Read(ctx, map[string]any{"path": "/data/test.txt"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if content != "hello world" {
		t.Errorf("expected 'hello world', got %q", content)
	}

	_, err = f.Write(ctx, map[string]any{"path": "/data/test.txt", "content": "modified"})
	if !errors.Is(err, ErrPermission) {
		t.Errorf("expected ErrPermission on read-only mount, got %v", err)
	}
	_, err = f.Remove(ctx, map[string]any{"path": "/data/test.txt"})
	if !errors.Is(err, ErrPermission) {
		t.Errorf("expected ErrPermission for remove, got %v", err)
	}
}

func TestFilesReadWrite(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "test.txt")
	os.WriteFile(existing, []byte("original"), 0644)

	f := newFiles(t, Mount{Path: "/output", Dir: dir, Mode: MountReadWrite})
	ctx := context.Background()

	if _, err := f.Write(ctx, map[string]any{"path": "/output/test.txt", "content": "modified"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if data, _ := os.ReadFile(existing); string(data) != "modified" {
		t.Errorf("expected 'modified', got %q", data)
	}

	_, err := f.Write(ctx, map[string]any{"path": "/output/new.txt", "content": "x"})
	if !errors.Is(err, ErrPermission) {
		t.Errorf("expected create to be refused, got %v", err)
	}
	_, err = f.Mkdir(ctx, map[string]any{"path": "/output/sub"})
	if !errors.Is(err, ErrPermission) {
		t.Errorf("expected mkdir to be refused, got %v", err)
	}
}

func TestFilesReadWriteCreate(t *testing.T) {
	dir := t.TempDir()
	f := newFiles(t, Mount{Path: "/work", Dir: dir, Mode: MountReadWriteCreate})
	ctx := context.Background()

	if _, err := f.Mkdir(ctx, map[string]any{"path": "/work/a/b"}); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	n, err := f.Write(ctx, map[string]any{"path": "/work/a/b/new.txt", "content": "created"})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 bytes written, got %v", n)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "a", "b", "new.txt")); string(data) != "created" {
		t.Errorf("unexpected content %q", data)
	}

	if _, err := f.Remove(ctx, map[string]any{"path": "/work/a/b/new.txt"}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := f.Remove(ctx, map[string]any{"path": "/work"}); !errors.Is(err, ErrPermission) {
		t.Errorf("expected mount root removal to be refused, got %v", err)
	}
}

func TestFilesListAndStat(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaa"), 0644)
	os.Mkdir(filepath.Join(dir, "sub"), 0755)

	f := newFiles(t, Mount{Path: "/data", Dir: dir})
	ctx := context.Background()

	result, err := f.List(ctx, map[string]any{"path": "/data"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	entries := result.([]any)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0].(map[string]any)
	if first["name"] != "a.txt" || first["is_dir"] != false || first["size"] != int64(3) {
		t.Errorf("unexpected entry %v", first)
	}

	stat, err := f.Stat(ctx, map[string]any{"path": "/data/sub"})
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if stat.(map[string]any)["is_dir"] != true {
		t.Errorf("expected directory, got %v", stat)
	}
}

func TestFilesEscapeBlocked(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "mount")
	os.Mkdir(dir, 0755)
	os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0644)
	os.Symlink(filepath.Join(parent, "secret.txt"), filepath.Join(dir, "link.txt"))

	f := newFiles(t, Mount{Path: "/data", Dir: dir})
	ctx := context.Background()

	tests := []struct {
		name string
		path string
	}{
		{"dot-dot", "/data/../secret.txt"},
		{"symlink", "/data/link.txt"},
		{"outside", "/etc/passwd"},
		{"sibling prefix", "/database/x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if content, err := f.Read(ctx, map[string]any{"path": tc.path}); err == nil {
				t.Errorf("expected read of %s to fail, got %q", tc.path, content)
			}
		})
	}
}

func TestFilesExists(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "exists.txt"), []byte("x"), 0644)

	f := newFiles(t, Mount{Path: "/data", Dir: dir})
	ctx := context.Background()

	tests := []struct {
		path string
		want bool
	}{
		{"/data/exists.txt", true},
		{"/data/missing.txt", false},
		{"/other/exists.txt", false},
	}
	for _, tc := range tests {
		got, err := f.Exists(ctx, map[string]any{"path": tc.path})
		if err != nil {
			t.Errorf("Exists(%s) error: %v", tc.path, err)
		}
		if got != tc.want {
			t.Errorf("Exists(%s) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestFilesSizeLimit(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 100)
	os.WriteFile(filepath.Join(dir, "big.bin"), big, 0644)

	f := newFiles(t, Mount{Path: "/", Dir: dir, Mode: MountReadWriteCreate})
	ctx := context.Background()

	if _, err := f.Read(ctx, map[string]any{"path": "/big.bin"}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge on read, got %v", err)
	}
	if _, err := f.Write(ctx, map[string]any{"path": "/big2.bin", "content": string(big)}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge on write, got %v", err)
	}
}

func TestFilesNestedMounts(t *testing.T) {
	outer, inner := t.TempDir(), t.TempDir()
	os.WriteFile(filepath.Join(inner, "x.txt"), []byte("inner"), 0644)

	f := newFiles(t,
		Mount{Path: "/data", Dir: outer},
		Mount{Path: "/data/inner", Dir: inner},
	)
	content, err := f.Read(context.Background(), map[string]any{"path": "/data/inner/x.txt"})
	if err != nil || content != "inner" {
		t.Errorf("expected the longer mount to win, got %q, %v", content, err)
	}
}

func TestParseMountMode(t *testing.T) {
	tests := []struct {
		in      string
		want    MountMode
		wantErr bool
	}{
		{"ro", MountReadOnly, false},
		{"RW", MountReadWrite, false},
		{"rwc", MountReadWriteCreate, false},
		{"bad", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseMountMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseMountMode(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestFilesMissingDir(t *testing.T) {
	_, err := NewFiles(FilesConfig{Mounts: []Mount{{Path: "/x", Dir: filepath.Join(t.TempDir(), "missing")}}})
	if err == nil {
		t.Error("expected error for missing mount directory")
	}
}
