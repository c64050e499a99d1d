package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
)

// MountMode is the permission level of a mount.
type MountMode int

const (
	MountReadOnly MountMode = iota
	// MountReadWrite allows writing and removing existing entries only.
	MountReadWrite
	MountReadWriteCreate
)

var modeNames = map[string]MountMode{
	"ro":  MountReadOnly,
	"rw":  MountReadWrite,
	"rwc": MountReadWriteCreate,
}

// ParseMountMode accepts ro, rw or rwc.
func ParseMountMode(s string) (MountMode, error) {
	if m, ok := modeNames[strings.ToLower(s)]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", s)
}

func (m MountMode) String() string {
	for name, mode := range modeNames {
		if mode == m {
			return name
		}
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

var (
	ErrPermission = errors.New("permission denied")
	ErrNotMounted = errors.New("path not in any mount")
	ErrTooLarge   = errors.New("file too large")
)

// Mount exposes the host directory Dir to scripts under Path.
type Mount struct {
	Path string
	Dir  string
	Mode MountMode
}

const DefaultMaxFileSize = 10 << 20

type FilesConfig struct {
	Mounts      []Mount
	MaxFileSize int64
}

// Files gives scripts access to mounted directories. Each mount is opened
// as an os.Root, so no path can leave its directory.
type Files struct {
	mounts      []mounted
	maxFileSize int64
}

type mounted struct {
	prefix string
	root   *os.Root
	mode   MountMode
}

// NewFiles opens every mount. Longer prefixes win when mounts nest.
func NewFiles(cfg FilesConfig) (*Files, error) {
	f := &Files{maxFileSize: cfg.MaxFileSize}
	if f.maxFileSize <= 0 {
		f.maxFileSize = DefaultMaxFileSize
	}
	for _, m := range cfg.Mounts {
		root, err := os.OpenRoot(m.Dir)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mount %s: %w", m.Path, err)
		}
		f.mounts = append(f.mounts, mounted{
			prefix: path.Clean("/" + m.Path),
			root:   root,
			mode:   m.Mode,
		})
	}
	slices.SortFunc(f.mounts, func(a, b mounted) int { return len(b.prefix) - len(a.prefix) })
	return f, nil
}

func (f *Files) Close() error {
	var errs []error
	for _, m := range f.mounts {
		errs = append(errs, m.root.Close())
	}
	return errors.Join(errs...)
}

// Register binds file_read, file_write, file_list, file_stat, file_exists,
// file_mkdir and file_remove.
func (f *Files) Register(r *Registry) {
	r.Register("file_read", f.Read)
	r.Register("file_write", f.Write)
	r.Register("file_list", f.List)
	r.Register("file_stat", f.Stat)
	r.Register("file_exists", f.Exists)
	r.Register("file_mkdir", f.Mkdir)
	r.Register("file_remove", f.Remove)
}

// resolve finds the mount of a script path and the path relative to it.
func (f *Files) resolve(args map[string]any, need MountMode) (*mounted, string, error) {
	p, _ := args["path"].(string)
	if p == "" {
		return nil, "", errors.New("path required")
	}
	clean := path.Clean("/" + p)
	for i := range f.mounts {
		m := &f.mounts[i]
		rel, ok := strings.CutPrefix(clean, m.prefix)
		if !ok || (rel != "" && rel[0] != '/' && m.prefix != "/") {
			continue
		}
		if m.mode < need {
			return nil, "", fmt.Errorf("%w: %s is mounted %s", ErrPermission, m.prefix, m.mode)
		}
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			rel = "."
		}
		return m, rel, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNotMounted, clean)
}

func (f *Files) Read(ctx context.Context, args map[string]any) (any, error) {
	m, rel, err := f.resolve(args, MountReadOnly)
	if err != nil {
		return nil, err
	}
	info, err := m.root.Stat(rel)
	if err != nil {
		return nil, pathError(err)
	}
	if info.Size() > f.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	data, err := m.root.ReadFile(rel)
	if err != nil {
		return nil, pathError(err)
	}
	return string(data), nil
}

func (f *Files) Write(ctx context.Context, args map[string]any) (any, error) {
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content required")
	}
	if int64(len(content)) > f.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(content))
	}
	m, rel, err := f.resolve(args, MountReadWrite)
	if err != nil {
		return nil, err
	}
	if _, err := m.root.Stat(rel); errors.Is(err, fs.ErrNotExist) && m.mode < MountReadWriteCreate {
		return nil, fmt.Errorf("%w: cannot create files under %s", ErrPermission, m.prefix)
	}
	if err := m.root.WriteFile(rel, []byte(content), 0o644); err != nil {
		return nil, pathError(err)
	}
	return len(content), nil
}

func (f *Files) List(ctx context.Context, args map[string]any) (any, error) {
	m, rel, err := f.resolve(args, MountReadOnly)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(m.root.FS(), rel)
	if err != nil {
		return nil, pathError(err)
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{"name": e.Name(), "is_dir": e.IsDir()}
		if info, err := e.Info(); err == nil {
			item["size"] = info.Size()
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *Files) Stat(ctx context.Context, args map[string]any) (any, error) {
	m, rel, err := f.resolve(args, MountReadOnly)
	if err != nil {
		return nil, err
	}
	info, err := m.root.Stat(rel)
	if err != nil {
		return nil, pathError(err)
	}
	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}

// Exists reports false for paths outside every mount.
func (f *Files) Exists(ctx context.Context, args map[string]any) (any, error) {
	m, rel, err := f.resolve(args, MountReadOnly)
	if err != nil {
		return false, nil
	}
	_, err = m.root.Stat(rel)
	return err == nil, nil
}

func (f *Files) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	m, rel, err := f.resolve(args, MountReadWriteCreate)
	if err != nil {
		return nil, err
	}
	if err := m.root.MkdirAll(rel, 0o755); err != nil {
		return nil, pathError(err)
	}
	return true, nil
}

// Remove deletes a file or an empty directory.
func (f *Files) Remove(ctx context.Context, args map[string]any) (any, error) {
	m, rel, err := f.resolve(args, MountReadWrite)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, fmt.Errorf("%w: cannot remove mount root", ErrPermission)
	}
	if err := m.root.Remove(rel); err != nil {
		return nil, pathError(err)
	}
	return true, nil
}

// pathError drops the host directory from errors shown to scripts.
func pathError(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s %s: %w", pe.Op, pe.Path, pe.Err)
	}
	return err
}
