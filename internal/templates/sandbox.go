package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines template reads to one directory. Lookups go through an
// os.Root, so ".." segments and symlinks cannot leave the directory.
type Sandbox struct {
	root *os.Root
	dir  string
}

// NewSandbox opens root, which must be an existing directory.
func NewSandbox(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	dir, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	if dir, err = filepath.EvalSymlinks(dir); err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", dir)
	}
	opened, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: open root: %w", err)
	}
	return &Sandbox{root: opened, dir: dir}, nil
}

// Root returns the real path of the sandbox directory.
func (s *Sandbox) Root() string { return s.dir }

// Close releases the directory handle.
func (s *Sandbox) Close() error {
	if s == nil {
		return nil
	}
	return s.root.Close()
}

// ReadFile reads path from inside the sandbox. Absolute paths are accepted
// when they point into the root.
func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("templates: sandbox is nil")
	}
	rel, err := s.relative(path)
	if err != nil {
		return nil, err
	}
	data, err := s.root.ReadFile(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("templates: read %q: %w", path, err)
		}
		return nil, fmt.Errorf("templates: path %q escapes sandbox or is unreadable: %w", path, err)
	}
	return data, nil
}

func (s *Sandbox) relative(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(s.dir, cleaned)
		if err != nil {
			return "", fmt.Errorf("templates: path %q escapes sandbox", path)
		}
		cleaned = rel
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	return cleaned, nil
}
