// Package release reads the deployed application shell manifest and watches
// it for new deploys.
package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/l0p7/linkshelf/internal/offline"
	"github.com/pelletier/go-toml/v2"
)

// DefaultPrecache is used when a manifest lists no precache paths.
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/pwa-192x192.svg",
	"/pwa-512x512.svg",
}

// Manifest describes one deploy of the application shell.
type Manifest struct {
	Version     string   `toml:"version"`
	Precache    []string `toml:"precache"`
	OfflinePath string   `toml:"offlinePath"`
}

// Parse decodes a TOML manifest and applies defaults.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("release: decode manifest: %w", err)
	}
	return m.normalized()
}

// Load reads and parses the manifest at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("release: manifest %s not found", path)
		}
		return Manifest{}, fmt.Errorf("release: read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w (%s)", err, path)
	}
	return m, nil
}

func (m Manifest) normalized() (Manifest, error) {
	m.Version = strings.TrimSpace(m.Version)
	if m.Version == "" {
		return Manifest{}, errors.New("release: manifest version required")
	}
	if len(m.Precache) == 0 {
		m.Precache = append([]string(nil), DefaultPrecache...)
	}
	for i, p := range m.Precache {
		if !strings.HasPrefix(p, "/") {
			return Manifest{}, fmt.Errorf("release: precache[%d] must be an absolute path: %q", i, p)
		}
	}
	if m.OfflinePath == "" {
		m.OfflinePath = "/"
	}
	return m, nil
}

// Release converts the manifest for the worker registration.
func (m Manifest) Release() offline.Release {
	return offline.Release{
		Version:     m.Version,
		Precache:    append([]string(nil), m.Precache...),
		OfflinePath: m.OfflinePath,
	}
}

// FileSource re-reads the manifest file on every update check.
type FileSource struct {
	path string
}

// NewFileSource returns a release source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the manifest location.
func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Current(ctx context.Context) (offline.Release, error) {
	if err := ctx.Err(); err != nil {
		return offline.Release{}, err
	}
	m, err := Load(s.path)
	if err != nil {
		return offline.Release{}, err
	}
	return m.Release(), nil
}

// StaticSource always reports the same release. It serves deployments that
// pin the version in configuration instead of a manifest file.
type StaticSource struct {
	manifest Manifest
}

// NewStaticSource validates m and wraps it.
func NewStaticSource(m Manifest) (*StaticSource, error) {
	normalized, err := m.normalized()
	if err != nil {
		return nil, err
	}
	return &StaticSource{manifest: normalized}, nil
}

func (s *StaticSource) Current(context.Context) (offline.Release, error) {
	return s.manifest.Release(), nil
}
