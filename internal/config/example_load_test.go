package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfigs(t *testing.T) {
	// Get the project root (config package is at internal/config)
	wd, err := os.Getwd()
	require.NoError(t, err)
	projectRoot := filepath.Join(wd, "..", "..")

	examples := []struct {
		name     string
		path     string
		validate func(t *testing.T, cfg Config)
	}{
		{
			name: "sqlite-with-release-file",
			path: "examples/configs/linkshelf.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "sqlite", cfg.Storage.Backend)
				require.Equal(t, "./examples/configs/release.toml", cfg.Worker.ReleaseFile)
				require.Len(t, cfg.Worker.Classifier, 2)
				require.Equal(t, "cache-first", cfg.Worker.Classifier[0].Strategy)
			},
		},
		{
			name: "redis-backed",
			path: "examples/configs/redis.toml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "redis", cfg.Storage.Backend)
				require.Equal(t, "redis", cfg.Worker.CacheBackend)
				require.Equal(t, "v2", cfg.Worker.Version)
			},
		},
	}

	for _, ex := range examples {
		ex := ex
		t.Run(ex.name, func(t *testing.T) {
			cfg, err := NewLoader("", filepath.Join(projectRoot, ex.path)).Load(context.Background())
			require.NoError(t, err)
			ex.validate(t, cfg)
		})
	}
}
