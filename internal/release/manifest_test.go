package release

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		want    Manifest
	}{
		{
			name:  "full manifest",
			input: "version = \"v3\"\nofflinePath = \"/offline\"\nprecache = [\"/\", \"/app.js\"]\n",
			want:  Manifest{Version: "v3", Precache: []string{"/", "/app.js"}, OfflinePath: "/offline"},
		},
		{
			name:  "defaults",
			input: "version = \" v4 \"\n",
			want:  Manifest{Version: "v4", Precache: DefaultPrecache, OfflinePath: "/"},
		},
		{
			name:    "missing version",
			input:   "precache = [\"/\"]\n",
			wantErr: "version required",
		},
		{
			name:    "relative precache path",
			input:   "version = \"v1\"\nprecache = [\"index.html\"]\n",
			wantErr: "absolute path",
		},
		{
			name:    "malformed toml",
			input:   "version = ",
			wantErr: "decode manifest",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.input))
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFileSourceReadsLatestManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = \"v1\"\n"), 0o600))
	source := NewFileSource(path)

	rel, err := source.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v1", rel.Version)
	require.Equal(t, DefaultPrecache, rel.Precache)

	require.NoError(t, os.WriteFile(path, []byte("version = \"v2\"\n"), 0o600))
	rel, err = source.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v2", rel.Version)
}

func TestFileSourceMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "missing.toml")).Current(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestLoadExampleManifest(t *testing.T) {
	m, err := Load(filepath.Join("..", "..", "examples", "configs", "release.toml"))
	require.NoError(t, err)
	require.Equal(t, "v1", m.Version)
	require.Len(t, m.Precache, 5)
}

func TestStaticSource(t *testing.T) {
	_, err := NewStaticSource(Manifest{})
	require.Error(t, err)

	source, err := NewStaticSource(Manifest{Version: "v9"})
	require.NoError(t, err)
	rel, err := source.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v9", rel.Version)
	require.Equal(t, "/", rel.OfflinePath)

	rel.Precache[0] = "/mutated"
	again, err := source.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/", again.Precache[0])
}
