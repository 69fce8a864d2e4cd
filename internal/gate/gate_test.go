package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/l0p7/linkshelf/internal/kv"
	"github.com/l0p7/linkshelf/internal/persist"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T) (*Gate, *persist.Store, kv.Backend) {
	t.Helper()
	backend := kv.NewMemory()
	store := persist.NewStore(backend, persist.Options{Debounce: 5 * time.Millisecond})
	return New(context.Background(), store, nil), store, backend
}

func storedValue(t *testing.T, store *persist.Store, backend kv.Backend) string {
	t.Helper()
	store.Flush(context.Background())
	raw, ok, err := backend.Get(context.Background(), Key)
	require.NoError(t, err)
	if !ok {
		return ""
	}
	var value string
	require.NoError(t, json.Unmarshal(raw, &value))
	return value
}

func TestSetValidates(t *testing.T) {
	tests := []struct {
		name    string
		pass    string
		confirm string
		wantErr error
	}{
		{name: "too short", pass: "abc", confirm: "abc", wantErr: ErrTooShort},
		{name: "multibyte counted as characters", pass: "密码密码", confirm: "密码密码"},
		{name: "mismatch", pass: "abcd", confirm: "abce", wantErr: ErrMismatch},
		{name: "ok", pass: "abcd", confirm: "abcd"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g, _, _ := newGate(t)
			err := g.Set(tc.pass, tc.confirm)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				require.False(t, g.IsSet())
				return
			}
			require.NoError(t, err)
			require.True(t, g.IsSet())
		})
	}
}

func TestStoredFormat(t *testing.T) {
	g, store, backend := newGate(t)
	require.NoError(t, g.Set("hunter22", "hunter22"))

	stored := storedValue(t, store, backend)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}:[0-9a-f]{64}$`), stored)

	salt, hash, _ := strings.Cut(stored, ":")
	sum := sha256.Sum256([]byte("hunter22" + salt))
	require.Equal(t, hex.EncodeToString(sum[:]), hash)

	require.NoError(t, g.Set("hunter22", "hunter22"))
	require.NotEqual(t, stored, storedValue(t, store, backend), "salt must be fresh")
}

func TestVerify(t *testing.T) {
	g, _, _ := newGate(t)
	require.NoError(t, g.Verify("anything"), "no passphrase means unlocked")

	require.NoError(t, g.Set("open sesame", "open sesame"))
	require.NoError(t, g.Verify("open sesame"))
	require.ErrorIs(t, g.Verify("open sesam"), ErrWrongPassphrase)
	require.ErrorIs(t, g.Verify(""), ErrWrongPassphrase)
}

func TestVerifyMalformedStoredValue(t *testing.T) {
	for _, stored := range []string{":abc", "abc:", ":"} {
		backend := kv.NewMemory()
		raw, _ := json.Marshal(stored)
		require.NoError(t, backend.Set(context.Background(), Key, raw))
		store := persist.NewStore(backend, persist.Options{Debounce: time.Millisecond})
		g := New(context.Background(), store, nil)
		require.ErrorIs(t, g.Verify(""), ErrWrongPassphrase, stored)
	}
}

func TestVerifyUpgradesLegacyPlaintext(t *testing.T) {
	backend := kv.NewMemory()
	require.NoError(t, backend.Set(context.Background(), Key, []byte(`"letmein"`)))
	store := persist.NewStore(backend, persist.Options{Debounce: time.Millisecond})
	g := New(context.Background(), store, nil)

	require.ErrorIs(t, g.Verify("nope"), ErrWrongPassphrase)
	require.Equal(t, "letmein", storedValue(t, store, backend))

	require.NoError(t, g.Verify("letmein"))
	upgraded := storedValue(t, store, backend)
	require.Contains(t, upgraded, ":")
	require.NoError(t, g.Verify("letmein"))
}

func TestClear(t *testing.T) {
	g, store, backend := newGate(t)
	require.NoError(t, g.Set("abcd", "abcd"))
	store.Flush(context.Background())

	g.Clear()
	require.False(t, g.IsSet())
	_, ok, err := backend.Get(context.Background(), Key)
	require.NoError(t, err)
	require.False(t, ok)
}
