package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, "https://mybinder.org", c.BaseURL)
	require.Equal(t, "gh", c.Provider)
	require.Equal(t, "SamLau95/nbinteract-image/master", c.Spec)
	require.Equal(t, 5*time.Second, c.HeartbeatInterval())
	require.Equal(t, 500*time.Millisecond, c.Debounce())
	require.Equal(t, time.Second, c.RetryDelay())
	require.Equal(t, 3, c.MaxConnectionAttempts)
	require.NoError(t, c.Validate())
}

func TestNormalizeAndHubConfig(t *testing.T) {
	c := &Config{BaseURL: "https://binder.example/", Provider: "gl", Spec: "a/b/main", RootDir: "/tmp/x"}
	c.Normalize()
	require.Equal(t, 5, c.HeartbeatSeconds)
	require.Equal(t, 500, c.DebounceMS)

	hc := c.HubConfig()
	require.Equal(t, "https://binder.example", hc.BaseURL)
	require.Equal(t, "gl", hc.Provider)
	require.Equal(t, time.Second, hc.RetryDelay)
	require.Equal(t, filepath.Join("/tmp/x", "cache"), c.CacheDir())
}

func TestValidate(t *testing.T) {
	require.Error(t, (&Config{RootDir: "/x"}).Validate())
	require.NoError(t, (&Config{RootDir: "/x", Local: true}).Validate())
	require.NoError(t, (&Config{RootDir: "/x", NbURL: "http://nb"}).Validate())
	require.Error(t, (&Config{NbURL: "http://nb"}).Validate())
}

func TestReadJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nbinteract.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // BinderHub target
  "spec": "a/b/master", /* inline */
  "heartbeat_seconds": 9,
}`), 0o600))
	require.True(t, IsJSONC(path))
	require.False(t, IsJSONC("x.json"))

	data, err := ReadJSONC(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "a/b/master", got["spec"])
	require.EqualValues(t, 9, got["heartbeat_seconds"])

	_, err = ReadJSONC(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.Error(t, err)
}

func TestEnsureDirs(t *testing.T) {
	c := &Config{RootDir: t.TempDir()}
	require.NoError(t, c.EnsureDirs())
	info, err := os.Stat(c.CacheDir())
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
