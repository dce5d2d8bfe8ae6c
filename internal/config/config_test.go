package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rfbcast.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
viewer_token = "abc"
upstream_token = "xyz"
upstream_host = "127.0.0.1"
upstream_port = 11100
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":5900", c.Listen)
	require.Equal(t, 1024, c.FramebufferWidth)
	require.Equal(t, 768, c.FramebufferHeight)
	require.Equal(t, 100*time.Millisecond, c.UpdateInterval())
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
listen = ":5901"
viewer_token = "abc"
upstream_token = "xyz"
upstream_host = "127.0.0.1"
upstream_port = 11100
framebuffer_width = 640
framebuffer_height = 480
update_interval_ms = 250
metrics_listen = ":9100"
max_rects = 50
quality_hint = 7
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":5901", c.Listen)
	require.Equal(t, 640, c.FramebufferWidth)
	require.Equal(t, 480, c.FramebufferHeight)
	require.Equal(t, 250*time.Millisecond, c.UpdateInterval())
	require.Equal(t, ":9100", c.MetricsListen)
	require.Equal(t, 50, c.MaxRects)
	require.Equal(t, 7, c.QualityHint)
}

func TestLoadRejectsMissingViewerToken(t *testing.T) {
	path := writeConfig(t, `
upstream_token = "xyz"
upstream_host = "127.0.0.1"
upstream_port = 11100
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}
