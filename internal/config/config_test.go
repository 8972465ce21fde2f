package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knpwrs/dropboxdl/internal/config"
	"github.com/m-mizutani/gt"
)

func TestLogger_Configure(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{name: "debug", level: "debug"},
		{name: "DEBUG (case insensitive)", level: "DEBUG"},
		{name: "info", level: "info"},
		{name: "warn", level: "warn"},
		{name: "warning alias", level: "warning"},
		{name: "error", level: "ERROR"},
		{name: "invalid", level: "loud", wantErr: true},
		{name: "empty", level: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := &config.Logger{Level: tt.level}

			logger, err := cfg.Configure(&buf)
			if tt.wantErr {
				gt.Error(t, err)
				return
			}
			gt.NoError(t, err)
			gt.V(t, logger).NotNil()
		})
	}
}

func TestLogger_Configure_JSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Logger{Level: "info", JSON: true}

	logger, err := cfg.Configure(&buf)
	gt.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Downloading file", "name", "photos.zip")

	gt.String(t, buf.String()).Contains(`"msg":"Downloading file"`)
	gt.String(t, buf.String()).Contains(`"name":"photos.zip"`)
	gt.False(t, strings.Contains(buf.String(), "hidden"))
}

func TestLogger_Configure_Text(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Logger{Level: "warn"}

	logger, err := cfg.Configure(&buf)
	gt.NoError(t, err)

	logger.Info("quiet")
	logger.Warn("loud")

	gt.String(t, buf.String()).Contains("loud")
	gt.False(t, strings.Contains(buf.String(), "quiet"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dropboxdl.toml")
	content := `
dest = "/srv/backups"
unzip = true
retries = 3
timeout = "90s"
limit_rate = 2048
links = [
  "https://www.dropbox.com/sh/one?dl=0",
  "https://www.dropbox.com/sh/two?dl=0",
]
`
	gt.NoError(t, os.WriteFile(path, []byte(content), 0644))

	f, err := config.LoadFile(path)
	gt.NoError(t, err)

	gt.Equal(t, *f.Dest, "/srv/backups")
	gt.Equal(t, *f.Unzip, true)
	gt.Value(t, f.RetainZip).Nil()
	gt.Equal(t, *f.Retries, 3)
	gt.Equal(t, *f.LimitRate, int64(2048))
	gt.Equal(t, len(f.Links), 2)

	d, ok := f.TimeoutDuration()
	gt.True(t, ok)
	gt.Equal(t, d, 90*time.Second)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := config.LoadFile(filepath.Join(dir, "missing.toml"))
	gt.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	gt.NoError(t, os.WriteFile(bad, []byte("dest = ["), 0644))
	_, err = config.LoadFile(bad)
	gt.Error(t, err)

	badTimeout := filepath.Join(dir, "timeout.toml")
	gt.NoError(t, os.WriteFile(badTimeout, []byte(`timeout = "soon"`), 0644))
	_, err = config.LoadFile(badTimeout)
	gt.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()

	gt.NoError(t, config.LoadEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	gt.NoError(t, os.WriteFile(path, []byte("DROPBOXDL_DEST=/from/env\n"), 0644))

	t.Setenv(config.EnvDest, "")
	gt.NoError(t, os.Unsetenv(config.EnvDest))

	gt.NoError(t, config.LoadEnv(path))
	gt.Equal(t, config.Getenv(config.EnvDest, "."), "/from/env")
}

func TestGetenv(t *testing.T) {
	t.Setenv(config.EnvUserAgent, "custom/1.0")
	gt.Equal(t, config.Getenv(config.EnvUserAgent, "fallback"), "custom/1.0")

	t.Setenv(config.EnvUserAgent, "")
	gt.Equal(t, config.Getenv(config.EnvUserAgent, "fallback"), "fallback")
}
