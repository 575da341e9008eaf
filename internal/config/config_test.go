package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("AUTH_SECRET", "secret")

		cfg, err := Load(false)
		require.NoError(t, err)
		require.Equal(t, "chatsync.db", cfg.DBFile)
		require.Equal(t, 24*time.Hour, cfg.TokenExpiry)
		require.Equal(t, time.Minute, cfg.SweepInterval)
		require.Equal(t, slog.LevelInfo, cfg.LogLevel)
		require.False(t, cfg.PushEnabled())
	})

	t.Run("MissingSecret", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("AUTH_SECRET", "")

		_, err := Load(false)
		require.Error(t, err)

		_, err = Load(true)
		require.NoError(t, err)
	})

	t.Run("DotEnv", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		env := "AUTH_SECRET=from-file\nSWEEP_INTERVAL=5s\nLOG_LEVEL=debug\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
		// godotenv never overrides variables that are already set.
		t.Setenv("LOG_LEVEL", "warn")
		unsetenv(t, "AUTH_SECRET")
		unsetenv(t, "SWEEP_INTERVAL")

		cfg, err := Load(false)
		require.NoError(t, err)
		require.Equal(t, "from-file", cfg.AuthSecret)
		require.Equal(t, 5*time.Second, cfg.SweepInterval)
		require.Equal(t, slog.LevelWarn, cfg.LogLevel)
	})

	t.Run("BadDuration", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("AUTH_SECRET", "secret")
		t.Setenv("SWEEP_INTERVAL", "often")

		_, err := Load(false)
		require.ErrorContains(t, err, "SWEEP_INTERVAL")
	})
}

// unsetenv removes key for the duration of the test.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			AuthSecret:    "secret",
			TokenExpiry:   time.Hour,
			SweepInterval: time.Minute,
			MaxUploadSize: 1024,
			LogFormat:     "json",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"Valid", func(c *Config) {}, false},
		{"LongSecret", func(c *Config) { c.AuthSecret = string(make([]byte, 65)) }, true},
		{"ZeroExpiry", func(c *Config) { c.TokenExpiry = 0 }, true},
		{"ZeroSweep", func(c *Config) { c.SweepInterval = 0 }, true},
		{"ZeroUpload", func(c *Config) { c.MaxUploadSize = 0 }, true},
		{"HalfVAPID", func(c *Config) { c.VAPIDPublicKey = "pub" }, true},
		{"FullVAPID", func(c *Config) { c.VAPIDPublicKey, c.VAPIDPrivateKey = "pub", "priv" }, false},
		{"BadFormat", func(c *Config) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate(false)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
