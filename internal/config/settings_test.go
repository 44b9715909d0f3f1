package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSettings_Defaults(t *testing.T) {
	s, err := ReadSettings(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "servers.yaml", s.ServersFile)
	assert.Equal(t, ".", s.OutputDir)
	assert.Equal(t, "info", s.LogLevel)
	assert.False(t, s.LogPretty)
	assert.Zero(t, s.HTTPTimeout)
	assert.True(t, s.InsecureSkipVerify)
	assert.Empty(t, s.RedisAddr)
	assert.Empty(t, s.PushgatewayURL)
}

func TestReadSettings_Environment(t *testing.T) {
	t.Setenv("ATP_OUTPUT_DIR", "/var/lib/atp")
	t.Setenv("ATP_REDIS_ADDR", "localhost:6379")
	t.Setenv("ATP_HTTP_TIMEOUT", "45s")
	t.Setenv("ATP_INSECURE_SKIP_VERIFY", "false")

	s, err := ReadSettings(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/atp", s.OutputDir)
	assert.Equal(t, "localhost:6379", s.RedisAddr)
	assert.Equal(t, 45*time.Second, s.HTTPTimeout)
	assert.False(t, s.InsecureSkipVerify)
}

func TestReadSettings_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atp-events.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output_dir: /data\nlog_level: debug\npushgateway_url: http://pgw:9091\n"), 0o600))

	s, err := ReadSettings(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "/data", s.OutputDir)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "http://pgw:9091", s.PushgatewayURL)
}

func TestReadSettings_FlagBeatsEnvironment(t *testing.T) {
	t.Setenv("ATP_OUTPUT_DIR", "/from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("output-dir", ".", "")
	require.NoError(t, flags.Parse([]string{"--output-dir", "/from-flag"}))

	v := NewViper()
	require.NoError(t, v.BindPFlag(KeyOutputDir, flags.Lookup("output-dir")))

	s, err := ReadSettings(v, "")
	require.NoError(t, err)
	assert.Equal(t, "/from-flag", s.OutputDir)
}

func TestReadSettings_Errors(t *testing.T) {
	t.Run("missing settings file", func(t *testing.T) {
		_, err := ReadSettings(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("negative timeout", func(t *testing.T) {
		t.Setenv("ATP_HTTP_TIMEOUT", "-1s")
		_, err := ReadSettings(NewViper(), "")
		assert.Error(t, err)
	})
}
