package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRequiresSecret(t *testing.T) {
	cfg := Default()

	var cfgErr *ConfigError
	require.ErrorAs(t, cfg.Validate(), &cfgErr)
	assert.Equal(t, "auth.jwt_secret", cfgErr.Field)

	cfg.Auth.JWTSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsDeadlineLongerThanInterval(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s3cret"
	cfg.Liveness.PongDeadline = cfg.Liveness.PingInterval

	var cfgErr *ConfigError
	require.ErrorAs(t, cfg.Validate(), &cfgErr)
	assert.Equal(t, "liveness.pong_deadline", cfgErr.Field)
}

func TestValidateMongoDrivers(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s3cret"
	cfg.Blob.Driver = BlobDriverGridFS
	assert.Error(t, cfg.Validate())

	cfg.Store.MongoURI = "mongodb://localhost:27017"
	assert.NoError(t, cfg.Validate())

	cfg.Store.Driver = "sqlite"
	assert.Error(t, cfg.Validate())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 5000
liveness:
  ping_interval: 2s
  pong_deadline: 500ms
auth:
  jwt_secret: from-file
blob:
  dir: /tmp/uploads
`), 0o600))

	t.Setenv("RELAY_SERVER_PORT", "6000")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("RELAY_REDIS_ADDR", "redis:6379")

	cfg, err := Load(LoadOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Liveness.PingInterval.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Liveness.PongDeadline.Std())
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "/tmp/uploads", cfg.Blob.Dir)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "localhost:6000", cfg.Addr())
}

func TestLoadJSONDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	"liveness": {"ping_interval": "3s", "pong_deadline": 250000000},
	"store": {"timeout": "1m30s"},
	"auth": {"jwt_secret": "from-json"}
}`), 0o600))

	cfg, err := Load(LoadOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Liveness.PingInterval.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Liveness.PongDeadline.Std())
	assert.Equal(t, 90*time.Second, cfg.Store.Timeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Std())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("liveness:\n  ping_interval: soon\n"), 0o600))

	_, err := Load(LoadOptions{Path: path})
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))

	_, err := Load(LoadOptions{Path: path})
	assert.ErrorContains(t, err, "unsupported config file format")
}
