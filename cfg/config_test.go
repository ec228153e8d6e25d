package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require.NoError(t, Load(""))
	assert.Equal(t, "sqlsh.db", Config.Database.URI)
	assert.Equal(t, "console", Config.Logging.Format)
	require.NoError(t, Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
uri = "sqlite3:/var/lib/app/data.db"

[logging]
verbose = true
format = "json"

[prometheus]
enabled = true
address = "127.0.0.1:9100"
`), 0o644))

	orig := *Config
	defer func() { *Config = orig }()

	require.NoError(t, Load(path))
	assert.Equal(t, "sqlite3:/var/lib/app/data.db", Config.Database.URI)
	assert.True(t, Config.Logging.Verbose)
	assert.Equal(t, "json", Config.Logging.Format)
	assert.True(t, Config.Prometheus.Enabled)
	require.NoError(t, Validate())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	orig := *Config
	defer func() { *Config = orig }()

	Config.Database.URI = ""
	require.Error(t, Validate())

	Config.Database.URI = "x.db"
	Config.Logging.Format = "yaml"
	require.Error(t, Validate())
}
