package config

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	assert.Equal(t, 8080, cfg.ProxyPort)
	assert.Equal(t, 8081, cfg.ManagementPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ca-cert.pem", cfg.CACertFile)
	assert.Equal(t, "ca-key.pem", cfg.CAKeyFile)
	assert.Equal(t, "127.0.0.1", cfg.BindAddress)
	assert.NotEmpty(t, cfg.CACommonName)
	assert.NotEmpty(t, cfg.CAOrganization)
	assert.NotEmpty(t, cfg.CACountry)
}

func TestLoadEnv_ProxyPort(t *testing.T) {
	t.Setenv("PROXY_PORT", "9090")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, 9090, cfg.ProxyPort)
}

func TestLoadEnv_ManagementPort(t *testing.T) {
	t.Setenv("MANAGEMENT_PORT", "9091")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, 9091, cfg.ManagementPort)
}

func TestLoadEnv_LogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnv_CACertFile(t *testing.T) {
	t.Setenv("CA_CERT_FILE", "/etc/ssl/my-ca.crt")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, "/etc/ssl/my-ca.crt", cfg.CACertFile)
}

func TestLoadEnv_CAKeyFile(t *testing.T) {
	t.Setenv("CA_KEY_FILE", "/etc/ssl/my-ca.key")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, "/etc/ssl/my-ca.key", cfg.CAKeyFile)
}

func TestLoadEnv_BindAddress(t *testing.T) {
	t.Setenv("BIND_ADDRESS", "0.0.0.0")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
}

func TestLoadEnv_ManagementToken(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "secret-token")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, "secret-token", cfg.ManagementToken)
}

func TestLoadEnv_CASubjectFields(t *testing.T) {
	t.Setenv("CA_COMMON_NAME", "Custom Root")
	t.Setenv("CA_ORGANIZATION", "Custom Org")
	t.Setenv("CA_COUNTRY", "FR")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, "Custom Root", cfg.CACommonName)
	assert.Equal(t, "Custom Org", cfg.CAOrganization)
	assert.Equal(t, "FR", cfg.CACountry)
}

func TestLoadEnv_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("PROXY_PORT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	assert.Equal(t, 8080, cfg.ProxyPort)
}

func TestLoadFile_ValidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	require.NoError(t, err)

	data, err := json.Marshal(map[string]any{
		"proxyPort": 9999,
		"logLevel":  "debug",
	})
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg := defaults()
	loadFile(cfg, f.Name())

	assert.Equal(t, 9999, cfg.ProxyPort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	assert.Equal(t, 8080, cfg.ProxyPort)
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-bad-*.json")
	require.NoError(t, err)
	_, err = f.WriteString("{this is not json}")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg := defaults()
	loadFile(cfg, f.Name())
	assert.Equal(t, 8080, cfg.ProxyPort)
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	require.NotNil(t, cfg)
	assert.Positive(t, cfg.ProxyPort)
}
