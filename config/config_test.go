package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qnet/pkg/tlv"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig(viper.New(), writeFile(t, "qnetd.yaml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":5403", cfg.Addr())
	assert.Equal(t, time.Second, cfg.Heartbeat.Min)
	assert.Equal(t, 120*time.Second, cfg.Heartbeat.Max)
	assert.Equal(t, "off", cfg.TLS.Mode)
	assert.Equal(t, "127.0.0.1:5404", cfg.Admin.Address)
	assert.Equal(t, "info", cfg.Logging.Level)

	arb, err := cfg.Arbitrator()
	require.NoError(t, err)
	assert.Equal(t, tlv.TLSOff, arb.TLSMode)
	assert.Nil(t, arb.TLSConfig)
	assert.Equal(t, uint32(tlv.DefaultMaxFrameSize), arb.MaxRequestSize)
	assert.Equal(t, 10*time.Second, arb.InitTimeout)
}

func TestFileAndEnv(t *testing.T) {
	path := writeFile(t, "qnetd.yaml", `
server:
  host: 127.0.0.1
  port: 6000
  max_connections: 50
  allowed_clusters: [alpha, beta]
heartbeat:
  min: 2s
  max: 1m
logging:
  level: debug
`)

	t.Setenv("QNETD_SERVER_PORT", "6001")

	cfg, err := LoadConfig(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6001", cfg.Addr())
	assert.Equal(t, 50, cfg.Server.MaxConnections)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Server.AllowedClusters)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Min)
	assert.Equal(t, time.Minute, cfg.Heartbeat.Max)
	assert.Equal(t, "debug", cfg.LogConfig("qnetd").Level)
	assert.Equal(t, "qnetd", cfg.LogConfig("qnetd").Name)
}

func TestOverridesWin(t *testing.T) {
	v := viper.New()
	v.Set("server.port", 7000)

	cfg, err := LoadConfig(v, writeFile(t, "qnetd.yaml", "server:\n  port: 6000\n"))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"port":      "server:\n  port: 70000\n",
		"heartbeat": "heartbeat:\n  min: 10s\n  max: 1s\n",
		"tls mode":  "tls:\n  mode: sometimes\n",
		"tls files": "tls:\n  mode: required\n",
		"admin":     "admin:\n  address: nowhere\n",
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(viper.New(), writeFile(t, "qnetd.yaml", data))
			assert.Error(t, err)
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestArbitratorLoadsCertificate(t *testing.T) {
	cfg, err := LoadConfig(viper.New(), writeFile(t, "qnetd.yaml", `
tls:
  mode: "on"
  cert_file: /nonexistent/cert.pem
  key_file: /nonexistent/key.pem
`))
	require.NoError(t, err)

	_, err = cfg.Arbitrator()
	assert.ErrorContains(t, err, "certificate")
}
