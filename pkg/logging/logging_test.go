package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qnetd.log")

	logger, closeFn, err := New(Config{Name: "qnetd", Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("client connected", "node_id", 7)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"node_id":7`)
	assert.Contains(t, string(data), `"@module":"qnetd"`)
}

func TestNewInvalid(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
