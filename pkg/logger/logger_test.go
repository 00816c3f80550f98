package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.log")
	l, err := Init(LogConfig{Level: "info", FilePath: path, MaxSizeMB: 1})
	require.NoError(t, err)

	l.Info("hello")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestSetLevelIsShared(t *testing.T) {
	dir := t.TempDir()
	a, err := Init(LogConfig{Level: "info", FilePath: filepath.Join(dir, "a.log")})
	require.NoError(t, err)
	b, err := Init(LogConfig{FilePath: filepath.Join(dir, "b.log")})
	require.NoError(t, err)
	assert.False(t, a.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, "debug", Level())
	assert.True(t, a.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, b.Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, SetLevel("loud"))
	require.NoError(t, SetLevel("info"))
}

func TestInitRejectsBadLevel(t *testing.T) {
	_, err := Init(LogConfig{Level: "chatty"})
	assert.Error(t, err)
}
