package log

import (
	"path/filepath"
	"testing"

	"SkillGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger(t *testing.T) {
	logger, err := NewZapLogger(&conf.Log{Level: "info", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("test entry")
	_ = logger.Sync()
}

func TestNewZapLoggerConsoleFormat(t *testing.T) {
	logger, err := NewZapLogger(&conf.Log{Level: "debug", Format: "console"})
	require.NoError(t, err)
	logger.Debug("console entry")
	_ = logger.Sync()
}

func TestNewZapLoggerInvalidLevel(t *testing.T) {
	_, err := NewZapLogger(&conf.Log{Level: "loud", Format: "json"})
	require.Error(t, err)
}

func TestNewZapLoggerNilConfig(t *testing.T) {
	_, err := NewZapLogger(nil)
	require.Error(t, err)
}

func TestNewZapLoggerFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skillguard.log")

	logger, err := NewZapLogger(&conf.Log{
		Level:  "info",
		Format: "json",
		File: &conf.LogFile{
			Path:       path,
			MaxSizeMB:  1,
			MaxBackups: 1,
			MaxAgeDays: 1,
		},
	})
	require.NoError(t, err)
	logger.Info("file entry")
	_ = logger.Sync()

	assert.FileExists(t, path)
}

func TestKratosAdapterLevels(t *testing.T) {
	logger, err := NewZapLogger(&conf.Log{Level: "debug", Format: "json"})
	require.NoError(t, err)

	adapter := NewKratosAdapter(logger)
	require.NoError(t, adapter.Log(log.LevelDebug, "msg", "debug entry"))
	require.NoError(t, adapter.Log(log.LevelInfo, "msg", "info entry", "count", 3))
	require.NoError(t, adapter.Log(log.LevelWarn, "msg", "warn entry"))
	require.NoError(t, adapter.Log(log.LevelError, "msg", "error entry"))
	require.NoError(t, adapter.Log(log.LevelInfo))
}

func TestLogHelperMethods(t *testing.T) {
	logger, err := NewZapLogger(&conf.Log{Level: "debug", Format: "json"})
	require.NoError(t, err)

	helper := NewLogHelper(NewKratosAdapter(logger))
	helper.Startup("listening", "addr", ":8080")
	helper.Request("GET", "/v1/status", 200, 3)
}
