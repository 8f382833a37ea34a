package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogrusLogger(t *testing.T) {
	logger, err := NewLogrusLogger(&LogConfig{Level: "debug", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	_, err = NewLogrusLogger(&LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = NewLogrusLogger(&LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)

	logger, err = NewLogrusLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestNewLogrusLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "drainscan.log")
	logger, err := NewLogrusLogger(&LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	logger.Info("hello")
	assert.FileExists(t, path)
}

func TestAnalysisLogger_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewStructuredLoggerWithWriter(&LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	NewAnalysisLogger(base, "run-1", "Addr1").Info("分析完成", "risk", "SAFE")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "analysis", record["component"])
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, "Addr1", record["address"])
	assert.Equal(t, "SAFE", record["risk"])
	assert.Equal(t, "分析完成", record["msg"])
}

func TestStructuredLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewStructuredLoggerWithWriter(&LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	base.Info("dropped")
	assert.Empty(t, buf.String())

	base.WarnWithFields("kept", map[string]any{"detector": "sweeper_bot"})
	assert.Contains(t, buf.String(), "kept")
	assert.Contains(t, buf.String(), "detector=sweeper_bot")
}

func TestStructuredLogger_InvalidConfig(t *testing.T) {
	_, err := NewStructuredLoggerWithWriter(&LogConfig{Level: "nope", Format: "json"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = NewStructuredLoggerWithWriter(&LogConfig{Level: "info", Format: "csv"}, &bytes.Buffer{})
	assert.Error(t, err)
}
