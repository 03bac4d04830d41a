package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitsByLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := NewWithWriters("info", "json", &stdout, &stderr)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("epoch complete")
	logger.Error("checkpoint failed")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, stdout.String(), "hidden")
	assert.Contains(t, stdout.String(), "epoch complete")
	assert.NotContains(t, stdout.String(), "checkpoint failed")
	assert.Contains(t, stderr.String(), "checkpoint failed")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &record))
	assert.Equal(t, "info", record["level"])
	assert.Contains(t, record, "caller")
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T`, record["ts"])
}

func TestErrorLevelSilencesStdout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := NewWithWriters("error", "console", &stdout, &stderr)
	require.NoError(t, err)

	logger.Warn("ignored")
	logger.Error("kept")
	require.NoError(t, logger.Sync())

	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "ERROR")
}

func TestInvalidSettings(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}
