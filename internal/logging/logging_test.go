package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latitude-dev/latitude-llm-sub007/internal/config"
)

func TestConfigure_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := configure(log.New(), config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.WithField("run", "run-1").Debug("run enqueued")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run enqueued", entry["msg"])
	assert.Equal(t, "run-1", entry["run"])
	assert.Equal(t, "debug", entry["level"])
}

func TestConfigure_TextFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := configure(log.New(), config.LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestConfigure_Invalid(t *testing.T) {
	_, err := configure(log.New(), config.LogConfig{Level: "loud", Format: "text"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = configure(log.New(), config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
