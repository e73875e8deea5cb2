package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupText(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(&buf, "warn", "text")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	log.Info("hidden")
	log.WithField("device", "/dev/video2").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "device=/dev/video2")
}

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := Setup(&buf, "debug", "json")
	require.NoError(t, err)

	log.WithField("buffers", 4).Debug("allocated")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "allocated", entry["msg"])
	assert.EqualValues(t, 4, entry["buffers"])
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(nil, "loud", "text")
	assert.Error(t, err)
	_, err = Setup(nil, "info", "xml")
	assert.Error(t, err)
}
