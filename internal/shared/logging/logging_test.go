package logging

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"

	"github.com/autonome-sdmis/platform/internal/shared/config"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	log.WithField("alerte_id", "a1").Debug("status changed")

	assert.Contains(t, buf.String(), `"alerte_id":"a1"`)
	assert.Contains(t, buf.String(), `"status changed"`)
}

func TestSetupLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetupUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(config.LogConfig{Level: "verbose", Format: "text"}, &buf)

	log.Debug("hidden")
	assert.Empty(t, buf.String())
}
