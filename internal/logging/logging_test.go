package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nameearly/sharpsplat/internal/config"
)

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, "INFO", parseLevel("bogus").String())
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warn").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
}

func TestNewReturnsNonNilLoggerForEveryFormat(t *testing.T) {
	assert.NotNil(t, New(config.LoggingConfig{Level: "debug", Format: "text"}))
	assert.NotNil(t, New(config.LoggingConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, New(config.LoggingConfig{Level: "info", Format: ""}))
}
