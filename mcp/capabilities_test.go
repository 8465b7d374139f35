package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiateProtocolVersion_KnownVersionEchoed(t *testing.T) {
	assert.Equal(t, "2024-11-05", NegotiateProtocolVersion("2024-11-05"))
}

func TestNegotiateProtocolVersion_UnknownFallsBackToLatest(t *testing.T) {
	assert.Equal(t, LatestProtocolVersion, NegotiateProtocolVersion("2099-01-01"))
}

func TestDefaultCapabilities_AdvertisesAllFour(t *testing.T) {
	c := DefaultCapabilities()
	assert.NotNil(t, c.Logging)
	assert.NotNil(t, c.Prompts)
	assert.NotNil(t, c.Resources)
	assert.NotNil(t, c.Tools)
}
