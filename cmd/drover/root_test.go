package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagOverridesOnlyChangedFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--port", "9000",
		"--headless=false",
		"--allowed-origins", "https://a.test,https://b.test",
		"--image-responses", "omit",
	}))

	ov := flagOverrides(cmd)
	assert.Equal(t, 9000, ov["port"])
	assert.Equal(t, false, ov["browser.headless"])
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, ov["browser.allowed_origins"])
	assert.Equal(t, "omit", ov["image_responses"])

	// Untouched flags must not mask file or env values.
	assert.NotContains(t, ov, "host")
	assert.NotContains(t, ov, "browser.no_sandbox")
	assert.NotContains(t, ov, "metrics.enabled")
}

func TestFlagOverridesEmptyWhenNothingSet(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(nil))
	assert.Empty(t, flagOverrides(cmd))
}
