package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "turnpipe", c.ServiceName)
	assert.Equal(t, 2000*time.Millisecond, c.Pipeline.TurnDeadline)
	assert.Equal(t, 8, c.Pipeline.MaxHistoryTurns)
	assert.Equal(t, 3, c.Pipeline.MaxPlannedActions)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("TURNPIPE_CANARY_PERCENT", "25")
	t.Setenv("TURNPIPE_HTTP_PORT", "9090")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, c.Pipeline.CanaryPercent)
	assert.Equal(t, 9090, c.HTTP.Port)
}

func TestLoad_OptionsOverrideEnv(t *testing.T) {
	t.Setenv("TURNPIPE_CANARY_PERCENT", "25")

	c, err := Load(WithCanary(true, 50))
	require.NoError(t, err)
	assert.True(t, c.Pipeline.StagedEnabled)
	assert.Equal(t, 50, c.Pipeline.CanaryPercent)
}

func TestValidate_RejectsOutOfRangeCanaryPercent(t *testing.T) {
	_, err := Load(WithCanary(true, 150))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canary_percent")
}

func TestValidate_RejectsNonPositiveTurnDeadline(t *testing.T) {
	_, err := Load(WithTurnDeadline(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn_deadline")
}

func TestValidate_StagedRequiresModelProvider(t *testing.T) {
	c := Default()
	c.Pipeline.StagedEnabled = true
	c.Model.Provider = ""
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.provider")
}

func TestValidate_CircuitThresholdMustFitWindow(t *testing.T) {
	c := Default()
	c.Broker.CircuitFailureThreshold = 50
	c.Broker.CircuitWindow = 20
	err := c.Validate()
	require.Error(t, err)
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool("true"))
	assert.False(t, parseBool("false"))
	assert.False(t, parseBool("not-a-bool"))
}

func TestMain_NoLeakedEnv(t *testing.T) {
	// Sanity check that unrelated env vars don't leak into defaults.
	os.Unsetenv("TURNPIPE_LOG_LEVEL")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", c.Logging.Level)
}
