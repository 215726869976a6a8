package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, ok := parseLevel(" WARNING ")
	require.True(t, ok)
	require.Equal(t, zerolog.WarnLevel, lvl)

	lvl, ok = parseLevel("off")
	require.True(t, ok)
	require.Equal(t, zerolog.Disabled, lvl)

	_, ok = parseLevel("")
	require.False(t, ok)
	_, ok = parseLevel("loud")
	require.False(t, ok)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogNoColor, "nope")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	require.Equal(t, zerolog.ErrorLevel, cfg.Level)
	require.True(t, cfg.JSON)
	require.False(t, cfg.NoColor)
	require.False(t, cfg.Timestamp)
}
