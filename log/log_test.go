package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	assert.Equal(t, LevelTrace, lvl)

	lvl, err = ParseLevel("Warning")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestModuleFiltering(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	DisableModule(OutlineMonitoring)
	Debug(OutlineMonitoring, "hidden")
	assert.Empty(t, buf.String())

	EnableModules("outline_mod, dasm_mod")
	defer DisableModule(OutlineMonitoring)
	defer DisableModule(DasmMonitoring)
	Debug(OutlineMonitoring, "merged", "depth", 4)
	assert.Contains(t, buf.String(), "merged")
	assert.Contains(t, buf.String(), "module=outline_mod")
	assert.Contains(t, buf.String(), "depth=4")

	buf.Reset()
	Info(LiftMonitoring, "always")
	assert.Contains(t, buf.String(), "INFO")
}
