package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("scheduler")
	logger.Info().Msg("started")

	taskLog := WithTask("task-1")
	taskLog.Debug().Msg("running")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"task_id":"task-1"`)
}

func TestLevelFiltersLowerEvents(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger := WithProject("p-1")
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	require.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
