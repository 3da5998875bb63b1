package hwq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrift/hwq/test"
)

func TestStartStatsDisabled(t *testing.T) {
	l := test.NewLogger()

	// no stats block at all
	require.NoError(t, StartStats(l, testConfig(t, ""), "test"))

	// explicitly disabled
	require.NoError(t, StartStats(l, testConfig(t, "stats:\n  type: none\n"), "test"))
}

func TestStartStatsInvalidInterval(t *testing.T) {
	l := test.NewLogger()

	err := StartStats(l, testConfig(t, "stats:\n  type: graphite\n"), "test")
	assert.ErrorContains(t, err, "stats.interval was an invalid duration")

	err = StartStats(l, testConfig(t, "stats:\n  type: graphite\n  interval: junk\n"), "test")
	assert.ErrorContains(t, err, "stats.interval was an invalid duration")
}

func TestStartStatsUnknownType(t *testing.T) {
	err := StartStats(test.NewLogger(), testConfig(t, "stats:\n  type: telegraf\n  interval: 1s\n"), "test")
	assert.ErrorContains(t, err, "stats.type was not understood")
}

func TestStartStatsGraphiteNeedsHost(t *testing.T) {
	err := StartStats(test.NewLogger(), testConfig(t, "stats:\n  type: graphite\n  interval: 1s\n"), "test")
	assert.ErrorContains(t, err, "stats.host can not be empty")
}

func TestStartStatsPrometheusNeedsListenAndPath(t *testing.T) {
	l := test.NewLogger()

	err := StartStats(l, testConfig(t, "stats:\n  type: prometheus\n  interval: 1s\n"), "test")
	assert.ErrorContains(t, err, "stats.listen should not be empty")

	err = StartStats(l, testConfig(t, "stats:\n  type: prometheus\n  interval: 1s\n  listen: 127.0.0.1:0\n"), "test")
	assert.ErrorContains(t, err, "stats.path should not be empty")
}
