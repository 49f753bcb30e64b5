package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ardutrial/internal/sitl"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c, err := fromLookup(env(nil))
	require.NoError(t, err)

	assert.Equal(t, "/opt/ardupilot/build/sitl/bin", c.SITLBinDir)
	assert.Equal(t, "127.0.0.1", c.SITLHost)
	assert.Equal(t, 5760, c.SITLMasterPort)
	assert.Equal(t, sitl.RelayMAVProxy, c.RelayKind)
	assert.Equal(t, "mavproxy.py", c.RelayBinary)
	assert.Equal(t, 13000, c.PortMin)
	assert.Equal(t, 13500, c.PortMax)
	assert.Equal(t, 5*time.Second, c.SITLSettle)
	assert.Equal(t, 2*time.Second, c.RelayGrace)
	assert.Equal(t, 500*time.Millisecond, c.SITLCloseGrace)
	assert.Equal(t, 500*time.Millisecond, c.SettleAfter)
	assert.Equal(t, 90*time.Second, c.SetupTimeout)
	assert.Equal(t, 3.0, c.HomeThreshold)
	assert.Equal(t, 10*time.Second, c.IsolationSlack)
	assert.Equal(t, 15*time.Second, c.HeartbeatTimeout)
	assert.False(t, c.Tracing.Enabled)
	assert.Zero(t, c.SITLInstance)
}

func TestFromLookupOverrides(t *testing.T) {
	c, err := fromLookup(env(map[string]string{
		"ARDUTRIAL_SITL_BIN_DIR":         "/sitl/bin",
		"ARDUTRIAL_SITL_WRAPPER":         "docker exec -i sitl",
		"ARDUTRIAL_SITL_SETTLE":          "2.5",
		"ARDUTRIAL_SITL_INSTANCE":        "4",
		"ARDUTRIAL_RELAY_KIND":           "MAVP2P",
		"ARDUTRIAL_PORT_MIN":             "14000",
		"ARDUTRIAL_PORT_MAX":             "14010",
		"ARDUTRIAL_SETUP_TIMEOUT":        "2m",
		"ARDUTRIAL_HOME_THRESHOLD":       "5",
		"ARDUTRIAL_METRICS_ADDR":         ":9100",
		"ARDUTRIAL_TRACING_ENABLED":      "true",
		"ARDUTRIAL_TRACING_EXPORTER":     "OTLP",
		"ARDUTRIAL_OTLP_ENDPOINT":        "collector:4317",
		"ARDUTRIAL_TRACING_SAMPLE_RATIO": "0.25",
		"ARDUTRIAL_LOG_LEVEL":            "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/sitl/bin", c.SITLBinDir)
	assert.Equal(t, []string{"docker", "exec", "-i", "sitl"}, c.SITLWrapper)
	assert.Equal(t, 2500*time.Millisecond, c.SITLSettle)
	assert.Equal(t, 4, c.SITLInstance)
	assert.Equal(t, sitl.RelayMAVP2P, c.RelayKind)
	assert.Equal(t, "mavp2p", c.RelayBinary)
	assert.Equal(t, 14000, c.PortMin)
	assert.Equal(t, 14010, c.PortMax)
	assert.Equal(t, 2*time.Minute, c.SetupTimeout)
	assert.Equal(t, 5.0, c.HomeThreshold)
	assert.Equal(t, ":9100", c.MetricsAddr)
	assert.True(t, c.Tracing.Enabled)
	assert.Equal(t, "otlp", c.Tracing.Exporter)
	assert.Equal(t, "collector:4317", c.Tracing.Endpoint)
	assert.Equal(t, 0.25, c.Tracing.SampleRatio)
	assert.Equal(t, "info", c.LogLevel, "blank values keep the default")

	sc := c.SITL()
	assert.Equal(t, "/sitl/bin", sc.BinDir)
	assert.Equal(t, sitl.RelayMAVP2P, sc.Relay.Kind)
	assert.Equal(t, []string{"docker", "exec", "-i", "sitl"}, sc.Wrapper)
}

func TestFromLookupRejects(t *testing.T) {
	testCases := map[string]map[string]string{
		"bad port":       {"ARDUTRIAL_PORT_MIN": "lots"},
		"tiny range":     {"ARDUTRIAL_PORT_MIN": "13000", "ARDUTRIAL_PORT_MAX": "13002"},
		"bad duration":   {"ARDUTRIAL_SETUP_TIMEOUT": "soon"},
		"bad relay":      {"ARDUTRIAL_RELAY_KIND": "socat"},
		"bad ratio":      {"ARDUTRIAL_TRACING_SAMPLE_RATIO": "2"},
		"bad threshold":  {"ARDUTRIAL_HOME_THRESHOLD": "-1"},
		"bad instance":   {"ARDUTRIAL_SITL_INSTANCE": "-2"},
		"unparsable flt": {"ARDUTRIAL_HOME_THRESHOLD": "near"},
	}
	for name, vars := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := fromLookup(env(vars))
			require.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("ARDUTRIAL_TEST_DOTENV=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("ARDUTRIAL_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("ARDUTRIAL_TEST_DOTENV"))
}
