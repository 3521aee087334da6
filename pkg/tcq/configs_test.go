package tcq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeasoningJSON = `{
	"ApplicationName": "probe",
	"ContactPoints": ["10.0.0.1", "10.0.0.2:9142"],
	"Consistency": "LOCAL_QUORUM",
	"RequestTimeout": 2500,
	"PoolConfig": {
		"LocalConnections": 3,
		"RemoteConnections": 1
	},
	"LoadBalancingConfig": {
		"Type": "dcaware",
		"LocalDC": "dc1",
		"UsedHostsPerRemoteDC": 2,
		"TokenAware": true,
		"KeyspaceReplication": {"ks": 5}
	},
	"MetricsConfig": {
		"Enabled": true,
		"OverflowPolicy": "block"
	}
}`

const testBaseYAML = `
ApplicationName: probe
ContactPoints:
  - 10.0.0.1
Consistency: ONE
PoolConfig:
  LocalConnections: 2
  RemoteConnections: 1
LoadBalancingConfig:
  Type: roundrobin
`

const testOverrideYAML = `
Consistency: QUORUM
PoolConfig:
  LocalConnections: 4
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConvertJSONFileToConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "seasoning.json", testSeasoningJSON)

	assert.FileExists(t, path)

	config, err := ConvertJSONFileToConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "probe", config.ApplicationName)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2:9142"}, config.ContactPoints)
	assert.Equal(t, 3, config.PoolConfig.LocalConnections)
	assert.Equal(t, 5, config.LoadBalancingConfig.KeyspaceReplication["ks"])

	require.NoError(t, config.Validate())
	assert.Equal(t, 9042, config.Port)
	assert.Equal(t, uint32(2500), config.RequestTimeout)
	assert.Equal(t, uint32(5000), config.ConnectTimeout)
	assert.Equal(t, 32768, config.PoolConfig.MaxRequestsPerConnection)
	assert.Equal(t, "block", config.MetricsConfig.OverflowPolicy)
	assert.NotNil(t, config.RetryConfig)
}

func TestConvertJSONFileToConfigErrors(t *testing.T) {
	_, err := ConvertJSONFileToConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.json", "{not json")
	_, err = ConvertJSONFileToConfig(path)
	assert.Error(t, err)
}

func TestConvertYAMLFilesToConfigMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", testBaseYAML)
	override := writeFile(t, dir, "override.yaml", testOverrideYAML)

	config, err := ConvertYAMLFilesToConfig(base, filepath.Join(dir, "absent.yaml"), override)
	require.NoError(t, err)

	assert.Equal(t, "probe", config.ApplicationName)
	assert.Equal(t, "QUORUM", config.Consistency)
	assert.Equal(t, 4, config.PoolConfig.LocalConnections)
	assert.Equal(t, 1, config.PoolConfig.RemoteConnections)
	assert.Equal(t, RoundRobinPolicyType, config.LoadBalancingConfig.Type)

	_, err = ConvertYAMLFilesToConfig(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	var nilSeasoning *ClusterSeasoning
	assert.Error(t, nilSeasoning.Validate())

	cs := DefaultSeasoning()
	assert.Error(t, cs.Validate(), "contact points are required")

	cs = DefaultSeasoning()
	cs.ContactPoints = []string{"127.0.0.1"}
	require.NoError(t, cs.Validate())

	cs.Consistency = "MOSTLY"
	assert.Error(t, cs.Validate())

	cs = DefaultSeasoning()
	cs.ContactPoints = []string{"127.0.0.1"}
	cs.PoolConfig.MaxRequestsPerConnection = 40000
	assert.Error(t, cs.Validate())

	cs = DefaultSeasoning()
	cs.ContactPoints = []string{"127.0.0.1"}
	cs.ReconnectionConfig.MaxDelay = 10
	assert.Error(t, cs.Validate())
}

func TestNormalizeAddr(t *testing.T) {
	addr, err := NormalizeAddr("10.0.0.1", 9042)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9042", addr)

	addr, err = NormalizeAddr("10.0.0.1:19042", 9042)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:19042", addr)

	addr, err = NormalizeAddr("::1", 9042)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:9042", addr)

	_, err = NormalizeAddr("", 9042)
	assert.Error(t, err)
}
