package tcq

import (
	"errors"
	"fmt"
	"time"
)

// Policy type names accepted in configuration.
const (
	RoundRobinPolicyType = "roundrobin"
	DCAwarePolicyType    = "dcaware"
	HostPoolPolicyType   = "hostpool"

	DefaultRetryPolicyType     = "default"
	FallthroughRetryPolicyType = "fallthrough"
	DowngradingRetryPolicyType = "downgrading"

	ExponentialReconnectionType = "exponential"
	ConstantReconnectionType    = "constant"
)

// ClusterSeasoning represents the configuration values of a session.
type ClusterSeasoning struct {
	ApplicationName       string               `json:"ApplicationName" yaml:"ApplicationName"`
	ContactPoints         []string             `json:"ContactPoints" yaml:"ContactPoints"`
	Port                  int                  `json:"Port" yaml:"Port"` // used for contact points without a port
	Consistency           string               `json:"Consistency" yaml:"Consistency"`
	Compression           string               `json:"Compression" yaml:"Compression"`
	ConnectTimeout        uint32               `json:"ConnectTimeout" yaml:"ConnectTimeout"`               // milliseconds
	RequestTimeout        uint32               `json:"RequestTimeout" yaml:"RequestTimeout"`               // milliseconds
	IdleHeartbeatInterval uint32               `json:"IdleHeartbeatInterval" yaml:"IdleHeartbeatInterval"` // milliseconds, 0 disables heartbeats
	IdleHeartbeatTimeout  uint32               `json:"IdleHeartbeatTimeout" yaml:"IdleHeartbeatTimeout"`   // milliseconds
	MonitorInterval       uint32               `json:"MonitorInterval" yaml:"MonitorInterval"`             // milliseconds
	WaitForAllPools       bool                 `json:"WaitForAllPools" yaml:"WaitForAllPools"`
	PoolConfig            *PoolConfig          `json:"PoolConfig" yaml:"PoolConfig"`
	LoadBalancingConfig   *LoadBalancingConfig `json:"LoadBalancingConfig" yaml:"LoadBalancingConfig"`
	RetryConfig           *RetryConfig         `json:"RetryConfig" yaml:"RetryConfig"`
	ReconnectionConfig    *ReconnectionConfig  `json:"ReconnectionConfig" yaml:"ReconnectionConfig"`
	MetricsConfig         *MetricsConfig       `json:"MetricsConfig" yaml:"MetricsConfig"`
	NotifierConfig        *NotifierConfig      `json:"NotifierConfig" yaml:"NotifierConfig"`
	TLSConfig             *TLSConfig           `json:"TLSConfig" yaml:"TLSConfig"`
}

// PoolConfig represents settings for the per host connection pools.
type PoolConfig struct {
	LocalConnections         int     `json:"LocalConnections" yaml:"LocalConnections"`                 // core size for LOCAL hosts
	RemoteConnections        int     `json:"RemoteConnections" yaml:"RemoteConnections"`               // core size for REMOTE hosts
	MaxConnectionsPerHost    int     `json:"MaxConnectionsPerHost" yaml:"MaxConnectionsPerHost"`       // upper bound when growing past core
	MaxRequestsPerConnection int     `json:"MaxRequestsPerConnection" yaml:"MaxRequestsPerConnection"` // stream ids per connection
	NewConnectionThreshold   int     `json:"NewConnectionThreshold" yaml:"NewConnectionThreshold"`     // in-flight count that triggers growth
	ShrinkAfterIdleTicks     int     `json:"ShrinkAfterIdleTicks" yaml:"ShrinkAfterIdleTicks"`         // monitor ticks of low load before shrinking
	ReplacementRate          float64 `json:"ReplacementRate" yaml:"ReplacementRate"`                   // connection opens per second per pool
	ReplacementBurst         int     `json:"ReplacementBurst" yaml:"ReplacementBurst"`
}

// LoadBalancingConfig selects and tunes the load balancing policy.
type LoadBalancingConfig struct {
	Type                 string         `json:"Type" yaml:"Type"`
	LocalDC              string         `json:"LocalDC" yaml:"LocalDC"`
	UsedHostsPerRemoteDC int            `json:"UsedHostsPerRemoteDC" yaml:"UsedHostsPerRemoteDC"`
	TokenAware           bool           `json:"TokenAware" yaml:"TokenAware"`
	ReplicationFactor    int            `json:"ReplicationFactor" yaml:"ReplicationFactor"`
	KeyspaceReplication  map[string]int `json:"KeyspaceReplication" yaml:"KeyspaceReplication"`
	Allow                []string       `json:"Allow" yaml:"Allow"` // glob patterns over host address or dc:<name>
	Deny                 []string       `json:"Deny" yaml:"Deny"`
	HostPoolDecay        uint32         `json:"HostPoolDecay" yaml:"HostPoolDecay"` // milliseconds
}

// RetryConfig selects the retry policy.
type RetryConfig struct {
	Type string `json:"Type" yaml:"Type"`
}

// ReconnectionConfig selects and tunes the reconnection policy.
type ReconnectionConfig struct {
	Type      string  `json:"Type" yaml:"Type"`
	BaseDelay uint32  `json:"BaseDelay" yaml:"BaseDelay"` // milliseconds
	MaxDelay  uint32  `json:"MaxDelay" yaml:"MaxDelay"`   // milliseconds
	Jitter    float64 `json:"Jitter" yaml:"Jitter"`       // 0 keeps delays monotonic
}

// MetricsConfig represents settings for the metrics backends.
type MetricsConfig struct {
	Enabled        bool   `json:"Enabled" yaml:"Enabled"`
	Namespace      string `json:"Namespace" yaml:"Namespace"`
	QueueSize      uint64 `json:"QueueSize" yaml:"QueueSize"`           // bounded collector capacity
	OverflowPolicy string `json:"OverflowPolicy" yaml:"OverflowPolicy"` // block, drop-newest or drop-oldest
	ListenAddress  string `json:"ListenAddress" yaml:"ListenAddress"`
}

// NotifierConfig represents settings for publishing host events to AMQP.
type NotifierConfig struct {
	Enabled           bool   `json:"Enabled" yaml:"Enabled"`
	URI               string `json:"URI" yaml:"URI"`
	Exchange          string `json:"Exchange" yaml:"Exchange"`
	RoutingKeyPrefix  string `json:"RoutingKeyPrefix" yaml:"RoutingKeyPrefix"`
	Compression       string `json:"Compression" yaml:"Compression"` // gzip or zstd, empty disables
	EncryptionKey     string `json:"EncryptionKey" yaml:"EncryptionKey"`
	EncryptionSalt    string `json:"EncryptionSalt" yaml:"EncryptionSalt"`
	ConnectionTimeout uint32 `json:"ConnectionTimeout" yaml:"ConnectionTimeout"` // seconds
	Heartbeat         uint32 `json:"Heartbeat" yaml:"Heartbeat"`                 // seconds
	BufferSize        int    `json:"BufferSize" yaml:"BufferSize"`
}

// TLSConfig represents settings for configuring TLS.
type TLSConfig struct {
	EnableTLS         bool   `json:"EnableTLS" yaml:"EnableTLS"`
	PEMCertLocation   string `json:"PEMCertLocation" yaml:"PEMCertLocation"`
	LocalCertLocation string `json:"LocalCertLocation" yaml:"LocalCertLocation"`
	CertServerName    string `json:"CertServerName" yaml:"CertServerName"`
}

// DefaultSeasoning returns a configuration with every section populated.
func DefaultSeasoning() *ClusterSeasoning {
	return &ClusterSeasoning{
		ApplicationName:       "turbocql",
		Port:                  9042,
		Consistency:           "LOCAL_ONE",
		ConnectTimeout:        5000,
		RequestTimeout:        10000,
		IdleHeartbeatInterval: 30000,
		IdleHeartbeatTimeout:  30000,
		MonitorInterval:       1000,
		PoolConfig: &PoolConfig{
			LocalConnections:         2,
			RemoteConnections:        1,
			MaxConnectionsPerHost:    8,
			MaxRequestsPerConnection: 32768,
			NewConnectionThreshold:   1024,
			ShrinkAfterIdleTicks:     30,
			ReplacementRate:          2,
			ReplacementBurst:         2,
		},
		LoadBalancingConfig: &LoadBalancingConfig{
			Type:              DCAwarePolicyType,
			TokenAware:        true,
			ReplicationFactor: 3,
			HostPoolDecay:     300000,
		},
		RetryConfig: &RetryConfig{Type: DefaultRetryPolicyType},
		ReconnectionConfig: &ReconnectionConfig{
			Type:      ExponentialReconnectionType,
			BaseDelay: 1000,
			MaxDelay:  600000,
		},
		MetricsConfig: &MetricsConfig{
			Namespace:      "turbocql",
			QueueSize:      1024,
			OverflowPolicy: "drop-newest",
		},
		NotifierConfig: &NotifierConfig{
			Exchange:          "turbocql.hosts",
			RoutingKeyPrefix:  "host",
			ConnectionTimeout: 10,
			Heartbeat:         6,
			BufferSize:        256,
		},
	}
}

// applyDefaults fills zero values from DefaultSeasoning.
func (cs *ClusterSeasoning) applyDefaults() {

	def := DefaultSeasoning()
	if cs.ApplicationName == "" {
		cs.ApplicationName = def.ApplicationName
	}
	if cs.Port == 0 {
		cs.Port = def.Port
	}
	if cs.Consistency == "" {
		cs.Consistency = def.Consistency
	}
	if cs.ConnectTimeout == 0 {
		cs.ConnectTimeout = def.ConnectTimeout
	}
	if cs.RequestTimeout == 0 {
		cs.RequestTimeout = def.RequestTimeout
	}
	if cs.IdleHeartbeatTimeout == 0 {
		cs.IdleHeartbeatTimeout = def.IdleHeartbeatTimeout
	}
	if cs.MonitorInterval == 0 {
		cs.MonitorInterval = def.MonitorInterval
	}
	if cs.PoolConfig == nil {
		cs.PoolConfig = def.PoolConfig
	}
	if cs.PoolConfig.LocalConnections == 0 && cs.PoolConfig.RemoteConnections == 0 {
		cs.PoolConfig.LocalConnections = def.PoolConfig.LocalConnections
		cs.PoolConfig.RemoteConnections = def.PoolConfig.RemoteConnections
	}
	if cs.PoolConfig.MaxRequestsPerConnection == 0 {
		cs.PoolConfig.MaxRequestsPerConnection = def.PoolConfig.MaxRequestsPerConnection
	}
	if cs.PoolConfig.MaxConnectionsPerHost == 0 {
		cs.PoolConfig.MaxConnectionsPerHost = def.PoolConfig.MaxConnectionsPerHost
	}
	if cs.PoolConfig.NewConnectionThreshold == 0 {
		cs.PoolConfig.NewConnectionThreshold = def.PoolConfig.NewConnectionThreshold
	}
	if cs.PoolConfig.ShrinkAfterIdleTicks == 0 {
		cs.PoolConfig.ShrinkAfterIdleTicks = def.PoolConfig.ShrinkAfterIdleTicks
	}
	if cs.PoolConfig.ReplacementRate == 0 {
		cs.PoolConfig.ReplacementRate = def.PoolConfig.ReplacementRate
	}
	if cs.PoolConfig.ReplacementBurst == 0 {
		cs.PoolConfig.ReplacementBurst = def.PoolConfig.ReplacementBurst
	}
	if cs.LoadBalancingConfig == nil {
		cs.LoadBalancingConfig = def.LoadBalancingConfig
	}
	if cs.LoadBalancingConfig.ReplicationFactor == 0 {
		cs.LoadBalancingConfig.ReplicationFactor = def.LoadBalancingConfig.ReplicationFactor
	}
	if cs.LoadBalancingConfig.HostPoolDecay == 0 {
		cs.LoadBalancingConfig.HostPoolDecay = def.LoadBalancingConfig.HostPoolDecay
	}
	if cs.RetryConfig == nil {
		cs.RetryConfig = def.RetryConfig
	}
	if cs.ReconnectionConfig == nil {
		cs.ReconnectionConfig = def.ReconnectionConfig
	}
	if cs.ReconnectionConfig.BaseDelay == 0 {
		cs.ReconnectionConfig.BaseDelay = def.ReconnectionConfig.BaseDelay
	}
	if cs.ReconnectionConfig.MaxDelay == 0 {
		cs.ReconnectionConfig.MaxDelay = def.ReconnectionConfig.MaxDelay
	}
	if cs.MetricsConfig == nil {
		cs.MetricsConfig = def.MetricsConfig
	}
	if cs.NotifierConfig == nil {
		cs.NotifierConfig = def.NotifierConfig
	}
}

// Validate applies defaults and checks the configuration for values a
// session can not work with.
func (cs *ClusterSeasoning) Validate() error {

	if cs == nil {
		return errors.New("cluster seasoning can't be nil")
	}
	cs.applyDefaults()

	if len(cs.ContactPoints) == 0 {
		return errors.New("cluster seasoning needs at least one contact point")
	}
	if cs.IdleHeartbeatInterval > 0 && cs.IdleHeartbeatTimeout == 0 {
		return errors.New("idle heartbeat timeout can't be 0 when heartbeats are enabled")
	}
	if cs.PoolConfig.MaxRequestsPerConnection < 1 || cs.PoolConfig.MaxRequestsPerConnection > 32768 {
		return fmt.Errorf("max requests per connection must be within [1, 32768], got %d", cs.PoolConfig.MaxRequestsPerConnection)
	}
	if cs.PoolConfig.LocalConnections < 0 || cs.PoolConfig.RemoteConnections < 0 {
		return errors.New("pool connection counts can't be negative")
	}
	if _, err := ParseConsistency(cs.Consistency); err != nil {
		return err
	}
	if cs.ReconnectionConfig.MaxDelay < cs.ReconnectionConfig.BaseDelay {
		return errors.New("reconnection max delay can't be lower than the base delay")
	}

	return nil
}

func millis(v uint32) time.Duration {
	return time.Duration(v) * time.Millisecond
}
