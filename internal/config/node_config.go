package config

import (
	"github.com/xinkaiwang/gathercomm/libs/kvprov"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
)

// NodeConfig is everything a gathernode process reads from its environment besides the topology.
type NodeConfig struct {
	Role     kvprov.NodeRole
	ServerId int

	EtcdEndpoints      []string
	EtcdTimeoutMs      int
	EtcdLeaseTimeoutMs int
	EtcdPrefix         string

	PullConcurrency int

	LogLevel    string
	LogFormat   string
	MetricsPort int // 0 disables the metrics endpoint
}

// LoadNodeConfig reads the node config, the only hard failure is an unknown DMLC_ROLE.
func LoadNodeConfig() (*NodeConfig, error) {
	role, ke := kvprov.ParseNodeRole(kcommon.GetEnvString("DMLC_ROLE", string(kvprov.NR_Worker)))
	if ke != nil {
		return nil, ke
	}
	return &NodeConfig{
		Role:               role,
		ServerId:           kcommon.GetEnvInt("DMLC_SERVER_ID", 0),
		EtcdEndpoints:      kcommon.GetEnvStringList("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		EtcdTimeoutMs:      kcommon.GetEnvInt("ETCD_TIMEOUT_MS", 3000),
		EtcdLeaseTimeoutMs: kcommon.GetEnvInt("ETCD_LEASE_TIMEOUT_MS", 15000),
		EtcdPrefix:         kcommon.GetEnvString("GATHER_ETCD_PREFIX", "/gathercomm"),
		PullConcurrency:    kcommon.GetEnvInt("GATHER_PULL_CONCURRENCY", 1),
		LogLevel:           kcommon.GetEnvString("LOG_LEVEL", "info"),
		LogFormat:          kcommon.GetEnvString("LOG_FORMAT", "json"),
		MetricsPort:        kcommon.GetEnvInt("METRICS_PORT", 9090),
	}, nil
}

// EtcdKvConfig binds this node's etcd settings to one node identity and cluster layout.
func (cfg *NodeConfig) EtcdKvConfig(node kvprov.NodeId, layout kvprov.ClusterLayout) kvprov.EtcdKvConfig {
	return kvprov.EtcdKvConfig{
		Endpoints:        cfg.EtcdEndpoints,
		DialTimeoutMs:    cfg.EtcdTimeoutMs,
		RequestTimeoutMs: cfg.EtcdTimeoutMs,
		LeaseTimeoutMs:   cfg.EtcdLeaseTimeoutMs,
		Prefix:           cfg.EtcdPrefix,
		Node:             node,
		Layout:           layout,
	}
}

// NodeId of this process; workers are ranked by worker id, servers by DMLC_SERVER_ID.
func (cfg *NodeConfig) NodeId(workerId int) kvprov.NodeId {
	switch cfg.Role {
	case kvprov.NR_Server:
		return kvprov.NodeId{Role: cfg.Role, Rank: cfg.ServerId}
	case kvprov.NR_Scheduler:
		return kvprov.NodeId{Role: cfg.Role, Rank: 0}
	default:
		return kvprov.NodeId{Role: cfg.Role, Rank: workerId}
	}
}
