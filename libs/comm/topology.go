package comm

import (
	"context"
	"fmt"

	"github.com/xinkaiwang/gathercomm/libs/kvprov"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/klogging"
)

const (
	EnvLocalSize  = "BYTEPS_LOCAL_SIZE"
	EnvNumWorkers = "DMLC_NUM_WORKER"
	EnvWorkerId   = "DMLC_WORKER_ID"
	EnvNumServers = "DMLC_NUM_SERVER" // optional, defaults to DMLC_NUM_WORKER
)

// WorkerTopology is this process's position in the cluster. Immutable once resolved.
type WorkerTopology struct {
	LocalSize  int // devices on this machine
	NumWorkers int
	WorkerId   int // 0-based, < NumWorkers
	GlobalSize int // NumWorkers * LocalSize
	NumServers int
}

func (topo *WorkerTopology) IsDistributed() bool {
	return topo.NumWorkers > 1
}

func (topo *WorkerTopology) Layout() kvprov.ClusterLayout {
	return kvprov.ClusterLayout{NumWorkers: topo.NumWorkers, NumServers: topo.NumServers}
}

func (topo *WorkerTopology) String() string {
	return fmt.Sprintf("worker %d/%d localSize=%d globalSize=%d servers=%d",
		topo.WorkerId, topo.NumWorkers, topo.LocalSize, topo.GlobalSize, topo.NumServers)
}

// ResolveTopologyFromOs resolves the topology from the process environment.
func ResolveTopologyFromOs() (*WorkerTopology, error) {
	return ResolveTopology(kcommon.OsEnv())
}

// ResolveTopology validates the topology variables. It never returns a partial topology:
// on any missing, non-numeric or out of range value the result is (nil, ConfigError).
func ResolveTopology(env kcommon.EnvLookup) (*WorkerTopology, error) {
	localSize, err := requirePositive(env, EnvLocalSize)
	if err != nil {
		return nil, err
	}
	layout, err := ResolveClusterLayout(env)
	if err != nil {
		return nil, err
	}
	numWorkers, numServers := layout.NumWorkers, layout.NumServers
	workerId, ke := kcommon.LookupEnvInt(env, EnvWorkerId)
	if ke != nil {
		return nil, newConfigError("worker id unavailable", ke).With("env", EnvWorkerId)
	}
	if workerId < 0 || workerId >= numWorkers {
		return nil, newConfigError("worker id out of range", nil).
			With("workerId", workerId).
			With("numWorkers", numWorkers)
	}

	topo := &WorkerTopology{
		LocalSize:  localSize,
		NumWorkers: numWorkers,
		WorkerId:   workerId,
		GlobalSize: numWorkers * localSize,
		NumServers: numServers,
	}
	klogging.Info(context.Background()).
		With("localSize", topo.LocalSize).
		With("numWorkers", topo.NumWorkers).
		With("workerId", topo.WorkerId).
		With("globalSize", topo.GlobalSize).
		With("numServers", topo.NumServers).
		Log("TopologyResolved", "")
	return topo, nil
}

// ResolveClusterLayout reads the worker and server counts, the part of the topology every role
// needs. Servers and the scheduler call it directly since they have no worker id.
func ResolveClusterLayout(env kcommon.EnvLookup) (kvprov.ClusterLayout, error) {
	numWorkers, err := requirePositive(env, EnvNumWorkers)
	if err != nil {
		return kvprov.ClusterLayout{}, err
	}
	numServers := numWorkers
	if _, ok := env(EnvNumServers); ok {
		if numServers, err = requirePositive(env, EnvNumServers); err != nil {
			return kvprov.ClusterLayout{}, err
		}
	}
	return kvprov.ClusterLayout{NumWorkers: numWorkers, NumServers: numServers}, nil
}

func requirePositive(env kcommon.EnvLookup, key string) (int, error) {
	value, ke := kcommon.LookupEnvInt(env, key)
	if ke != nil {
		return 0, newConfigError("topology env unavailable", ke).With("env", key)
	}
	if value <= 0 {
		return 0, newConfigError("topology env must be positive", nil).
			With("env", key).
			With("value", value)
	}
	return value, nil
}
