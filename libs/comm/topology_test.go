package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

func topoEnv(localSize, numWorkers, workerId string) map[string]string {
	return map[string]string{
		EnvLocalSize:  localSize,
		EnvNumWorkers: numWorkers,
		EnvWorkerId:   workerId,
	}
}

func TestResolveTopology(t *testing.T) {
	topo, err := ResolveTopology(kcommon.MapEnv(topoEnv("4", "3", "2")))
	assert.Nil(t, err)
	assert.Equal(t, &WorkerTopology{LocalSize: 4, NumWorkers: 3, WorkerId: 2, GlobalSize: 12, NumServers: 3}, topo)
	assert.True(t, topo.IsDistributed())

	env := topoEnv("8", "1", "0")
	env[EnvNumServers] = "2"
	topo, err = ResolveTopology(kcommon.MapEnv(env))
	assert.Nil(t, err)
	assert.Equal(t, 8, topo.GlobalSize)
	assert.Equal(t, 2, topo.NumServers)
	assert.False(t, topo.IsDistributed())
}

func TestResolveTopology_MissingWorkerId(t *testing.T) {
	env := topoEnv("4", "3", "")
	delete(env, EnvWorkerId)
	topo, err := ResolveTopology(kcommon.MapEnv(env))
	assert.Nil(t, topo)
	assert.True(t, IsConfigError(err))
	assert.True(t, kerror.IsType(err, "EnvNotSet"))
	assert.True(t, kerror.HasErrorCode(err, kerror.EC_CONFIG))
}

func TestResolveTopology_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non numeric local size", topoEnv("four", "3", "0")},
		{"zero local size", topoEnv("0", "3", "0")},
		{"negative workers", topoEnv("4", "-1", "0")},
		{"worker id equals count", topoEnv("4", "3", "3")},
		{"negative worker id", topoEnv("4", "3", "-1")},
		{"missing workers", map[string]string{EnvLocalSize: "4", EnvWorkerId: "0"}},
		{"bad server count", func() map[string]string {
			env := topoEnv("4", "3", "0")
			env[EnvNumServers] = "0"
			return env
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo, err := ResolveTopology(kcommon.MapEnv(tt.env))
			assert.Nil(t, topo)
			assert.True(t, IsConfigError(err), "got %v", err)
			assert.False(t, IsSessionError(err))
		})
	}
}

func TestResolveTopology_Deterministic(t *testing.T) {
	env := kcommon.MapEnv(topoEnv("2", "5", "1"))
	a, errA := ResolveTopology(env)
	b, errB := ResolveTopology(env)
	assert.Nil(t, errA)
	assert.Nil(t, errB)
	assert.Equal(t, a, b)
}

func TestResolveClusterLayout(t *testing.T) {
	layout, err := ResolveClusterLayout(kcommon.MapEnv(map[string]string{EnvNumWorkers: "3"}))
	assert.Nil(t, err)
	assert.Equal(t, 3, layout.NumServers)

	layout, err = ResolveClusterLayout(kcommon.MapEnv(map[string]string{EnvNumWorkers: "3", EnvNumServers: "1"}))
	assert.Nil(t, err)
	assert.Equal(t, 1, layout.NumServers)
	assert.Equal(t, 5, layout.Expected(7))

	_, err = ResolveClusterLayout(kcommon.MapEnv(map[string]string{}))
	assert.True(t, IsConfigError(err))
}
