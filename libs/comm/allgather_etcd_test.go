package comm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xinkaiwang/gathercomm/libs/kvprov"
	"github.com/xinkaiwang/gathercomm/libs/kvprov/kvtest"
)

func etcdConfig(endpoint string, prefix string, node kvprov.NodeId, layout kvprov.ClusterLayout) kvprov.EtcdKvConfig {
	return kvprov.EtcdKvConfig{
		Endpoints:        []string{endpoint},
		DialTimeoutMs:    3000,
		RequestTimeoutMs: 3000,
		LeaseTimeoutMs:   5000,
		Prefix:           prefix,
		Node:             node,
		Layout:           layout,
	}
}

// startEtcdInfra runs every server and the scheduler against etcd the way gathernode does:
// register, enter the startup barrier, hold the session until the test ends.
func startEtcdInfra(t *testing.T, ctx context.Context, endpoint string, prefix string, layout kvprov.ClusterLayout) *sync.WaitGroup {
	var wg sync.WaitGroup
	ranges := kvprov.UniformKeyRanges(layout.NumServers)
	nodes := []kvprov.NodeId{{Role: kvprov.NR_Scheduler, Rank: 0}}
	for i := 0; i < layout.NumServers; i++ {
		nodes = append(nodes, kvprov.NodeId{Role: kvprov.NR_Server, Rank: i})
	}
	for _, node := range nodes {
		svc := kvprov.NewEtcdKvService(etcdConfig(endpoint, prefix, node, layout))
		t.Cleanup(func() { svc.Close(context.Background()) })
		wg.Add(1)
		go func(node kvprov.NodeId) {
			defer wg.Done()
			svc.StartSession(ctx, 0, "test")
			if node.Role == kvprov.NR_Server {
				assert.Nil(t, svc.RegisterKeyRange(ctx, node.Rank, ranges[node.Rank]))
			} else {
				assert.Nil(t, svc.PublishClusterLayout(ctx))
			}
			assert.Nil(t, svc.Barrier(ctx, 0, kvprov.AllRoles))
		}(node)
	}
	return &wg
}

func TestAllGather_EtcdEarlyExit(t *testing.T) {
	endpoint := kvtest.StartEmbeddedEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const numWorkers = 3
	prefix := "/gathercomm-test/early-exit"
	layout := testTopology(numWorkers, 0).Layout()
	infra := startEtcdInfra(t, ctx, endpoint, prefix, layout)

	// the last worker pushes with everyone else but only pulls once worker 0 has left
	worker0Closed := make(chan struct{})
	sessions := make([]*Session, numWorkers)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := OpenSession(ctx, testTopology(numWorkers, i), SessionOptions{
				NewKvService: func(ctx context.Context, topo *WorkerTopology) (kvprov.KvService, error) {
					node := kvprov.NodeId{Role: kvprov.NR_Worker, Rank: topo.WorkerId}
					var kv kvprov.KvService = kvprov.NewEtcdKvService(etcdConfig(endpoint, prefix, node, topo.Layout()))
					if topo.WorkerId == numWorkers-1 {
						kv = &gatedPullKv{KvService: kv, gate: worker0Closed}
					}
					return kv, nil
				},
				PullConcurrency: i, // 0 and 1 pull sequentially, 2 in parallel
			})
			assert.Nil(t, err)
			sessions[i] = session
		}(i)
	}
	wg.Wait()
	infra.Wait()
	if t.Failed() {
		return
	}

	published := [][]int32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	results := make([][][]int32, numWorkers)
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shards := make([][]int32, numWorkers)
			for j := range shards {
				shards[j] = make([]int32, numWorkers)
			}
			copy(shards[i], published[i])
			err := AllGather(ctx, sessions[i], shards)
			assert.Nil(t, err, "worker %d", i)
			results[i] = shards
			if i == 0 {
				sessions[i].Close(ctx)
				close(worker0Closed)
			}
		}(i)
	}
	wg.Wait()
	for i := range results {
		assert.Equal(t, published, results[i], "worker %d", i)
	}
	for _, session := range sessions[1:] {
		session.Close(ctx)
	}
}
