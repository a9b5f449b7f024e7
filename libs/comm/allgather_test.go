package comm

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xinkaiwang/gathercomm/libs/kvprov"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kmetrics"
)

// openCluster brings up numWorkers participants (plus servers and scheduler) against one fake cluster.
func openCluster(t *testing.T, ctx context.Context, numWorkers int, pullConcurrency int) (*kvprov.FakeKvCluster, []*ClusterContext) {
	cluster := kvprov.NewFakeKvCluster(numWorkers, numWorkers)
	infra := joinInfra(ctx, t, cluster)
	contexts := make([]*ClusterContext, numWorkers)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := kcommon.MapEnv(map[string]string{
				EnvLocalSize:  "2",
				EnvNumWorkers: strconv.Itoa(numWorkers),
				EnvWorkerId:   strconv.Itoa(i),
			})
			topo, err := ResolveTopology(env)
			assert.Nil(t, err)
			cc, err := NewClusterContext(ctx, topo, SessionOptions{
				NewKvService:    fakeFactory(cluster),
				PullConcurrency: pullConcurrency,
			})
			assert.Nil(t, err)
			contexts[i] = cc
		}(i)
	}
	wg.Wait()
	infra.Wait()
	return cluster, contexts
}

func TestAllGather_ThreeWorkersAnyOrder(t *testing.T) {
	published := [][]int32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	for _, concurrency := range []int{1, 2} {
		for round := 0; round < 3; round++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, contexts := openCluster(t, ctx, 3, concurrency)

			results := make([][][]int32, 3)
			var wg sync.WaitGroup
			for _, i := range rand.Perm(3) {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
					shards := make([][]int32, 3)
					for j := range shards {
						shards[j] = make([]int32, 3)
					}
					copy(shards[i], published[i])
					assert.Nil(t, contexts[i].AllGatherInt32(ctx, shards))
					results[i] = shards
				}(i)
			}
			wg.Wait()
			for i := range results {
				assert.Equal(t, published, results[i], "worker %d concurrency %d", i, concurrency)
			}
			cancel()
		}
	}
}

func TestAllGather_RepeatedRoundsSeeFreshData(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, contexts := openCluster(t, ctx, 2, 1)

	for round := int64(1); round <= 3; round++ {
		results := make([][][]int64, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				shards := [][]int64{make([]int64, 2), make([]int64, 2)}
				shards[i][0] = round*10 + int64(i)
				shards[i][1] = -round
				assert.Nil(t, AllGather(ctx, contexts[i].Session(), shards))
				results[i] = shards
			}(i)
		}
		wg.Wait()
		want := [][]int64{{round * 10, -round}, {round*10 + 1, -round}}
		assert.Equal(t, want, results[0])
		assert.Equal(t, want, results[1])
	}
}

func TestAllGather_Float64(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, contexts := openCluster(t, ctx, 2, 1)

	var wg sync.WaitGroup
	results := make([][][]float64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shards := [][]float64{make([]float64, 2), make([]float64, 2)}
			shards[i] = []float64{float64(i) + 0.5, -1.25}
			assert.Nil(t, AllGather(ctx, contexts[i].Session(), shards))
			results[i] = shards
		}(i)
	}
	wg.Wait()
	assert.Equal(t, [][]float64{{0.5, -1.25}, {1.5, -1.25}}, results[0])
	assert.Equal(t, results[0], results[1])
}

// startedSession skips the startup barrier, for tests that only look at one participant.
func startedSession(ctx context.Context, cluster *kvprov.FakeKvCluster, workerId int) (*Session, *kvprov.FakeKvClient) {
	client := cluster.NewClient(kvprov.NodeId{Role: kvprov.NR_Worker, Rank: workerId})
	client.StartSession(ctx, 0, "test")
	return &Session{topo: testTopology(cluster.Layout().NumWorkers, workerId), kv: client}, client
}

func TestAllGather_ShapeMismatch(t *testing.T) {
	ctx := context.Background()
	cluster := kvprov.NewFakeKvCluster(2, 2)
	session, _ := startedSession(ctx, cluster, 0)

	// wrong number of rows
	shards := [][]int32{{1, 2}, {0, 0}, {0, 0}}
	err := AllGather(ctx, session, shards)
	assert.True(t, IsShapeMismatchError(err))
	assert.Equal(t, [][]int32{{1, 2}, {0, 0}, {0, 0}}, shards)

	// row longer than the shard count is not truncated
	shards = [][]int32{{1, 2, 3}, {0, 0}}
	err = AllGather(ctx, session, shards)
	assert.True(t, IsShapeMismatchError(err))
	assert.Equal(t, []int32{1, 2, 3}, shards[0])

	// empty row
	shards = [][]int32{{}, {0, 0}}
	assert.True(t, IsShapeMismatchError(AllGather(ctx, session, shards)))

	// nothing was published
	assert.Equal(t, 0, cluster.Stats().PushKeys)
}

func TestAllGather_PulledValueWrongLength(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cluster := kvprov.NewFakeKvCluster(2, 2)
	session, _ := startedSession(ctx, cluster, 0)
	_, peer := startedSession(ctx, cluster, 1)

	ranges := kvprov.UniformKeyRanges(2)
	// peer publishes three int32 instead of two
	id := peer.Push(ctx, []kvprov.Key{shardKey(ranges, 1)}, make([]byte, 12), []int{12})
	assert.Nil(t, peer.Wait(ctx, id))

	shards := [][]int32{{1, 2}, {0, 0}}
	err := AllGather(ctx, session, shards)
	assert.True(t, IsShapeMismatchError(err))
	assert.Equal(t, []int32{1, 2}, shards[0])
}

func TestAllGather_SelfRowNeverWritten(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cluster := kvprov.NewFakeKvCluster(2, 2)
	session, _ := startedSession(ctx, cluster, 1)
	_, peer := startedSession(ctx, cluster, 0)

	ranges := kvprov.UniformKeyRanges(2)
	// a conflicting value already sits under our own key, it must not be pulled back
	id := peer.Push(ctx, []kvprov.Key{shardKey(ranges, 1), shardKey(ranges, 0)},
		[]byte{9, 0, 0, 0, 9, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0}, []int{8, 8})
	assert.Nil(t, peer.Wait(ctx, id))

	self := []int32{5, 6}
	shards := [][]int32{{0, 0}, self}
	assert.Nil(t, AllGather(ctx, session, shards))
	assert.Equal(t, [][]int32{{3, 4}, {5, 6}}, shards)
	assert.Same(t, &self[0], &shards[1][0])
	assert.Equal(t, []byte{5, 0, 0, 0, 6, 0, 0, 0}, cluster.Get(shardKey(ranges, 1)))
	assert.Equal(t, 1, cluster.Stats().PullKeys)
}

func TestAllGather_SingleShard(t *testing.T) {
	ctx := context.Background()

	// local session, no service at all
	local, err := OpenSession(ctx, testTopology(1, 0), SessionOptions{})
	assert.Nil(t, err)
	shards := [][]int32{{42}}
	assert.Nil(t, AllGather(ctx, local, shards))
	assert.Equal(t, [][]int32{{42}}, shards)
	assert.True(t, IsShapeMismatchError(AllGather(ctx, local, [][]int32{{1, 2}})))

	// distributed session whose service reports a single range
	cluster := kvprov.NewFakeKvCluster(2, 1)
	session, _ := startedSession(ctx, cluster, 0)
	assert.Nil(t, AllGather(ctx, session, shards))
	assert.Equal(t, [][]int32{{42}}, shards)
	assert.Equal(t, 0, cluster.Stats().PushKeys)
	assert.Equal(t, 0, cluster.Stats().PullKeys)
}

func TestAllGather_Metrics(t *testing.T) {
	ctx := context.Background()
	local, err := OpenSession(ctx, testTopology(1, 0), SessionOptions{})
	assert.Nil(t, err)

	okSeq := kmetrics.OpsLatencyMetric.GetTimeSequence(ctx, "AllGather", "OK", "")
	errSeq := kmetrics.OpsLatencyMetric.GetTimeSequence(ctx, "AllGather", "ERROR", ErrTypeShapeMismatch)
	okBefore, _ := okSeq.Get()
	errBefore, _ := errSeq.Get()

	assert.Nil(t, AllGather(ctx, local, [][]int32{{1}}))
	assert.NotNil(t, AllGather(ctx, local, [][]int32{}))

	okAfter, _ := okSeq.Get()
	errAfter, _ := errSeq.Get()
	assert.Equal(t, okBefore+1, okAfter)
	assert.Equal(t, errBefore+1, errAfter)
}

// gatedPullKv holds every pull until gate closes.
type gatedPullKv struct {
	kvprov.KvService
	gate <-chan struct{}
}

func (g *gatedPullKv) Pull(ctx context.Context, keys []kvprov.Key, vals *[]byte, lens *[]int) kvprov.RequestId {
	select {
	case <-g.gate:
	case <-ctx.Done():
	}
	return g.KvService.Pull(ctx, keys, vals, lens)
}

func TestAllGather_PeerClosesRightAfterGather(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const numWorkers = 3
	cluster := kvprov.NewFakeKvCluster(numWorkers, numWorkers)
	infra := joinInfra(ctx, t, cluster)

	// the last worker pushes with everyone else but only pulls once worker 0 has left
	worker0Closed := make(chan struct{})
	sessions := make([]*Session, numWorkers)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			factory := fakeFactory(cluster)
			session, err := OpenSession(ctx, testTopology(numWorkers, i), SessionOptions{
				NewKvService: func(ctx context.Context, topo *WorkerTopology) (kvprov.KvService, error) {
					kv, err := factory(ctx, topo)
					if topo.WorkerId == numWorkers-1 {
						kv = &gatedPullKv{KvService: kv, gate: worker0Closed}
					}
					return kv, err
				},
			})
			assert.Nil(t, err)
			sessions[i] = session
		}(i)
	}
	wg.Wait()
	infra.Wait()

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
			assert.Nil(t, AllGather(ctx, sessions[i], shards), "worker %d", i)
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
}
