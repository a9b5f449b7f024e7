package kvprov

import (
	"context"
	"sync"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
	"github.com/xinkaiwang/gathercomm/libs/xklib/klogging"
)

// FakeKvCluster is a pure in-memory coordination service shared by N simulated nodes.
// Every node gets its own FakeKvClient from NewClient.
type FakeKvCluster struct {
	layout ClusterLayout

	mu       sync.Mutex
	ranges   []KeyRange
	data     map[Key]*fakeValue
	revision int64
	changed  chan struct{} // closed and replaced on every write
	barriers map[fakeBarrierKey]*fakeBarrier
	closed   map[NodeId]bool
	stats    FakeKvStats

	startSessionErr error
	barrierErr      error
}

// fakeValue is owned by the server of the range holding its key, like a value attached to
// that server's lease: it outlives the writer and vanishes when the server closes.
type fakeValue struct {
	val         []byte
	modRevision int64
	owner       NodeId
}

type fakeBarrierKey struct {
	groupId int
	roles   RoleMask
}

type fakeBarrier struct {
	arrived map[NodeId]bool
	release chan struct{}
}

// FakeKvStats counts requests seen by the cluster, tests use it to assert on network traffic.
type FakeKvStats struct {
	Sessions     int
	Barriers     int
	RangeQueries int
	PushKeys     int
	PullKeys     int
}

// NewFakeKvCluster creates a cluster whose key space is split uniformly across numServers shards.
func NewFakeKvCluster(numWorkers, numServers int) *FakeKvCluster {
	return &FakeKvCluster{
		layout:   ClusterLayout{NumWorkers: numWorkers, NumServers: numServers},
		ranges:   UniformKeyRanges(numServers),
		data:     map[Key]*fakeValue{},
		changed:  make(chan struct{}),
		barriers: map[fakeBarrierKey]*fakeBarrier{},
		closed:   map[NodeId]bool{},
	}
}

// ownerOf returns the server owning key, c.mu must be held.
func (c *FakeKvCluster) ownerOf(key Key) NodeId {
	for i, kr := range c.ranges {
		if kr.Contains(key) {
			return NodeId{Role: NR_Server, Rank: i}
		}
	}
	panic(kerror.Create("KeyOutOfRange", "key is not covered by any shard range").
		With("key", key).
		WithErrorCode(kerror.EC_INVALID_PARAMETER))
}

func (c *FakeKvCluster) Layout() ClusterLayout {
	return c.layout
}

// WithKeyRanges overrides the uniform ranges, e.g. to simulate a skewed cluster.
func (c *FakeKvCluster) WithKeyRanges(ranges []KeyRange) *FakeKvCluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranges = append([]KeyRange(nil), ranges...)
	return c
}

// FailStartSession makes every subsequent session bring-up fail with err.
func (c *FakeKvCluster) FailStartSession(err error) *FakeKvCluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startSessionErr = err
	return c
}

// FailBarrier makes every subsequent barrier fail with err.
func (c *FakeKvCluster) FailBarrier(err error) *FakeKvCluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barrierErr = err
	return c
}

func (c *FakeKvCluster) Stats() FakeKvStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Get returns a copy of the current value under key, nil when absent.
func (c *FakeKvCluster) Get(key Key) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return append([]byte(nil), v.val...)
	}
	return nil
}

// BarrierArrivals returns how many nodes currently wait in the given barrier.
func (c *FakeKvCluster) BarrierArrivals(groupId int, roles RoleMask) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.barriers[fakeBarrierKey{groupId, roles}]; ok {
		return len(b.arrived)
	}
	return 0
}

func (c *FakeKvCluster) NewClient(node NodeId) *FakeKvClient {
	return &FakeKvClient{
		cluster:      c,
		node:         node,
		tracker:      newRequestTracker(),
		sessionReady: make(chan struct{}),
		lastSeen:     map[Key]int64{},
	}
}

// FakeKvClient implements KvService against a FakeKvCluster.
type FakeKvClient struct {
	cluster *FakeKvCluster
	node    NodeId
	tracker *requestTracker

	startOnce    sync.Once
	sessionReady chan struct{}
	sessionErr   error

	mu       sync.Mutex
	lastSeen map[Key]int64
}

func (fc *FakeKvClient) Node() NodeId {
	return fc.node
}

// StartSession implements KvService.
func (fc *FakeKvClient) StartSession(ctx context.Context, groupId int, name string) {
	fc.startOnce.Do(func() {
		go func() {
			defer close(fc.sessionReady)
			c := fc.cluster
			c.mu.Lock()
			c.stats.Sessions++
			fc.sessionErr = c.startSessionErr
			c.mu.Unlock()
			klogging.Debug(ctx).With("node", fc.node.String()).With("groupId", groupId).With("name", name).Log("FakeSessionStarted", "")
		}()
	})
}

func (fc *FakeKvClient) awaitSession(ctx context.Context) error {
	select {
	case <-fc.sessionReady:
		if fc.sessionErr != nil {
			return kerror.Wrap(fc.sessionErr, "SessionStartFailed", "session bring-up failed", false).
				With("node", fc.node.String())
		}
		return nil
	case <-ctx.Done():
		return kerror.Wrap(ctx.Err(), "SessionStartCanceled", "canceled while waiting for session", false).
			With("node", fc.node.String()).
			WithErrorCode(kerror.EC_TIMEOUT)
	}
}

func (fc *FakeKvClient) mustSession(ctx context.Context) {
	if err := fc.awaitSession(ctx); err != nil {
		panic(err)
	}
}

// Barrier implements KvService.
func (fc *FakeKvClient) Barrier(ctx context.Context, groupId int, roles RoleMask) error {
	if err := fc.awaitSession(ctx); err != nil {
		return err
	}
	c := fc.cluster
	c.mu.Lock()
	c.stats.Barriers++
	if c.barrierErr != nil {
		err := c.barrierErr
		c.mu.Unlock()
		return kerror.Wrap(err, "BarrierFailed", "barrier failed", false).With("node", fc.node.String())
	}
	if !roles.Has(fc.node.Role) {
		c.mu.Unlock()
		return kerror.Create("BarrierRoleMismatch", "node role is not part of the barrier").
			With("node", fc.node.String()).
			With("roles", roles.String()).
			WithErrorCode(kerror.EC_INVALID_PARAMETER)
	}
	key := fakeBarrierKey{groupId, roles}
	b, ok := c.barriers[key]
	if !ok {
		b = &fakeBarrier{arrived: map[NodeId]bool{}, release: make(chan struct{})}
		c.barriers[key] = b
	}
	b.arrived[fc.node] = true
	release := b.release
	if len(b.arrived) >= c.layout.Expected(roles) {
		// last one in: open this generation, the next barrier starts fresh
		close(b.release)
		delete(c.barriers, key)
	}
	c.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return kerror.Wrap(ctx.Err(), "BarrierCanceled", "canceled while waiting in barrier", false).
			With("node", fc.node.String()).
			WithErrorCode(kerror.EC_TIMEOUT)
	}
}

// GetShardKeyRanges implements KvService.
func (fc *FakeKvClient) GetShardKeyRanges(ctx context.Context) ([]KeyRange, error) {
	if err := fc.awaitSession(ctx); err != nil {
		return nil, err
	}
	c := fc.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.RangeQueries++
	return append([]KeyRange(nil), c.ranges...), nil
}

// Push implements KvService.
func (fc *FakeKvClient) Push(ctx context.Context, keys []Key, vals []byte, lens []int) RequestId {
	return fc.tracker.Submit(ctx, "Push", func() {
		fc.mustSession(ctx)
		parts := splitVals(keys, vals, lens)
		c := fc.cluster
		c.mu.Lock()
		defer c.mu.Unlock()
		owners := make([]NodeId, len(keys))
		for i, key := range keys {
			owners[i] = c.ownerOf(key)
			if c.closed[owners[i]] {
				panic(kerror.Create("OwnerLeaseLost", "server owning the key is gone").
					With("key", key).
					With("owner", owners[i].String()).
					WithErrorCode(kerror.EC_NETWORK_ERR))
			}
		}
		for i, key := range keys {
			c.revision++
			c.data[key] = &fakeValue{
				val:         append([]byte(nil), parts[i]...),
				modRevision: c.revision,
				owner:       owners[i],
			}
		}
		c.stats.PushKeys += len(keys)
		close(c.changed)
		c.changed = make(chan struct{})
	})
}

// Pull implements KvService.
func (fc *FakeKvClient) Pull(ctx context.Context, keys []Key, vals *[]byte, lens *[]int) RequestId {
	return fc.tracker.Submit(ctx, "Pull", func() {
		fc.mustSession(ctx)
		for _, key := range keys {
			val := fc.pullOne(ctx, key)
			*vals = append(*vals, val...)
			*lens = append(*lens, len(val))
		}
	})
}

// pullOne blocks until key holds a value newer than the one this client saw last.
func (fc *FakeKvClient) pullOne(ctx context.Context, key Key) []byte {
	c := fc.cluster
	fc.mu.Lock()
	seen := fc.lastSeen[key]
	fc.mu.Unlock()
	for {
		c.mu.Lock()
		v, ok := c.data[key]
		if ok && v.modRevision > seen {
			val := append([]byte(nil), v.val...)
			c.stats.PullKeys++
			c.mu.Unlock()
			fc.mu.Lock()
			fc.lastSeen[key] = v.modRevision
			fc.mu.Unlock()
			return val
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			panic(kerror.Wrap(ctx.Err(), "PullCanceled", "canceled while waiting for key", false).
				With("node", fc.node.String()).
				With("key", key).
				WithErrorCode(kerror.EC_TIMEOUT))
		}
	}
}

// Wait implements KvService.
func (fc *FakeKvClient) Wait(ctx context.Context, id RequestId) error {
	return fc.tracker.Wait(ctx, id)
}

// Close implements KvService. Closing a server drops every value in its range.
func (fc *FakeKvClient) Close(ctx context.Context) {
	c := fc.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed[fc.node] {
		return
	}
	c.closed[fc.node] = true
	dropped := 0
	for key, v := range c.data {
		if v.owner == fc.node {
			delete(c.data, key)
			dropped++
		}
	}
	if dropped > 0 {
		close(c.changed)
		c.changed = make(chan struct{})
	}
	klogging.Debug(ctx).With("node", fc.node.String()).With("dropped", dropped).Log("FakeSessionClosed", "")
}
