package kvprov

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
	"github.com/xinkaiwang/gathercomm/libs/xklib/klogging"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKvConfig configures one node's connection to the etcd backed coordination service.
type EtcdKvConfig struct {
	Endpoints        []string
	DialTimeoutMs    int
	RequestTimeoutMs int // single get/put round trip; blocking pulls and barriers are not bounded by it
	LeaseTimeoutMs   int
	Prefix           string // every key of this cluster lives under Prefix
	Node             NodeId
	Layout           ClusterLayout
}

type EtcdSessionState string

const (
	ESS_Unknown      EtcdSessionState = "unknown"
	ESS_Connecting   EtcdSessionState = "connecting"
	ESS_Connected    EtcdSessionState = "connected"
	ESS_Disconnected EtcdSessionState = "disconnected"
)

// EtcdKvService implements KvService on etcd.
//
// Key layout under Prefix:
//
//	/nodes/<role>-<rank>             session marker, value is the session name
//	/layout                          ClusterLayout json, written by the scheduler
//	/ranges/<index>                  KeyRange json plus the server's lease, written by each server
//	/barrier/<group>/<mask>/<gen>/   one key per arrived node
//	/data/<key hex>                  pushed values
//
// Session, range and barrier keys are attached to the writer's lease. Data keys are attached to
// the lease of the server owning the key's range: they outlive the worker that pushed them and
// vanish with that server.
type EtcdKvService struct {
	cfg     EtcdKvConfig
	tracker *requestTracker

	startOnce    sync.Once
	sessionReady chan struct{}
	sessionErr   error
	client       *clientv3.Client
	lease        clientv3.LeaseID

	mu              sync.Mutex
	state           EtcdSessionState
	barrierGen      map[string]int
	lastSeen        map[Key]int64
	ranges          []KeyRange
	rangeLeases     []clientv3.LeaseID
	started         bool
	keepAliveCancel context.CancelFunc
	closeOnce       sync.Once
}

func NewEtcdKvService(cfg EtcdKvConfig) *EtcdKvService {
	if cfg.Prefix == "" {
		cfg.Prefix = "/gathercomm"
	}
	cfg.Prefix = strings.TrimRight(cfg.Prefix, "/")
	return &EtcdKvService{
		cfg:          cfg,
		tracker:      newRequestTracker(),
		sessionReady: make(chan struct{}),
		state:        ESS_Unknown,
		barrierGen:   map[string]int{},
		lastSeen:     map[Key]int64{},
	}
}

func (s *EtcdKvService) GetCurrentState() EtcdSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *EtcdKvService) setState(ctx context.Context, state EtcdSessionState, message string) {
	s.mu.Lock()
	oldState := s.state
	s.state = state
	s.mu.Unlock()
	if oldState != state {
		klogging.Info(ctx).
			With("node", s.cfg.Node.String()).
			With("oldState", oldState).
			With("newState", state).
			With("message", message).
			Log("EtcdSessionStateChange", "session state changed")
	}
}

// StartSession implements KvService: dial, grant a lease, start keepalive, register the node.
func (s *EtcdKvService) StartSession(ctx context.Context, groupId int, name string) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		s.setState(ctx, ESS_Connecting, "session starting")
		go func() {
			defer close(s.sessionReady)
			ke := kcommon.TryCatchRun(ctx, func() {
				s.startSession(ctx, groupId, name)
			})
			if ke != nil {
				s.sessionErr = ke
				s.setState(ctx, ESS_Disconnected, "session start failed")
				klogging.Error(ctx).WithError(ke).Log("EtcdSessionStartFailed", "")
				return
			}
			s.setState(ctx, ESS_Connected, "session started")
		}()
	})
}

func (s *EtcdKvService) startSession(ctx context.Context, groupId int, name string) {
	klogging.Info(ctx).
		With("endpoints", strings.Join(s.cfg.Endpoints, ",")).
		With("dialTimeoutMs", s.cfg.DialTimeoutMs).
		With("groupId", groupId).
		Log("EtcdSessionStarting", "creating etcd client")
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.cfg.Endpoints,
		DialTimeout: time.Duration(s.cfg.DialTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		panic(kerror.Wrap(err, "EtcdConnectError", "failed to connect to etcd", false).
			With("endpoints", strings.Join(s.cfg.Endpoints, ",")).
			WithErrorCode(kerror.EC_NETWORK_ERR))
	}
	s.client = cli

	grantCtx, cancel := s.opCtx(ctx)
	startTime := kcommon.GetMonoTimeMs()
	lease, err := cli.Grant(grantCtx, int64(s.cfg.LeaseTimeoutMs/1000))
	cancel()
	elapsedMs := kcommon.GetMonoTimeMs() - startTime
	if err != nil {
		panic(kerror.Wrap(err, "EtcdGrantError", "failed to grant lease", false).
			With("elapsedMs", elapsedMs).
			With("timeoutMs", s.cfg.RequestTimeoutMs).
			WithErrorCode(kerror.EC_NETWORK_ERR))
	}
	s.lease = lease.ID
	klogging.Info(ctx).With("leaseId", int64(lease.ID)).With("elapsedMs", elapsedMs).Log("EtcdLeaseGranted", "lease granted")

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.keepAliveCancel = keepAliveCancel
	s.mu.Unlock()
	keepAliveCh, err := cli.KeepAlive(keepAliveCtx, s.lease)
	if err != nil {
		keepAliveCancel()
		panic(kerror.Wrap(err, "EtcdKeepAliveError", "keepalive failed initially", false).
			WithErrorCode(kerror.EC_NETWORK_ERR))
	}
	go s.keepalive(keepAliveCtx, keepAliveCh)

	s.put(ctx, s.cfg.Prefix+"/nodes/"+s.cfg.Node.String(), name, s.lease)
}

func (s *EtcdKvService) keepalive(ctx context.Context, keepAliveCh <-chan *clientv3.LeaseKeepAliveResponse) {
	for {
		select {
		case <-ctx.Done():
			s.setState(context.Background(), ESS_Disconnected, "keepalive context canceled")
			return
		case ka, ok := <-keepAliveCh:
			if !ok {
				// lease expired or revoked, every key of this node is gone
				s.setState(context.Background(), ESS_Disconnected, "keepalive channel closed, lease lost")
				return
			}
			klogging.Verbose(ctx).With("lease", int64(ka.ID)).With("ttl", ka.TTL).Log("EtcdKeepAlive", "keepalive success")
		}
	}
}

func (s *EtcdKvService) awaitSession(ctx context.Context) error {
	select {
	case <-s.sessionReady:
		if s.sessionErr != nil {
			return s.sessionErr
		}
		if s.GetCurrentState() != ESS_Connected {
			return kerror.Create("EtcdSessionLost", "session not connected").
				With("node", s.cfg.Node.String()).
				With("state", s.GetCurrentState()).
				WithErrorCode(kerror.EC_NETWORK_ERR)
		}
		return nil
	case <-ctx.Done():
		return kerror.Wrap(ctx.Err(), "SessionStartCanceled", "canceled while waiting for session", false).
			WithErrorCode(kerror.EC_TIMEOUT)
	}
}

func (s *EtcdKvService) mustSession(ctx context.Context) {
	if err := s.awaitSession(ctx); err != nil {
		panic(err)
	}
}

func (s *EtcdKvService) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(s.cfg.RequestTimeoutMs)*time.Millisecond)
}

// put writes key under lease (clientv3.NoLease for none) and returns the revision of the write.
func (s *EtcdKvService) put(ctx context.Context, key, value string, lease clientv3.LeaseID) int64 {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	resp, err := s.client.Put(opCtx, key, value, clientv3.WithLease(lease))
	if err != nil {
		panic(kerror.Wrap(err, "EtcdPutError", "failed to put key", false).
			With("key", key).
			WithErrorCode(kerror.EC_NETWORK_ERR))
	}
	return resp.Header.Revision
}

func (s *EtcdKvService) get(ctx context.Context, key string, opts ...clientv3.OpOption) *clientv3.GetResponse {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	resp, err := s.client.Get(opCtx, key, opts...)
	if err != nil {
		panic(kerror.Wrap(err, "EtcdGetError", "failed to get key", false).
			With("key", key).
			WithErrorCode(kerror.EC_NETWORK_ERR))
	}
	return resp
}

// waitForChange blocks until key changes at or after fromRev.
// Returns early on compaction, callers re-read and wait again.
func (s *EtcdKvService) waitForChange(ctx context.Context, key string, fromRev int64) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for wresp := range s.client.Watch(watchCtx, key, clientv3.WithRev(fromRev)) {
		if wresp.CompactRevision > 0 {
			klogging.Warning(ctx).With("key", key).With("fromRev", fromRev).With("compactRevision", wresp.CompactRevision).Log("EtcdWatchCompacted", "watch revision compacted, re-reading")
			return
		}
		if err := wresp.Err(); err != nil {
			panic(kerror.Wrap(err, "EtcdWatchError", "watch failed", false).
				With("key", key).
				WithErrorCode(kerror.EC_NETWORK_ERR))
		}
		if len(wresp.Events) > 0 {
			return
		}
	}
	if ctx.Err() != nil {
		panic(kerror.Wrap(ctx.Err(), "EtcdWatchCanceled", "canceled while watching", false).
			With("key", key).
			WithErrorCode(kerror.EC_TIMEOUT))
	}
}

func (s *EtcdKvService) rangeKey(index int) string {
	return fmt.Sprintf("%s/ranges/%05d", s.cfg.Prefix, index)
}

func (s *EtcdKvService) dataKey(key Key) string {
	return fmt.Sprintf("%s/data/%016x", s.cfg.Prefix, uint64(key))
}

func (s *EtcdKvService) barrierPrefix(groupId int, roles RoleMask, gen int) string {
	return fmt.Sprintf("%s/barrier/%d/%d/%d/", s.cfg.Prefix, groupId, int(roles), gen)
}

// Barrier implements KvService.
func (s *EtcdKvService) Barrier(ctx context.Context, groupId int, roles RoleMask) error {
	return kcommon.AsError(kcommon.TryCatchRun(ctx, func() {
		s.mustSession(ctx)
		if !roles.Has(s.cfg.Node.Role) {
			panic(kerror.Create("BarrierRoleMismatch", "node role is not part of the barrier").
				With("node", s.cfg.Node.String()).
				With("roles", roles.String()).
				WithErrorCode(kerror.EC_INVALID_PARAMETER))
		}
		genKey := fmt.Sprintf("%d/%d", groupId, int(roles))
		s.mu.Lock()
		gen := s.barrierGen[genKey]
		s.barrierGen[genKey] = gen + 1
		s.mu.Unlock()

		prefix := s.barrierPrefix(groupId, roles, gen)
		rev := s.put(ctx, prefix+s.cfg.Node.String(), "1", s.lease)
		expected := s.cfg.Layout.Expected(roles)

		// Arrivals only ever add up. Nobody leaves before this node arrives, so every earlier
		// arrival is visible at rev even if that node has closed its session since.
		arrived := map[NodeId]bool{}
		resp := s.get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly(), clientv3.WithRev(rev))
		addBarrierArrivals(arrived, resp.Kvs, prefix, roles)
		for len(arrived) < expected {
			klogging.Debug(ctx).With("prefix", prefix).With("arrived", len(arrived)).With("expected", expected).Log("EtcdBarrierWait", "")
			rev = s.watchBarrierArrivals(ctx, prefix, roles, rev+1, arrived, expected)
		}
	}))
}

// watchBarrierArrivals records every node that arrives under prefix from fromRev on, ignoring
// departures. It returns once expected nodes arrived, or with the revision the caller resumes
// from after a compaction.
func (s *EtcdKvService) watchBarrierArrivals(ctx context.Context, prefix string, roles RoleMask, fromRev int64, arrived map[NodeId]bool, expected int) int64 {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for wresp := range s.client.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRev)) {
		if wresp.CompactRevision > 0 {
			klogging.Warning(ctx).With("prefix", prefix).With("fromRev", fromRev).With("compactRevision", wresp.CompactRevision).Log("EtcdWatchCompacted", "barrier watch compacted, re-reading")
			resp := s.get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
			addBarrierArrivals(arrived, resp.Kvs, prefix, roles)
			return resp.Header.Revision
		}
		if err := wresp.Err(); err != nil {
			panic(kerror.Wrap(err, "EtcdWatchError", "watch failed", false).
				With("key", prefix).
				WithErrorCode(kerror.EC_NETWORK_ERR))
		}
		for _, ev := range wresp.Events {
			if ev.Type == clientv3.EventTypePut {
				addBarrierArrivals(arrived, []*mvccpb.KeyValue{ev.Kv}, prefix, roles)
			}
		}
		if len(arrived) >= expected {
			return fromRev
		}
	}
	if ctx.Err() != nil {
		panic(kerror.Wrap(ctx.Err(), "EtcdWatchCanceled", "canceled while watching", false).
			With("key", prefix).
			WithErrorCode(kerror.EC_TIMEOUT))
	}
	return fromRev - 1
}

func addBarrierArrivals(arrived map[NodeId]bool, kvs []*mvccpb.KeyValue, prefix string, roles RoleMask) {
	for _, kv := range kvs {
		node, ok := parseNodeId(strings.TrimPrefix(string(kv.Key), prefix))
		if ok && roles.Has(node.Role) {
			arrived[node] = true
		}
	}
}

func parseNodeId(str string) (NodeId, bool) {
	idx := strings.LastIndex(str, "-")
	if idx <= 0 {
		return NodeId{}, false
	}
	role, ke := ParseNodeRole(str[:idx])
	if ke != nil {
		return NodeId{}, false
	}
	rank, err := strconv.Atoi(str[idx+1:])
	if err != nil {
		return NodeId{}, false
	}
	return NodeId{Role: role, Rank: rank}, true
}

// rangeRecord is the value stored under /ranges/<index>.
type rangeRecord struct {
	KeyRange
	OwnerLease int64 `json:"ownerLease,omitempty"`
}

// RegisterKeyRange is called by a server node to announce the range it owns. Values pushed
// into the range are attached to this node's lease from then on.
func (s *EtcdKvService) RegisterKeyRange(ctx context.Context, index int, kr KeyRange) error {
	return kcommon.AsError(kcommon.TryCatchRun(ctx, func() {
		s.mustSession(ctx)
		data, err := json.Marshal(rangeRecord{KeyRange: kr, OwnerLease: int64(s.lease)})
		if err != nil {
			panic(kerror.Wrap(err, "MarshalError", "failed to marshal key range", false))
		}
		s.put(ctx, s.rangeKey(index), string(data), s.lease)
		klogging.Info(ctx).With("index", index).With("range", kr.String()).Log("KeyRangeRegistered", "")
	}))
}

// PublishClusterLayout is called by the scheduler so every node can cross check its own view.
func (s *EtcdKvService) PublishClusterLayout(ctx context.Context) error {
	return kcommon.AsError(kcommon.TryCatchRun(ctx, func() {
		s.mustSession(ctx)
		data, err := json.Marshal(s.cfg.Layout)
		if err != nil {
			panic(kerror.Wrap(err, "MarshalError", "failed to marshal cluster layout", false))
		}
		s.put(ctx, s.cfg.Prefix+"/layout", string(data), clientv3.NoLease)
	}))
}

// LoadClusterLayout returns the layout published by the scheduler, found=false if none yet.
func (s *EtcdKvService) LoadClusterLayout(ctx context.Context) (layout ClusterLayout, found bool, err error) {
	err = kcommon.AsError(kcommon.TryCatchRun(ctx, func() {
		s.mustSession(ctx)
		resp := s.get(ctx, s.cfg.Prefix+"/layout")
		if len(resp.Kvs) == 0 {
			return
		}
		if jerr := json.Unmarshal(resp.Kvs[0].Value, &layout); jerr != nil {
			panic(kerror.Wrap(jerr, "UnmarshalError", "failed to unmarshal cluster layout", false))
		}
		found = true
	}))
	return
}

// GetShardKeyRanges implements KvService.
func (s *EtcdKvService) GetShardKeyRanges(ctx context.Context) (ranges []KeyRange, err error) {
	err = kcommon.AsError(kcommon.TryCatchRun(ctx, func() {
		s.mustSession(ctx)
		ranges, _ = s.loadKeyRanges(ctx)
	}))
	return
}

func (s *EtcdKvService) loadKeyRanges(ctx context.Context) ([]KeyRange, []clientv3.LeaseID) {
	prefix := s.cfg.Prefix + "/ranges/"
	resp := s.get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	ranges, leases := parseKeyRanges(resp, prefix)
	s.mu.Lock()
	s.ranges = ranges
	s.rangeLeases = leases
	s.mu.Unlock()
	return ranges, leases
}

// ownerLease returns the lease of the server whose range holds key, loading ranges on first use.
func (s *EtcdKvService) ownerLease(ctx context.Context, key Key) clientv3.LeaseID {
	s.mu.Lock()
	ranges, leases := s.ranges, s.rangeLeases
	s.mu.Unlock()
	if len(ranges) == 0 {
		ranges, leases = s.loadKeyRanges(ctx)
	}
	for i, kr := range ranges {
		if kr.Contains(key) {
			return leases[i]
		}
	}
	panic(kerror.Create("KeyOutOfRange", "key is not covered by any shard range").
		With("key", key).
		With("numRanges", len(ranges)).
		WithErrorCode(kerror.EC_INVALID_PARAMETER))
}

func parseKeyRanges(resp *clientv3.GetResponse, prefix string) ([]KeyRange, []clientv3.LeaseID) {
	ranges := make([]KeyRange, 0, len(resp.Kvs))
	leases := make([]clientv3.LeaseID, 0, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		index, err := strconv.Atoi(strings.TrimPrefix(string(kv.Key), prefix))
		if err != nil || index != i {
			panic(kerror.Create("KeyRangesIncomplete", "shard key ranges are not contiguous").
				With("key", string(kv.Key)).
				With("position", i).
				WithErrorCode(kerror.EC_INTERNAL_ERROR))
		}
		var rec rangeRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			panic(kerror.Wrap(err, "UnmarshalError", "failed to unmarshal key range", false).With("key", string(kv.Key)))
		}
		ranges = append(ranges, rec.KeyRange)
		leases = append(leases, clientv3.LeaseID(rec.OwnerLease))
	}
	return ranges, leases
}

// Push implements KvService. All keys of one request are written in a single transaction, each
// under the lease of the server owning it. Pushing into the range of a server that is gone fails.
func (s *EtcdKvService) Push(ctx context.Context, keys []Key, vals []byte, lens []int) RequestId {
	return s.tracker.Submit(ctx, "Push", func() {
		s.mustSession(ctx)
		parts := splitVals(keys, vals, lens)
		ops := make([]clientv3.Op, len(keys))
		for i, key := range keys {
			ops[i] = clientv3.OpPut(s.dataKey(key), string(parts[i]), clientv3.WithLease(s.ownerLease(ctx, key)))
		}
		opCtx, cancel := s.opCtx(ctx)
		defer cancel()
		if _, err := s.client.Txn(opCtx).Then(ops...).Commit(); err != nil {
			panic(kerror.Wrap(err, "EtcdPushError", "failed to push values", false).
				With("keys", len(keys)).
				WithErrorCode(kerror.EC_NETWORK_ERR))
		}
	})
}

// Pull implements KvService.
func (s *EtcdKvService) Pull(ctx context.Context, keys []Key, vals *[]byte, lens *[]int) RequestId {
	return s.tracker.Submit(ctx, "Pull", func() {
		s.mustSession(ctx)
		for _, key := range keys {
			val := s.pullOne(ctx, key)
			*vals = append(*vals, val...)
			*lens = append(*lens, len(val))
		}
	})
}

func (s *EtcdKvService) pullOne(ctx context.Context, key Key) []byte {
	etcdKey := s.dataKey(key)
	s.mu.Lock()
	seen := s.lastSeen[key]
	s.mu.Unlock()
	for {
		resp := s.get(ctx, etcdKey)
		if len(resp.Kvs) > 0 && resp.Kvs[0].ModRevision > seen {
			kv := resp.Kvs[0]
			s.mu.Lock()
			s.lastSeen[key] = kv.ModRevision
			s.mu.Unlock()
			return kv.Value
		}
		s.waitForChange(ctx, etcdKey, resp.Header.Revision+1)
	}
}

// Wait implements KvService.
func (s *EtcdKvService) Wait(ctx context.Context, id RequestId) error {
	return s.tracker.Wait(ctx, id)
}

// Close implements KvService: revokes the lease and closes the client. A server's close drops
// every value pushed into its range, a worker's close leaves its pushed values in place.
func (s *EtcdKvService) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		klogging.Info(ctx).With("node", s.cfg.Node.String()).Log("EtcdSessionClosing", "")
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			// bring-up owns client and lease until it finishes
			select {
			case <-s.sessionReady:
			case <-ctx.Done():
				return
			}
		}
		s.mu.Lock()
		cancel := s.keepAliveCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if s.client == nil {
			return
		}
		if s.lease != 0 {
			revokeCtx, done := s.opCtx(context.Background())
			_, _ = s.client.Revoke(revokeCtx, s.lease)
			done()
		}
		_ = s.client.Close()
		s.setState(ctx, ESS_Disconnected, "closed")
	})
}
