// Package kvprov binds the sharded key-value coordination service used to bootstrap a
// gather cluster: shard key ranges, a multi-role barrier, and push/pull of small payloads.
//
// Two implementations are provided: EtcdKvService for real clusters and FakeKvCluster, an
// in-memory cluster that hands out one FakeKvClient per simulated node.
package kvprov

import (
	"context"
	"fmt"
	"strings"

	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
)

// Key addresses one value in the coordination service.
type Key uint64

// MaxKey is the upper bound of the key space split across shards.
const MaxKey = Key(^uint64(0))

// KeyRange is the half-open key interval [Begin, End) owned by one shard.
type KeyRange struct {
	Begin Key `json:"begin"`
	End   Key `json:"end"`
}

func (kr KeyRange) Size() uint64 {
	return uint64(kr.End - kr.Begin)
}

func (kr KeyRange) Contains(key Key) bool {
	return key >= kr.Begin && key < kr.End
}

func (kr KeyRange) String() string {
	return fmt.Sprintf("[%d,%d)", kr.Begin, kr.End)
}

// UniformKeyRanges splits [0, MaxKey) into numShards equal ranges.
func UniformKeyRanges(numShards int) []KeyRange {
	if numShards <= 0 {
		panic(kerror.Create("InvalidShardCount", "shard count must be positive").
			With("numShards", numShards).
			WithErrorCode(kerror.EC_INVALID_PARAMETER))
	}
	ranges := make([]KeyRange, numShards)
	step := uint64(MaxKey) / uint64(numShards)
	for i := 0; i < numShards; i++ {
		ranges[i] = KeyRange{
			Begin: Key(step * uint64(i)),
			End:   Key(step * uint64(i+1)),
		}
	}
	return ranges
}

// RoleMask selects node roles, values follow the classic parameter-server group ids.
type RoleMask int

const (
	RoleScheduler RoleMask = 1
	RoleServer    RoleMask = 2
	RoleWorker    RoleMask = 4

	AllRoles = RoleScheduler | RoleServer | RoleWorker
)

func (mask RoleMask) Has(role NodeRole) bool {
	return mask&role.Mask() != 0
}

func (mask RoleMask) String() string {
	var names []string
	for _, role := range []NodeRole{NR_Worker, NR_Server, NR_Scheduler} {
		if mask.Has(role) {
			names = append(names, string(role))
		}
	}
	return strings.Join(names, "+")
}

type NodeRole string

const (
	NR_Worker    NodeRole = "worker"
	NR_Server    NodeRole = "server"
	NR_Scheduler NodeRole = "scheduler"
)

func (role NodeRole) Mask() RoleMask {
	switch role {
	case NR_Worker:
		return RoleWorker
	case NR_Server:
		return RoleServer
	case NR_Scheduler:
		return RoleScheduler
	default:
		return 0
	}
}

func ParseNodeRole(str string) (NodeRole, *kerror.Kerror) {
	switch role := NodeRole(strings.ToLower(strings.TrimSpace(str))); role {
	case NR_Worker, NR_Server, NR_Scheduler:
		return role, nil
	default:
		return "", kerror.Create("UnknownNodeRole", "node role must be worker, server or scheduler").
			With("role", str).
			WithErrorCode(kerror.EC_CONFIG).
			WithoutStack()
	}
}

// NodeId identifies one process of the cluster.
type NodeId struct {
	Role NodeRole
	Rank int
}

func (id NodeId) String() string {
	return fmt.Sprintf("%s-%d", id.Role, id.Rank)
}

// ClusterLayout is how many nodes of each role take part in a barrier.
type ClusterLayout struct {
	NumWorkers int `json:"numWorkers"`
	NumServers int `json:"numServers"`
}

// Expected returns the number of barrier arrivals required for mask.
func (layout ClusterLayout) Expected(mask RoleMask) int {
	expected := 0
	if mask.Has(NR_Worker) {
		expected += layout.NumWorkers
	}
	if mask.Has(NR_Server) {
		expected += layout.NumServers
	}
	if mask.Has(NR_Scheduler) {
		expected++
	}
	return expected
}

type RequestId int64

// KvService is the capability set the gather coordinator consumes.
//
// Push and Pull are asynchronous: they return immediately and Wait blocks until the
// request completes. Push borrows vals until its Wait returns. Pull appends into the
// caller-owned *vals / *lens, which must not be touched before Wait returns.
type KvService interface {
	// StartSession brings the session up in the background; every other call waits for it.
	StartSession(ctx context.Context, groupId int, name string)

	// Barrier blocks until every node whose role is in roles has entered the same barrier.
	Barrier(ctx context.Context, groupId int, roles RoleMask) error

	// GetShardKeyRanges returns one range per shard, ordered by shard index.
	GetShardKeyRanges(ctx context.Context) ([]KeyRange, error)

	// Push stores vals split by lens under keys, len(keys) == len(lens), sum(lens) == len(vals).
	Push(ctx context.Context, keys []Key, vals []byte, lens []int) RequestId

	// Pull fetches keys. A pull only completes once the key has been written since this
	// client last pulled it, so a value is never returned twice. It returns whatever was
	// written last: a peer that already pushed its next round overwrites the value a slow
	// reader has not pulled yet, so callers keep rounds apart (e.g. with a Barrier).
	Pull(ctx context.Context, keys []Key, vals *[]byte, lens *[]int) RequestId

	// Wait blocks until the request completes, returns its error.
	Wait(ctx context.Context, id RequestId) error

	Close(ctx context.Context)
}

// splitVals validates a push request and slices vals into one value per key.
func splitVals(keys []Key, vals []byte, lens []int) [][]byte {
	if len(keys) != len(lens) {
		panic(kerror.Create("InvalidPushRequest", "keys and lens must have the same length").
			With("keys", len(keys)).
			With("lens", len(lens)).
			WithErrorCode(kerror.EC_INVALID_PARAMETER))
	}
	parts := make([][]byte, len(keys))
	offset := 0
	for i, l := range lens {
		if l <= 0 || offset+l > len(vals) {
			panic(kerror.Create("InvalidPushRequest", "value length out of range").
				With("key", keys[i]).
				With("len", l).
				With("offset", offset).
				With("vals", len(vals)).
				WithErrorCode(kerror.EC_INVALID_PARAMETER))
		}
		parts[i] = vals[offset : offset+l]
		offset += l
	}
	if offset != len(vals) {
		panic(kerror.Create("InvalidPushRequest", "lens do not cover vals").
			With("sumLens", offset).
			With("vals", len(vals)).
			WithErrorCode(kerror.EC_INVALID_PARAMETER))
	}
	return parts
}
