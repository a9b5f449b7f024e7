package comm

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/xinkaiwang/gathercomm/libs/kvprov"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kerror"
	"github.com/xinkaiwang/gathercomm/libs/xklib/klogging"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kmetrics"
	"golang.org/x/sync/errgroup"
)

var (
	KvBytesMetric = kmetrics.CreateKmetric(context.Background(), "gather_kv_bytes", "bytes moved through the coordination service", []string{"direction"})
)

// Element is a fixed-width numeric type that can travel through AllGather.
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// AllGather fills shards in place so that shards[i] holds what worker i published.
//
// shards must have one row per shard, and every row exactly one element per shard. This
// worker's row is pushed as is and never written; every other row is overwritten by the
// pulled value. A single shard is returned untouched without any network call.
func AllGather[T Element](ctx context.Context, s *Session, shards [][]T) error {
	return kmetrics.InstrumentSummaryRunError(ctx, "AllGather", func(ctx context.Context) error {
		return kcommon.AsError(kcommon.TryCatchRun(ctx, func() {
			allGather(ctx, s, shards)
		}))
	})
}

func allGather[T Element](ctx context.Context, s *Session, shards [][]T) {
	if !s.IsDistributed() {
		validateShape(shards, 1, 0)
		return
	}

	ranges, err := s.kv.GetShardKeyRanges(ctx)
	if err != nil {
		panic(newSessionError("failed to get shard key ranges", err))
	}
	numShards := len(ranges)
	self := s.topo.WorkerId
	validateShape(shards, numShards, self)
	if numShards == 1 {
		return
	}

	startMs := kcommon.GetMonoTimeMs()
	valLen := numShards * elementSize[T]()
	klogging.Debug(ctx).
		With("workerId", self).
		With("numShards", numShards).
		With("valLen", valLen).
		Log("AllGatherBegin", "")

	// publish
	val := encodeShard(shards[self])
	id := s.kv.Push(ctx, []kvprov.Key{shardKey(ranges, self)}, val, []int{len(val)})
	if err := s.kv.Wait(ctx, id); err != nil {
		panic(newSessionError("failed to push shard", err).With("shard", self))
	}
	KvBytesMetric.GetTimeSequence(ctx, "push").Add(int64(len(val)))

	// fetch
	pullOne := func(ctx context.Context, j int) error {
		return kcommon.AsError(kcommon.TryCatchRun(ctx, func() {
			pullShard(ctx, s.kv, shardKey(ranges, j), valLen, shards[j])
		}))
	}
	if s.pullConcurrency <= 1 {
		for j := 0; j < numShards; j++ {
			if j == self {
				continue
			}
			if err := pullOne(ctx, j); err != nil {
				panic(err)
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.pullConcurrency)
		for j := 0; j < numShards; j++ {
			if j == self {
				continue
			}
			j := j
			g.Go(func() error { return pullOne(gctx, j) })
		}
		if err := g.Wait(); err != nil {
			panic(err)
		}
	}

	klogging.Info(ctx).
		With("workerId", self).
		With("numShards", numShards).
		With("pullConcurrency", s.pullConcurrency).
		With("elapsedMs", kcommon.GetMonoTimeMs()-startMs).
		Log("AllGatherDone", "")
}

// shardKey is the key shard i is stored under: offset i inside range i.
func shardKey(ranges []kvprov.KeyRange, i int) kvprov.Key {
	return ranges[i].Begin + kvprov.Key(i)
}

func pullShard[T Element](ctx context.Context, kv kvprov.KvService, key kvprov.Key, valLen int, dst []T) {
	var vals []byte
	var lens []int
	id := kv.Pull(ctx, []kvprov.Key{key}, &vals, &lens)
	if err := kv.Wait(ctx, id); err != nil {
		panic(newSessionError("failed to pull shard", err).With("key", key))
	}
	if len(lens) != 1 || lens[0] != valLen || len(vals) != valLen {
		panic(newShapeMismatchError("pulled value has unexpected length").
			With("key", key).
			With("expected", valLen).
			With("actual", len(vals)))
	}
	KvBytesMetric.GetTimeSequence(ctx, "pull").Add(int64(len(vals)))
	if err := binary.Read(bytes.NewReader(vals), binary.LittleEndian, dst); err != nil {
		panic(kerror.Wrap(err, "DecodeError", "failed to decode shard", false).
			With("key", key).
			WithErrorCode(kerror.EC_INTERNAL_ERROR))
	}
}

// validateShape enforces len(shards) == numShards and len(row) == numShards for every row.
// Rows are never truncated or padded.
func validateShape[T Element](shards [][]T, numShards int, self int) {
	if len(shards) != numShards {
		panic(newShapeMismatchError("shard count does not match the key ranges").
			With("shards", len(shards)).
			With("numShards", numShards))
	}
	if self >= numShards {
		panic(newShapeMismatchError("worker id has no shard").
			With("workerId", self).
			With("numShards", numShards))
	}
	for i, row := range shards {
		if len(row) != numShards {
			panic(newShapeMismatchError("shard length must equal the shard count").
				With("shard", i).
				With("len", len(row)).
				With("numShards", numShards))
		}
	}
}

func elementSize[T Element]() int {
	var zero T
	return binary.Size(zero)
}

func encodeShard[T Element](row []T) []byte {
	var buf bytes.Buffer
	buf.Grow(len(row) * elementSize[T]())
	if err := binary.Write(&buf, binary.LittleEndian, row); err != nil {
		panic(kerror.Wrap(err, "EncodeError", "failed to encode shard", false).
			WithErrorCode(kerror.EC_INTERNAL_ERROR))
	}
	return buf.Bytes()
}
