package comm

import (
	"context"

	"github.com/xinkaiwang/gathercomm/libs/kvprov"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/klogging"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kmetrics"
)

const (
	sessionGroupId = 0
	sessionName    = "gathercomm"
)

// KvServiceFactory creates the (not yet started) coordination client for a worker.
type KvServiceFactory func(ctx context.Context, topo *WorkerTopology) (kvprov.KvService, error)

type SessionOptions struct {
	NewKvService KvServiceFactory // required when the topology is distributed

	// PullConcurrency bounds in-flight pulls during AllGather; <= 1 pulls one shard at a time.
	PullConcurrency int
}

// Session is an open, barrier-synchronized connection to the coordination service.
// A single-node session holds no service at all.
type Session struct {
	topo            *WorkerTopology
	kv              kvprov.KvService
	pullConcurrency int
}

// OpenSession starts the coordination session and blocks in the startup barrier until every
// worker, server and the scheduler have arrived. Single-node topologies return a local handle
// without touching any service. Failures are returned as SessionError and never retried.
func OpenSession(ctx context.Context, topo *WorkerTopology, opts SessionOptions) (*Session, error) {
	session := &Session{
		topo:            topo,
		pullConcurrency: opts.PullConcurrency,
	}
	if !topo.IsDistributed() {
		klogging.Info(ctx).With("workerId", topo.WorkerId).Log("LocalSessionOpened", "single node, no coordination service")
		return session, nil
	}
	err := kmetrics.InstrumentSummaryRunError(ctx, "OpenSession", func(ctx context.Context) error {
		return kcommon.AsError(kcommon.TryCatchRun(ctx, func() {
			session.kv = openKvSession(ctx, topo, opts.NewKvService)
		}))
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func openKvSession(ctx context.Context, topo *WorkerTopology, factory KvServiceFactory) kvprov.KvService {
	if factory == nil {
		panic(newSessionError("no coordination service configured for a distributed topology", nil).
			With("numWorkers", topo.NumWorkers))
	}
	kv, err := factory(ctx, topo)
	if err != nil {
		panic(newSessionError("failed to create coordination client", err))
	}

	kv.StartSession(ctx, sessionGroupId, sessionName)
	klogging.Info(ctx).
		With("workerId", topo.WorkerId).
		With("roles", kvprov.AllRoles.String()).
		With("expected", topo.Layout().Expected(kvprov.AllRoles)).
		Log("StartupBarrierEnter", "waiting for every role")
	startMs := kcommon.GetMonoTimeMs()
	if err := kv.Barrier(ctx, sessionGroupId, kvprov.AllRoles); err != nil {
		kv.Close(ctx)
		panic(newSessionError("startup barrier failed", err).With("workerId", topo.WorkerId))
	}
	klogging.Info(ctx).
		With("workerId", topo.WorkerId).
		With("elapsedMs", kcommon.GetMonoTimeMs()-startMs).
		Log("StartupBarrierLeave", "all roles arrived")
	return kv
}

func (s *Session) Topology() *WorkerTopology {
	return s.topo
}

func (s *Session) IsDistributed() bool {
	return s.kv != nil
}

// KvService returns the underlying client, nil for a single-node session.
func (s *Session) KvService() kvprov.KvService {
	return s.kv
}

func (s *Session) Close(ctx context.Context) {
	if s.kv != nil {
		s.kv.Close(ctx)
	}
}
