package comm

import (
	"context"
)

// ClusterContext owns the topology and session of one participant. It is created once at
// startup and passed explicitly; several contexts may live side by side in one process.
type ClusterContext struct {
	topo    *WorkerTopology
	session *Session
}

// NewClusterContext resolves nothing by itself: topology comes from ResolveTopology*, and the
// session is opened (including the startup barrier) before the context is returned.
func NewClusterContext(ctx context.Context, topo *WorkerTopology, opts SessionOptions) (*ClusterContext, error) {
	session, err := OpenSession(ctx, topo, opts)
	if err != nil {
		return nil, err
	}
	return &ClusterContext{topo: topo, session: session}, nil
}

// InitClusterContextFromOs resolves the topology from the process environment and opens the session.
func InitClusterContextFromOs(ctx context.Context, opts SessionOptions) (*ClusterContext, error) {
	topo, err := ResolveTopologyFromOs()
	if err != nil {
		return nil, err
	}
	return NewClusterContext(ctx, topo, opts)
}

func (cc *ClusterContext) IsDistributed() bool {
	return cc.topo.IsDistributed()
}

func (cc *ClusterContext) GetLocalSize() int {
	return cc.topo.LocalSize
}

func (cc *ClusterContext) GetNumWorkers() int {
	return cc.topo.NumWorkers
}

func (cc *ClusterContext) GetWorkerId() int {
	return cc.topo.WorkerId
}

func (cc *ClusterContext) GetGlobalSize() int {
	return cc.topo.GlobalSize
}

func (cc *ClusterContext) Topology() *WorkerTopology {
	return cc.topo
}

func (cc *ClusterContext) Session() *Session {
	return cc.session
}

// AllGatherInt32 is AllGather for the common int32 element type.
func (cc *ClusterContext) AllGatherInt32(ctx context.Context, shards [][]int32) error {
	return AllGather(ctx, cc.session, shards)
}

func (cc *ClusterContext) Close(ctx context.Context) {
	cc.session.Close(ctx)
}
