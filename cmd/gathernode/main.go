package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/xinkaiwang/gathercomm/internal/config"
	"github.com/xinkaiwang/gathercomm/libs/comm"
	"github.com/xinkaiwang/gathercomm/libs/kvprov"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kcommon"
	"github.com/xinkaiwang/gathercomm/libs/xklib/klogging"
	"github.com/xinkaiwang/gathercomm/libs/xklib/kmetrics"
	"github.com/xinkaiwang/gathercomm/libs/xklib/ksysmetrics"
	"go.opencensus.io/metric/metricproducer"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadNodeConfig()
	if err != nil {
		klogging.Fatal(ctx).WithError(err).Log("ConfigError", "failed to load node config")
	}

	ctx, ctxInfo := klogging.CreateCtxInfo(ctx)
	ctxInfo.With("role", string(cfg.Role)).With("version", Version)

	logrusLogger := klogging.NewLogrusLogger(ctx).WithMetricsReporter(logMetricsReporter{})
	logrusLogger.SetConfig(ctx, cfg.LogLevel, cfg.LogFormat)
	klogging.SetDefaultLogger(logrusLogger)
	klogging.Info(ctx).With("logLevel", cfg.LogLevel).With("logFormat", cfg.LogFormat).Log("LogLevelSet", "")

	kmetrics.GetKmetricsRegistry().AddGlobalTag("role", string(cfg.Role))
	metricsServer := startMetricsServer(ctx, cfg.MetricsPort)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		klogging.Info(ctx).With("signal", sig.String()).Log("NodeShutdown", "shutting down")
		cancel()
	}()

	klogging.Info(ctx).
		With("etcdEndpoints", cfg.EtcdEndpoints).
		With("etcdPrefix", cfg.EtcdPrefix).
		Log("NodeStarting", "starting gathernode")
	switch cfg.Role {
	case kvprov.NR_Server:
		runServer(ctx, cfg)
	case kvprov.NR_Scheduler:
		runScheduler(ctx, cfg)
	default:
		runWorker(ctx, cfg)
	}

	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			klogging.Error(ctx).WithError(err).Log("MetricsServerShutdownError", "metrics server shutdown error")
		}
	}
	klogging.Info(ctx).Log("NodeStopped", "")
}

func startMetricsServer(ctx context.Context, port int) *http.Server {
	if port == 0 {
		klogging.Info(ctx).Log("MetricsDisabled", "METRICS_PORT is 0")
		return nil
	}
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "gathercomm",
	})
	if err != nil {
		klogging.Fatal(ctx).WithError(err).Log("PrometheusExporterError", "failed to create prometheus exporter")
	}
	metricproducer.GlobalManager().AddProducer(kmetrics.GetKmetricsRegistry())
	metricproducer.GlobalManager().AddProducer(ksysmetrics.GetRegistry(Version))

	mux := http.NewServeMux()
	mux.Handle("/metrics", pe)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		klogging.Info(ctx).With("addr", server.Addr).Log("MetricsServerStarting", "metrics server starting")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			klogging.Error(ctx).WithError(err).Log("MetricsServerError", "metrics server error")
		}
	}()
	return server
}

// runWorker opens the session and gathers every worker's local size as a demo payload.
func runWorker(ctx context.Context, cfg *config.NodeConfig) {
	topo, err := comm.ResolveTopologyFromOs()
	if err != nil {
		klogging.Fatal(ctx).WithError(err).Log("TopologyError", "failed to resolve topology")
	}
	ctx, ctxInfo := klogging.CreateCtxInfo(ctx)
	ctxInfo.With("workerId", strconv.Itoa(topo.WorkerId))
	cc, err := comm.NewClusterContext(ctx, topo, comm.SessionOptions{
		NewKvService: func(ctx context.Context, topo *comm.WorkerTopology) (kvprov.KvService, error) {
			return kvprov.NewEtcdKvService(cfg.EtcdKvConfig(cfg.NodeId(topo.WorkerId), topo.Layout())), nil
		},
		PullConcurrency: cfg.PullConcurrency,
	})
	if err != nil {
		klogging.Fatal(ctx).WithError(err).Log("SessionError", "failed to open session")
	}
	defer cc.Close(ctx)
	checkPublishedLayout(ctx, cc)

	numShards := 1
	if cc.IsDistributed() {
		numShards = topo.NumServers
	}
	shards := make([][]int32, numShards)
	for i := range shards {
		shards[i] = make([]int32, numShards)
	}
	for i := range shards[cc.GetWorkerId()] {
		shards[cc.GetWorkerId()][i] = int32(cc.GetLocalSize())
	}
	if err := cc.AllGatherInt32(ctx, shards); err != nil {
		klogging.Fatal(ctx).WithError(err).Log("AllGatherError", "allgather failed")
	}
	klogging.Info(ctx).
		With("workerId", cc.GetWorkerId()).
		With("globalSize", cc.GetGlobalSize()).
		With("gathered", fmt.Sprint(shards)).
		Log("AllGatherResult", "")
}

// checkPublishedLayout compares this worker's view of the cluster with the scheduler's record.
func checkPublishedLayout(ctx context.Context, cc *comm.ClusterContext) {
	etcdKv, ok := cc.Session().KvService().(*kvprov.EtcdKvService)
	if !ok {
		return
	}
	published, found, err := etcdKv.LoadClusterLayout(ctx)
	if err != nil {
		klogging.Warning(ctx).WithError(err).Log("LayoutCheckSkipped", "failed to load published layout")
		return
	}
	if found && published != cc.Topology().Layout() {
		klogging.Fatal(ctx).
			With("published", published).
			With("local", cc.Topology().Layout()).
			Log("LayoutMismatch", "worker env disagrees with the scheduler")
	}
}

// runServer registers this server's key range and holds its lease until shutdown.
func runServer(ctx context.Context, cfg *config.NodeConfig) {
	layout, err := comm.ResolveClusterLayout(kcommon.OsEnv())
	if err != nil {
		klogging.Fatal(ctx).WithError(err).Log("TopologyError", "failed to resolve cluster layout")
	}
	if cfg.ServerId < 0 || cfg.ServerId >= layout.NumServers {
		klogging.Fatal(ctx).
			With("serverId", cfg.ServerId).
			With("numServers", layout.NumServers).
			Log("ConfigError", "server id out of range")
	}
	svc := kvprov.NewEtcdKvService(cfg.EtcdKvConfig(cfg.NodeId(0), layout))
	defer svc.Close(context.Background())
	svc.StartSession(ctx, 0, "gathercomm")

	kr := kvprov.UniformKeyRanges(layout.NumServers)[cfg.ServerId]
	if err := svc.RegisterKeyRange(ctx, cfg.ServerId, kr); err != nil {
		klogging.Fatal(ctx).WithError(err).Log("SessionError", "failed to register key range")
	}
	joinBarrierAndHold(ctx, svc)
}

// runScheduler publishes the cluster layout and holds its session until shutdown.
func runScheduler(ctx context.Context, cfg *config.NodeConfig) {
	layout, err := comm.ResolveClusterLayout(kcommon.OsEnv())
	if err != nil {
		klogging.Fatal(ctx).WithError(err).Log("TopologyError", "failed to resolve cluster layout")
	}
	svc := kvprov.NewEtcdKvService(cfg.EtcdKvConfig(cfg.NodeId(0), layout))
	defer svc.Close(context.Background())
	svc.StartSession(ctx, 0, "gathercomm")

	if err := svc.PublishClusterLayout(ctx); err != nil {
		klogging.Fatal(ctx).WithError(err).Log("SessionError", "failed to publish cluster layout")
	}
	joinBarrierAndHold(ctx, svc)
}

func joinBarrierAndHold(ctx context.Context, svc *kvprov.EtcdKvService) {
	err := kmetrics.InstrumentSummaryRunError(ctx, "Barrier", func(ctx context.Context) error {
		return svc.Barrier(ctx, 0, kvprov.AllRoles)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		klogging.Fatal(ctx).WithError(err).Log("SessionError", "startup barrier failed")
	}
	klogging.Info(ctx).Log("StartupBarrierLeave", "all roles arrived, holding session")
	<-ctx.Done()
}
