package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NVIDIA/imgcrawld/api"
	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/crawl"
	"github.com/NVIDIA/imgcrawld/failover"
	"github.com/NVIDIA/imgcrawld/hastore"
	"github.com/NVIDIA/imgcrawld/repl"
	"github.com/NVIDIA/imgcrawld/rpc"
	"github.com/NVIDIA/imgcrawld/schema"
	"github.com/NVIDIA/imgcrawld/stats"
	"github.com/NVIDIA/imgcrawld/transport"
)

// Run loads configuration, wires every package into a running process, and
// blocks until an interrupt signal or a fatal startup error. Two listeners
// (control-plane API, inter-node RPC) plus the HA background loops are
// started and stopped together, mirroring the teacher's ais/daemon.go
// dual-network rungroup shutdown discipline without importing its
// proxy/target-specific machinery.
func Run(configPath string) int {
	cfg, err := cmn.Load(configPath)
	if err != nil {
		glog.Errorf("imgcrawld: load config: %v", err)
		return 1
	}
	cmn.GCO().Put(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := cluster.NewRegistry(cfg.HA)
	if err != nil {
		glog.Errorf("imgcrawld: build node registry: %v", err)
		return 1
	}

	localNode := cfg.HA.LocalNodeName
	localNodeCfg, ok := findNode(cfg.HA, localNode)
	if !ok {
		glog.Errorf("imgcrawld: local_node_name %q not present in ha.nodes", localNode)
		return 1
	}

	if err := schema.Migrate(localNodeCfg.DatabaseURL); err != nil {
		glog.Errorf("imgcrawld: apply schema migrations: %v", err)
		return 1
	}

	pools, closePools, err := openPools(ctx, cfg.HA)
	if err != nil {
		glog.Errorf("imgcrawld: open node connection pools: %v", err)
		return 1
	}
	defer closePools()

	metrics := stats.New()
	log := repl.NewLog(cfg.Sync.MaxQueueSize)

	onAlert := func(target string, op repl.Op, applyErr error) {
		glog.Errorf("imgcrawld: sync alert: target=%s table=%s op=%s: %v", target, op.Table, op.Kind, applyErr)
		metrics.RecordAlert("sync_error", "warning")
	}
	workers := repl.NewWorkers(log, pools, cfg.Sync, onAlert)
	reconciler := repl.NewReconciler(registry, pools, cfg.Sync, localNode)
	failoverController := failover.New(registry, reconciler, cfg.Failover)
	failoverController.OnEvent(func(ev failover.Event) {
		glog.Warningf("imgcrawld: failover event state=%s %s->%s reason=%q err=%v",
			ev.State, ev.OldPrimary, ev.NewPrimary, ev.Reason, ev.Err)
		metrics.RecordFailover()
	})

	healthMonitor := cluster.NewHealthMonitor(registry, cfg.Failover, func(ev cluster.AlertEvent) {
		if ev.Firing {
			metrics.RecordAlert(ev.Metric, ev.Severity)
		}
	})

	haCluster := hastore.NewCluster(registry, pools, log, localNode)

	session := transport.New(transport.Options{
		UseRandomUserAgent: cfg.Crawler.AntiScraping.UseRandomUserAgent,
		UseProxy:           cfg.Crawler.AntiScraping.UseProxy,
		ProxyList:          cfg.Crawler.AntiScraping.ProxyList,
		RandomDelay:        cfg.Crawler.AntiScraping.RandomDelay,
		MinDelay:           cfg.Crawler.AntiScraping.MinDelay,
		MaxDelay:           cfg.Crawler.AntiScraping.MaxDelay,
		RandomizeHeaders:   cfg.Crawler.AntiScraping.RandomizeHeaders,
	})
	engineOpts := crawl.Options{
		MaxConcurrent: cfg.Crawler.MaxConcurrent,
		MaxDepth:      cfg.Crawler.MaxDepth,
		MaxImages:     cfg.Crawler.MaxImages,
		MaxPages:      cfg.Crawler.MaxPages,
	}

	apiServer := api.New(session, cfg.Crawler.DownloadPath, engineOpts, haCluster)
	rpcServer := rpc.New(localNode, registry, log, workers, reconciler, failoverController)

	apiHTTP := &http.Server{Addr: fmt.Sprintf(":%d", cfg.APIPort), Handler: apiServer}
	rpcHTTP := &http.Server{Addr: fmt.Sprintf(":%d", cfg.RPCPort), Handler: rpcServer}

	runHTTP(apiHTTP, "api")
	runHTTP(rpcHTTP, "rpc")
	go healthMonitor.Start(ctx)
	go workers.Start(ctx)
	go reconciler.Start(ctx)
	go stats.NewRunner(metrics, registry, log, 10*time.Second).Start(ctx)
	go evaluateFailoverOnFailCount(ctx, registry, failoverController, cfg.Failover)

	glog.Infof("imgcrawld: node %s up, api=:%d rpc=:%d", localNode, cfg.APIPort, cfg.RPCPort)
	<-ctx.Done()
	glog.Infof("imgcrawld: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiHTTP.Shutdown(shutdownCtx)
	_ = rpcHTTP.Shutdown(shutdownCtx)
	return 0
}

func findNode(cfg cmn.HAConfig, name string) (cmn.NodeConfig, bool) {
	for _, n := range cfg.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return cmn.NodeConfig{}, false
}

// openPools builds one pgxpool.Pool per configured node, used by the repl
// and hastore packages for per-target replicated writes.
func openPools(ctx context.Context, cfg cmn.HAConfig) (map[string]*pgxpool.Pool, func(), error) {
	pools := make(map[string]*pgxpool.Pool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		pool, err := pgxpool.New(ctx, n.DatabaseURL)
		if err != nil {
			for _, p := range pools {
				p.Close()
			}
			return nil, nil, fmt.Errorf("%w: open pool for %s: %v", cmn.ErrSchemaOrConn, n.Name, err)
		}
		pools[n.Name] = pool
	}
	closeAll := func() {
		for _, p := range pools {
			p.Close()
		}
	}
	return pools, closeAll, nil
}

// runHTTP starts srv in the background and logs (rather than crashing the
// process on) a post-Shutdown ErrServerClosed, matching net/http's
// documented idiom.
func runHTTP(srv *http.Server, name string) {
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("imgcrawld: %s listener on %s exited: %v", name, srv.Addr, err)
		}
	}()
}

// evaluateFailoverOnFailCount polls the primary's consecutive-failure
// counter and drives the automatic-failover path, per §4.9: "HealthMonitor
// callback invokes Controller.Evaluate when the primary's FailCount reaches
// detection_threshold."  HealthMonitor itself only reports response-time/
// connection/error-rate alerts, so this loop is the glue that reads the
// counter HealthMonitor already maintains on cluster.Node.
func evaluateFailoverOnFailCount(ctx context.Context, registry *cluster.Registry, ctrl *failover.Controller, cfg cmn.FailoverConfig) {
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			view := registry.Get()
			if view.Primary == nil {
				continue
			}
			ctrl.Evaluate(ctx, view.Primary.Name, int(view.Primary.FailCount.Load()))
		}
	}
}
