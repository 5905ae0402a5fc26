package repl

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/schema"
)

// AlertFunc is invoked when an applied operation hits a non-drift error
// (schema mismatch, connection failure) that should page an operator
// rather than be silently absorbed as expected replication lag.
type AlertFunc func(target string, op Op, err error)

// Workers drains Log and applies each operation against every configured
// target pool, grounded on distributed_ha_manager.py's _sync_loop: a tight
// incremental loop that runs continuously, woken either by a ticker or by
// new data landing in the log.
type Workers struct {
	log       *Log
	pools     map[string]*pgxpool.Pool // target node name -> pool
	interval  time.Duration
	batchSize int
	onAlert   AlertFunc
	enabled   atomic.Bool
}

// NewWorkers builds a Workers instance. pools maps each replication
// target's node name to an already-open pool; interval and batchSize come
// from cmn.SyncConfig (IncrementalSyncInterval, BatchSize).
func NewWorkers(log *Log, pools map[string]*pgxpool.Pool, cfg cmn.SyncConfig, onAlert AlertFunc) *Workers {
	interval := cfg.IncrementalSyncInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	w := &Workers{log: log, pools: pools, interval: interval, batchSize: batch, onAlert: onAlert}
	w.enabled.Store(true)
	return w
}

// SetEnabled toggles automatic replication, backing POST /api/sync/{enable,disable}.
// Disabling does not stop the drain loop; it simply makes drainAndApply a
// no-op, so pending ops keep accumulating in Log rather than being lost.
func (w *Workers) SetEnabled(v bool) { w.enabled.Store(v) }

// Enabled reports whether automatic replication is currently turned on.
func (w *Workers) Enabled() bool { return w.enabled.Load() }

// Start runs the drain loop until ctx is canceled. Each tick (or Log.Wake
// signal) drains every pending operation and applies it against all
// targets concurrently, bounded to batchSize in flight across all targets.
func (w *Workers) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainAndApply(ctx)
		case <-w.log.Wake():
			w.drainAndApply(ctx)
		}
	}
}

func (w *Workers) drainAndApply(ctx context.Context) {
	if !w.enabled.Load() {
		return
	}
	ops := w.log.Drain()
	if len(ops) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.batchSize)

	for target, pool := range w.pools {
		target, pool := target, pool
		for _, op := range ops {
			if !opTargets(op, target) {
				continue
			}
			op := op
			g.Go(func() error {
				w.applyOne(gctx, target, pool, op)
				return nil
			})
		}
	}
	_ = g.Wait() // applyOne never returns an error to the group; failures are logged/alerted per-op
}

// opTargets reports whether op should be applied to target: an empty
// Targets list means "replicate everywhere".
func opTargets(op Op, target string) bool {
	if len(op.Targets) == 0 {
		return true
	}
	for _, t := range op.Targets {
		if t == target {
			return true
		}
	}
	return false
}

func (w *Workers) applyOne(ctx context.Context, target string, pool *pgxpool.Pool, op Op) {
	table, ok := schema.ByName(op.Table)
	if !ok {
		glog.Errorf("repl: worker for %s: unknown table %q in op %s", target, op.Table, op.ID)
		return
	}

	var err error
	switch op.Kind {
	case OpInsert:
		err = upsert(ctx, pool, table, op.RowID, op.Payload)
	case OpUpdate:
		err = applyUpdate(ctx, pool, table, op.RowID, op.Payload)
	case OpDelete:
		err = applyDelete(ctx, pool, table, op.RowID)
	default:
		glog.Errorf("repl: worker for %s: unknown op kind %q", target, op.Kind)
		return
	}
	if err == nil {
		return
	}

	if errors.Is(err, cmn.ErrExpectedDrift) {
		glog.V(2).Infof("repl: worker for %s: expected drift applying op %s: %v", target, op.ID, err)
		return
	}

	glog.Errorf("repl: worker for %s: op %s failed: %v", target, op.ID, err)
	if w.onAlert != nil {
		w.onAlert(target, op, err)
	}
}
