package repl

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/schema"
)

// newestSample is how many newest rows to compare per table when two
// nodes report equal counts, mirroring distributed_ha_manager.py's
// newest-N-rows content check.
const newestSample = 10

// Reconciler runs periodic full reconciliation: for each replicated table,
// compare row counts and id ranges across every node and copy rows toward
// whichever side is behind. Grounded on
// distributed_ha_manager.py's _full_sync_loop/_check_and_sync_data.
type Reconciler struct {
	registry *cluster.Registry
	pools    map[string]*pgxpool.Pool // node name -> pool
	interval time.Duration
	localGet func() string // returns the local node name, for "only run as primary"
}

// NewReconciler builds a Reconciler. localNode is this process's own node
// name, used to gate full reconciliation to the primary only.
func NewReconciler(registry *cluster.Registry, pools map[string]*pgxpool.Pool, cfg cmn.SyncConfig, localNode string) *Reconciler {
	interval := cfg.FullSyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		registry: registry,
		pools:    pools,
		interval: interval,
		localGet: func() string { return localNode },
	}
}

// Start runs the reconciliation loop until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// RunNow forces one full reconciliation pass immediately, backing
// POST /api/force-sync. Like the ticker-driven path, it is a no-op unless
// the local node is currently primary.
func (r *Reconciler) RunNow(ctx context.Context) {
	r.runOnce(ctx)
}

// SyncOnce forward-syncs every replicated table from srcNode to dstNode,
// used by the failover controller's best-effort catch-up step (§4.9) ahead
// of promoting dstNode to primary. Errors are returned to the caller
// rather than merely logged, so a failover that requested
// wait_for_catchup can decide whether to keep waiting; the automatic,
// non-blocking path logs and ignores them (expected-drift class).
func (r *Reconciler) SyncOnce(ctx context.Context, srcNode, dstNode string) error {
	srcPool, ok := r.pools[srcNode]
	if !ok {
		return nil
	}
	dstPool, ok := r.pools[dstNode]
	if !ok {
		return nil
	}
	for _, name := range schema.ReplicatedTables {
		table, ok := schema.ByName(name)
		if !ok {
			continue
		}
		srcStats, err := fetchStats(ctx, srcPool, table)
		if err != nil {
			return err
		}
		dstStats, err := fetchStats(ctx, dstPool, table)
		if err != nil {
			return err
		}
		if srcStats.MaxID > dstStats.MaxID {
			if err := r.copyForward(ctx, table, srcPool, dstPool, dstStats.MaxID, dstNode); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) runOnce(ctx context.Context) {
	view := r.registry.Get()
	if view.Primary == nil || view.Primary.Name != r.localGet() {
		return // only the primary drives full reconciliation
	}

	for _, name := range schema.ReplicatedTables {
		table, ok := schema.ByName(name)
		if !ok {
			continue
		}
		if err := r.reconcileTable(ctx, view, table); err != nil {
			glog.Errorf("repl: reconcile %s: %v", name, err)
		}
	}
}

func (r *Reconciler) reconcileTable(ctx context.Context, view *cluster.View, table schema.Table) error {
	primaryPool, ok := r.pools[view.Primary.Name]
	if !ok {
		return nil
	}
	primaryStats, err := fetchStats(ctx, primaryPool, table)
	if err != nil {
		return err
	}

	for _, node := range view.Secondaries() {
		pool, ok := r.pools[node.Name]
		if !ok {
			continue
		}
		if err := r.reconcilePair(ctx, table, primaryPool, primaryStats, pool, node.Name); err != nil {
			glog.Errorf("repl: reconcile %s against %s: %v", table.Name, node.Name, err)
		}
	}
	return nil
}

// reconcilePair compares the primary's stats against one secondary and
// copies rows in whichever direction the comparison calls for. Deletes are
// never inferred or propagated here -- only missing/stale rows are copied.
func (r *Reconciler) reconcilePair(ctx context.Context, table schema.Table, primaryPool *pgxpool.Pool, primaryStats tableStats, secondaryPool *pgxpool.Pool, secondaryName string) error {
	secondaryStats, err := fetchStats(ctx, secondaryPool, table)
	if err != nil {
		return err
	}

	switch {
	case primaryStats.MaxID > secondaryStats.MaxID:
		return r.copyForward(ctx, table, primaryPool, secondaryPool, secondaryStats.MaxID, secondaryName)
	case secondaryStats.MaxID > primaryStats.MaxID:
		glog.Warningf("repl: %s on %s has rows past primary's max id (%d > %d); copying them back to primary",
			table.Name, secondaryName, secondaryStats.MaxID, primaryStats.MaxID)
		return r.copyForward(ctx, table, secondaryPool, primaryPool, primaryStats.MaxID, "primary")
	case primaryStats.Count == secondaryStats.Count:
		return r.syncNewestContent(ctx, table, primaryPool, secondaryPool, secondaryName)
	default:
		// Same max id, differing counts: secondary is missing interior rows.
		// Re-walk from the start; no cheaper full-table diff is attempted.
		return r.copyForward(ctx, table, primaryPool, secondaryPool, 0, secondaryName)
	}
}

func (r *Reconciler) copyForward(ctx context.Context, table schema.Table, src, dst *pgxpool.Pool, afterID int64, dstName string) error {
	const pageSize = 500
	copied := 0
	for {
		rows, err := fetchRowsAfter(ctx, src, table, afterID, pageSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := upsertRawRow(ctx, dst, table, row); err != nil {
				return err
			}
			copied++
		}
		if id, ok := asInt64(rows[len(rows)-1][table.PK]); ok {
			afterID = id
		} else {
			break
		}
		if len(rows) < pageSize {
			break
		}
	}
	if copied > 0 {
		glog.Infof("repl: reconciliation copied %d rows of %s onto %s", copied, table.Name, dstName)
	}
	return nil
}

// syncNewestContent handles the case where both sides report the same row
// count but may disagree on content: it compares the newest-N rows'
// updated_at and re-copies any that differ, the per-id content sync path
// from _sync_table_missing_records.
func (r *Reconciler) syncNewestContent(ctx context.Context, table schema.Table, primaryPool, secondaryPool *pgxpool.Pool, secondaryName string) error {
	primaryNewest, err := fetchNewest(ctx, primaryPool, table, newestSample)
	if err != nil {
		return err
	}
	secondaryNewest, err := fetchNewest(ctx, secondaryPool, table, newestSample)
	if err != nil {
		return err
	}
	secondaryByID := make(map[int64]time.Time, len(secondaryNewest))
	for _, r := range secondaryNewest {
		secondaryByID[r.ID] = r.UpdatedAt
	}

	stale := 0
	for _, pr := range primaryNewest {
		if ts, ok := secondaryByID[pr.ID]; !ok || ts.Before(pr.UpdatedAt) {
			row, found, err := fetchRow(ctx, primaryPool, table, pr.ID)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if err := upsertRawRow(ctx, secondaryPool, table, row); err != nil {
				return err
			}
			stale++
		}
	}
	if stale > 0 {
		glog.Infof("repl: reconciliation refreshed %d stale rows of %s on %s", stale, table.Name, secondaryName)
	}
	return nil
}
