// Package failover implements the failover controller: detecting a dead
// primary, electing a replacement, and switching the cluster over to it.
// Grounded directly on the teacher's ais/vote.go proxy-election state
// machine (proxyElection/doProxyElection/electAmongProxies/
// confirmElectionVictory), generalized from "elect a new primary proxy"
// to "fail over the primary database node".
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package failover

import (
	"container/ring"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/cmn/jsp"
	"github.com/NVIDIA/imgcrawld/schema"
	"go.uber.org/atomic"
)

// State is the controller's current phase, the same shape as the
// teacher's proxy election states, generalized to a database failover.
type State int32

const (
	StateNormal State = iota
	StateDetecting
	StateSwitching
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateDetecting:
		return "detecting"
	case StateSwitching:
		return "switching"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one append-only record of a failover attempt, kept in a
// bounded ring history.
type Event struct {
	OldPrimary string
	NewPrimary string
	State      State
	Reason     string
	At         time.Time
	Err        error
}

// Reconciler is the subset of *repl.Reconciler the controller needs,
// narrowed to an interface so tests can substitute a fake.
type Reconciler interface {
	SyncOnce(ctx context.Context, srcNode, dstNode string) error
}

// SchemaValidator is the subset of the schema package's target-validation
// behavior the controller needs for §4.9 step 1, narrowed to an interface so
// tests can substitute a fake instead of requiring a live Postgres target.
type SchemaValidator interface {
	TablesExist(ctx context.Context, dsn string) (bool, error)
	Migrate(dsn string) error
}

// packageSchemaValidator is the production SchemaValidator, delegating to
// the schema package's migration-backed implementation.
type packageSchemaValidator struct{}

func (packageSchemaValidator) TablesExist(ctx context.Context, dsn string) (bool, error) {
	return schema.TablesExist(ctx, dsn)
}

func (packageSchemaValidator) Migrate(dsn string) error {
	return schema.Migrate(dsn)
}

// Controller runs the Normal -> Detecting -> Switching -> {Completed|Failed}
// -> Normal state machine. Only one failover proceeds at a time, enforced
// by inFlight, the same single-flight shape as the teacher's
// xreg.RenewElection() guard.
type Controller struct {
	registry   *cluster.Registry
	reconciler Reconciler
	schema     SchemaValidator
	cfg        cmn.FailoverConfig

	state    atomic.Int32
	inFlight sync.Mutex

	mu        sync.Mutex
	history   *ring.Ring
	callbacks []func(Event)

	historyFile string
}

const historySize = 100

// persistedEvent is Event's on-disk shape: error is flattened to a string
// since error isn't itself JSON-serializable.
type persistedEvent struct {
	OldPrimary string    `json:"old_primary"`
	NewPrimary string    `json:"new_primary"`
	State      State     `json:"state"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
	Err        string    `json:"err,omitempty"`
}

// New builds a Controller bound to registry and reconciler, using cfg for
// timeouts, thresholds, the wait_for_catchup decision, and (if
// cfg.HistoryFile is set) a path to persist the event history across
// restarts -- otherwise the history ring starts empty every time, the
// same as before this field existed.
func New(registry *cluster.Registry, reconciler Reconciler, cfg cmn.FailoverConfig) *Controller {
	c := &Controller{
		registry:    registry,
		reconciler:  reconciler,
		schema:      packageSchemaValidator{},
		cfg:         cfg,
		history:     ring.New(historySize),
		historyFile: cfg.HistoryFile,
	}
	c.state.Store(int32(StateNormal))
	c.loadHistory()
	return c
}

// loadHistory restores a previously persisted event history, best-effort:
// a missing or corrupt file just leaves the controller's history empty,
// same as a fresh process.
func (c *Controller) loadHistory() {
	if c.historyFile == "" {
		return
	}
	var events []persistedEvent
	if err := jsp.Load(c.historyFile, &events); err != nil {
		glog.Infof("failover: no persisted history loaded from %s: %v", c.historyFile, err)
		return
	}
	for _, pe := range events {
		ev := Event{OldPrimary: pe.OldPrimary, NewPrimary: pe.NewPrimary, State: pe.State, Reason: pe.Reason, At: pe.At}
		if pe.Err != "" {
			ev.Err = errors.New(pe.Err)
		}
		c.history.Value = ev
		c.history = c.history.Next()
	}
}

// saveHistory persists the current event history, best-effort: a write
// failure is logged and otherwise ignored, since the in-memory ring
// remains the source of truth for the running process.
func (c *Controller) saveHistory() {
	if c.historyFile == "" {
		return
	}
	var out []persistedEvent
	c.history.Do(func(v any) {
		if v == nil {
			return
		}
		ev := v.(Event)
		pe := persistedEvent{OldPrimary: ev.OldPrimary, NewPrimary: ev.NewPrimary, State: ev.State, Reason: ev.Reason, At: ev.At}
		if ev.Err != nil {
			pe.Err = ev.Err.Error()
		}
		out = append(out, pe)
	})
	if err := jsp.Save(c.historyFile, out); err != nil {
		glog.Warningf("failover: persist history to %s: %v", c.historyFile, err)
	}
}

// OnEvent registers a callback invoked synchronously after every recorded
// event, the teacher's xele.Finish(nil) completion-notify idiom.
func (c *Controller) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// State reports the controller's current phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// History returns a copy of the bounded event history, oldest first.
func (c *Controller) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	c.history.Do(func(v any) {
		if v != nil {
			out = append(out, v.(Event))
		}
	})
	return out
}

// Evaluate is the automatic-path entrypoint, called periodically by the
// daemon with the current primary's FailCount. It is a no-op unless
// auto-failover is enabled, failCount has reached cfg.DetectionThreshold,
// and nodeName is the current primary.
func (c *Controller) Evaluate(ctx context.Context, nodeName string, failCount int) {
	if !c.cfg.EnableAutoFailover {
		return
	}
	if failCount < c.cfg.DetectionThreshold {
		return
	}
	view := c.registry.Get()
	if view.Primary == nil || view.Primary.Name != nodeName {
		return
	}
	if _, err := c.Trigger(ctx, fmt.Sprintf("primary %s failed %d consecutive health checks", nodeName, failCount)); err != nil {
		glog.Errorf("failover: automatic trigger for %s failed: %v", nodeName, err)
	}
}

// Trigger runs one failover attempt synchronously, selecting the best
// healthy candidate and switching to it. Returns cmn.ErrFailoverInFlight
// if another attempt is already running.
func (c *Controller) Trigger(ctx context.Context, reason string) (Event, error) {
	if !c.inFlight.TryLock() {
		return Event{}, cmn.ErrFailoverInFlight
	}
	defer c.inFlight.Unlock()

	c.state.Store(int32(StateDetecting))
	view := c.registry.Get()
	oldPrimary := ""
	if view.Primary != nil {
		oldPrimary = view.Primary.Name
	}

	target := selectTarget(view)
	if target == nil {
		ev := c.record(Event{OldPrimary: oldPrimary, State: StateFailed, Reason: reason, Err: cmn.ErrNoHealthyPrimary})
		c.state.Store(int32(StateFailed))
		return ev, cmn.ErrNoHealthyPrimary
	}

	c.state.Store(int32(StateSwitching))
	if err := c.switchTo(ctx, oldPrimary, target.Name); err != nil {
		ev := c.record(Event{OldPrimary: oldPrimary, NewPrimary: target.Name, State: StateFailed, Reason: reason, Err: err})
		c.state.Store(int32(StateNormal))
		return ev, err
	}

	ev := c.record(Event{OldPrimary: oldPrimary, NewPrimary: target.Name, State: StateCompleted, Reason: reason})
	c.state.Store(int32(StateNormal))
	return ev, nil
}

// selectTarget picks the best candidate: healthy secondary/standby nodes
// sorted by Priority ascending, the teacher's "next in line" selection
// simplified from rendezvous hashing to a plain priority sort per spec
// §4.9.
func selectTarget(view *cluster.View) *cluster.Node {
	candidates := view.Secondaries()
	healthy := candidates[:0:0]
	for _, n := range candidates {
		if n.HealthStatus() == cluster.HealthHealthy {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].Priority < healthy[j].Priority })
	return healthy[0]
}

// switchTo validates the target's schema, runs a best-effort (or blocking,
// per wait_for_catchup) forward sync, promotes the target in the local
// registry, and leaves post-failover callbacks to the caller of Trigger via
// OnEvent. It sends no role-change notification to peer nodes.
func (c *Controller) switchTo(ctx context.Context, oldPrimary, targetName string) error {
	timeout := c.cfg.FailoverTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	switchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.validateTarget(switchCtx, targetName); err != nil {
		return err
	}

	if err := c.forwardSync(switchCtx, oldPrimary, targetName); err != nil {
		// Forward-sync failure is expected-drift class (old primary may be
		// unreachable precisely because it's the thing that died); never
		// fatal to the switch itself.
		glog.Warningf("failover: best-effort forward sync %s -> %s failed: %v", oldPrimary, targetName, err)
	}

	if _, err := c.registry.SetPrimary(targetName); err != nil {
		return fmt.Errorf("promote %s: %w", targetName, err)
	}
	return nil
}

// validateTarget implements §4.9 step 1: the target must be connectable and
// carry every replicated table, creating missing tables from the schema
// migrations if it doesn't. Per §7's Schema error path, a target that's
// still missing tables after a migration attempt aborts the failover rather
// than promoting a node the replicated writes can't land on.
func (c *Controller) validateTarget(ctx context.Context, targetName string) error {
	view := c.registry.Get()
	node, ok := view.Nodes[targetName]
	if !ok {
		return fmt.Errorf("%w: unknown failover target %s", cmn.ErrSchemaOrConn, targetName)
	}

	ok, err := c.schema.TablesExist(ctx, node.DBURL)
	if err != nil {
		return fmt.Errorf("validate target %s: %w", targetName, err)
	}
	if ok {
		return nil
	}

	glog.Warningf("failover: target %s missing replicated tables, applying migrations", targetName)
	if err := c.schema.Migrate(node.DBURL); err != nil {
		return fmt.Errorf("create missing tables on target %s: %w", targetName, err)
	}

	ok, err = c.schema.TablesExist(ctx, node.DBURL)
	if err != nil {
		return fmt.Errorf("re-validate target %s: %w", targetName, err)
	}
	if !ok {
		return fmt.Errorf("%w: target %s still missing replicated tables after migration", cmn.ErrSchema, targetName)
	}
	return nil
}

func (c *Controller) forwardSync(ctx context.Context, oldPrimary, targetName string) error {
	if c.reconciler == nil || oldPrimary == "" {
		return nil
	}
	if !c.cfg.WaitForCatchup {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := c.reconciler.SyncOnce(bgCtx, oldPrimary, targetName); err != nil {
				glog.Warningf("failover: opportunistic post-promote sync %s -> %s failed: %v", oldPrimary, targetName, err)
			}
		}()
		return nil
	}
	return c.reconciler.SyncOnce(ctx, oldPrimary, targetName)
}

func (c *Controller) record(ev Event) Event {
	ev.At = time.Now()
	c.mu.Lock()
	c.history.Value = ev
	c.history = c.history.Next()
	callbacks := append([]func(Event){}, c.callbacks...)
	c.mu.Unlock()

	c.saveHistory()
	for _, fn := range callbacks {
		fn(ev)
	}
	return ev
}
