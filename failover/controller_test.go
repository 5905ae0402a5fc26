package failover

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/cmn"
)

type fakeReconciler struct {
	err error
}

func (f *fakeReconciler) SyncOnce(ctx context.Context, src, dst string) error { return f.err }

// fakeSchemaValidator stands in for a live Postgres target: by default every
// target already has its tables, so tests exercise the failover state
// machine without a real database connection.
type fakeSchemaValidator struct {
	exists     bool
	existsErr  error
	migrateErr error
}

func (f *fakeSchemaValidator) TablesExist(ctx context.Context, dsn string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeSchemaValidator) Migrate(dsn string) error {
	f.exists = true
	return f.migrateErr
}

func newTestController(reg *cluster.Registry, reconciler Reconciler, cfg cmn.FailoverConfig) *Controller {
	c := New(reg, reconciler, cfg)
	c.schema = &fakeSchemaValidator{exists: true}
	return c
}

func testRegistry(t *testing.T) *cluster.Registry {
	t.Helper()
	reg, err := cluster.NewRegistry(cmn.HAConfig{
		LocalNodeName: "p",
		Nodes: []cmn.NodeConfig{
			{Name: "p", Role: "primary", Priority: 1},
			{Name: "s1", Role: "secondary", Priority: 2},
			{Name: "s2", Role: "secondary", Priority: 3},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func markHealthy(view *cluster.View, names ...string) {
	for _, n := range names {
		view.Nodes[n].Health.Store(string(cluster.HealthHealthy))
	}
}

func TestTriggerPromotesLowestPriorityHealthySecondary(t *testing.T) {
	reg := testRegistry(t)
	markHealthy(reg.Get(), "s1", "s2")

	c := newTestController(reg, &fakeReconciler{}, cmn.FailoverConfig{EnableAutoFailover: true, WaitForCatchup: true})
	ev, err := c.Trigger(context.Background(), "test")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if ev.NewPrimary != "s1" {
		t.Fatalf("expected s1 (lowest priority secondary) promoted, got %s", ev.NewPrimary)
	}
	if ev.State != StateCompleted {
		t.Fatalf("expected StateCompleted, got %v", ev.State)
	}
	if c.State() != StateNormal {
		t.Fatalf("expected controller back to Normal after success, got %v", c.State())
	}

	view := reg.Get()
	if view.Primary.Name != "s1" {
		t.Fatalf("expected registry primary to be s1, got %s", view.Primary.Name)
	}
}

func TestTriggerFailsWithNoHealthyCandidate(t *testing.T) {
	reg := testRegistry(t)
	// leave secondaries in HealthUnknown (never marked healthy)

	c := New(reg, &fakeReconciler{}, cmn.FailoverConfig{})
	_, err := c.Trigger(context.Background(), "test")
	if !errors.Is(err, cmn.ErrNoHealthyPrimary) {
		t.Fatalf("expected ErrNoHealthyPrimary, got %v", err)
	}
	if c.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", c.State())
	}
}

func TestTriggerRejectsConcurrentFailover(t *testing.T) {
	reg := testRegistry(t)
	markHealthy(reg.Get(), "s1", "s2")

	blocking := &fakeReconciler{}
	c := New(reg, blocking, cmn.FailoverConfig{WaitForCatchup: false})

	c.inFlight.Lock()
	defer c.inFlight.Unlock()

	_, err := c.Trigger(context.Background(), "second attempt")
	if !errors.Is(err, cmn.ErrFailoverInFlight) {
		t.Fatalf("expected ErrFailoverInFlight, got %v", err)
	}
}

func TestHistoryRecordsEvents(t *testing.T) {
	reg := testRegistry(t)
	markHealthy(reg.Get(), "s1")

	c := newTestController(reg, &fakeReconciler{}, cmn.FailoverConfig{WaitForCatchup: true})
	if _, err := c.Trigger(context.Background(), "test"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	hist := c.History()
	if len(hist) != 1 {
		t.Fatalf("expected 1 history event, got %d", len(hist))
	}
	if hist[0].NewPrimary != "s1" {
		t.Errorf("unexpected event: %+v", hist[0])
	}
}

func TestHistoryPersistsAcrossRestart(t *testing.T) {
	reg := testRegistry(t)
	markHealthy(reg.Get(), "s1")

	historyFile := filepath.Join(t.TempDir(), "failover-history.json")

	c := newTestController(reg, &fakeReconciler{}, cmn.FailoverConfig{WaitForCatchup: true, HistoryFile: historyFile})
	if _, err := c.Trigger(context.Background(), "test"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	reg2 := testRegistry(t)
	c2 := newTestController(reg2, &fakeReconciler{}, cmn.FailoverConfig{WaitForCatchup: true, HistoryFile: historyFile})
	hist := c2.History()
	if len(hist) != 1 {
		t.Fatalf("expected 1 restored history event, got %d", len(hist))
	}
	if hist[0].NewPrimary != "s1" || hist[0].State != StateCompleted {
		t.Errorf("unexpected restored event: %+v", hist[0])
	}
}

func TestHistoryLoadIsNoOpWhenFileMissing(t *testing.T) {
	reg := testRegistry(t)
	historyFile := filepath.Join(t.TempDir(), "does-not-exist.json")

	c := New(reg, &fakeReconciler{}, cmn.FailoverConfig{HistoryFile: historyFile})
	if len(c.History()) != 0 {
		t.Fatalf("expected empty history when no file exists yet")
	}
}

func TestTriggerMigratesTargetMissingTables(t *testing.T) {
	reg := testRegistry(t)
	markHealthy(reg.Get(), "s1")

	c := New(reg, &fakeReconciler{}, cmn.FailoverConfig{WaitForCatchup: true})
	validator := &fakeSchemaValidator{exists: false}
	c.schema = validator

	ev, err := c.Trigger(context.Background(), "test")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if ev.State != StateCompleted {
		t.Fatalf("expected StateCompleted after migrating missing tables, got %v", ev.State)
	}
	if !validator.exists {
		t.Fatalf("expected Migrate to have been called against the target")
	}
}

func TestTriggerAbortsWhenTargetTablesCannotBeCreated(t *testing.T) {
	reg := testRegistry(t)
	markHealthy(reg.Get(), "s1")

	c := New(reg, &fakeReconciler{}, cmn.FailoverConfig{WaitForCatchup: true})
	c.schema = &fakeSchemaValidator{exists: false, migrateErr: errors.New("target unreachable")}

	ev, err := c.Trigger(context.Background(), "test")
	if err == nil {
		t.Fatalf("expected Trigger to fail when the target's tables can't be created")
	}
	if ev.State != StateFailed {
		t.Fatalf("expected StateFailed, got %v", ev.State)
	}

	view := reg.Get()
	if view.Primary.Name != "p" {
		t.Fatalf("expected primary to remain p after aborted failover, got %s", view.Primary.Name)
	}
}

func TestOnEventCallbackInvoked(t *testing.T) {
	reg := testRegistry(t)
	markHealthy(reg.Get(), "s1")

	c := newTestController(reg, &fakeReconciler{}, cmn.FailoverConfig{WaitForCatchup: true})

	done := make(chan Event, 1)
	c.OnEvent(func(ev Event) { done <- ev })

	if _, err := c.Trigger(context.Background(), "test"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	select {
	case ev := <-done:
		if ev.NewPrimary != "s1" {
			t.Errorf("unexpected callback event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnEvent callback to fire")
	}
}
