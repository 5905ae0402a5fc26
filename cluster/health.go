package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/NVIDIA/imgcrawld/cmn"
)

// AlertRule is one threshold-with-hold-duration rule evaluated each cycle,
// grounded on original_source/database/health_monitor.py's alert rule
// table.
type AlertRule struct {
	Metric    string // "response_time" | "connection_count" | "error_count"
	Threshold float64
	Duration  time.Duration
	Severity  string
}

// DefaultAlertRules mirrors the original's default rule set.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{Metric: "response_time", Threshold: 2.0, Duration: 30 * time.Second, Severity: "warning"},
		{Metric: "connection_count", Threshold: 80, Duration: 60 * time.Second, Severity: "warning"},
		{Metric: "error_count", Threshold: 5, Duration: 60 * time.Second, Severity: "critical"},
	}
}

// AlertEvent is emitted when a rule transitions between firing and clear.
type AlertEvent struct {
	NodeName string
	Metric   string
	Severity string
	Firing   bool
	Value    float64
	At       time.Time
}

type nodeMetrics struct {
	responseTime    time.Duration
	connectionCount int
	errorCount      int
}

// HealthMonitor runs the §4.6 periodic health-check, replication-lag, and
// alert-evaluation loop. Grounded on the teacher's ais/daemon.go
// background-loop shape.
type HealthMonitor struct {
	registry         *Registry
	interval         time.Duration
	failureThreshold int
	rules            []AlertRule
	onAlert          func(AlertEvent)

	mu        sync.Mutex
	pools     map[string]*sql.DB
	ruleSince map[string]time.Time // "<node>/<metric>" -> first-held-since
	ruleFired map[string]bool
}

func NewHealthMonitor(registry *Registry, cfg cmn.FailoverConfig, onAlert func(AlertEvent)) *HealthMonitor {
	return &HealthMonitor{
		registry:         registry,
		interval:         cfg.HealthCheckInterval,
		failureThreshold: cfg.FailureThreshold,
		rules:            DefaultAlertRules(),
		onAlert:          onAlert,
		pools:            make(map[string]*sql.DB),
		ruleSince:        make(map[string]time.Time),
		ruleFired:        make(map[string]bool),
	}
}

func (m *HealthMonitor) poolFor(n *Node) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.pools[n.Name]; ok {
		return db, nil
	}
	db, err := sql.Open("pgx", n.DBURL)
	if err != nil {
		return nil, fmt.Errorf("%w: open pool for %s: %v", cmn.ErrSchemaOrConn, n.Name, err)
	}
	db.SetMaxOpenConns(5)
	m.pools[n.Name] = db
	return db, nil
}

// Start runs the health/lag/alert loop until ctx is cancelled, matching the
// teacher's explicit Start(ctx)/background-loop lifecycle.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *HealthMonitor) tick(ctx context.Context) {
	view := m.registry.Get()
	now := time.Time{}
	metrics := make(map[string]nodeMetrics, len(view.Nodes))

	for _, n := range view.Nodes {
		start := time.Now()
		var wallClock time.Time
		err := m.probe(ctx, n, &wallClock)
		rt := time.Since(start)
		connCount := 0
		if err == nil {
			connCount = m.connectionCount(ctx, n)
		}
		metrics[n.Name] = nodeMetrics{responseTime: rt, connectionCount: connCount}

		if err != nil {
			fails := n.FailCount.Inc()
			n.LastError.Store(err.Error())
			glog.Warningf("cluster: health probe failed for %s (fail_count=%d): %v", n.Name, fails, err)
			if int(fails) >= m.failureThreshold {
				n.Health.Store(string(HealthOffline))
			} else {
				n.Health.Store(string(HealthWarning))
			}
			continue
		}
		n.FailCount.Store(0)
		n.Health.Store(string(HealthHealthy))
		n.LastCheck.Store(time.Now().UnixNano())
		n.LastError.Store("")

		if n.Role == RolePrimary {
			now = wallClock
		}
	}

	if !now.IsZero() {
		for _, n := range view.Nodes {
			if n.Role == RolePrimary {
				continue
			}
			var secWallClock time.Time
			if err := m.readWallClock(ctx, n, &secWallClock); err != nil {
				continue
			}
			lag := now.Sub(secWallClock)
			if lag < 0 {
				lag = 0
			}
			n.LagSeconds.Store(lag.Seconds())
			if lag > 60*time.Second {
				glog.Warningf("cluster: replication lag on %s is %s", n.Name, lag)
			}
		}
	}

	m.evaluateAlerts(view, metrics)
}

func (m *HealthMonitor) probe(ctx context.Context, n *Node, wallClock *time.Time) error {
	db, err := m.poolFor(n)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var one int
	if err := db.QueryRowContext(probeCtx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: SELECT 1 on %s: %v", cmn.ErrSchemaOrConn, n.Name, err)
	}
	return m.readWallClock(ctx, n, wallClock)
}

// connectionCount queries pg_stat_activity for the node's current backend
// count, feeding the connection_count alert rule.
func (m *HealthMonitor) connectionCount(ctx context.Context, n *Node) int {
	db, err := m.poolFor(n)
	if err != nil {
		return 0
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var count int
	if err := db.QueryRowContext(probeCtx, "SELECT count(*) FROM pg_stat_activity").Scan(&count); err != nil {
		return 0
	}
	return count
}

func (m *HealthMonitor) readWallClock(ctx context.Context, n *Node, wallClock *time.Time) error {
	db, err := m.poolFor(n)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.QueryRowContext(probeCtx, "SELECT now()").Scan(wallClock)
}

// evaluateAlerts runs the §4.6 duration-hold rule table: a rule must hold
// continuously for its Duration before it fires, grounded on
// original_source/database/health_monitor.py's threshold-duration logic.
func (m *HealthMonitor) evaluateAlerts(view *View, metrics map[string]nodeMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, n := range view.Nodes {
		nm := metrics[n.Name]
		errCount := int(n.FailCount.Load())
		values := map[string]float64{
			"response_time":    nm.responseTime.Seconds(),
			"connection_count": float64(nm.connectionCount),
			"error_count":      float64(errCount),
		}
		for _, rule := range m.rules {
			key := n.Name + "/" + rule.Metric
			value, ok := values[rule.Metric]
			if !ok {
				continue
			}
			breached := value >= rule.Threshold
			if !breached {
				delete(m.ruleSince, key)
				if m.ruleFired[key] {
					m.ruleFired[key] = false
					m.emitAlert(AlertEvent{NodeName: n.Name, Metric: rule.Metric, Severity: rule.Severity, Firing: false, Value: value, At: now})
				}
				continue
			}
			since, tracked := m.ruleSince[key]
			if !tracked {
				since = now
				m.ruleSince[key] = now
			}
			if !m.ruleFired[key] && now.Sub(since) >= rule.Duration {
				m.ruleFired[key] = true
				m.emitAlert(AlertEvent{NodeName: n.Name, Metric: rule.Metric, Severity: rule.Severity, Firing: true, Value: value, At: now})
			}
		}
	}
}

func (m *HealthMonitor) emitAlert(ev AlertEvent) {
	glog.Warningf("cluster: alert %s on %s metric=%s firing=%v value=%.2f", ev.Severity, ev.NodeName, ev.Metric, ev.Firing, ev.Value)
	if m.onAlert != nil {
		m.onAlert(ev)
	}
}
