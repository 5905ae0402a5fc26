// Package cluster holds the versioned view of HA database nodes and runs
// the health monitor that keeps it current. Grounded on the teacher's
// cluster/map.go (Smap/Snode/NodeMap), generalized from object-storage
// gateways/targets to database cluster nodes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/NVIDIA/imgcrawld/cmn"
)

// Role mirrors spec §3's Node Descriptor role enum.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleStandby   Role = "standby"
)

// Health mirrors spec §3's Node Descriptor health enum.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthWarning Health = "warning"
	HealthOffline Health = "offline"
	HealthUnknown Health = "unknown"
)

// Node is the teacher's Snode generalized to a database cluster member.
type Node struct {
	Name     string
	Role     Role
	Priority int
	Addr     string
	DBURL    string

	FailCount   atomic.Int32
	Health      atomic.String
	LagSeconds  atomic.Float64
	LastCheck   atomic.Int64 // unix nanos
	LastError   atomic.String
}

func newNode(cfg cmn.NodeConfig) *Node {
	n := &Node{Name: cfg.Name, Role: Role(cfg.Role), Priority: cfg.Priority, Addr: cfg.Addr, DBURL: cfg.DatabaseURL}
	n.Health.Store(string(HealthUnknown))
	return n
}

func (n *Node) HealthStatus() Health { return Health(n.Health.Load()) }

func (n *Node) LastCheckTime() time.Time {
	nanos := n.LastCheck.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// View is the teacher's Smap generalized: a versioned, immutable snapshot
// of the cluster's nodes and its currently elected primary. Every mutation
// produces a new *View swapped atomically; readers never lock, matching
// §5's "readers tolerate a stale snapshot" policy.
type View struct {
	Nodes   map[string]*Node
	Primary *Node
	Version int64
}

func (v *View) Secondaries() []*Node {
	out := make([]*Node, 0, len(v.Nodes))
	for _, n := range v.Nodes {
		if n.Role == RoleSecondary || n.Role == RoleStandby {
			out = append(out, n)
		}
	}
	return out
}

// Registry owns the process-wide *View behind an atomic pointer, the same
// versioned-snapshot-swap idiom as the teacher's Sowner.
type Registry struct {
	view atomic.Pointer[View]
}

// NewRegistry builds a Registry from the HA configuration's node list.
func NewRegistry(cfg cmn.HAConfig) (*Registry, error) {
	nodes := make(map[string]*Node, len(cfg.Nodes))
	var primary *Node
	for _, nc := range cfg.Nodes {
		n := newNode(nc)
		nodes[n.Name] = n
		if n.Role == RolePrimary {
			if primary != nil {
				return nil, fmt.Errorf("ha config names two primaries: %s and %s", primary.Name, n.Name)
			}
			primary = n
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("ha config names no primary node")
	}
	r := &Registry{}
	r.view.Store(&View{Nodes: nodes, Primary: primary, Version: 1})
	return r, nil
}

// Get returns the current snapshot. Safe for concurrent use without a lock.
func (r *Registry) Get() *View {
	return r.view.Load()
}

// SetPrimary installs a new View with target promoted to primary and the
// old primary (if any) demoted to secondary, bumping Version. Every node
// whose role changes is replaced by a fresh *Node rather than mutated in
// place, so a reader still holding the previous View never observes a role
// flip underneath it -- the same "new struct, atomic swap" discipline as
// the teacher's Smap. Per §4.9's completed-failover step, the promoted and
// demoted nodes start with cleared failure counters.
func (r *Registry) SetPrimary(targetName string) (*View, error) {
	cur := r.view.Load()
	oldTarget, ok := cur.Nodes[targetName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %q", cmn.ErrNoHealthyPrimary, targetName)
	}

	nodes := make(map[string]*Node, len(cur.Nodes))
	for name, n := range cur.Nodes {
		nodes[name] = n
	}

	target := cloneNodeWithRole(oldTarget, RolePrimary)
	nodes[targetName] = target

	var primary = target
	if cur.Primary != nil && cur.Primary.Name != targetName {
		demoted := cloneNodeWithRole(cur.Primary, RoleSecondary)
		nodes[cur.Primary.Name] = demoted
	}

	next := &View{Nodes: nodes, Primary: primary, Version: cur.Version + 1}
	r.view.Store(next)
	return next, nil
}

func cloneNodeWithRole(n *Node, role Role) *Node {
	clone := &Node{Name: n.Name, Role: role, Priority: n.Priority, Addr: n.Addr, DBURL: n.DBURL}
	clone.Health.Store(n.Health.Load())
	return clone
}
