package hastore

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/repl"
)

// Cluster routes session requests to the right node: reads may land on
// any healthy node, writes always target the current primary. Grounded on
// §4.8's "Cluster.ReadSession/WriteSession" split.
type Cluster struct {
	registry  *cluster.Registry
	pools     map[string]*pgxpool.Pool // node name -> pool
	log       *repl.Log
	localNode string
}

// NewCluster builds a Cluster from an already-open pool per node name.
func NewCluster(registry *cluster.Registry, pools map[string]*pgxpool.Pool, log *repl.Log, localNode string) *Cluster {
	return &Cluster{registry: registry, pools: pools, log: log, localNode: localNode}
}

// ReadSession returns a session against any healthy node, preferring the
// local node when it's healthy to avoid an unnecessary network hop.
func (c *Cluster) ReadSession(ctx context.Context) (Session, error) {
	view := c.registry.Get()

	if local, ok := view.Nodes[c.localNode]; ok && local.HealthStatus() != cluster.HealthOffline {
		if pool, ok := c.pools[c.localNode]; ok {
			return newAutoSyncSession(pool, c.log, c.localNode, nil), nil
		}
	}

	var healthy []string
	for name, n := range view.Nodes {
		if n.HealthStatus() != cluster.HealthOffline {
			if _, ok := c.pools[name]; ok {
				healthy = append(healthy, name)
			}
		}
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: no healthy node available for read", cmn.ErrNoHealthyPrimary)
	}
	chosen := healthy[rand.Intn(len(healthy))]
	return newAutoSyncSession(c.pools[chosen], c.log, c.localNode, nil), nil
}

// WriteSession always targets the current primary; it returns
// cmn.ErrNoHealthyPrimary if none is elected or its pool is unavailable.
func (c *Cluster) WriteSession(ctx context.Context) (*AutoSyncSession, error) {
	view := c.registry.Get()
	if view.Primary == nil {
		return nil, fmt.Errorf("%w: no primary elected", cmn.ErrNoHealthyPrimary)
	}
	pool, ok := c.pools[view.Primary.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no pool for primary %s", cmn.ErrNoHealthyPrimary, view.Primary.Name)
	}

	targets := make([]string, 0, len(view.Nodes)-1)
	for name := range view.Nodes {
		if name != view.Primary.Name {
			targets = append(targets, name)
		}
	}
	return newAutoSyncSession(pool, c.log, view.Primary.Name, targets), nil
}
