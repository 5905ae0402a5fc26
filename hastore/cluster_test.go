package hastore

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/repl"
)

func testRegistry(t *testing.T) *cluster.Registry {
	t.Helper()
	cfg := cmn.HAConfig{
		LocalNodeName: "p",
		Nodes: []cmn.NodeConfig{
			{Name: "p", Role: "primary", Priority: 1, DatabaseURL: "postgres://p"},
			{Name: "s1", Role: "secondary", Priority: 2, DatabaseURL: "postgres://s1"},
		},
	}
	reg, err := cluster.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestWriteSessionFailsWithoutPrimaryPool(t *testing.T) {
	reg := testRegistry(t)
	c := NewCluster(reg, map[string]*pgxpool.Pool{}, repl.NewLog(10), "p")
	_, err := c.WriteSession(context.Background())
	if !errors.Is(err, cmn.ErrNoHealthyPrimary) {
		t.Fatalf("expected ErrNoHealthyPrimary, got %v", err)
	}
}

func TestReadSessionFailsWithNoHealthyPools(t *testing.T) {
	reg := testRegistry(t)
	c := NewCluster(reg, map[string]*pgxpool.Pool{}, repl.NewLog(10), "p")
	_, err := c.ReadSession(context.Background())
	if !errors.Is(err, cmn.ErrNoHealthyPrimary) {
		t.Fatalf("expected ErrNoHealthyPrimary, got %v", err)
	}
}
