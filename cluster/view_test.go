package cluster

import (
	"testing"

	"github.com/NVIDIA/imgcrawld/cmn"
)

func testHAConfig() cmn.HAConfig {
	return cmn.HAConfig{
		Nodes: []cmn.NodeConfig{
			{Name: "p", Role: "primary", Priority: 1, Addr: "p:9000", DatabaseURL: "postgres://p"},
			{Name: "s1", Role: "secondary", Priority: 2, Addr: "s1:9000", DatabaseURL: "postgres://s1"},
			{Name: "s2", Role: "secondary", Priority: 3, Addr: "s2:9000", DatabaseURL: "postgres://s2"},
		},
	}
}

func TestNewRegistryElectsPrimary(t *testing.T) {
	r, err := NewRegistry(testHAConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v := r.Get()
	if v.Primary == nil || v.Primary.Name != "p" {
		t.Fatalf("expected p as primary, got %v", v.Primary)
	}
	if v.Version != 1 {
		t.Errorf("expected initial version 1, got %d", v.Version)
	}
}

func TestNewRegistryRejectsNoPrimary(t *testing.T) {
	cfg := testHAConfig()
	cfg.Nodes[0].Role = "secondary"
	if _, err := NewRegistry(cfg); err == nil {
		t.Fatal("expected an error when no node is primary")
	}
}

func TestSetPrimaryBumpsVersionAndSwapsRoles(t *testing.T) {
	r, _ := NewRegistry(testHAConfig())
	before := r.Get()

	next, err := r.SetPrimary("s1")
	if err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}
	if next.Primary.Name != "s1" {
		t.Errorf("expected s1 to be primary, got %s", next.Primary.Name)
	}
	if next.Version != before.Version+1 {
		t.Errorf("expected version to bump, got %d -> %d", before.Version, next.Version)
	}
	if next.Nodes["p"].Role != RoleSecondary {
		t.Errorf("expected old primary demoted, got role %s", next.Nodes["p"].Role)
	}

	// The previous snapshot must not observe the role flip.
	if before.Primary.Role != RolePrimary {
		t.Error("SetPrimary must not mutate nodes referenced by the prior snapshot")
	}
}

func TestSetPrimaryUnknownNode(t *testing.T) {
	r, _ := NewRegistry(testHAConfig())
	if _, err := r.SetPrimary("nope"); err == nil {
		t.Fatal("expected an error for an unknown target node")
	}
}
