package schema

import "testing"

func TestByNameKnownTables(t *testing.T) {
	for _, name := range ReplicatedTables {
		tbl, ok := ByName(name)
		if !ok {
			t.Fatalf("expected table %s to be known", name)
		}
		if tbl.PK != "id" {
			t.Errorf("expected pk id for %s, got %s", name, tbl.PK)
		}
		if len(tbl.Columns) == 0 {
			t.Errorf("expected %s to have columns", name)
		}
	}
}

func TestByNameUnknown(t *testing.T) {
	if _, ok := ByName("nope"); ok {
		t.Fatal("expected unknown table to report false")
	}
}

func TestImagesHasJSONAndTimestampColumns(t *testing.T) {
	hasJSON, hasTimestamp := false, false
	for _, c := range Images.Columns {
		if c.Kind == KindJSON {
			hasJSON = true
		}
		if c.Kind == KindTimestamp {
			hasTimestamp = true
		}
	}
	if !hasJSON || !hasTimestamp {
		t.Error("expected images to carry both JSON and timestamp columns")
	}
}
