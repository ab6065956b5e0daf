package indexstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/buildsystem"
)

func newTestStore(t *testing.T, mappings []buildsystem.PathPrefixMapping) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "index.db"), mappings)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndLatestPrepareResult(t *testing.T) {
	store := newTestStore(t, nil)

	first := buildsystem.ProcessResult{
		Target:   buildsystem.ConfiguredTarget{TargetID: "app", RunDestinationID: "host"},
		ExitCode: 1,
		Output:   "error: missing module",
		Duration: 800 * time.Millisecond,
	}
	second := buildsystem.ProcessResult{
		Target:   buildsystem.ConfiguredTarget{TargetID: "app", RunDestinationID: "host"},
		ExitCode: 0,
		Output:   "build succeeded",
		Duration: 2 * time.Second,
	}

	if _, err := store.RecordPrepareResult(first); err != nil {
		t.Fatalf("RecordPrepareResult failed: %v", err)
	}
	if _, err := store.RecordPrepareResult(second); err != nil {
		t.Fatalf("RecordPrepareResult failed: %v", err)
	}

	latest, err := store.LatestPrepareResult("app")
	if err != nil {
		t.Fatalf("LatestPrepareResult failed: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a record, got nil")
	}
	if latest.ExitCode != 0 || latest.Output != "build succeeded" {
		t.Errorf("expected the newest record, got %+v", latest)
	}
	if latest.Duration != 2*time.Second {
		t.Errorf("unexpected duration %v", latest.Duration)
	}
}

func TestLatestPrepareResultUnknownTarget(t *testing.T) {
	store := newTestStore(t, nil)

	record, err := store.LatestPrepareResult("nope")
	if err != nil {
		t.Fatalf("expected nil error for unknown target, got %v", err)
	}
	if record != nil {
		t.Errorf("expected nil record for unknown target, got %+v", record)
	}
}

func TestPrepareHistoryOrder(t *testing.T) {
	store := newTestStore(t, nil)

	for i, code := range []int{2, 1, 0} {
		_, err := store.RecordPrepareResult(buildsystem.ProcessResult{
			Target:   buildsystem.ConfiguredTarget{TargetID: "lib"},
			ExitCode: code,
			Duration: time.Duration(i) * time.Second,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.PrepareHistory("lib", 2)
	if err != nil {
		t.Fatalf("PrepareHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %d", len(history))
	}
	if history[0].ExitCode != 0 || history[1].ExitCode != 1 {
		t.Errorf("expected newest-first order, got %d then %d", history[0].ExitCode, history[1].ExitCode)
	}
}

func TestUnitPathRemapping(t *testing.T) {
	mappings := []buildsystem.PathPrefixMapping{
		{BuildPathPrefix: "/build/checkout", LocalPathPrefix: "/Users/dev/app"},
	}
	store := newTestStore(t, mappings)

	if err := store.UpsertUnit("/build/checkout/Sources/main.swift", "app", "swift"); err != nil {
		t.Fatalf("UpsertUnit failed: %v", err)
	}

	// Lookup through the local path must succeed.
	record, err := store.UnitForPath("/Users/dev/app/Sources/main.swift")
	if err != nil {
		t.Fatalf("UnitForPath failed: %v", err)
	}
	if record == nil {
		t.Fatal("expected a unit record through the local path")
	}
	if record.SourcePath != "/Users/dev/app/Sources/main.swift" {
		t.Errorf("stored path not remapped: %q", record.SourcePath)
	}
	if record.Language != "swift" {
		t.Errorf("unexpected language %q", record.Language)
	}
}

func TestUpsertUnitReplaces(t *testing.T) {
	store := newTestStore(t, nil)

	path := "/ws/app/lib.c"
	if err := store.UpsertUnit(path, "old-target", "c"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertUnit(path, "new-target", "c"); err != nil {
		t.Fatal(err)
	}

	record, err := store.UnitForPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if record == nil || record.TargetID != "new-target" {
		t.Errorf("expected upsert to replace target, got %+v", record)
	}

	units, err := store.UnitsForTarget("old-target")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 0 {
		t.Errorf("expected no units left on old target, got %d", len(units))
	}
}

func TestDeleteUnitsForTarget(t *testing.T) {
	store := newTestStore(t, nil)

	if err := store.UpsertUnit("/ws/a.swift", "app", "swift"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertUnit("/ws/b.swift", "app", "swift"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteUnitsForTarget("app"); err != nil {
		t.Fatalf("DeleteUnitsForTarget failed: %v", err)
	}

	units, err := store.UnitsForTarget("app")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 0 {
		t.Errorf("expected all units deleted, got %d", len(units))
	}
}
