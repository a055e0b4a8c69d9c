package version

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/storage/memory"
	"github.com/tradewind/marketsync/internal/types"
)

func record(t *testing.T, store *memory.Store, p *types.Product, kind types.ChangeKind) bool {
	t.Helper()
	var wrote bool
	err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		var err error
		wrote, err = Record(context.Background(), tx, types.EntityProduct, p.SourceID, p, "tester", kind)
		return err
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	return wrote
}

func TestFirstRecordIsCreate(t *testing.T) {
	store := memory.New()
	p := &types.Product{SourceID: "p-1", Title: "Bottle", PriceMin: 10}

	if !record(t, store, p, types.ChangeUpdate) {
		t.Fatal("first record not written")
	}

	v, err := store.LatestVersion(context.Background(), types.EntityProduct, "p-1")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if v.VersionNo != 1 || v.ChangeKind != types.ChangeCreate {
		t.Errorf("got version %d kind %q, want 1/create", v.VersionNo, v.ChangeKind)
	}
}

func TestUnchangedUpdateSkipped(t *testing.T) {
	store := memory.New()
	p := &types.Product{SourceID: "p-1", Title: "Bottle", PriceMin: 10}

	record(t, store, p, types.ChangeUpdate)

	// Volatile fields differ, content does not.
	same := &types.Product{SourceID: "p-1", Title: "Bottle", PriceMin: 10,
		UpdatedAt: time.Now(), SyncStatus: types.SyncCompleted}
	if record(t, store, same, types.ChangeUpdate) {
		t.Error("unchanged update wrote a version")
	}

	v, _ := store.LatestVersion(context.Background(), types.EntityProduct, "p-1")
	if v.VersionNo != 1 {
		t.Errorf("version = %d, want still 1", v.VersionNo)
	}
}

func TestChangedUpdateWritesDiff(t *testing.T) {
	store := memory.New()
	record(t, store, &types.Product{SourceID: "p-1", Title: "Bottle", PriceMin: 10}, types.ChangeUpdate)

	changed := &types.Product{SourceID: "p-1", Title: "Bottle 500ml", PriceMin: 12}
	if !record(t, store, changed, types.ChangeUpdate) {
		t.Fatal("changed update not written")
	}

	v, _ := store.LatestVersion(context.Background(), types.EntityProduct, "p-1")
	if v.VersionNo != 2 || v.ChangeKind != types.ChangeUpdate {
		t.Fatalf("got version %d kind %q", v.VersionNo, v.ChangeKind)
	}

	var d Diff
	if err := json.Unmarshal(v.Diff, &d); err != nil {
		t.Fatalf("diff decode failed: %v", err)
	}
	if _, ok := d.Modified["title"]; !ok {
		t.Errorf("diff missing title modification: %+v", d)
	}
	mod := d.Modified["title"]
	if mod.Before != "Bottle" || mod.After != "Bottle 500ml" {
		t.Errorf("title diff = %+v", mod)
	}
	if _, ok := d.Modified["price_min"]; !ok {
		t.Errorf("diff missing price_min modification: %+v", d)
	}
}

func TestDeleteAlwaysWrites(t *testing.T) {
	store := memory.New()
	p := &types.Product{SourceID: "p-1", Title: "Bottle"}
	record(t, store, p, types.ChangeUpdate)

	if !record(t, store, p, types.ChangeDelete) {
		t.Error("delete with trivial diff not written")
	}
	v, _ := store.LatestVersion(context.Background(), types.EntityProduct, "p-1")
	if v.ChangeKind != types.ChangeDelete {
		t.Errorf("kind = %q, want delete", v.ChangeKind)
	}

	if !record(t, store, p, types.ChangeRestore) {
		t.Error("restore not written")
	}
}

func TestCanonicalStability(t *testing.T) {
	a := &types.Product{SourceID: "p-1", Title: "Bottle",
		Specifications: map[string]string{"b": "2", "a": "1"}}
	b := &types.Product{SourceID: "p-1", Title: "Bottle",
		Specifications: map[string]string{"a": "1", "b": "2"}}

	_, ca, err := Canonical(a)
	if err != nil {
		t.Fatalf("canonical failed: %v", err)
	}
	_, cb, _ := Canonical(b)
	if ca != cb {
		t.Error("checksum depends on map insertion order")
	}

	c := &types.Product{SourceID: "p-1", Title: "Bottle", ID: 99,
		CreatedAt: time.Now(), Specifications: map[string]string{"a": "1", "b": "2"}}
	_, cc, _ := Canonical(c)
	if cc != ca {
		t.Error("checksum covers volatile fields")
	}
}

func TestDiffAddedRemoved(t *testing.T) {
	prev := []byte(`{"a":1,"b":"x"}`)
	curr := []byte(`{"a":1,"c":true}`)
	d, err := Compute(prev, curr)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if _, ok := d.Added["c"]; !ok {
		t.Errorf("added missing c: %+v", d)
	}
	if _, ok := d.Removed["b"]; !ok {
		t.Errorf("removed missing b: %+v", d)
	}
	if len(d.Modified) != 0 {
		t.Errorf("unexpected modifications: %+v", d.Modified)
	}
}
