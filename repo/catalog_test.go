package repo

import (
	"testing"
	"time"
)

func mockDatabase(t *testing.T) *Database {
	db, err := NewDatabase("", Dialect("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func putOwner(t *testing.T, db *Database, handle string, state OwnerState, seen time.Time, eth string) *Owner {
	owner := &Owner{
		Handle:     handle,
		State:      state,
		LastSeen:   seen,
		EthAddress: eth,
	}
	if err := db.PutOwner(owner); err != nil {
		t.Fatal(err)
	}
	return owner
}

func TestDatabase_GetOwner(t *testing.T) {
	db := mockDatabase(t)

	if _, err := db.GetOwner("nobody"); err != ErrNotFound {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	putOwner(t, db, "alice", OwnerActive, time.Now().UTC(), "")

	owner, err := db.GetOwner("alice")
	if err != nil {
		t.Fatal(err)
	}
	if owner.Handle != "alice" || owner.ID == 0 {
		t.Fatalf("Returned incorrect owner %+v", owner)
	}
}

func TestDatabase_ListActiveOwners(t *testing.T) {
	db := mockDatabase(t)
	now := time.Now().UTC()

	alice := putOwner(t, db, "alice", OwnerActive, now, "")
	putOwner(t, db, "bob", OwnerActive, now, "")
	carol := putOwner(t, db, "carol", OwnerSuspended, now, "")

	for _, owner := range []*Owner{alice, carol} {
		if err := db.PutEntry(&Entry{OwnerID: owner.ID, Slug: "post", CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}

	owners, err := db.ListActiveOwners()
	if err != nil {
		t.Fatal(err)
	}
	if len(owners) != 1 || owners[0].Handle != "alice" {
		t.Fatalf("Expected only alice, got %+v", owners)
	}
}

func TestDatabase_ListOwnerEntries(t *testing.T) {
	db := mockDatabase(t)
	owner := putOwner(t, db, "alice", OwnerActive, time.Now().UTC(), "")

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := &Entry{
			OwnerID:   owner.ID,
			Slug:      string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := db.PutEntry(entry); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.ListOwnerEntries(owner.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("Expected 5 entries, got %d", len(all))
	}
	if all[0].Slug != "e" {
		t.Fatalf("Expected newest entry first, got %s", all[0].Slug)
	}

	limited, err := db.ListOwnerEntries(owner.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[1].Slug != "d" {
		t.Fatalf("Returned incorrect entries %+v", limited)
	}
}

func TestDatabase_UpsertNamingRecord(t *testing.T) {
	db := mockDatabase(t)
	owner := putOwner(t, db, "alice", OwnerActive, time.Now().UTC(), "")

	if _, err := db.GetNamingRecord(owner.ID); err != ErrNotFound {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	var (
		keyID   = "12D3KooW"
		root    = "bafyroot"
		host    = "alice.example"
		missing = 3
		retries = 2
	)
	_, err := db.UpsertNamingRecord(owner.ID, NamingUpdate{
		KeyID:               &keyID,
		LastPublishedCID:    &root,
		WebHost:             &host,
		MissingCount:        &missing,
		RetriesAfterMissing: &retries,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := db.GetNamingRecord(owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.KeyID != keyID || rec.MissingCount == nil || *rec.MissingCount != 3 {
		t.Fatalf("Returned incorrect record %+v", rec)
	}

	// Merge minus drop: the web host survives, the missing stats go.
	next := "bafynext"
	_, err = db.UpsertNamingRecord(owner.ID, NamingUpdate{
		LastPublishedCID: &next,
	}, []StatKey{StatMissingCount, StatRetriesAfterMissing})
	if err != nil {
		t.Fatal(err)
	}

	rec, err = db.GetNamingRecord(owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastPublishedCID != next {
		t.Fatalf("Expected %s, got %s", next, rec.LastPublishedCID)
	}
	if rec.KeyID != keyID {
		t.Fatal("Merge dropped an untouched field")
	}
	if rec.WebHost == nil || *rec.WebHost != host {
		t.Fatal("Merge dropped the web host")
	}
	if rec.MissingCount != nil || rec.RetriesAfterMissing != nil {
		t.Fatal("Dropped stats still set")
	}
}

func TestDatabase_ListStaleOwners(t *testing.T) {
	db := mockDatabase(t)
	now := time.Now().UTC()
	yearAgo := now.Add(-time.Hour * 24 * 366)

	old := putOwner(t, db, "old", OwnerActive, yearAgo, "")
	restricted := putOwner(t, db, "restricted", OwnerRestricted, now, "")
	fresh := putOwner(t, db, "fresh", OwnerActive, now.Add(-time.Hour), "")
	funded := putOwner(t, db, "funded", OwnerActive, yearAgo, "0xabc")
	purged := putOwner(t, db, "purged", OwnerActive, yearAgo, "")
	putOwner(t, db, "unpublished", OwnerActive, yearAgo, "")

	root := "bafyroot"
	for _, owner := range []*Owner{old, restricted, fresh, funded, purged} {
		if _, err := db.UpsertNamingRecord(owner.ID, NamingUpdate{LastPublishedCID: &root}, nil); err != nil {
			t.Fatal(err)
		}
	}
	yes := true
	if _, err := db.UpsertNamingRecord(purged.ID, NamingUpdate{Purged: &yes}, nil); err != nil {
		t.Fatal(err)
	}

	stale, err := db.ListStaleOwners(StaleQuery{SeenBefore: now.Add(-time.Hour * 24 * 365)})
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Fatalf("Expected 2 stale owners, got %d", len(stale))
	}
	if stale[0].Handle != "restricted" || stale[1].Handle != "old" {
		t.Fatalf("Expected newest seen first, got %s, %s", stale[0].Handle, stale[1].Handle)
	}

	all, err := db.ListStaleOwners(StaleQuery{Ascending: true, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Handle != "old" || all[1].Handle != "fresh" {
		t.Fatalf("Returned incorrect owners %+v", all)
	}

	rest, err := db.ListStaleOwners(StaleQuery{Ascending: true, Cursor: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].Handle != "restricted" {
		t.Fatalf("Returned incorrect owners %+v", rest)
	}

	published, err := db.ListPublishedCIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(published) != 4 {
		t.Fatalf("Expected 4 published roots, got %d", len(published))
	}
}

func TestDatabase_Compaction(t *testing.T) {
	db := mockDatabase(t)
	owner := putOwner(t, db, "alice", OwnerActive, time.Now().UTC(), "")

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		entry := &Entry{
			OwnerID:   owner.ID,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := db.PutEntry(entry); err != nil {
			t.Fatal(err)
		}
	}

	candidates, err := db.ListCompactionCandidates(10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 4 {
		t.Fatalf("Expected 4 candidates, got %d", len(candidates))
	}

	if _, err := db.ActiveAggregate(); err != ErrNotFound {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	first := &Aggregate{Name: "aggregate-1", CID: "bafyone", Active: true}
	if err := db.SaveAggregate(first); err != nil {
		t.Fatal(err)
	}
	second := &Aggregate{Name: "aggregate-2", CID: "bafytwo", Active: true}
	if err := db.SaveAggregate(second); err != nil {
		t.Fatal(err)
	}

	active, err := db.ActiveAggregate()
	if err != nil {
		t.Fatal(err)
	}
	if active.Name != "aggregate-2" {
		t.Fatalf("Expected aggregate-2 active, got %s", active.Name)
	}

	ids := []uint{candidates[0].ID, candidates[1].ID}
	if err := db.MarkCompacted(ids, second.ID); err != nil {
		t.Fatal(err)
	}

	candidates, err = db.ListCompactionCandidates(10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
}
