package feedstore

import (
	"fmt"
	"testing"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestRecordIsIdempotent(t *testing.T) {
	store := openTestStore(t, Options{})
	defer store.Close()

	for i := 0; i < 2; i++ {
		if err := store.Record("OrgA", "cat1", "d1"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.Record("OrgA", "cat1", "d2"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	counts, err := store.GroupedCount("cat1")
	if err != nil {
		t.Fatalf("grouped count: %v", err)
	}
	if counts["OrgA"] != 2 {
		t.Errorf("expected OrgA=2, got %v", counts)
	}
}

func TestGroupedCountIsolatesCategories(t *testing.T) {
	store := openTestStore(t, Options{})
	defer store.Close()

	records := []struct{ org, cat, key string }{
		{"OrgA", "feed1_ips", "1.2.3.4"},
		{"OrgA", "feed1_ips", "1.2.3.5"},
		{"OrgA", "feed2_ips", "1.2.3.4"},
		{"OrgB", "feed1_ips", "1.2.3.4"},
	}
	for _, r := range records {
		if err := store.Record(r.org, r.cat, r.key); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	feed1, err := store.GroupedCount("feed1_ips")
	if err != nil {
		t.Fatalf("grouped count: %v", err)
	}
	if feed1["OrgA"] != 2 || feed1["OrgB"] != 1 {
		t.Errorf("feed1 counts wrong: %v", feed1)
	}
	feed2, err := store.GroupedCount("feed2_ips")
	if err != nil {
		t.Fatalf("grouped count: %v", err)
	}
	if feed2["OrgA"] != 1 || len(feed2) != 1 {
		t.Errorf("feed2 counts wrong: %v", feed2)
	}
}

func TestCommittedRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Options{CommitEvery: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Two records hit the commit interval; the third stays staged but is
	// flushed by Close.
	for _, key := range []string{"d1", "d2", "d3"} {
		if err := store.Record("OrgA", "cat1", key); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	counts, err := reopened.GroupedCount("cat1")
	if err != nil {
		t.Fatalf("grouped count: %v", err)
	}
	if counts["OrgA"] != 3 {
		t.Errorf("expected 3 after reopen, got %v", counts)
	}
}

func TestSeparatorBearingFieldsRoundTrip(t *testing.T) {
	store := openTestStore(t, Options{})
	defer store.Close()

	org := `Weird|Org\Name`
	if err := store.Record(org, "cat|1", "key|with|pipes"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(org, "cat|1", "key|with|pipes"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	counts, err := store.GroupedCount("cat|1")
	if err != nil {
		t.Fatalf("grouped count: %v", err)
	}
	if counts[org] != 1 {
		t.Errorf("expected %q=1, got %v", org, counts)
	}
	// The escaped category must not bleed into a neighboring one.
	other, err := store.GroupedCount("cat")
	if err != nil {
		t.Fatalf("grouped count: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("category scan leaked: %v", other)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store := openTestStore(t, Options{})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Record("OrgA", "c", "k"); err == nil {
		t.Error("expected error recording into closed store")
	}
	if err := store.Flush(); err == nil {
		t.Error("expected error flushing closed store")
	}
	if _, err := store.GroupedCount("c"); err == nil {
		t.Error("expected error counting closed store")
	}
	// Double close is a no-op.
	if err := store.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestManyRecordsAcrossCommits(t *testing.T) {
	store := openTestStore(t, Options{CommitEvery: 7})
	defer store.Close()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("10.0.0.%d", i%25) // 25 distinct, submitted 4x each
		if err := store.Record("OrgA", "feed_ips", key); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	counts, err := store.GroupedCount("feed_ips")
	if err != nil {
		t.Fatalf("grouped count: %v", err)
	}
	if counts["OrgA"] != 25 {
		t.Errorf("expected 25 distinct, got %v", counts)
	}
	if store.Recorded() != 100 {
		t.Errorf("expected 100 recorded, got %d", store.Recorded())
	}
}
