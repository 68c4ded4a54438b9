package extsort

import (
	"fmt"
	"math/rand"
	"os"
	"reflect"
	"testing"
)

func countWithThreshold(t *testing.T, input [][2]string, threshold int) map[string]int {
	t.Helper()
	c, err := NewCounter(t.TempDir(), threshold)
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	defer c.Close()
	for _, p := range input {
		if err := c.Add(p[0], p[1]); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	counts, err := c.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	return counts
}

func TestDistinctCountBasic(t *testing.T) {
	input := [][2]string{
		{"OrgA", "d1"},
		{"OrgA", "d1"},
		{"OrgA", "d2"},
		{"OrgB", "d1"},
	}
	counts := countWithThreshold(t, input, 0)
	want := map[string]int{"OrgA": 2, "OrgB": 1}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("got %v, want %v", counts, want)
	}
}

func TestResultIndependentOfThreshold(t *testing.T) {
	// Duplicates deliberately span spill boundaries for small thresholds.
	var input [][2]string
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		org := fmt.Sprintf("Org%d", rng.Intn(5))
		key := fmt.Sprintf("domain%d.example", rng.Intn(60))
		input = append(input, [2]string{org, key})
	}

	want := countWithThreshold(t, input, 0) // single giant batch
	for _, threshold := range []int{1, 2, 7, 100} {
		got := countWithThreshold(t, input, threshold)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("threshold %d: got %v, want %v", threshold, got, want)
		}
	}
}

func TestEmptyInput(t *testing.T) {
	counts := countWithThreshold(t, nil, 3)
	if len(counts) != 0 {
		t.Errorf("expected empty result, got %v", counts)
	}
}

func TestSeparatorBearingPairsSurviveSpill(t *testing.T) {
	input := [][2]string{
		{"Org|Pipe", "key|one"},
		{"Org|Pipe", "key|one"},
		{`Org\Back`, "key\ntwo"},
	}
	counts := countWithThreshold(t, input, 1) // force a spill per pair
	if counts["Org|Pipe"] != 1 || counts[`Org\Back`] != 1 {
		t.Errorf("escaped pairs miscounted: %v", counts)
	}
}

func TestTempFilesRemovedAfterCounts(t *testing.T) {
	scratch := t.TempDir()
	c, err := NewCounter(scratch, 2)
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := c.Add("OrgA", fmt.Sprintf("d%d", i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := c.Counts(); err != nil {
		t.Fatalf("counts: %v", err)
	}
	c.Close()

	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not cleaned: %v", entries)
	}
}

func TestCounterIsSingleUse(t *testing.T) {
	c, err := NewCounter(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	defer c.Close()
	if err := c.Add("OrgA", "d1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := c.Counts(); err != nil {
		t.Fatalf("counts: %v", err)
	}
	if err := c.Add("OrgA", "d2"); err == nil {
		t.Error("expected error adding after Counts")
	}
	if _, err := c.Counts(); err == nil {
		t.Error("expected error on second Counts")
	}
}

func TestCloseWithoutCountsCleansUp(t *testing.T) {
	scratch := t.TempDir()
	c, err := NewCounter(scratch, 1)
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := c.Add("OrgA", fmt.Sprintf("d%d", i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	c.Close()
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("abandoned run left temp files: %v", entries)
	}
}
