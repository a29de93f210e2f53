package statehistory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/chronicle-db/statehistory/internal/testutil"
)

// generateIntervals emits, for quarks cycling through n attributes, the
// intervals a state system would produce with one change per time unit.
func generateIntervals(t *testing.T, n, steps int) []*Interval {
	t.Helper()
	starts := make([]int64, n)
	var out []*Interval
	for ts := int64(1); ts <= int64(steps); ts++ {
		q := int(ts) % n
		var v Value
		if q%2 == 0 {
			v = LongValue(ts)
		} else {
			v = StringValue(fmt.Sprintf("state-%d", starts[q]))
		}
		out = append(out, mustInterval(t, starts[q], ts-1, Quark(q), v))
		starts[q] = ts
	}
	return out
}

func expectedAt(ivs []*Interval, q Quark, ts int64) *Interval {
	for _, iv := range ivs {
		if iv.Quark == q && iv.Contains(ts) {
			return iv
		}
	}
	return nil
}

func checkTreeQueries(t *testing.T, tree *historyTree, ivs []*Interval, n int, end int64) {
	t.Helper()
	for ts := int64(0); ts <= end; ts += 7 {
		out := make([]*Interval, n)
		if err := tree.query(ts, out); err != nil {
			t.Fatalf("query(%d) failed: %v", ts, err)
		}
		for q := 0; q < n; q++ {
			want := expectedAt(ivs, Quark(q), ts)
			got := out[q]
			if (want == nil) != (got == nil) {
				t.Fatalf("query(%d) quark %d = %v, want %v", ts, q, got, want)
			}
			if want != nil && (got.Start != want.Start || got.End != want.End || !got.Value.Equal(want.Value)) {
				t.Fatalf("query(%d) quark %d = %v, want %v", ts, q, got, want)
			}
			single, err := tree.querySingle(ts, Quark(q))
			if err != nil {
				t.Fatalf("querySingle(%d, %d) failed: %v", ts, q, err)
			}
			if (single == nil) != (want == nil) || (want != nil && single.Start != want.Start) {
				t.Fatalf("querySingle(%d, %d) = %v, want %v", ts, q, single, want)
			}
		}
	}
}

func TestHistoryTree_GrowsAndQueries(t *testing.T) {
	_, path := testutil.TempHistoryPath(t)
	m := newMetrics(nil, "htree")
	tree, err := newHistoryTree(path, testNodeConfig, 1, 0, 4, m)
	if err != nil {
		t.Fatalf("newHistoryTree failed: %v", err)
	}
	defer tree.close()

	const n, steps = 10, 3000
	ivs := generateIntervals(t, n, steps)
	for i, iv := range ivs {
		if err := tree.insert(iv); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}
	if tree.depth() < 3 {
		t.Errorf("expected the tree to grow to depth >= 3, got %d", tree.depth())
	}
	if tree.size() < 10 {
		t.Errorf("expected at least 10 nodes, got %d", tree.size())
	}

	// Queries run against a mix of closed and open nodes before finishing.
	checkTreeQueries(t, tree, ivs, n, steps-n)

	// Every quark's last interval stays open until the end.
	end := int64(steps + 5)
	starts := make(map[Quark]int64)
	for _, iv := range ivs {
		starts[iv.Quark] = iv.End + 1
	}
	for q := 0; q < n; q++ {
		iv := mustInterval(t, starts[Quark(q)], end, Quark(q), IntValue(int32(q)))
		if err := tree.insert(iv); err != nil {
			t.Fatalf("final insert failed: %v", err)
		}
		ivs = append(ivs, iv)
	}
	if err := tree.finish(end, NewAttributeTree()); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if tree.endTime() != end {
		t.Errorf("endTime = %d, want %d", tree.endTime(), end)
	}
	checkTreeQueries(t, tree, ivs, n, end)

	if err := tree.insert(mustInterval(t, 0, 1, 0, NullValue())); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("insert after finish: expected ErrAlreadyClosed, got %v", err)
	}
	if err := tree.finish(end, nil); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("second finish: expected ErrAlreadyClosed, got %v", err)
	}
}

func TestHistoryTree_ReopenRoundTrip(t *testing.T) {
	_, path := testutil.TempHistoryPath(t)
	m := newMetrics(nil, "reopen")
	tree, err := newHistoryTree(path, testNodeConfig, 7, 0, 4, m)
	if err != nil {
		t.Fatalf("newHistoryTree failed: %v", err)
	}

	attrs := NewAttributeTree()
	for q := 0; q < 6; q++ {
		if _, err := attrs.QuarkAndAdd(RootQuark, "CPUs", fmt.Sprint(q)); err != nil {
			t.Fatalf("QuarkAndAdd failed: %v", err)
		}
	}
	n := attrs.Len()
	ivs := generateIntervals(t, n, 1500)
	for _, iv := range ivs {
		if err := tree.insert(iv); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	end := int64(1500)
	if err := tree.finish(end, attrs); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	nodes, depth := tree.size(), tree.depth()
	if err := tree.close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, loaded, err := openHistoryTree(path, 7, 4, m)
	if err != nil {
		t.Fatalf("openHistoryTree failed: %v", err)
	}
	defer reopened.close()

	if reopened.size() != nodes || reopened.depth() != depth {
		t.Errorf("reopened tree has %d nodes at depth %d, want %d at %d",
			reopened.size(), reopened.depth(), nodes, depth)
	}
	if reopened.startTime() != 0 || reopened.endTime() != end {
		t.Errorf("reopened range [%d, %d], want [0, %d]", reopened.startTime(), reopened.endTime(), end)
	}
	if loaded.Len() != n {
		t.Fatalf("loaded %d attributes, want %d", loaded.Len(), n)
	}
	for q := 0; q < n; q++ {
		want, _ := attrs.FullName(Quark(q))
		got, err := loaded.FullName(Quark(q))
		if err != nil || got != want {
			t.Errorf("attribute %d = %q (%v), want %q", q, got, err, want)
		}
	}
	checkTreeQueries(t, reopened, ivs, n, end-int64(n))

	if _, _, err := openHistoryTree(path, 8, 4, m); err == nil {
		t.Error("expected error for provider version mismatch")
	}
}

func TestHistoryTree_RejectsBadInput(t *testing.T) {
	_, path := testutil.TempHistoryPath(t)
	tree, err := newHistoryTree(path, testNodeConfig, 1, 100, 4, newMetrics(nil, "bad"))
	if err != nil {
		t.Fatalf("newHistoryTree failed: %v", err)
	}
	defer tree.close()

	var tre *TimeRangeError
	if err := tree.insert(mustInterval(t, 50, 150, 0, IntValue(1))); !errors.As(err, &tre) {
		t.Errorf("expected TimeRangeError, got %v", err)
	}
	huge := mustInterval(t, 100, 101, 0, StringValue(string(make([]byte, 4090))))
	if err := tree.insert(huge); !errors.Is(err, ErrValueTooLarge) {
		t.Errorf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestOpenHistoryTree_Corrupt(t *testing.T) {
	dir, path := testutil.TempHistoryPath(t)
	if err := os.WriteFile(path, make([]byte, treeHeaderSize), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, _, err := openHistoryTree(path, -1, 4, newMetrics(nil, "corrupt")); !errors.Is(err, ErrCorruptHistory) {
		t.Errorf("expected ErrCorruptHistory, got %v", err)
	}
	missing := filepath.Join(dir, "missing.ht")
	testutil.MustNotExist(t, missing)
	if _, _, err := openHistoryTree(missing, -1, 4, newMetrics(nil, "corrupt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}
