package statehistory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newMemoryStateSystem(t *testing.T, start int64) *StateSystem {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.Name = "memory"
	ss, err := NewStateSystem(NewInMemoryBackend(start), cfg)
	if err != nil {
		t.Fatalf("NewStateSystem failed: %v", err)
	}
	t.Cleanup(func() { ss.Dispose() })
	return ss
}

func TestStateSystem_ModifyAndQuery(t *testing.T) {
	ss := newMemoryStateSystem(t, 0)
	ctx := context.Background()

	cpu := ss.QuarkAbsoluteAndAdd("CPUs", "0", "Status")
	thread := ss.QuarkAbsoluteAndAdd("CPUs", "0", "Thread")

	steps := []struct {
		ts int64
		q  Quark
		v  Value
	}{
		{5, cpu, StringValue("idle")},
		{10, thread, IntValue(42)},
		{20, cpu, StringValue("running")},
		{30, thread, NullValue()},
		{40, cpu, StringValue("idle")},
	}
	for _, s := range steps {
		if err := ss.ModifyAttribute(s.ts, s.v, s.q); err != nil {
			t.Fatalf("ModifyAttribute(%d) failed: %v", s.ts, err)
		}
	}
	if v, _ := ss.OngoingValue(cpu); !v.Equal(StringValue("idle")) {
		t.Errorf("ongoing value = %v, want idle", v)
	}
	if start, _ := ss.OngoingStartTime(cpu); start != 40 {
		t.Errorf("ongoing start = %d, want 40", start)
	}
	if err := ss.CloseHistory(50); err != nil {
		t.Fatalf("CloseHistory failed: %v", err)
	}
	if !ss.IsBuilt() || ss.CurrentEndTime() != 50 {
		t.Fatalf("expected built history ending at 50, got %d", ss.CurrentEndTime())
	}

	tests := []struct {
		ts         int64
		q          Quark
		want       Value
		start, end int64
	}{
		{0, cpu, NullValue(), 0, 4},
		{7, cpu, StringValue("idle"), 5, 19},
		{25, cpu, StringValue("running"), 20, 39},
		{50, cpu, StringValue("idle"), 40, 50},
		{15, thread, IntValue(42), 10, 29},
		{30, thread, NullValue(), 30, 50},
	}
	for _, tt := range tests {
		iv := mustSingle(t, ss, tt.ts, tt.q)
		if !iv.Value.Equal(tt.want) || iv.Start != tt.start || iv.End != tt.end {
			t.Errorf("QuerySingle(%d, %d) = %v, want %v over [%d, %d]", tt.ts, tt.q, iv, tt.want, tt.start, tt.end)
		}
	}

	full, err := ss.QueryFull(ctx, 25)
	if err != nil {
		t.Fatalf("QueryFull failed: %v", err)
	}
	if len(full) != ss.NumAttributes() {
		t.Fatalf("QueryFull returned %d intervals, want %d", len(full), ss.NumAttributes())
	}
	for q, iv := range full {
		if iv == nil || iv.Quark != Quark(q) || !iv.Contains(25) {
			t.Errorf("QueryFull quark %d = %v", q, iv)
		}
	}
	if !full[cpu].Value.Equal(StringValue("running")) {
		t.Errorf("QueryFull cpu = %v, want running", full[cpu].Value)
	}
}

func TestStateSystem_TimeRange(t *testing.T) {
	ss := newMemoryStateSystem(t, 100)
	ctx := context.Background()
	q := ss.QuarkAbsoluteAndAdd("A")

	if err := ss.ModifyAttribute(150, IntValue(1), q); err != nil {
		t.Fatalf("ModifyAttribute failed: %v", err)
	}
	if err := ss.ModifyAttribute(120, IntValue(2), q); !errors.Is(err, ErrTimeRange) {
		t.Errorf("modify before ongoing start: expected ErrTimeRange, got %v", err)
	}
	if err := ss.CloseHistory(200); err != nil {
		t.Fatalf("CloseHistory failed: %v", err)
	}
	if err := ss.CloseHistory(300); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("second close: expected ErrAlreadyClosed, got %v", err)
	}
	if err := ss.ModifyAttribute(250, IntValue(3), q); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("modify after close: expected ErrAlreadyClosed, got %v", err)
	}

	for _, ts := range []int64{99, 201} {
		var tre *TimeRangeError
		if _, err := ss.QuerySingle(ctx, ts, q); !errors.As(err, &tre) {
			t.Errorf("QuerySingle(%d): expected TimeRangeError, got %v", ts, err)
		}
		if _, err := ss.QueryFull(ctx, ts); !errors.Is(err, ErrTimeRange) {
			t.Errorf("QueryFull(%d): expected ErrTimeRange, got %v", ts, err)
		}
	}
	if _, err := ss.QuerySingle(ctx, 150, Quark(7)); !errors.Is(err, ErrAttributeNotFound) {
		t.Errorf("unknown quark: expected ErrAttributeNotFound, got %v", err)
	}
}

func TestStateSystem_QueryWaitsForBuild(t *testing.T) {
	ss := newMemoryStateSystem(t, 0)
	q := ss.QuarkAbsoluteAndAdd("Thread")
	if err := ss.ModifyAttribute(10, StringValue("x"), q); err != nil {
		t.Fatalf("ModifyAttribute failed: %v", err)
	}

	type result struct {
		iv  *Interval
		err error
	}
	done := make(chan result, 1)
	go func() {
		iv, err := ss.QuerySingle(context.Background(), 50, q)
		done <- result{iv, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("query returned before the history reached it: %v %v", r.iv, r.err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := ss.ModifyAttribute(60, StringValue("y"), q); err != nil {
		t.Fatalf("ModifyAttribute failed: %v", err)
	}
	ss.advance(59)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("QuerySingle failed: %v", r.err)
		}
		if !r.iv.Value.Equal(StringValue("x")) || r.iv.Start != 10 || r.iv.End != 59 {
			t.Errorf("QuerySingle = %v, want x over [10, 59]", r.iv)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("query did not unblock")
	}

	if iv := mustSingle(t, ss, 59, q); !iv.Value.Equal(StringValue("x")) {
		t.Errorf("QuerySingle(59) = %v, want x", iv)
	}
	// The ongoing value is visible up to the latest time reached.
	ss.advance(70)
	if iv := mustSingle(t, ss, 65, q); !iv.Value.Equal(StringValue("y")) || iv.Start != 60 {
		t.Errorf("QuerySingle(65) = %v, want ongoing y from 60", iv)
	}
}

func TestStateSystem_WaitCancelAndDispose(t *testing.T) {
	ss := newMemoryStateSystem(t, 0)
	q := ss.QuarkAbsoluteAndAdd("A")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ss.QuerySingle(ctx, 1000, q); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- ss.WaitUntilBuilt(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)
	if err := ss.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrDisposed) {
			t.Errorf("expected ErrDisposed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitUntilBuilt did not return after Dispose")
	}

	if err := ss.ModifyAttribute(5, IntValue(1), q); !errors.Is(err, ErrDisposed) {
		t.Errorf("modify after dispose: expected ErrDisposed, got %v", err)
	}
	if _, err := ss.QueryFull(context.Background(), 0); !errors.Is(err, ErrDisposed) {
		t.Errorf("query after dispose: expected ErrDisposed, got %v", err)
	}
	if err := ss.Dispose(); err != nil {
		t.Errorf("second Dispose should be a no-op, got %v", err)
	}
}

func TestStateSystem_Stack(t *testing.T) {
	ss := newMemoryStateSystem(t, 0)
	stack := ss.QuarkAbsoluteAndAdd("Threads", "1", "CallStack")

	if err := ss.PushAttribute(10, StringValue("main"), stack); err != nil {
		t.Fatalf("PushAttribute failed: %v", err)
	}
	if err := ss.PushAttribute(20, StringValue("read"), stack); err != nil {
		t.Fatalf("PushAttribute failed: %v", err)
	}
	if depth, _ := ss.OngoingValue(stack); !depth.Equal(IntValue(2)) {
		t.Errorf("stack depth = %v, want 2", depth)
	}
	top, err := ss.PopAttribute(30, stack)
	if err != nil {
		t.Fatalf("PopAttribute failed: %v", err)
	}
	if !top.Equal(StringValue("read")) {
		t.Errorf("popped %v, want read", top)
	}
	if top, err = ss.PopAttribute(40, stack); err != nil || !top.Equal(StringValue("main")) {
		t.Errorf("PopAttribute = %v, %v; want main", top, err)
	}
	if _, err := ss.PopAttribute(50, stack); !errors.Is(err, ErrStackEmpty) {
		t.Errorf("pop on empty stack: expected ErrStackEmpty, got %v", err)
	}
	if err := ss.CloseHistory(60); err != nil {
		t.Fatalf("CloseHistory failed: %v", err)
	}

	elem2 := mustQuark(t, ss, "Threads", "1", "CallStack", "2")
	if iv := mustSingle(t, ss, 25, elem2); !iv.Value.Equal(StringValue("read")) {
		t.Errorf("stack element 2 at 25 = %v, want read", iv)
	}
	if iv := mustSingle(t, ss, 25, stack); !iv.Value.Equal(IntValue(2)) {
		t.Errorf("stack depth at 25 = %v, want 2", iv)
	}
	if iv := mustSingle(t, ss, 45, stack); !iv.Value.IsNull() {
		t.Errorf("stack depth at 45 = %v, want null", iv)
	}
}

func TestStateSystem_RemoveAttribute(t *testing.T) {
	ss := newMemoryStateSystem(t, 0)
	proc := ss.QuarkAbsoluteAndAdd("Processes", "7")
	name, _ := ss.QuarkRelativeAndAdd(proc, "Name")
	prio, _ := ss.QuarkRelativeAndAdd(proc, "Prio")

	for _, s := range []struct {
		q Quark
		v Value
	}{{proc, IntValue(7)}, {name, StringValue("init")}, {prio, IntValue(20)}} {
		if err := ss.ModifyAttribute(5, s.v, s.q); err != nil {
			t.Fatalf("ModifyAttribute failed: %v", err)
		}
	}
	if err := ss.RemoveAttribute(15, proc); err != nil {
		t.Fatalf("RemoveAttribute failed: %v", err)
	}
	if err := ss.CloseHistory(20); err != nil {
		t.Fatalf("CloseHistory failed: %v", err)
	}

	for _, q := range []Quark{proc, name, prio} {
		if iv := mustSingle(t, ss, 10, q); iv.Value.IsNull() {
			t.Errorf("quark %d at 10 should be set", q)
		}
		if iv := mustSingle(t, ss, 15, q); !iv.Value.IsNull() || iv.Start != 15 {
			t.Errorf("quark %d at 15 = %v, want null from 15", q, iv)
		}
	}

	if got, err := ss.FullAttributeName(name); err != nil || got != "Processes/7/Name" {
		t.Errorf("FullAttributeName = %q, %v", got, err)
	}
	subs, err := ss.SubAttributes(proc, false)
	if err != nil || len(subs) != 2 {
		t.Errorf("SubAttributes = %v, %v; want 2 children", subs, err)
	}
}
