package statehistory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// testEvent sets the attribute at path to value.
type testEvent struct {
	ts    int64
	path  string
	value Value
}

func (e testEvent) Timestamp() int64 { return e.ts }

// sliceSource replays a fixed, ordered list of events.
type sliceSource struct {
	start   int64
	events  []testEvent
	replays atomic.Int64
}

func (s *sliceSource) StartTime() int64 { return s.start }

func (s *sliceSource) Replay(ctx context.Context, req ReplayRequest, fn func(Event) error) error {
	s.replays.Add(1)
	for _, ev := range s.events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.ts > req.Until {
			return nil
		}
		if !req.Contains(ev.ts) {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// setProvider applies testEvents: the path is split on '/' and the value
// written to it. A "push:" or "pop:" prefix drives a stack attribute.
type setProvider struct {
	version int
	handled atomic.Int64
}

func (p *setProvider) HandleEvent(w StateWriter, ev Event) error {
	p.handled.Add(1)
	te, ok := ev.(testEvent)
	if !ok {
		return errors.New("unexpected event type")
	}
	path := te.path
	switch {
	case strings.HasPrefix(path, "push:"):
		q := w.QuarkAbsoluteAndAdd(strings.Split(strings.TrimPrefix(path, "push:"), "/")...)
		return w.PushAttribute(te.ts, te.value, q)
	case strings.HasPrefix(path, "pop:"):
		q := w.QuarkAbsoluteAndAdd(strings.Split(strings.TrimPrefix(path, "pop:"), "/")...)
		_, err := w.PopAttribute(te.ts, q)
		return err
	}
	q := w.QuarkAbsoluteAndAdd(strings.Split(path, "/")...)
	return w.ModifyAttribute(te.ts, te.value, q)
}

func (p *setProvider) Clone() StateProvider { return &setProvider{version: p.version} }

func (p *setProvider) Version() int { return p.version }

// scenarioEvents is a thread switching between two states: x during [0, 10)
// and y from 10 on, with unrelated counter updates every time unit.
func scenarioEvents() []testEvent {
	var events []testEvent
	for ts := int64(0); ts <= 25; ts++ {
		switch ts {
		case 0:
			events = append(events, testEvent{ts: ts, path: "Threads/1/State", value: StringValue("x")})
		case 10:
			events = append(events, testEvent{ts: ts, path: "Threads/1/State", value: StringValue("y")})
		}
		events = append(events, testEvent{ts: ts, path: "Counter", value: LongValue(ts)})
	}
	return events
}

// testConfig returns a configuration with small blocks writing into a
// temporary directory.
func testConfig(t *testing.T, backend BackendKind) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.ht"))
	cfg.Backend = backend
	cfg.HistoryTree.BlockSize = 4096
	cfg.HistoryTree.MaxChildren = 3
	cfg.NodeCacheSize = 8
	return cfg
}

// buildHistory builds events into a new history of the given kind.
func buildHistory(t *testing.T, cfg Config, events []testEvent) (*History, *sliceSource) {
	t.Helper()
	src := &sliceSource{events: events}
	h, err := NewHistory(cfg, src, &setProvider{version: 1})
	if err != nil {
		t.Fatalf("NewHistory failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	if err := h.Build(context.Background()); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return h, src
}

func mustQuark(t *testing.T, ss *StateSystem, path ...string) Quark {
	t.Helper()
	q, err := ss.QuarkAbsolute(path...)
	if err != nil {
		t.Fatalf("QuarkAbsolute(%v) failed: %v", path, err)
	}
	return q
}

func mustSingle(t *testing.T, ss *StateSystem, ts int64, q Quark) *Interval {
	t.Helper()
	iv, err := ss.QuerySingle(context.Background(), ts, q)
	if err != nil {
		t.Fatalf("QuerySingle(%d, %d) failed: %v", ts, q, err)
	}
	return iv
}
