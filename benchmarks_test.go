package statehistory

import (
	"context"
	"strconv"
	"testing"
)

func benchStateSystem(b *testing.B, kind BackendKind) *StateSystem {
	b.Helper()
	path := b.TempDir() + "/bench.ht"
	cfg := DefaultConfig(path)
	cfg.normalize()

	var backend Backend
	var err error
	switch kind {
	case BackendThreaded:
		backend, err = NewThreadedHistoryTreeBackend(cfg, 0)
	case BackendInMemory:
		backend = NewInMemoryBackend(0)
	default:
		backend, err = NewHistoryTreeBackend(cfg, 0)
	}
	if err != nil {
		b.Fatalf("backend: %v", err)
	}
	ss, err := NewStateSystem(backend, cfg)
	if err != nil {
		b.Fatalf("state system: %v", err)
	}
	return ss
}

func benchmarkModify(b *testing.B, kind BackendKind) {
	ss := benchStateSystem(b, kind)
	defer ss.Dispose()

	quarks := make([]Quark, 64)
	for i := range quarks {
		quarks[i] = ss.QuarkAbsoluteAndAdd("CPUs", strconv.Itoa(i), "Thread")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ss.ModifyAttribute(int64(i+1), IntValue(int32(i)), quarks[i%len(quarks)]); err != nil {
			b.Fatalf("modify: %v", err)
		}
	}
	b.StopTimer()
	if err := ss.CloseHistory(int64(b.N + 1)); err != nil {
		b.Fatalf("close: %v", err)
	}
}

func BenchmarkModifyAttribute_Full(b *testing.B)     { benchmarkModify(b, BackendFull) }
func BenchmarkModifyAttribute_Threaded(b *testing.B) { benchmarkModify(b, BackendThreaded) }
func BenchmarkModifyAttribute_InMemory(b *testing.B) { benchmarkModify(b, BackendInMemory) }

func BenchmarkQuerySingle(b *testing.B) {
	ss := benchStateSystem(b, BackendFull)
	defer ss.Dispose()

	const steps = 100_000
	quarks := make([]Quark, 64)
	for i := range quarks {
		quarks[i] = ss.QuarkAbsoluteAndAdd("CPUs", strconv.Itoa(i), "Thread")
	}
	for i := 0; i < steps; i++ {
		if err := ss.ModifyAttribute(int64(i+1), IntValue(int32(i)), quarks[i%len(quarks)]); err != nil {
			b.Fatalf("modify: %v", err)
		}
	}
	if err := ss.CloseHistory(steps + 1); err != nil {
		b.Fatalf("close: %v", err)
	}

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ts := int64(i*7919) % steps
		if _, err := ss.QuerySingle(ctx, ts, quarks[i%len(quarks)]); err != nil {
			b.Fatalf("query: %v", err)
		}
	}
}

func BenchmarkQueryFull(b *testing.B) {
	ss := benchStateSystem(b, BackendFull)
	defer ss.Dispose()

	const steps = 100_000
	quarks := make([]Quark, 64)
	for i := range quarks {
		quarks[i] = ss.QuarkAbsoluteAndAdd("CPUs", strconv.Itoa(i), "Thread")
	}
	for i := 0; i < steps; i++ {
		if err := ss.ModifyAttribute(int64(i+1), IntValue(int32(i)), quarks[i%len(quarks)]); err != nil {
			b.Fatalf("modify: %v", err)
		}
	}
	if err := ss.CloseHistory(steps + 1); err != nil {
		b.Fatalf("close: %v", err)
	}

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ss.QueryFull(ctx, int64(i*7919)%steps); err != nil {
			b.Fatalf("query: %v", err)
		}
	}
}
