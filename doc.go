// Package statehistory stores the state of a traced system over time and
// answers "what was the value of this attribute at time t" queries.
//
// A trace is an ordered stream of events. A StateProvider turns each event
// into attribute changes: attributes form a tree addressed by paths such as
// "Threads/42/Status", each attribute has one value at any time, and every
// change closes an interval [start, end] holding the previous value.
// Intervals are stored by a Backend, most commonly a history tree file.
//
// # Basic Usage
//
// Build a history from an event source:
//
//	cfg := statehistory.DefaultConfig("/var/lib/histories/kernel.ht")
//	h, err := statehistory.OpenOrBuild(ctx, cfg, source, provider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//
//	if err := h.Build(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Query it:
//
//	ss := h.StateSystem()
//	q, err := ss.QuarkAbsolute("Threads", "42", "Status")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	iv, err := ss.QuerySingle(ctx, ts, q)
//
// Queries may run while the history is built; they block until the history
// reaches the queried time.
//
// # Backends
//
//   - full: every interval in a history tree file, written synchronously
//   - threaded: the same file, written by a goroutine fed through a queue
//   - partial: only the intervals crossing checkpoints are stored, and the
//     events after the closest checkpoint are replayed to answer a query
//   - memory: every interval in memory
//   - null: nothing stored, for replays
//
// # History Tree Files
//
// A history tree file is a header block followed by fixed-size node blocks
// and the serialized attribute tree. Leaf and core nodes cover contiguous
// time ranges; a core node lists its children and their start times, so a
// point query walks a single path from the root.
//
// # Catalog and Archive
//
// With a catalog configured, every history is recorded in a SQLite database
// and OpenOrBuild only reuses files the catalog marks complete for the same
// provider version. With an archive configured, finished files are
// compressed into a directory or an S3 bucket and restored on demand.
package statehistory
