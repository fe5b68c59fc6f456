// Package store provides persistent storage for the conversation layer.
//
// The Store interface is the durable event log and membership record that the
// per-conversation sequencer commits through. Two implementations ship:
//
//   - SQLiteStore: the reference implementation using modernc.org/sqlite,
//     one append-only ordered log per conversation with WAL journaling
//   - MemoryStore: mutex-guarded maps, used by tests and zero-config runs
//
// Both pass the same contract test suite in store_test.go.
//
// The key guarantee is that AppendEvent is durable before it returns success:
// the sequencer treats a successful append as the commit point for a sequence
// number, so a failed append must never leave a gap. The (conversation, seq)
// pair is unique at the schema level as a backstop.
package store
