// Package actor implements the per-conversation sequencer.
//
// Each conversation has exactly one Actor: a single goroutine that owns the
// conversation's sequence counter, pending queue and delivery sinks. All
// submissions for a conversation serialize through it, so sequence numbers
// are strictly increasing and gapless by construction, while different
// conversations proceed fully in parallel.
//
// Admission (rate limiting, membership, content screening) runs on the
// submitting goroutine before a draft is queued; only sequencing, persistence
// and fan-out happen inside the actor. The pending queue is bounded: when it
// is full the newest submission is rejected with ErrQueueFull rather than
// displacing queued work. Fan-out is best-effort per sink; a sink whose
// buffer overflows is force-detached without affecting the others or the
// durable log.
package actor
