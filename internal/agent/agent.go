// ABOUTME: QueryProcessor contract for agent participants and the echo stub
// ABOUTME: Agents answer natural-language queries with streamed replies

package agent

import (
	"context"
	"fmt"

	"github.com/parley-chat/parley/internal/store"
)

// Reply is one chunk of an agent's streamed answer. Each reply becomes its
// own committed message event.
type Reply struct {
	Content string
}

// QueryProcessor turns a committed human message into a stream of replies.
// Implementations close the channel when the answer is complete. The
// conversation layer treats the processor as opaque; model calls, tool use
// and orchestration all live behind this interface.
type QueryProcessor interface {
	Process(ctx context.Context, query string, history []*store.Event) (<-chan Reply, error)
}

// EchoProcessor answers every query by repeating it. Used by tests and the
// serve --echo-agent demo mode.
type EchoProcessor struct{}

func (EchoProcessor) Process(ctx context.Context, query string, history []*store.Event) (<-chan Reply, error) {
	out := make(chan Reply, 1)
	out <- Reply{Content: fmt.Sprintf("echo: %s", query)}
	close(out)
	return out, nil
}
