// Package inference wraps the speech model behind a capability interface
// and serializes every invocation through one shared worker.
package inference

import (
	"context"

	"github.com/loqalabs/loqa-scribe/internal/feature"
)

// Result is one decode pass over a feature window.
type Result struct {
	Tokens []int
	Text   string
	Final  bool
}

// Engine abstracts the sequence-to-sequence speech model. Implementations
// are not required to be safe for concurrent invocation; the worker is the
// only caller in production.
type Engine interface {
	// Infer decodes one feature window. A final window requests the
	// highest-accuracy pass; a streaming window requests a best-effort
	// low-latency pass.
	Infer(ctx context.Context, window feature.Window) (Result, error)
	Close() error
}
