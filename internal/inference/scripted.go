package inference

import (
	"context"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/feature"
)

// Scripted is the deterministic test engine: it replays a fixed sequence
// of partial texts and a final text, and records every window it was
// handed.
type Scripted struct {
	mu       sync.Mutex
	partials []string
	final    string
	err      error
	calls    int
	windows  []feature.Window
}

func NewScripted(partials []string, final string) *Scripted {
	return &Scripted{partials: partials, final: final}
}

// FailWith makes every subsequent Infer call return err.
func (s *Scripted) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Scripted) Infer(ctx context.Context, window feature.Window) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, window)
	if s.err != nil {
		return Result{}, s.err
	}
	if window.Final {
		return Result{Text: s.final, Final: true}, nil
	}
	text := ""
	if len(s.partials) > 0 {
		idx := s.calls
		if idx >= len(s.partials) {
			idx = len(s.partials) - 1
		}
		text = s.partials[idx]
	}
	s.calls++
	return Result{Text: text}, nil
}

// Windows returns a copy of every window seen so far.
func (s *Scripted) Windows() []feature.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]feature.Window, len(s.windows))
	copy(out, s.windows)
	return out
}

func (s *Scripted) Close() error {
	return nil
}
