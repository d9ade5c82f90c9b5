// Package transcript turns the stream of per-window decodes into a stable
// transcript. Consecutive decodes of overlapping audio mostly agree on
// their shared prefix; the assembler commits that prefix permanently and
// only ever revises the tail beyond it.
package transcript

import (
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/inference"
)

// UpdateKind classifies one emitted transcript change.
type UpdateKind int

const (
	// Append extends the current text with new trailing content.
	Append UpdateKind = iota
	// Replace rewrites the uncommitted tail of the current text.
	Replace
	// Final marks the definitive transcript for the session.
	Final
)

func (k UpdateKind) String() string {
	switch k {
	case Append:
		return "append"
	case Replace:
		return "replace"
	case Final:
		return "final"
	default:
		return "unknown"
	}
}

// Update is one externally visible transcript change. Text always carries
// the full transcript so far; Delta carries only what changed for Append.
type Update struct {
	Kind  UpdateKind
	Delta string
	Text  string
}

type state int

const (
	collecting state = iota
	emitting
	finalized
)

// Assembler tracks the committed prefix across decodes of a single
// session. It is not safe for concurrent use; the pipeline drives it from
// one goroutine.
type Assembler struct {
	state     state
	text      string
	committed int
}

func New() *Assembler {
	return &Assembler{state: collecting}
}

// Text returns the full transcript assembled so far.
func (a *Assembler) Text() string { return a.text }

// Committed returns the length in bytes of the immutable prefix.
func (a *Assembler) Committed() int { return a.committed }

// Finalized reports whether the session transcript has been sealed.
func (a *Assembler) Finalized() bool { return a.state == finalized }

// Apply folds one streaming decode into the transcript. The boolean is
// false when the decode produced no visible change. After finalization
// further decodes are ignored.
func (a *Assembler) Apply(res inference.Result) (Update, bool) {
	if a.state == finalized {
		return Update{}, false
	}

	next := strings.TrimSpace(res.Text)
	if next == "" {
		return Update{}, false
	}

	if a.state == collecting {
		a.state = emitting
		a.text = next
		return Update{Kind: Append, Delta: next, Text: next}, true
	}

	if next == a.text {
		// Agreement across decodes: the whole text is now stable.
		a.committed = len(a.text)
		return Update{}, false
	}

	shared := commonPrefix(a.text, next)
	if shared < a.committed {
		// The model retracted part of the committed prefix. The
		// commitment holds: keep the prefix, graft the new tail on.
		next = a.text[:a.committed] + next[committedTail(next, a.committed):]
		shared = a.committed
	}
	a.committed = shared

	if strings.HasPrefix(next, a.text) {
		delta := next[len(a.text):]
		a.text = next
		return Update{Kind: Append, Delta: delta, Text: next}, true
	}

	a.text = next
	return Update{Kind: Replace, Text: next}, true
}

// Finalize seals the transcript with the definitive decode. An empty
// final decode keeps whatever streaming text accumulated. Calling
// Finalize again is a no-op.
func (a *Assembler) Finalize(res inference.Result) (Update, bool) {
	if a.state == finalized {
		return Update{}, false
	}

	next := strings.TrimSpace(res.Text)
	if next == "" {
		next = a.text
	} else if commonPrefix(a.text, next) < a.committed {
		next = a.text[:a.committed] + next[committedTail(next, a.committed):]
	}

	a.state = finalized
	a.text = next
	a.committed = len(next)
	return Update{Kind: Final, Text: next}, true
}

// commonPrefix returns the length in bytes of the longest shared prefix,
// backed off to a rune boundary so a commit never splits a character.
func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	for i > 0 && i < len(a) && a[i]&0xC0 == 0x80 {
		i--
	}
	return i
}

// committedTail finds where the tail of next begins when the first
// committed bytes are kept from the old text. If next is shorter than the
// committed prefix the whole of next is discarded in favour of the prefix.
func committedTail(next string, committed int) int {
	if committed > len(next) {
		return len(next)
	}
	return committed
}
