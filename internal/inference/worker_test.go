package inference

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/feature"
)

// gateEngine records concurrent Infer calls and blocks until released.
type gateEngine struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	release chan struct{}
	calls   atomic.Int32
}

func newGateEngine() *gateEngine {
	return &gateEngine{release: make(chan struct{})}
}

func (g *gateEngine) Infer(ctx context.Context, _ feature.Window) (Result, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		prev := g.maxSeen.Load()
		if n <= prev || g.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	g.calls.Add(1)
	return Result{Text: "ok"}, nil
}

func (g *gateEngine) Close() error { return nil }

func TestWorkerSerializesInference(t *testing.T) {
	engine := newGateEngine()
	w := NewWorker(engine, 8, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	var resps []<-chan Response
	for i := 0; i < 4; i++ {
		resp, err := w.Submit(context.Background(), "sess", feature.Window{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		resps = append(resps, resp)
	}

	close(engine.release)
	for i, resp := range resps {
		r := <-resp
		if r.Err != nil {
			t.Fatalf("response %d: %v", i, r.Err)
		}
		if r.Result.Text != "ok" {
			t.Fatalf("response %d text = %q", i, r.Result.Text)
		}
	}
	if max := engine.maxSeen.Load(); max != 1 {
		t.Fatalf("observed %d concurrent inferences, want 1", max)
	}

	cancel()
	w.Stop()
}

func TestWorkerRejectsWhenFull(t *testing.T) {
	engine := newGateEngine()
	defer close(engine.release)
	w := NewWorker(engine, 2, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// One request occupies the engine, two fill the queue. Give the
	// drain goroutine a moment to pick up the first.
	first, err := w.Submit(context.Background(), "sess", feature.Window{})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	deadline := time.After(time.Second)
	for engine.active.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("engine never started serving")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := w.Submit(context.Background(), "sess", feature.Window{}); err != nil {
			t.Fatalf("queued submit %d: %v", i, err)
		}
	}

	if _, err := w.Submit(context.Background(), "sess", feature.Window{}); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("overflow submit error = %v, want ErrOverloaded", err)
	}
	_ = first
}

func TestSubmitAfterStopFails(t *testing.T) {
	engine := newGateEngine()
	defer close(engine.release)
	w := NewWorker(engine, 4, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	cancel()
	w.Stop()

	if _, err := w.Submit(context.Background(), "sess", feature.Window{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop error = %v, want ErrStopped", err)
	}
}

func TestWorkerSkipsCancelledRequests(t *testing.T) {
	engine := newGateEngine()
	w := NewWorker(engine, 8, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	reqCancel()
	resp, err := w.Submit(reqCtx, "sess", feature.Window{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := <-resp
	if !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("response error = %v, want context.Canceled", r.Err)
	}
	if engine.maxSeen.Load() != 0 {
		t.Fatal("cancelled request reached the engine")
	}
}
