package inference

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-scribe/internal/feature"
)

// ErrOverloaded is returned when the shared queue is full. It is transient:
// the caller may retry, the queue never grows unboundedly.
var ErrOverloaded = errors.New("inference: worker queue full")

// ErrStopped is returned by Submit once the worker has shut down. Without
// it a request enqueued after the drain would never get a response.
var ErrStopped = errors.New("inference: worker stopped")

// Response delivers one completed (or failed) inference back to a session.
type Response struct {
	Result Result
	Err    error
}

type request struct {
	ctx     context.Context
	session string
	window  feature.Window
	resp    chan Response
}

// Worker serializes all inference over one shared engine instance. The
// model is a process-wide resource: exactly one invocation executes at a
// time, drained from a bounded FIFO queue.
type Worker struct {
	engine  Engine
	queue   chan *request
	log     *slog.Logger
	wg      sync.WaitGroup
	latency metric.Float64Histogram

	mu      sync.Mutex
	stopped bool
}

func NewWorker(engine Engine, queueDepth int, log *slog.Logger) *Worker {
	w := &Worker{
		engine: engine,
		queue:  make(chan *request, queueDepth),
		log:    log,
	}

	meter := otel.Meter("loqa-scribe/inference")
	latency, err := meter.Float64Histogram("scribe.inference.latency_seconds",
		metric.WithDescription("Wall time of one inference pass"))
	if err == nil {
		w.latency = latency
	}
	if _, err := meter.Int64ObservableGauge("scribe.inference.queue_depth",
		metric.WithDescription("Requests waiting on the shared inference queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(w.queue)))
			return nil
		})); err != nil {
		log.Warn("failed to register queue depth gauge", slog.String("error", err.Error()))
	}
	return w
}

// Start launches the single drain goroutine. It runs until ctx is
// cancelled and the queue has been drained of already-enqueued requests.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				// Flag first: a Submit that raced past the flag has
				// already enqueued, so the drain below catches it.
				w.mu.Lock()
				w.stopped = true
				w.mu.Unlock()
				w.drain()
				return
			case req := <-w.queue:
				w.serve(req)
			}
		}
	}()
}

// Stop blocks until the drain goroutine exits.
func (w *Worker) Stop() {
	w.wg.Wait()
}

// Submit enqueues one inference request without blocking. A full queue
// yields ErrOverloaded, a stopped worker ErrStopped. The response channel
// receives exactly one value.
func (w *Worker) Submit(ctx context.Context, session string, window feature.Window) (<-chan Response, error) {
	req := &request{
		ctx:     ctx,
		session: session,
		window:  window,
		resp:    make(chan Response, 1),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil, ErrStopped
	}
	select {
	case w.queue <- req:
		return req.resp, nil
	default:
		return nil, ErrOverloaded
	}
}

func (w *Worker) serve(req *request) {
	// A request whose session died before dispatch is removed from the
	// queue without touching the engine.
	if err := req.ctx.Err(); err != nil {
		req.resp <- Response{Err: err}
		return
	}

	start := time.Now()
	result, err := w.engine.Infer(req.ctx, req.window)
	if w.latency != nil {
		w.latency.Record(req.ctx, time.Since(start).Seconds())
	}
	if err != nil {
		w.log.Warn("inference failed",
			slog.String("session_id", req.session),
			slog.String("error", err.Error()))
	}
	req.resp <- Response{Result: result, Err: err}
}

func (w *Worker) drain() {
	for {
		select {
		case req := <-w.queue:
			req.resp <- Response{Err: context.Canceled}
		default:
			return
		}
	}
}
