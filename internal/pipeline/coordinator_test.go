package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/feature"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/webm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServiceConfig() config.Config {
	cfg := config.Default()
	cfg.Features.WindowFrames = 100
	cfg.Features.PartialWindowMS = 100 // one partial per 1600 samples at 16kHz
	return cfg
}

func newTestCoordinator(t *testing.T, cfg config.Config, engine inference.Engine) *Coordinator {
	t.Helper()
	log := quietLogger()
	w := inference.NewWorker(engine, cfg.Inference.QueueDepth, log)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	return NewCoordinator(cfg, w, nil, log)
}

// chunkDemuxer treats every transport chunk as one ready packet, skipping
// the container layer for tests that exercise the later stages.
type chunkDemuxer struct{ ts time.Duration }

func (d *chunkDemuxer) Feed(data []byte) ([]webm.Packet, error) {
	d.ts += 20 * time.Millisecond
	return []webm.Packet{{Data: data, Timestamp: d.ts}}, nil
}

// toneDecoder emits a 1kHz tone so the silence gate always passes.
type toneDecoder struct {
	perPacket int
	rate      int
	pos       int
	corrupt   int
	fatal     error
}

func (d *toneDecoder) Decode(pkt webm.Packet) (audio.Frame, error) {
	if d.fatal != nil {
		return audio.Frame{}, d.fatal
	}
	if d.corrupt > 0 {
		d.corrupt--
		return audio.Frame{}, fmt.Errorf("%w: bad toc", audio.ErrCorruptPacket)
	}
	samples := make([]float32, d.perPacket)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 1000 * float64(d.pos+i) / float64(d.rate)))
	}
	d.pos += d.perPacket
	return audio.Frame{Samples: samples, Rate: d.rate, Timestamp: pkt.Timestamp}, nil
}

func fakeStages(cfg Config, dec *toneDecoder) stages {
	return stages{
		newDemuxer:   func() demuxer { return &chunkDemuxer{} },
		newDecoder:   func() decoder { return dec },
		newExtractor: func() extractor { return feature.NewExtractor(cfg.Feature) },
	}
}

func collectEvents(t *testing.T, s *Session) []protocol.Event {
	t.Helper()
	var evs []protocol.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %+v", evs)
		}
	}
}

func TestGarbageStreamEmitsOneParseError(t *testing.T) {
	c := newTestCoordinator(t, testServiceConfig(), inference.NewScripted(nil, ""))
	s := c.StartSession(context.Background())

	if err := s.Write([]byte("this is definitely not a webm stream")); err != nil {
		t.Fatalf("first write: %v", err)
	}

	evs := collectEvents(t, s)
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(evs), evs)
	}
	if evs[0].Type != protocol.EventError || evs[0].Kind != string(KindContainerParse) {
		t.Fatalf("unexpected event: %+v", evs[0])
	}

	<-s.Done()
	f := s.Failure()
	if f == nil || f.Kind != KindContainerParse {
		t.Fatalf("failure = %+v", f)
	}
	if err := s.Write([]byte("more")); err == nil {
		t.Fatal("write after failure succeeded")
	}
}

func TestStreamingPartialsThenFinal(t *testing.T) {
	cfg := testServiceConfig()
	engine := inference.NewScripted([]string{"good", "good morning"}, "good morning everyone")
	c := newTestCoordinator(t, cfg, engine)
	dec := &toneDecoder{perPacket: 1600, rate: 16000}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	for i := 0; i < 2; i++ {
		if err := s.Write([]byte{0x01}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	s.CloseInput()

	evs := collectEvents(t, s)
	if len(evs) == 0 {
		t.Fatal("no events")
	}
	last := evs[len(evs)-1]
	if last.Type != protocol.EventFinal || last.Text != "good morning everyone" {
		t.Fatalf("last event = %+v", last)
	}
	prev := ""
	for _, ev := range evs[:len(evs)-1] {
		if ev.Type != protocol.EventPartial {
			t.Fatalf("non-partial before final: %+v", ev)
		}
		if !strings.HasPrefix(ev.Text, prev) {
			t.Fatalf("partial %q does not extend %q", ev.Text, prev)
		}
		prev = ev.Text
	}
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 2 partials and a final: %+v", len(evs), evs)
	}
	if s.Failure() != nil {
		t.Fatalf("unexpected failure: %v", s.Failure())
	}
}

func TestDurationCapIsTerminal(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Audio.MaxDurationMS = 100
	cfg.Features.PartialWindowMS = 60000 // no partials before the cap trips
	c := newTestCoordinator(t, cfg, inference.NewScripted(nil, "unreachable"))
	dec := &toneDecoder{perPacket: 1600, rate: 16000}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	for i := 0; i < 3; i++ {
		if err := s.Write([]byte{0x01}); err != nil {
			break
		}
	}

	evs := collectEvents(t, s)
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(evs), evs)
	}
	if evs[0].Type != protocol.EventError || evs[0].Kind != string(KindDurationExceeded) {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
}

func TestCorruptPacketsAreSkipped(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Features.PartialWindowMS = 60000
	c := newTestCoordinator(t, cfg, inference.NewScripted(nil, "survived"))
	dec := &toneDecoder{perPacket: 1600, rate: 16000, corrupt: 2}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	for i := 0; i < 3; i++ {
		if err := s.Write([]byte{0x01}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	s.CloseInput()

	evs := collectEvents(t, s)
	if len(evs) != 1 || evs[0].Type != protocol.EventFinal || evs[0].Text != "survived" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestDecodeEscalationIsTerminal(t *testing.T) {
	cfg := testServiceConfig()
	c := newTestCoordinator(t, cfg, inference.NewScripted(nil, "unreachable"))
	dec := &toneDecoder{perPacket: 1600, rate: 16000,
		fatal: fmt.Errorf("%w: 5 packets", audio.ErrTooManyFailures)}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	if err := s.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	evs := collectEvents(t, s)
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(evs), evs)
	}
	if evs[0].Kind != string(KindDecode) {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
}

// partialOverloadSubmitter rejects every streaming window and serves only
// the final one.
type partialOverloadSubmitter struct{ finalToo bool }

func (p partialOverloadSubmitter) Submit(_ context.Context, _ string, w feature.Window) (<-chan inference.Response, error) {
	if !w.Final || p.finalToo {
		return nil, inference.ErrOverloaded
	}
	ch := make(chan inference.Response, 1)
	ch <- inference.Response{Result: inference.Result{Text: "done", Final: true}}
	return ch, nil
}

func TestOverloadedPartialIsNonTerminal(t *testing.T) {
	cfg := testServiceConfig()
	c := newTestCoordinator(t, cfg, inference.NewScripted(nil, ""))
	c.submit = partialOverloadSubmitter{}
	dec := &toneDecoder{perPacket: 1600, rate: 16000}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	for i := 0; i < 2; i++ {
		if err := s.Write([]byte{0x01}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	s.CloseInput()

	evs := collectEvents(t, s)
	last := evs[len(evs)-1]
	if last.Type != protocol.EventFinal || last.Text != "done" {
		t.Fatalf("last event = %+v", last)
	}
	overloads := 0
	for _, ev := range evs[:len(evs)-1] {
		if ev.Type != protocol.EventError || ev.Kind != string(KindOverloaded) {
			t.Fatalf("unexpected event before final: %+v", ev)
		}
		overloads++
	}
	if overloads != 2 {
		t.Fatalf("got %d overload events, want 2: %+v", overloads, evs)
	}
	if s.Failure() != nil {
		t.Fatalf("overloaded partials must not kill the session: %v", s.Failure())
	}
}

func TestOverloadedFinalEventuallyFails(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Features.PartialWindowMS = 60000
	c := newTestCoordinator(t, cfg, inference.NewScripted(nil, ""))
	c.submit = partialOverloadSubmitter{finalToo: true}
	dec := &toneDecoder{perPacket: 1600, rate: 16000}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	if err := s.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.CloseInput()

	evs := collectEvents(t, s)
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(evs), evs)
	}
	if evs[0].Type != protocol.EventError || evs[0].Kind != string(KindOverloaded) {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	f := s.Failure()
	if f == nil || !errors.Is(f, inference.ErrOverloaded) {
		t.Fatalf("failure = %v", f)
	}
}

func TestWriteAfterCloseInputFails(t *testing.T) {
	cfg := testServiceConfig()
	cfg.Features.PartialWindowMS = 60000
	c := newTestCoordinator(t, cfg, inference.NewScripted(nil, "closed off"))
	dec := &toneDecoder{perPacket: 1600, rate: 16000}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	if err := s.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.CloseInput()
	s.CloseInput() // idempotent

	// Trailing audio after end of stream must be refused, not panic.
	if err := s.Write([]byte{0x02}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("write after close = %v, want ErrSessionClosed", err)
	}

	evs := collectEvents(t, s)
	last := evs[len(evs)-1]
	if last.Type != protocol.EventFinal || last.Text != "closed off" {
		t.Fatalf("last event = %+v", last)
	}
}

// stalledSubmitter accepts every window but answers only once released,
// simulating an inference worker that cannot keep up.
type stalledSubmitter struct{ release chan struct{} }

func (s stalledSubmitter) Submit(ctx context.Context, _ string, _ feature.Window) (<-chan inference.Response, error) {
	ch := make(chan inference.Response, 1)
	go func() {
		select {
		case <-s.release:
			ch <- inference.Response{Result: inference.Result{Text: "late"}}
		case <-ctx.Done():
			ch <- inference.Response{Err: ctx.Err()}
		}
	}()
	return ch, nil
}

func TestStalledInferenceBlocksWriterAtBound(t *testing.T) {
	cfg := testServiceConfig() // one window per 1600-sample chunk
	cfg.Pipeline.ChunkDepth = 2
	cfg.Pipeline.PacketDepth = 2
	cfg.Pipeline.FrameDepth = 2
	cfg.Pipeline.WindowDepth = 2
	c := newTestCoordinator(t, cfg, inference.NewScripted(nil, ""))
	stall := stalledSubmitter{release: make(chan struct{})}
	c.submit = stall
	dec := &toneDecoder{perPacket: 1600, rate: 16000}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	var accepted atomic.Int32
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; i < 100; i++ {
			if err := s.Write([]byte{0x01}); err != nil {
				return
			}
			accepted.Add(1)
		}
	}()

	// Let the stages fill while inference never answers.
	time.Sleep(500 * time.Millisecond)

	// Steady state holds at most the four channel buffers plus one message
	// in hand per stage goroutine: 2+2+2+2 buffered, 4 in flight.
	if n := accepted.Load(); n > 14 {
		t.Fatalf("writer pushed %d chunks into a stalled pipeline, want <= 14", n)
	}

	close(stall.release)
	s.Abort()
	select {
	case <-writerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("writer still blocked after abort")
	}
	collectEvents(t, s)
	<-s.Done()
}

func TestAbortEndsWithoutTerminalEvent(t *testing.T) {
	cfg := testServiceConfig()
	c := newTestCoordinator(t, cfg, inference.NewScripted(nil, ""))
	dec := &toneDecoder{perPacket: 1600, rate: 16000}
	c.stages = fakeStages(c.cfg, dec)

	s := c.StartSession(context.Background())
	if err := s.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.Abort()

	evs := collectEvents(t, s)
	for _, ev := range evs {
		if ev.Type == protocol.EventFinal || ev.Type == protocol.EventError {
			t.Fatalf("terminal event after abort: %+v", ev)
		}
	}
	<-s.Done()
	if s.Failure() != nil {
		t.Fatalf("abort recorded a failure: %v", s.Failure())
	}
}

func TestSilentWindowsSkipInference(t *testing.T) {
	cfg := testServiceConfig()
	engine := inference.NewScripted([]string{"ghost"}, "quiet")
	c := newTestCoordinator(t, cfg, engine)
	c.stages = fakeStages(c.cfg, nil)
	silent := &silentDecoder{perPacket: 1600, rate: 16000}
	c.stages.newDecoder = func() decoder { return silent }

	s := c.StartSession(context.Background())
	for i := 0; i < 2; i++ {
		if err := s.Write([]byte{0x01}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	s.CloseInput()

	evs := collectEvents(t, s)
	if len(evs) != 1 || evs[0].Type != protocol.EventFinal || evs[0].Text != "quiet" {
		t.Fatalf("events = %+v", evs)
	}
	for _, w := range engine.Windows() {
		if !w.Final {
			t.Fatal("silent streaming window reached the engine")
		}
	}
}

type silentDecoder struct {
	perPacket int
	rate      int
}

func (d *silentDecoder) Decode(pkt webm.Packet) (audio.Frame, error) {
	return audio.Frame{Samples: make([]float32, d.perPacket), Rate: d.rate, Timestamp: pkt.Timestamp}, nil
}
