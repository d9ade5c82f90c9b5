package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/feature"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/webm"
)

// ErrSessionClosed is returned by Write once the session has torn down.
var ErrSessionClosed = errors.New("pipeline: session closed")

// silenceGateFloor is the minimum log-mel peak a streaming window must
// reach before it is worth an inference pass. Digital silence sits near
// -10; quiet speech comfortably clears -7.
const silenceGateFloor float32 = -7

// finalSubmitRetries bounds how often the final window is resubmitted
// when the shared inference queue is full.
const finalSubmitRetries = 5

// submitter is the slice of inference.Worker the session needs. Tests
// substitute their own.
type submitter interface {
	Submit(ctx context.Context, session string, window feature.Window) (<-chan inference.Response, error)
}

// The stage seams exist so pipeline tests can run without hand-crafting
// valid Opus bitstreams. Production always uses the real implementations.
type demuxer interface {
	Feed(data []byte) ([]webm.Packet, error)
}

type decoder interface {
	Decode(pkt webm.Packet) (audio.Frame, error)
}

type extractor interface {
	Push(samples []float32) []feature.Window
	Flush() feature.Window
}

type stages struct {
	newDemuxer   func() demuxer
	newDecoder   func() decoder
	newExtractor func() extractor
}

func defaultStages(cfg Config) stages {
	return stages{
		newDemuxer: func() demuxer { return webm.NewDemuxer() },
		newDecoder: func() decoder {
			return audio.NewDecoder(cfg.TargetSampleRate, cfg.MaxDecodeFailures)
		},
		newExtractor: func() extractor { return feature.NewExtractor(cfg.Feature) },
	}
}

// Session runs one client's audio through demux, decode, feature
// extraction and inference. Each stage is a goroutine connected to the
// next by a bounded channel, so a slow stage backpressures all the way to
// Write. Events come out in order; the last one is always terminal, either
// a final transcript or an error, after which the event channel closes.
type Session struct {
	ID string

	cfg     Config
	stages  stages
	log     *slog.Logger
	submit  submitter
	publish func(protocol.Transcript)
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc

	chunks chan []byte
	events chan protocol.Event
	done   chan struct{}

	inputMu     sync.Mutex
	inputClosed bool

	mu         sync.Mutex
	terminated bool
	failure    *Failure

	samplesMu    sync.Mutex
	totalSamples int

	wg sync.WaitGroup
}

// Config carries the per-session knobs the coordinator resolves from the
// service configuration.
type Config struct {
	TargetSampleRate  int
	MaxDurationMS     int
	MaxDecodeFailures int

	Feature feature.Config

	ChunkDepth  int
	PacketDepth int
	FrameDepth  int
	WindowDepth int
	EventDepth  int
}

func newSession(parent context.Context, id string, cfg Config, st stages, submit submitter, publish func(protocol.Transcript), m *metrics, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:      id,
		cfg:     cfg,
		stages:  st,
		log:     log.With(slog.String("session_id", id)),
		submit:  submit,
		publish: publish,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		chunks:  make(chan []byte, cfg.ChunkDepth),
		events:  make(chan protocol.Event, cfg.EventDepth),
		done:    make(chan struct{}),
	}

	packets := make(chan webm.Packet, cfg.PacketDepth)
	frames := make(chan audio.Frame, cfg.FrameDepth)
	windows := make(chan feature.Window, cfg.WindowDepth)

	s.wg.Add(4)
	go s.runDemux(packets)
	go s.runDecode(packets, frames)
	go s.runFeatures(frames, windows)
	go s.runInference(windows)

	m.sessionStarted(ctx)
	go s.supervise()
	return s
}

// Write hands one container chunk to the pipeline. It blocks while the
// stage channels are full, which is the backpressure the transport relies
// on, and fails once input is closed or the session is terminal. Clients
// do send audio after their stop message; that must never panic.
func (s *Session) Write(chunk []byte) error {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.inputClosed {
		return ErrSessionClosed
	}
	select {
	case s.chunks <- chunk:
		return nil
	case <-s.ctx.Done():
		if f := s.Failure(); f != nil {
			return f
		}
		return ErrSessionClosed
	}
}

// CloseInput signals end of stream. The pipeline drains whatever is
// buffered, runs the final inference and emits the final event. Later
// Write calls fail with ErrSessionClosed.
func (s *Session) CloseInput() {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.inputClosed {
		return
	}
	s.inputClosed = true
	close(s.chunks)
}

// Abort tears the session down without a terminal event, for transports
// whose peer vanished mid-stream.
func (s *Session) Abort() {
	s.cancel()
}

// Events returns the ordered event stream. The channel closes once the
// session is fully torn down.
func (s *Session) Events() <-chan protocol.Event { return s.events }

// Done closes when every stage goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Failure reports the terminal failure, if any, once the session is done.
func (s *Session) Failure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Session) supervise() {
	s.wg.Wait()
	close(s.events)
	seconds := float64(s.decodedSamples()) / float64(s.cfg.TargetSampleRate)
	s.metrics.sessionEnded(context.Background(), seconds)
	s.cancel()
	close(s.done)
}

// deliver queues one event, refusing anything after the terminal one so
// the stream always ends with exactly one final or fatal error event.
func (s *Session) deliver(ev protocol.Event, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	if terminal {
		s.terminated = true
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// fail records the terminal failure, emits the error event and cancels
// every stage. Only the first call wins.
func (s *Session) fail(kind Kind, err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = &Failure{Kind: kind, Err: err}
	}
	s.mu.Unlock()

	s.log.Warn("session failed",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))
	s.metrics.failure(s.ctx, kind)
	s.deliver(protocol.Event{
		Type:    protocol.EventError,
		Kind:    string(kind),
		Message: err.Error(),
	}, true)
	s.cancel()
}

func (s *Session) runDemux(packets chan<- webm.Packet) {
	defer s.wg.Done()
	defer close(packets)

	demux := s.stages.newDemuxer()
	for {
		var chunk []byte
		var open bool
		select {
		case <-s.ctx.Done():
			return
		case chunk, open = <-s.chunks:
			if !open {
				return
			}
		}

		pkts, err := demux.Feed(chunk)
		if err != nil {
			s.fail(KindContainerParse, err)
			return
		}
		s.metrics.packets(s.ctx, len(pkts))
		for _, pkt := range pkts {
			select {
			case packets <- pkt:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) runDecode(packets <-chan webm.Packet, frames chan<- audio.Frame) {
	defer s.wg.Done()
	defer close(frames)

	dec := s.stages.newDecoder()
	maxSamples := s.cfg.MaxDurationMS * s.cfg.TargetSampleRate / 1000

	for {
		var pkt webm.Packet
		var open bool
		select {
		case <-s.ctx.Done():
			return
		case pkt, open = <-packets:
			if !open {
				return
			}
		}

		frame, err := dec.Decode(pkt)
		if err != nil {
			if errors.Is(err, audio.ErrCorruptPacket) {
				// One bad packet costs a few tens of milliseconds
				// of audio; the stream is still usable.
				s.log.Debug("dropping corrupt packet",
					slog.Int64("timestamp_ns", pkt.Timestamp.Nanoseconds()),
					slog.String("error", err.Error()))
				continue
			}
			s.fail(KindDecode, err)
			return
		}

		total := s.addDecodedSamples(len(frame.Samples))
		if total > maxSamples {
			s.fail(KindDurationExceeded, fmt.Errorf(
				"session exceeded %dms of audio", s.cfg.MaxDurationMS))
			return
		}

		select {
		case frames <- frame:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) runFeatures(frames <-chan audio.Frame, windows chan<- feature.Window) {
	defer s.wg.Done()
	defer close(windows)

	ex := s.stages.newExtractor()
	for {
		var frame audio.Frame
		var open bool
		select {
		case <-s.ctx.Done():
			return
		case frame, open = <-frames:
			if !open {
				// Clean end of stream: one last window over
				// everything heard. A cancelled session skips it.
				if s.ctx.Err() == nil {
					select {
					case windows <- ex.Flush():
					case <-s.ctx.Done():
					}
				}
				return
			}
		}

		for _, w := range ex.Push(frame.Samples) {
			select {
			case windows <- w:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) runInference(windows <-chan feature.Window) {
	defer s.wg.Done()

	asm := transcript.New()
	for {
		var w feature.Window
		var open bool
		select {
		case <-s.ctx.Done():
			return
		case w, open = <-windows:
			if !open {
				return
			}
		}

		if w.Final {
			s.finishSession(asm, w)
			return
		}
		s.servePartial(asm, w)
	}
}

func (s *Session) servePartial(asm *transcript.Assembler, w feature.Window) {
	if w.Peak < silenceGateFloor {
		return
	}

	resp, err := s.submit.Submit(s.ctx, s.ID, w)
	if errors.Is(err, inference.ErrOverloaded) {
		// Dropping a streaming window loses nothing permanent; the
		// client just waits longer for its next partial.
		s.deliver(protocol.Event{
			Type:    protocol.EventError,
			Kind:    string(KindOverloaded),
			Message: "transcriber busy, partial skipped",
		}, false)
		return
	}
	if err != nil {
		s.fail(KindInference, err)
		return
	}

	var r inference.Response
	select {
	case r = <-resp:
	case <-s.ctx.Done():
		return
	}
	if r.Err != nil {
		if errors.Is(r.Err, context.Canceled) {
			return
		}
		s.fail(KindInference, r.Err)
		return
	}

	if up, changed := asm.Apply(r.Result); changed {
		s.emitTranscript(up)
	}
}

func (s *Session) finishSession(asm *transcript.Assembler, w feature.Window) {
	var result inference.Result
	served := false

	for attempt := 0; attempt < finalSubmitRetries; attempt++ {
		resp, err := s.submit.Submit(s.ctx, s.ID, w)
		if errors.Is(err, inference.ErrOverloaded) {
			// The final decode cannot be dropped. Back off and retry
			// while other sessions drain the queue.
			select {
			case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
				continue
			case <-s.ctx.Done():
				return
			}
		}
		if err != nil {
			s.fail(KindInference, err)
			return
		}

		var r inference.Response
		select {
		case r = <-resp:
		case <-s.ctx.Done():
			return
		}
		if r.Err != nil {
			if errors.Is(r.Err, context.Canceled) {
				return
			}
			s.fail(KindInference, r.Err)
			return
		}
		result = r.Result
		served = true
		break
	}
	if !served {
		s.fail(KindOverloaded, inference.ErrOverloaded)
		return
	}

	up, _ := asm.Finalize(result)
	s.emitTranscript(up)
	s.cancel()
}

func (s *Session) emitTranscript(up transcript.Update) {
	if up.Kind == transcript.Final {
		s.deliver(protocol.Event{Type: protocol.EventFinal, Text: up.Text}, true)
	} else {
		s.deliver(protocol.Event{Type: protocol.EventPartial, Text: up.Text}, false)
	}
	if s.publish != nil {
		s.publish(protocol.Transcript{
			SessionID: s.ID,
			Text:      up.Text,
			Partial:   up.Kind != transcript.Final,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (s *Session) addDecodedSamples(n int) int {
	s.samplesMu.Lock()
	defer s.samplesMu.Unlock()
	s.totalSamples += n
	return s.totalSamples
}

func (s *Session) decodedSamples() int {
	s.samplesMu.Lock()
	defer s.samplesMu.Unlock()
	return s.totalSamples
}
