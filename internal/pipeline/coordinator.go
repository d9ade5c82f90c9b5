package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/feature"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// eventDepth buffers the outgoing event channel so a briefly slow client
// does not stall inference.
const eventDepth = 32

// Coordinator owns the shared pieces every session needs and mints
// sessions for the transport layer.
type Coordinator struct {
	cfg     Config
	stages  stages
	submit  submitter
	publish func(protocol.Transcript)
	metrics *metrics
	log     *slog.Logger
}

// NewCoordinator derives the per-session configuration once. publish may
// be nil when transcript mirroring is disabled.
func NewCoordinator(cfg config.Config, submit submitter, publish func(protocol.Transcript), log *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg: Config{
			TargetSampleRate:  cfg.Audio.TargetSampleRate,
			MaxDurationMS:     cfg.Audio.MaxDurationMS,
			MaxDecodeFailures: cfg.Audio.MaxDecodeFailures,
			Feature: feature.Config{
				SampleRate:   cfg.Audio.TargetSampleRate,
				FFTSize:      cfg.Features.FFTSize,
				HopSize:      cfg.Features.HopSize,
				MelBins:      cfg.Features.MelBins,
				WindowFrames: cfg.Features.WindowFrames,
				PartialEvery: time.Duration(cfg.Features.PartialWindowMS) * time.Millisecond,
			},
			ChunkDepth:  cfg.Pipeline.ChunkDepth,
			PacketDepth: cfg.Pipeline.PacketDepth,
			FrameDepth:  cfg.Pipeline.FrameDepth,
			WindowDepth: cfg.Pipeline.WindowDepth,
			EventDepth:  eventDepth,
		},
		submit:  submit,
		publish: publish,
		metrics: newMetrics(log),
		log:     log,
	}
	c.stages = defaultStages(c.cfg)
	return c
}

// StartSession spins up the stage goroutines for one client stream. The
// session lives until its final event, a terminal failure, Abort, or
// cancellation of ctx.
func (c *Coordinator) StartSession(ctx context.Context) *Session {
	id := uuid.New().String()
	s := newSession(ctx, id, c.cfg, c.stages, c.submit, c.publish, c.metrics, c.log)
	c.log.Debug("session started", slog.String("session_id", id))
	return s
}
