// Package audio turns demultiplexed Opus packets into mono PCM at the
// model's sample rate.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/pion/opus"

	"github.com/loqalabs/loqa-scribe/internal/webm"
)

// Opus always decodes at its internal 48 kHz rate regardless of the rate
// the container header advertises.
const opusRate = 48000

// maxPacketSamples is 120ms at 48 kHz, the longest Opus packet allowed.
const maxPacketSamples = 5760

// ErrCorruptPacket marks a single undecodable packet. The caller may skip
// it and continue.
var ErrCorruptPacket = errors.New("audio: corrupt packet")

// ErrTooManyFailures is returned once the consecutive-failure threshold is
// exceeded; unbounded skipping would silently degrade transcription quality
// without signaling it.
var ErrTooManyFailures = errors.New("audio: too many consecutive decode failures")

// Frame is one packet's worth of decoded mono PCM at the target rate.
type Frame struct {
	Samples   []float32
	Rate      int
	Timestamp time.Duration
}

// Decoder decodes Opus packets, downmixes stereo to mono by per-sample
// averaging, and resamples to a fixed target rate. The underlying codec
// state persists across packets for the lifetime of a session.
type Decoder struct {
	opus        opus.Decoder
	pcm48       []byte
	targetRate  int
	maxFailures int
	failures    int
}

func NewDecoder(targetRate, maxConsecutiveFailures int) *Decoder {
	return &Decoder{
		opus:        opus.NewDecoder(),
		pcm48:       make([]byte, maxPacketSamples*2*2),
		targetRate:  targetRate,
		maxFailures: maxConsecutiveFailures,
	}
}

// Decode decodes one packet. Transient failures are reported as
// ErrCorruptPacket until maxFailures of them arrive in a row, at which
// point ErrTooManyFailures is returned and the session should die.
func (d *Decoder) Decode(pkt webm.Packet) (Frame, error) {
	frame, err := d.decode(pkt)
	if err != nil {
		d.failures++
		if d.failures >= d.maxFailures {
			return Frame{}, fmt.Errorf("%w: %d packets, last: %v", ErrTooManyFailures, d.failures, err)
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrCorruptPacket, err)
	}
	d.failures = 0
	return frame, nil
}

func (d *Decoder) decode(pkt webm.Packet) (Frame, error) {
	if len(pkt.Data) == 0 {
		return Frame{}, errors.New("empty packet")
	}
	samples, err := packetSampleCount48k(pkt.Data)
	if err != nil {
		return Frame{}, err
	}

	need := samples * 2 * 2 // interleaved S16LE, worst case stereo
	if len(d.pcm48) < need {
		d.pcm48 = make([]byte, need)
	}
	_, isStereo, err := d.opus.Decode(pkt.Data, d.pcm48)
	if err != nil {
		return Frame{}, fmt.Errorf("opus decode: %w", err)
	}

	mono := downmix(d.pcm48, samples, isStereo)
	out := Resample(mono, opusRate, d.targetRate)
	return Frame{Samples: out, Rate: d.targetRate, Timestamp: pkt.Timestamp}, nil
}

// downmix converts interleaved S16LE to mono float32, averaging left and
// right when the packet decoded as stereo.
func downmix(pcm []byte, samples int, stereo bool) []float32 {
	out := make([]float32, samples)
	if stereo {
		for i := 0; i < samples; i++ {
			l := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
			r := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
			out[i] = float32(int32(l)+int32(r)) / 2 / 32768
		}
		return out
	}
	for i := 0; i < samples; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// packetSampleCount48k derives the packet's sample count at 48 kHz from the
// TOC byte and frame-count code (RFC 6716 §3.1).
func packetSampleCount48k(data []byte) (int, error) {
	config := data[0] >> 3
	var perFrame int
	switch {
	case config < 12: // SILK: 10, 20, 40, 60 ms
		perFrame = []int{480, 960, 1920, 2880}[config&0x3]
	case config < 16: // hybrid: 10, 20 ms
		perFrame = []int{480, 960}[config&0x1]
	default: // CELT: 2.5, 5, 10, 20 ms
		perFrame = []int{120, 240, 480, 960}[config&0x3]
	}

	frames := 0
	switch data[0] & 0x3 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	case 3:
		if len(data) < 2 {
			return 0, errors.New("truncated multi-frame packet")
		}
		frames = int(data[1] & 0x3F)
	}
	if frames == 0 {
		return 0, errors.New("packet with zero frames")
	}

	total := perFrame * frames
	if total > maxPacketSamples {
		return 0, fmt.Errorf("packet of %d samples exceeds 120ms limit", total)
	}
	return total, nil
}
