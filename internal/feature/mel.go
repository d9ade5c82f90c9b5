// Package feature converts mono PCM into the fixed-geometry log-mel
// spectrogram windows the speech model consumes.
package feature

import (
	"math"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Config fixes the short-time transform geometry. The values must match
// the model's trained front-end rather than tunables.
type Config struct {
	SampleRate   int
	FFTSize      int
	HopSize      int
	MelBins      int
	WindowFrames int
	// PartialEvery is the amount of new audio between streaming windows.
	PartialEvery time.Duration
}

// Window is one fixed-shape feature matrix (Frames x Bins, row-major)
// covering the most recent span of session audio. Samples carries the
// source PCM for engines that run their own front-end; Peak is the maximum
// un-normalized log-mel value, used as a cheap silence gate.
type Window struct {
	Mel      []float32
	Frames   int
	Bins     int
	Samples  []float32
	Duration time.Duration
	Peak     float32
	Final    bool
}

// Extractor accumulates decoded PCM and emits mel windows on a streaming
// cadence plus one final window at end of stream. Residual samples that do
// not yet fill a hop are buffered, never dropped.
type Extractor struct {
	cfg     Config
	fft     *fourier.FFT
	hann    []float64
	filters [][]float32

	samples   []float32
	sinceEmit int
	emitEvery int
}

func NewExtractor(cfg Config) *Extractor {
	emitEvery := int(cfg.PartialEvery.Seconds() * float64(cfg.SampleRate))
	if emitEvery <= 0 {
		emitEvery = cfg.SampleRate
	}
	return &Extractor{
		cfg:       cfg,
		fft:       fourier.NewFFT(cfg.FFTSize),
		hann:      hannWindow(cfg.FFTSize),
		filters:   melFilterbank(cfg.MelBins, cfg.FFTSize, cfg.SampleRate),
		emitEvery: emitEvery,
	}
}

// Push appends decoded samples and returns any streaming windows that
// became due.
func (e *Extractor) Push(samples []float32) []Window {
	e.samples = append(e.samples, samples...)
	e.sinceEmit += len(samples)

	var windows []Window
	for e.sinceEmit >= e.emitEvery {
		e.sinceEmit -= e.emitEvery
		windows = append(windows, e.window(false))
	}
	return windows
}

// Flush emits the final window over all buffered audio, padding the
// residual to the model's window length.
func (e *Extractor) Flush() Window {
	return e.window(true)
}

// TotalSamples reports how much audio has been accumulated.
func (e *Extractor) TotalSamples() int {
	return len(e.samples)
}

func (e *Extractor) window(final bool) Window {
	span := e.cfg.WindowFrames * e.cfg.HopSize
	tail := e.samples
	if len(tail) > span {
		tail = tail[len(tail)-span:]
	}

	// Zero-pad so the transform yields exactly WindowFrames frames.
	padded := make([]float64, span+e.cfg.FFTSize-e.cfg.HopSize)
	for i, s := range tail {
		padded[i] = float64(s)
	}

	nBins := e.cfg.FFTSize/2 + 1
	coeff := make([]complex128, nBins)
	frame := make([]float64, e.cfg.FFTSize)
	power := make([]float64, nBins)

	mel := make([]float32, e.cfg.WindowFrames*e.cfg.MelBins)
	peak := float32(math.Inf(-1))
	for f := 0; f < e.cfg.WindowFrames; f++ {
		start := f * e.cfg.HopSize
		for i := 0; i < e.cfg.FFTSize; i++ {
			frame[i] = padded[start+i] * e.hann[i]
		}
		coeff = e.fft.Coefficients(coeff, frame)
		for i := range power {
			power[i] = real(coeff[i])*real(coeff[i]) + imag(coeff[i])*imag(coeff[i])
		}
		for m := 0; m < e.cfg.MelBins; m++ {
			var sum float64
			filter := e.filters[m]
			for i, w := range filter {
				if w != 0 {
					sum += float64(w) * power[i]
				}
			}
			v := float32(math.Log10(math.Max(sum, 1e-10)))
			if v > peak {
				peak = v
			}
			mel[f*e.cfg.MelBins+m] = v
		}
	}

	// Dynamic range compression as in the model's training front-end.
	floor := peak - 8
	for i, v := range mel {
		if v < floor {
			v = floor
		}
		mel[i] = (v + 4) / 4
	}

	out := make([]float32, len(tail))
	copy(out, tail)
	return Window{
		Mel:      mel,
		Frames:   e.cfg.WindowFrames,
		Bins:     e.cfg.MelBins,
		Samples:  out,
		Duration: time.Duration(len(tail)) * time.Second / time.Duration(e.cfg.SampleRate),
		Peak:     peak,
		Final:    final,
	}
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterbank builds triangular filters over the FFT power bins.
func melFilterbank(bins, fftSize, rate int) [][]float32 {
	nBins := fftSize/2 + 1
	points := make([]float64, bins+2)
	melHi := hzToMel(float64(rate) / 2)
	for i := range points {
		hz := melToHz(melHi * float64(i) / float64(bins+1))
		points[i] = hz * float64(fftSize) / float64(rate)
	}

	filters := make([][]float32, bins)
	for m := range filters {
		filter := make([]float32, nBins)
		lo, mid, hi := points[m], points[m+1], points[m+2]
		for i := 0; i < nBins; i++ {
			x := float64(i)
			switch {
			case x > lo && x < mid:
				filter[i] = float32((x - lo) / (mid - lo))
			case x >= mid && x < hi:
				filter[i] = float32((hi - x) / (hi - mid))
			}
		}
		filters[m] = filter
	}
	return filters
}
