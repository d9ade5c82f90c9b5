package audio

// Resample converts mono PCM between sample rates using linear
// interpolation. The output rate is exact: callers can rely on
// len(out) == len(in)*to/from.
func Resample(in []float32, from, to int) []float32 {
	if from == to {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return nil
	}

	outSamples := len(in) * to / from
	out := make([]float32, outSamples)
	ratio := float64(from) / float64(to)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := sampleAt(in, srcIdx)
		s1 := sampleAt(in, srcIdx+1)
		out[i] = s0 + frac*(s1-s0)
	}
	return out
}

func sampleAt(in []float32, idx int) float32 {
	if idx >= len(in) {
		idx = len(in) - 1
	}
	if idx < 0 {
		return 0
	}
	return in[idx]
}
