package audio

import (
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV writes mono float32 PCM as a 16-bit WAV file. Used to hand
// audio to external transcriber commands and to dump session audio when
// debugging fixtures.
func WriteWAV(path string, samples []float32, rate int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buffer.Data[i] = int(s * 32767)
	}

	enc := wav.NewEncoder(file, rate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
