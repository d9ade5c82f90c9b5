package inference

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-scribe/internal/feature"
)

// specialToken matches the model's control markers that occasionally leak
// into rendered text.
var specialToken = regexp.MustCompile(`\[_[A-Z_]+_\]|<\|[^|]*\|>`)

// WhisperEngine runs transcription through the whisper.cpp bindings. The
// binding owns its own mel front-end, so it consumes the window's source
// samples; the mel matrix drives the silence gate upstream.
type WhisperEngine struct {
	model    whisper.Model
	language string
	threads  int
}

func NewWhisperEngine(modelPath, language string, threads int) (*WhisperEngine, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inference: load whisper model %q: %w", modelPath, err)
	}
	return &WhisperEngine{model: model, language: language, threads: threads}, nil
}

func (e *WhisperEngine) Infer(ctx context.Context, window feature.Window) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("inference: create context: %w", err)
	}
	if e.language != "" {
		if err := wctx.SetLanguage(e.language); err != nil {
			return Result{}, fmt.Errorf("inference: set language %q: %w", e.language, err)
		}
	}
	if e.threads > 0 {
		wctx.SetThreads(uint(e.threads))
	}

	if err := wctx.Process(window.Samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("inference: process: %w", err)
	}

	var (
		parts  []string
		tokens []int
	)
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("inference: next segment: %w", err)
		}
		parts = append(parts, seg.Text)
		for _, tok := range seg.Tokens {
			tokens = append(tokens, tok.Id)
		}
	}

	text := specialToken.ReplaceAllString(strings.Join(parts, " "), "")
	return Result{
		Tokens: tokens,
		Text:   strings.TrimSpace(text),
		Final:  window.Final,
	}, nil
}

func (e *WhisperEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}
