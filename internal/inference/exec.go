package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/feature"
)

// ExecEngine shells out to an external transcriber command. The window's
// samples are written to a temporary WAV file and the command is expected
// to print {"text": "..."} JSON on stdout.
type ExecEngine struct {
	cmd        []string
	language   string
	sampleRate int
}

type execOutput struct {
	Text   string `json:"text"`
	Tokens []int  `json:"tokens"`
}

func NewExecEngine(command, language string, sampleRate int) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("inference: parse exec command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("inference: exec command is empty")
	}
	return &ExecEngine{cmd: args, language: language, sampleRate: sampleRate}, nil
}

func (e *ExecEngine) Infer(ctx context.Context, window feature.Window) (Result, error) {
	file, err := os.CreateTemp(os.TempDir(), "scribe_infer_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("inference: temp file: %w", err)
	}
	path := file.Name()
	file.Close()
	defer os.Remove(path)

	if err := audio.WriteWAV(path, window.Samples, e.sampleRate); err != nil {
		return Result{}, fmt.Errorf("inference: %w", err)
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", path)
	if e.language != "" {
		args = append(args, "--language", e.language)
	}
	if !window.Final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("inference: exec command failed: %w: %s", err, stderr.String())
	}

	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, fmt.Errorf("inference: decode exec output: %w", err)
	}
	return Result{
		Tokens: out.Tokens,
		Text:   strings.TrimSpace(out.Text),
		Final:  window.Final,
	}, nil
}

func (e *ExecEngine) Close() error {
	return nil
}
