package pipeline

import "fmt"

// Kind classifies a session failure on the wire. The strings are part of
// the client protocol and must not change.
type Kind string

const (
	KindContainerParse   Kind = "container_parse_error"
	KindDecode           Kind = "decode_error"
	KindOverloaded       Kind = "overloaded"
	KindDurationExceeded Kind = "duration_exceeded"
	KindInference        Kind = "inference_failure"
)

// Failure is the terminal error recorded for a dead session.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
