package voice

import (
	"context"
)

// Classifier is the pluggable smart-turn capability: an acoustic model that
// scores whether a stretch of speech sounds complete.
//
// Implementations live outside this module (ONNX runtimes, remote
// inference services). The interface is deliberately small so tests can stub
// it with a function.
type Classifier interface {
	// Load prepares the model. The client calls it once when the smart
	// policy is wired up; a load failure downgrades the policy to adaptive.
	Load(ctx context.Context) error

	// Infer scores the given PCM audio (matching the session's encoding and
	// sample rate) and returns P(turn complete) in [0, 1].
	Infer(ctx context.Context, pcm []byte, sampleRate int) (float64, error)
}

// ClassifierFunc adapts a plain function to the Classifier interface with a
// no-op Load.
type ClassifierFunc func(ctx context.Context, pcm []byte, sampleRate int) (float64, error)

// Load implements Classifier.
func (ClassifierFunc) Load(context.Context) error { return nil }

// Infer implements Classifier.
func (f ClassifierFunc) Infer(ctx context.Context, pcm []byte, sampleRate int) (float64, error) {
	return f(ctx, pcm, sampleRate)
}
