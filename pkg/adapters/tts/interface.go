package tts

import (
	"context"
	"time"
)

// Audio is one synthesized utterance as 16 bit little-endian mono PCM,
// with its playback duration already measured.
type Audio struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// Synthesizer defines the contract for any TTS vendor implementation.
// Synthesis is per-utterance request/response; there is no streaming state
// to manage between turns.
type Synthesizer interface {
	// Name returns adapter name for logging.
	Name() string
	// Synthesize renders text to linear PCM at the configured rate.
	Synthesize(ctx context.Context, text string) (Audio, error)
	// Close releases the vendor connection, if any.
	Close() error
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	CallID     string
	SampleRate int
	Language   string
}
