// Package elevenlabs implements the speech-synthesis collaborator on the
// ElevenLabs HTTP API, requesting raw PCM at the telephony rate so the
// audio path needs no resampling.
package elevenlabs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/tts"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

const defaultBaseURL = "https://api.elevenlabs.io"

// Config carries vendor settings plus the vendor-agnostic tts.Config.
type Config struct {
	tts.Config

	APIKey  string
	VoiceID string
	ModelID string
	BaseURL string
}

// Synthesizer renders one utterance per request. Repeated rate limits open
// a breaker so a throttled vendor degrades to silent turns instead of
// stalling the call on every reply.
type Synthesizer struct {
	cfg     Config
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// New creates a synthesizer for the configured voice.
func New(cfg Config) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Synthesizer{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:  logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

// Synthesize renders text to 16 bit little-endian mono PCM and measures
// its playback duration.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Audio{SampleRate: s.cfg.SampleRate}, nil
	}
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return tts.Audio{}, errorsx.Wrap(errors.New("missing elevenlabs config"), errorsx.ReasonTTSConnect)
	}
	if !s.breaker.Allow() {
		return tts.Audio{}, errorsx.Wrap(errors.New("elevenlabs circuit open"), errorsx.ReasonTTSSend)
	}

	pcm, err := s.request(ctx, text)
	if err != nil {
		s.breaker.OnError(err)
		return tts.Audio{}, err
	}
	s.breaker.OnSuccess()

	audio := tts.Audio{
		PCM:        pcm,
		SampleRate: s.cfg.SampleRate,
		Duration:   pcmDuration(len(pcm), s.cfg.SampleRate),
	}
	s.logger.Debug("synthesis_complete",
		slog.String("call_id", s.cfg.CallID),
		slog.Int("pcm_bytes", len(pcm)),
		slog.Duration("duration", audio.Duration))
	return audio, nil
}

// Close implements tts.Synthesizer; the HTTP client holds no session state.
func (s *Synthesizer) Close() error { return nil }

func (s *Synthesizer) request(ctx context.Context, text string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?%s",
		strings.TrimRight(s.cfg.BaseURL, "/"),
		url.PathEscape(s.cfg.VoiceID),
		url.Values{"output_format": []string{fmt.Sprintf("pcm_%d", s.cfg.SampleRate)}}.Encode())

	body := fmt.Sprintf(`{"text":%q,"model_id":%q}`, text, s.cfg.ModelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		s.logger.Warn("elevenlabs_rate_limited",
			slog.String("call_id", s.cfg.CallID),
			slog.String("status", resp.Status))
		return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorsx.Wrap(fmt.Errorf("elevenlabs synthesis: status %d", resp.StatusCode), errorsx.ReasonTTSSend)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}
	return pcm, nil
}

// pcmDuration converts a 16 bit mono PCM byte count to playback time.
func pcmDuration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
