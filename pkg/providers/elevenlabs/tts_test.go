package elevenlabs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/tts"
)

func newTestSynth(url string) *Synthesizer {
	return New(Config{
		Config:  tts.Config{SampleRate: 8000},
		APIKey:  "key",
		VoiceID: "voice",
		BaseURL: url,
	})
}

func TestSynthesizeMeasuresDuration(t *testing.T) {
	// 8000 samples of 16 bit PCM at 8 kHz is exactly one second.
	payload := make([]byte, 8000*2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("missing api key header, got %q", got)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_8000" {
			t.Errorf("unexpected output format %q", got)
		}
		w.Write(payload)
	}))
	defer srv.Close()

	audio, err := newTestSynth(srv.URL).Synthesize(context.Background(), "hello caller")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio.PCM) != len(payload) {
		t.Fatalf("expected %d pcm bytes, got %d", len(payload), len(audio.PCM))
	}
	if audio.Duration != time.Second {
		t.Fatalf("expected 1s duration, got %v", audio.Duration)
	}
}

func TestSynthesizeEmptyTextShortCircuits(t *testing.T) {
	s := newTestSynth("http://127.0.0.1:1") // must never be dialed
	audio, err := s.Synthesize(context.Background(), "   ")
	if err != nil {
		t.Fatalf("empty text: %v", err)
	}
	if len(audio.PCM) != 0 || audio.Duration != 0 {
		t.Fatalf("empty text must yield empty audio, got %+v", audio)
	}
}

func TestRateLimitOpensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newTestSynth(srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := s.Synthesize(context.Background(), "hi"); err == nil {
			t.Fatalf("attempt %d: expected rate limit error", i)
		}
	}
	if s.breaker.Allow() {
		t.Fatalf("breaker should be open after repeated rate limits")
	}
	if _, err := s.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatalf("open breaker must fail fast")
	}
}

func TestPCMDuration(t *testing.T) {
	if d := pcmDuration(320, 8000); d != 20*time.Millisecond {
		t.Fatalf("one frame should be 20ms, got %v", d)
	}
	if d := pcmDuration(0, 8000); d != 0 {
		t.Fatalf("zero bytes should be zero duration, got %v", d)
	}
}
