// Package deepgram implements the streaming speech-to-text collaborator on
// the Deepgram live transcription API.
package deepgram

import (
	"context"
	"fmt"
	"log/slog"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// Config carries vendor settings plus the vendor-agnostic stt.Config.
type Config struct {
	stt.Config

	APIKey string
	Model  string
}

// StreamingSTT drives one Deepgram live-transcription connection, pulling
// linear PCM from the capture buffer and emitting recognizer events.
type StreamingSTT struct {
	cfg      Config
	dgClient *client.WSCallback
	out      chan stt.Event
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// New creates an unconnected recognizer.
func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan stt.Event, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

// Start connects and begins continuous recognition from the configured
// source. Recognition runs until Close or source EOF.
func (s *StreamingSTT) Start(ctx context.Context) error {
	if s.cfg.Source == nil {
		return errorsx.Wrap(fmt.Errorf("no audio source configured"), errorsx.ReasonSTTConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     s.cfg.SampleRate,
		InterimResults: true,
		SmartFormat:    true,
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("call_id", s.cfg.CallID),
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("call_id", s.cfg.CallID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("call_id", s.cfg.CallID))
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}

	s.logger.Info("deepgram_connected",
		slog.String("call_id", s.cfg.CallID),
		slog.String("model", s.cfg.Model))

	go func() {
		if err := s.dgClient.Stream(s.cfg.Source); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("call_id", s.cfg.CallID))
		}
	}()

	return nil
}

// Close stops recognition. Safe to call more than once.
func (s *StreamingSTT) Close() error {
	s.logger.Info("closing deepgram connection",
		slog.String("call_id", s.cfg.CallID))

	if s.cancel != nil {
		s.cancel()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) Events() <-chan stt.Event { return s.out }

func (s *StreamingSTT) emit(ev stt.Event) {
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("call_id", s.cfg.CallID))
	}
}

// --- Callback Implementation ---

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	isFinal := mr.IsFinal || mr.SpeechFinal

	if transcript == "" {
		if isFinal {
			c.parent.emit(stt.Event{Kind: stt.EventNoMatch})
		}
		return nil
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("call_id", c.parent.cfg.CallID),
		slog.String("transcript", transcript),
		slog.Bool("is_final", isFinal))

	kind := stt.EventInterim
	if isFinal {
		kind = stt.EventFinal
	}
	c.parent.emit(stt.Event{Kind: kind, Text: transcript})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received",
		slog.String("call_id", c.parent.cfg.CallID),
		slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Warn("deepgram_error",
		slog.String("call_id", c.parent.cfg.CallID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(stt.Event{
		Kind: stt.EventCanceled,
		Err:  errorsx.Wrap(fmt.Errorf("%s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonSTTSend),
	})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("call_id", c.parent.cfg.CallID),
		slog.String("data", string(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
