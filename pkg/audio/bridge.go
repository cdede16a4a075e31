// Package audio owns the duplex media path of one call: inbound companded
// RTP payload is expanded to linear PCM for the recognizer, synthesized
// linear PCM is compressed back to the negotiated law for the caller.
package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// State is the bridge lifecycle.
type State int

const (
	StatePaused State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePaused:
		return "PAUSED"
	case StateRunning:
		return "RUNNING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Sink receives outbound companded frames, one 20 ms frame per call.
type Sink interface {
	WriteFrame(payload []byte) error
}

// kickDelay is how long after start the silence kick is sent. The far end
// often will not transmit until it has received something (NAT pinhole),
// so one frame of silence opens the return path.
const kickDelay = 50 * time.Millisecond

// Bridge is the only component touching raw media samples.
type Bridge struct {
	mu    sync.Mutex
	state State
	law   codec.Law

	capture *CaptureBuffer
	sink    Sink
	kick    *time.Timer

	logger *slog.Logger
}

// New creates a paused bridge for the negotiated law.
func New(law codec.Law, sink Sink, logger *slog.Logger) *Bridge {
	return &Bridge{
		state:   StatePaused,
		law:     law,
		capture: NewCaptureBuffer(logger),
		sink:    sink,
		logger:  logging.NewComponentLogger(logger, "audio"),
	}
}

// Law returns the negotiated codec.
func (b *Bridge) Law() codec.Law { return b.law }

// Capture returns the buffer the recognition pump reads from.
func (b *Bridge) Capture() *CaptureBuffer { return b.capture }

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start moves Paused to Running. Idempotent while running. It also arms
// the deferred silence kick that opens the return media path.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.state != StatePaused {
		b.mu.Unlock()
		return
	}
	b.state = StateRunning
	b.kick = time.AfterFunc(kickDelay, func() {
		if err := b.sendSilenceFrame(); err != nil {
			b.logger.Warn("start_kick_failed", slog.String("error", err.Error()))
		}
	})
	b.mu.Unlock()
	b.logger.Info("bridge_started", slog.String("codec", b.law.String()))
}

// Ingest decodes one inbound media payload into the capture buffer.
// Not running means the payload is dropped silently; a decode or buffer
// failure drops the single frame and keeps the session alive.
func (b *Bridge) Ingest(ssrc uint32, seq uint16, timestamp uint32, payloadType uint8, payload []byte) {
	b.mu.Lock()
	running := b.state == StateRunning
	b.mu.Unlock()
	if !running {
		return
	}

	pcm, err := codec.DecodeToLinear(b.law, payload)
	if err != nil {
		b.logger.Warn("ingest_decode_failed",
			slog.Uint64("ssrc", uint64(ssrc)),
			slog.String("error", err.Error()))
		return
	}
	if _, err := b.capture.Write(pcm); err != nil {
		b.logger.Warn("ingest_dropped",
			slog.Uint64("ssrc", uint64(ssrc)),
			slog.String("error", errorsx.Wrap(err, errorsx.ReasonMediaIO).Error()))
	}
}

// BargeIn pushes exactly one frame of silence through the outbound path,
// giving the playback pipeline a neutral frame to truncate on. No-op
// unless running.
func (b *Bridge) BargeIn() error {
	b.mu.Lock()
	running := b.state == StateRunning
	b.mu.Unlock()
	if !running {
		return nil
	}
	return b.sendSilenceFrame()
}

// SendLinearPCM compresses little-endian 16 bit PCM and forwards it to the
// sink in 20 ms frames. No-op unless running.
func (b *Bridge) SendLinearPCM(pcm []byte) error {
	b.mu.Lock()
	running := b.state == StateRunning
	b.mu.Unlock()
	if !running {
		b.logger.Debug("send_skipped", slog.String("state", b.State().String()))
		return nil
	}

	encoded, err := codec.EncodeFromLinear(b.law, pcm)
	if err != nil {
		return err
	}
	for off := 0; off < len(encoded); off += codec.FrameSamples {
		end := off + codec.FrameSamples
		if end > len(encoded) {
			end = len(encoded)
		}
		if err := b.sink.WriteFrame(encoded[off:end]); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonMediaIO)
			b.logger.Warn("send_frame_failed", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

// Pause stops the media flow without releasing resources.
func (b *Bridge) Pause() {
	b.mu.Lock()
	if b.state == StateRunning {
		b.state = StatePaused
	}
	b.mu.Unlock()
}

// Resume restarts a paused bridge.
func (b *Bridge) Resume() {
	b.mu.Lock()
	if b.state == StatePaused {
		b.state = StateRunning
	}
	b.mu.Unlock()
}

// Close is terminal and idempotent. It cancels the kick and releases the
// capture buffer so the recognition pump observes EOF.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.state = StateClosed
	kick := b.kick
	b.kick = nil
	b.mu.Unlock()

	if kick != nil {
		kick.Stop()
	}
	_ = b.capture.Close()
	b.logger.Info("bridge_closed")
}

func (b *Bridge) sendSilenceFrame() error {
	// One frame of linear silence; encoded length is FrameSamples bytes.
	silence := make([]byte, codec.FrameSamples*2)
	encoded, err := codec.EncodeFromLinear(b.law, silence)
	if err != nil {
		return err
	}
	if err := b.sink.WriteFrame(encoded); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonMediaIO)
	}
	return nil
}
