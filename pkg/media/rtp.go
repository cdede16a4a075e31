// Package media is the RTP boundary of one call: a UDP socket, a receive
// loop splitting audio payload from RFC 2833 telephone-events, and a paced
// 20 ms sender.
package media

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// TelephoneEvent is one decoded RFC 2833 event packet.
type TelephoneEvent struct {
	SSRC       uint32
	Code       uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16
	// Marker is the RTP marker bit of the carrying packet.
	Marker bool
}

// Handlers receive inbound traffic. Both are invoked on the receive
// goroutine; they must not block.
type Handlers struct {
	OnAudio func(ssrc uint32, seq uint16, timestamp uint32, payloadType uint8, payload []byte)
	OnEvent func(ev TelephoneEvent)
}

// SessionConfig describes one negotiated media leg.
type SessionConfig struct {
	Law codec.Law
	// TelephoneEventType is the dynamic payload type negotiated for
	// telephone-event, or 0 when the offer carried none.
	TelephoneEventType uint8
	Remote             *net.UDPAddr
	Handlers           Handlers
	Logger             *slog.Logger
}

// frameInterval is the wire pacing for one 160 sample frame at 8 kHz.
const frameInterval = 20 * time.Millisecond

// Session is one RTP leg. Outbound frames are queued through WriteFrame
// and paced on a dedicated sender goroutine.
type Session struct {
	cfg  SessionConfig
	conn *net.UDPConn

	mu     sync.Mutex
	remote *net.UDPAddr

	seq       uint16
	timestamp uint32
	ssrc      uint32

	sendQ chan []byte
	stop  chan struct{}
	once  sync.Once

	logger *slog.Logger
}

// NewSession binds a UDP port for the leg. The port is reported through
// LocalPort for the SDP answer; call Start once the answer is sent.
func NewSession(cfg SessionConfig) (*Session, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("bind rtp socket: %w", err), errorsx.ReasonMediaIO)
	}
	return &Session{
		cfg:       cfg,
		conn:      conn,
		remote:    cfg.Remote,
		seq:       uint16(rand.Intn(1 << 16)),
		timestamp: rand.Uint32(),
		ssrc:      rand.Uint32(),
		sendQ:     make(chan []byte, 512),
		stop:      make(chan struct{}),
		logger:    logging.NewComponentLogger(cfg.Logger, "media"),
	}, nil
}

// LocalPort returns the bound RTP port.
func (s *Session) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start launches the receive and paced-send loops.
func (s *Session) Start() {
	go s.recvLoop()
	go s.sendLoop()
	s.logger.Info("rtp_session_started",
		slog.Int("port", s.LocalPort()),
		slog.String("codec", s.cfg.Law.String()))
}

// WriteFrame queues one encoded companded frame for paced sending. It
// implements the audio bridge sink and never blocks the caller; a full
// queue drops the frame.
func (s *Session) WriteFrame(payload []byte) error {
	frame := append([]byte(nil), payload...)
	select {
	case s.sendQ <- frame:
		return nil
	case <-s.stop:
		return errorsx.Wrap(fmt.Errorf("rtp session closed"), errorsx.ReasonMediaIO)
	default:
		return errorsx.Wrap(fmt.Errorf("rtp send queue full"), errorsx.ReasonMediaIO)
	}
}

// Close stops both loops and releases the socket. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		port := s.LocalPort()
		close(s.stop)
		_ = s.conn.Close()
		s.logger.Info("rtp_session_closed", slog.Int("port", port))
	})
}

func (s *Session) recvLoop() {
	buf := make([]byte, 1500)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stop:
			default:
				s.logger.Warn("rtp_read_error", slog.String("error", err.Error()))
			}
			return
		}
		if n == 0 {
			continue
		}

		// Learn the return address from the first packet; symmetric RTP
		// beats whatever the SDP claimed when the caller is behind NAT.
		s.mu.Lock()
		if s.remote == nil {
			s.remote = addr
			s.logger.Info("rtp_remote_learned", slog.String("address", addr.String()))
		}
		s.mu.Unlock()

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Warn("rtp_unmarshal_error", slog.String("error", err.Error()))
			continue
		}

		if s.cfg.TelephoneEventType != 0 && pkt.PayloadType == s.cfg.TelephoneEventType {
			ev, err := parseTelephoneEvent(pkt.SSRC, pkt.Marker, pkt.Payload)
			if err != nil {
				s.logger.Warn("telephone_event_malformed", slog.String("error", err.Error()))
				continue
			}
			if s.cfg.Handlers.OnEvent != nil {
				s.cfg.Handlers.OnEvent(ev)
			}
			continue
		}

		if len(pkt.Payload) == 0 {
			continue
		}
		if s.cfg.Handlers.OnAudio != nil {
			s.cfg.Handlers.OnAudio(pkt.SSRC, pkt.SequenceNumber, pkt.Timestamp, pkt.PayloadType, pkt.Payload)
		}
	}
}

func (s *Session) sendLoop() {
	var lastSend time.Time
	for {
		select {
		case <-s.stop:
			return
		case frame := <-s.sendQ:
			// Pace to one frame per 20 ms so the far-end jitter buffer
			// sees a steady stream.
			if !lastSend.IsZero() {
				if wait := frameInterval - time.Since(lastSend); wait > 0 {
					time.Sleep(wait)
				}
			}
			if err := s.sendFrame(frame); err != nil {
				s.logger.Warn("rtp_send_error", slog.String("error", err.Error()))
				continue
			}
			lastSend = time.Now()
		}
	}
}

func (s *Session) sendFrame(payload []byte) error {
	s.mu.Lock()
	remote := s.remote
	seq := s.seq
	ts := s.timestamp
	s.seq++
	s.timestamp += uint32(len(payload))
	s.mu.Unlock()

	if remote == nil {
		return errorsx.Wrap(fmt.Errorf("no remote rtp address yet"), errorsx.ReasonMediaIO)
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.cfg.Law.PayloadType(),
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonMediaIO)
	}
	if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonMediaIO)
	}
	return nil
}

// parseTelephoneEvent decodes the 4 byte RFC 2833 event payload:
// event code, E/R bits plus volume, then 16 bit duration.
func parseTelephoneEvent(ssrc uint32, marker bool, payload []byte) (TelephoneEvent, error) {
	if len(payload) < 4 {
		return TelephoneEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}
	return TelephoneEvent{
		SSRC:       ssrc,
		Code:       payload[0],
		EndOfEvent: payload[1]&0x80 != 0,
		Volume:     payload[1] & 0x3f,
		Duration:   uint16(payload[2])<<8 | uint16(payload[3]),
		Marker:     marker,
	}, nil
}
