package media

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/harunnryd/callbridge/pkg/codec"
)

func TestParseTelephoneEvent(t *testing.T) {
	// digit 5, end-of-event set, volume 10, duration 0x0320
	ev, err := parseTelephoneEvent(42, true, []byte{0x05, 0x8a, 0x03, 0x20})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.SSRC != 42 || ev.Code != 5 || !ev.EndOfEvent || ev.Volume != 10 || ev.Duration != 0x0320 || !ev.Marker {
		t.Fatalf("unexpected event %+v", ev)
	}

	ev, err = parseTelephoneEvent(42, false, []byte{0x0b, 0x0a, 0x00, 0xa0})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.EndOfEvent {
		t.Fatalf("E bit clear must not read as end of event")
	}

	if _, err := parseTelephoneEvent(1, false, []byte{0x01}); err == nil {
		t.Fatalf("expected error for short payload")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("bind peer: %v", err)
	}
	defer peer.Close()

	audioCh := make(chan []byte, 16)
	eventCh := make(chan TelephoneEvent, 16)
	sess, err := NewSession(SessionConfig{
		Law:                codec.PCMU,
		TelephoneEventType: 101,
		Remote:             peer.LocalAddr().(*net.UDPAddr),
		Handlers: Handlers{
			OnAudio: func(ssrc uint32, seq uint16, ts uint32, pt uint8, payload []byte) {
				audioCh <- append([]byte(nil), payload...)
			},
			OnEvent: func(ev TelephoneEvent) { eventCh <- ev },
		},
		Logger: slog.Default(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer sess.Close()
	sess.Start()

	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sess.LocalPort()}

	// Outbound: a queued frame must arrive at the peer as a PCMU packet.
	frame := make([]byte, codec.FrameSamples)
	if err := sess.WriteFrame(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	buf := make([]byte, 1500)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal sent packet: %v", err)
	}
	if pkt.PayloadType != 0 {
		t.Fatalf("expected PCMU payload type 0, got %d", pkt.PayloadType)
	}
	if len(pkt.Payload) != codec.FrameSamples {
		t.Fatalf("expected %d payload bytes, got %d", codec.FrameSamples, len(pkt.Payload))
	}

	// Inbound audio reaches the audio handler.
	in := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 7, Timestamp: 1600, SSRC: 99},
		Payload: []byte{0xff, 0x7f, 0x00},
	}
	raw, _ := in.Marshal()
	if _, err := peer.WriteToUDP(raw, local); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	select {
	case payload := <-audioCh:
		if len(payload) != 3 {
			t.Fatalf("expected 3 byte payload, got %d", len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("audio packet never dispatched")
	}

	// Inbound telephone-event is parsed and routed to the event handler.
	dt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 101, Marker: true, SequenceNumber: 8, Timestamp: 1760, SSRC: 99},
		Payload: []byte{0x03, 0x0a, 0x00, 0xa0},
	}
	raw, _ = dt.Marshal()
	if _, err := peer.WriteToUDP(raw, local); err != nil {
		t.Fatalf("peer write event: %v", err)
	}
	select {
	case ev := <-eventCh:
		if ev.Code != 3 || ev.SSRC != 99 || ev.EndOfEvent {
			t.Fatalf("unexpected telephone event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("telephone event never dispatched")
	}
}

func TestWriteFrameAfterClose(t *testing.T) {
	sess, err := NewSession(SessionConfig{Law: codec.PCMA, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	sess.Close()
	sess.Close()
	if err := sess.WriteFrame(make([]byte, codec.FrameSamples)); err == nil {
		t.Fatalf("expected error writing to closed session")
	}
}
