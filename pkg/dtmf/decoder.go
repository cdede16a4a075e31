// Package dtmf turns RFC 2833 telephone-event packets into digit
// notifications. A press spans many packets; exactly one notification is
// emitted per press.
package dtmf

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// Event is one telephone-event packet as observed on the media stream.
type Event struct {
	SSRC       uint32
	Code       uint8
	EndOfEvent bool
	// Marker is the RTP marker bit, set on the first packet of a press.
	Marker bool
}

var digits = [...]string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", "*", "#", "A", "B", "C", "D"}

// Digit maps a telephone-event code to its DTMF symbol.
func Digit(code uint8) (string, error) {
	if int(code) >= len(digits) {
		return "", errorsx.Wrap(fmt.Errorf("telephone-event code %d out of range", code), errorsx.ReasonInvalidDTMF)
	}
	return digits[code], nil
}

// Decoder tracks at most one in-progress touch-tone gesture. The first
// non-end packet of a press opens the gesture and fires the notification;
// every further packet of the same press is swallowed until the end-of-event
// marker closes it.
type Decoder struct {
	mu     sync.Mutex
	active bool

	notify func(digit string)
	logger *slog.Logger
}

// NewDecoder creates a decoder that calls notify once per decoded press.
func NewDecoder(notify func(digit string), logger *slog.Logger) *Decoder {
	return &Decoder{
		notify: notify,
		logger: logging.NewComponentLogger(logger, "dtmf"),
	}
}

// Observe consumes one telephone-event packet. Malformed digit codes are
// logged and dropped so a single bad packet cannot abort the call.
func (d *Decoder) Observe(ev Event) {
	d.mu.Lock()

	if d.active {
		// Any end marker closes the gesture, even from a changed SSRC
		// after a mid-press source restart.
		if ev.EndOfEvent {
			d.active = false
		}
		d.mu.Unlock()
		return
	}

	if ev.EndOfEvent {
		// End marker for a press we never announced. Nothing to do.
		d.mu.Unlock()
		return
	}

	digit, err := Digit(ev.Code)
	if err != nil {
		d.mu.Unlock()
		d.logger.Warn("telephone_event_dropped",
			slog.Uint64("code", uint64(ev.Code)),
			slog.String("error", err.Error()))
		return
	}

	d.active = true
	d.mu.Unlock()

	d.logger.Info("dtmf_decoded",
		slog.String("digit", digit),
		slog.Uint64("ssrc", uint64(ev.SSRC)))
	if d.notify != nil {
		d.notify(digit)
	}
}

// Reset clears any in-progress gesture, for reuse across calls.
func (d *Decoder) Reset() {
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
}
