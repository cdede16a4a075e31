// Package codec converts between the two companded telephony laws
// (G.711 A-law and mu-law, 8 kHz mono) and 16 bit linear PCM.
package codec

import (
	"fmt"

	"github.com/zaf/g711"

	"github.com/harunnryd/callbridge/pkg/errorsx"
)

// Law identifies a companded PCM variant.
type Law int

const (
	// PCMA is G.711 A-law, RTP payload type 8.
	PCMA Law = iota
	// PCMU is G.711 mu-law, RTP payload type 0.
	PCMU
)

const (
	// SampleRate is the only sampling rate carried on the wire.
	SampleRate = 8000

	// FrameSamples is one 20 ms frame at 8 kHz.
	FrameSamples = 160
)

func (l Law) String() string {
	switch l {
	case PCMA:
		return "PCMA"
	case PCMU:
		return "PCMU"
	default:
		return "UNKNOWN"
	}
}

// PayloadType returns the static RTP payload type for the law.
func (l Law) PayloadType() uint8 {
	if l == PCMA {
		return 8
	}
	return 0
}

// FromPayloadType maps a static RTP payload type back to a law.
func FromPayloadType(pt uint8) (Law, error) {
	switch pt {
	case 8:
		return PCMA, nil
	case 0:
		return PCMU, nil
	default:
		return 0, errorsx.Wrap(fmt.Errorf("payload type %d is not PCMA/PCMU", pt), errorsx.ReasonUnsupportedCodec)
	}
}

// DecodeSample expands one companded byte to a linear sample.
func DecodeSample(law Law, b byte) (int16, error) {
	switch law {
	case PCMA:
		return g711.DecodeAlawFrame(b), nil
	case PCMU:
		return g711.DecodeUlawFrame(b), nil
	default:
		return 0, errorsx.Wrap(fmt.Errorf("unknown codec %d", int(law)), errorsx.ReasonUnsupportedCodec)
	}
}

// EncodeSample compresses one linear sample to a companded byte.
func EncodeSample(law Law, s int16) (byte, error) {
	switch law {
	case PCMA:
		return g711.EncodeAlawFrame(s), nil
	case PCMU:
		return g711.EncodeUlawFrame(s), nil
	default:
		return 0, errorsx.Wrap(fmt.Errorf("unknown codec %d", int(law)), errorsx.ReasonUnsupportedCodec)
	}
}

// DecodeToLinear expands a companded payload to little-endian 16 bit PCM.
func DecodeToLinear(law Law, payload []byte) ([]byte, error) {
	if law != PCMA && law != PCMU {
		return nil, errorsx.Wrap(fmt.Errorf("unknown codec %d", int(law)), errorsx.ReasonUnsupportedCodec)
	}
	out := make([]byte, 0, len(payload)*2)
	for _, b := range payload {
		pcm, _ := DecodeSample(law, b)
		out = append(out, byte(pcm&0xff), byte(uint16(pcm)>>8))
	}
	return out, nil
}

// EncodeFromLinear compresses little-endian 16 bit PCM to a companded
// payload. A trailing odd byte is dropped.
func EncodeFromLinear(law Law, pcm []byte) ([]byte, error) {
	if law != PCMA && law != PCMU {
		return nil, errorsx.Wrap(fmt.Errorf("unknown codec %d", int(law)), errorsx.ReasonUnsupportedCodec)
	}
	out := make([]byte, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		b, _ := EncodeSample(law, s)
		out = append(out, b)
	}
	return out, nil
}
