package signaling

import (
	"fmt"
	"net"
	"strconv"
	"time"

	sdp "github.com/pion/sdp/v3"

	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/errorsx"
)

// Offer is the media half of an incoming call: the G.711 laws the caller
// can receive, the negotiated RFC 2833 payload type (0 when the caller did
// not offer telephone-event), and the address the caller wants RTP sent to.
type Offer struct {
	Laws               []codec.Law
	TelephoneEventType uint8
	RemoteAddr         *net.UDPAddr
}

// Supports reports whether the caller offered the given law.
func (o *Offer) Supports(law codec.Law) bool {
	for _, l := range o.Laws {
		if l == law {
			return true
		}
	}
	return false
}

// SelectLaw picks the law used for the call, honoring the order the
// caller listed in the offer.
func (o *Offer) SelectLaw() (codec.Law, bool) {
	if len(o.Laws) == 0 {
		return 0, false
	}
	return o.Laws[0], true
}

// ParseOffer extracts the supported G.711 laws, the telephone-event payload
// type, and the remote RTP address from an SDP offer body.
func ParseOffer(body []byte) (*Offer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("parse sdp offer: %w", err), errorsx.ReasonNegotiationRejected)
	}

	offer := &Offer{}

	connAddr := ""
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		connAddr = sd.ConnectionInformation.Address.Address
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			connAddr = md.ConnectionInformation.Address.Address
		}

		for _, format := range md.MediaName.Formats {
			pt, err := strconv.Atoi(format)
			if err != nil || pt < 0 || pt > 127 {
				continue
			}

			info, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				// Static payload types may come without rtpmap lines.
				switch pt {
				case 0:
					offer.Laws = append(offer.Laws, codec.PCMU)
				case 8:
					offer.Laws = append(offer.Laws, codec.PCMA)
				}
				continue
			}

			switch {
			case info.Name == "PCMU" && info.ClockRate == codec.SampleRate:
				offer.Laws = append(offer.Laws, codec.PCMU)
			case info.Name == "PCMA" && info.ClockRate == codec.SampleRate:
				offer.Laws = append(offer.Laws, codec.PCMA)
			case info.Name == "telephone-event" && info.ClockRate == codec.SampleRate:
				offer.TelephoneEventType = uint8(pt)
			}
		}

		if connAddr != "" && md.MediaName.Port.Value > 0 {
			ip := net.ParseIP(connAddr)
			if ip != nil {
				offer.RemoteAddr = &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}
			}
		}

		// Only the first audio section is negotiated.
		break
	}

	return offer, nil
}

// BuildAnswer produces the SDP answer for an accepted call: one audio
// section advertising the selected law, plus telephone-event when the offer
// carried it.
func BuildAnswer(localIP string, rtpPort int, law codec.Law, telephoneEventType uint8) ([]byte, error) {
	sessionID := uint64(time.Now().Unix())

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "callbridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	pt := law.PayloadType()
	formats := []string{strconv.Itoa(int(pt))}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: rtpPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: nil,
		},
		Attributes: []sdp.Attribute{
			{Key: "sendrecv"},
		},
	}

	md = md.WithCodec(pt, law.String(), codec.SampleRate, 1, "")

	if telephoneEventType != 0 {
		formats = append(formats, strconv.Itoa(int(telephoneEventType)))
		md = md.WithCodec(telephoneEventType, "telephone-event", codec.SampleRate, 1, "0-16")
	}

	md.MediaName.Formats = formats
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	out, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp answer: %w", err)
	}
	return out, nil
}
