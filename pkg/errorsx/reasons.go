package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// ReasonUnsupportedCodec: an audio codec other than the two companded
	// telephony laws. The call is rejected and the bridge stays idle.
	ReasonUnsupportedCodec ReasonCode = "unsupported_codec"

	// ReasonInvalidDTMF: a telephone-event carried an out-of-range digit
	// code. The event is dropped, the call continues.
	ReasonInvalidDTMF ReasonCode = "invalid_dtmf"

	// ReasonMediaIO: a media frame failed at the transport boundary. The
	// frame is dropped, the session continues.
	ReasonMediaIO ReasonCode = "media_io"

	// ReasonDialogService: the dialog webhook failed. Fatal only for the
	// pre-call language lookup; in-call turns fail open.
	ReasonDialogService ReasonCode = "dialog_service"

	// ReasonNegotiationRejected: media negotiation did not produce a usable
	// answer. The call is rejected and the bridge stays idle.
	ReasonNegotiationRejected ReasonCode = "negotiation_rejected"

	// ReasonConfig: missing or malformed configuration. Fatal at startup.
	ReasonConfig ReasonCode = "config"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"
)
