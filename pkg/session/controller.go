// Package session owns the one active call: a controller actor that
// serializes every state transition, the per-call collaborators behind it,
// and the turn worker that keeps dialog exchanges in observed order.
package session

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/adapters/tts"
	"github.com/harunnryd/callbridge/pkg/audio"
	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/dialog"
	"github.com/harunnryd/callbridge/pkg/dtmf"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/media"
)

// hangupGrace pads the scheduled hangup past the end of the farewell
// playback so the caller hears all of it.
const hangupGrace = 100 * time.Millisecond

// statusNotAcceptableHere and friends are the SIP rejection codes the
// controller hands back through the Call surface.
const (
	statusNotAcceptableHere  = 488
	statusServiceUnavailable = 503
)

// Call is the signaling side of one incoming INVITE as the controller
// consumes it.
type Call interface {
	CallID() string
	Caller() string
	// SelectLaw picks the G.711 law for the call, honoring the order the
	// caller offered; false means no common codec.
	SelectLaw() (codec.Law, bool)
	TelephoneEventType() uint8
	RemoteRTP() *net.UDPAddr

	Ringing() error
	Answer(law codec.Law, rtpPort int) error
	Reject(status int, reason string) error
	Hangup(ctx context.Context) error
}

// DialogService is the webhook client surface the controller drives.
// *dialog.Client satisfies it.
type DialogService interface {
	ResolveLanguage(ctx context.Context, from string) (string, error)
	NotifyCallInitiated(ctx context.Context, sessionID, from string) dialog.TurnResult
	NotifyText(ctx context.Context, sessionID, text string) dialog.TurnResult
	NotifyDtmf(ctx context.Context, sessionID, touchTone string) dialog.TurnResult
}

// MediaSession is the RTP leg surface the controller needs.
// *media.Session satisfies it.
type MediaSession interface {
	LocalPort() int
	Start()
	WriteFrame(payload []byte) error
	Close()
}

// Config wires the controller's collaborators. The factories run once per
// call, after the language is known.
type Config struct {
	Dialog         DialogService
	NewMedia       func(cfg media.SessionConfig) (MediaSession, error)
	NewRecognizer  func(cfg stt.Config) (stt.StreamingSTT, error)
	NewSynthesizer func(cfg tts.Config) (tts.Synthesizer, error)

	BargeInOnDtmf   bool
	BargeInOnSpeech bool

	Logger *slog.Logger
}

type turnKind int

const (
	turnCallInitiated turnKind = iota
	turnText
	turnDtmf
)

type turnJob struct {
	kind turnKind
	text string
	// session is snapshotted at enqueue time; the worker must not read
	// the live field while teardown clears it.
	session string
}

// activeCall bundles everything owned by one call epoch.
type activeCall struct {
	epoch  uint64
	fsm    *stateMachine
	invite Call

	law       codec.Law
	language  string
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	media      MediaSession
	bridge     *audio.Bridge
	recognizer stt.StreamingSTT
	synth      tts.Synthesizer
	decoder    *dtmf.Decoder

	turnQ       chan turnJob
	hangupTimer *time.Timer
}

// Controller is the session actor. All mutations of the active call run on
// its single command goroutine; external callbacks post commands and
// blocking work re-enters through epoch-tagged completions.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	cmds chan func()
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mu    sync.RWMutex
	epoch uint64
	call  *activeCall
}

// NewController builds the actor; call Start before posting any event.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "session"),
		cmds:   make(chan func(), 128),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the command loop.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close tears down any active call, sending BYE when it was answered, then
// stops the command loop. Idempotent.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		flushed := make(chan struct{})
		c.post(func() {
			if call := c.current(); call != nil {
				c.teardown(call, "shutdown", true)
			}
			close(flushed)
		})
		select {
		case <-flushed:
		case <-time.After(5 * time.Second):
		}
		close(c.stop)
		<-c.done
	})
}

// State reports the current session state; Idle when no call is active.
func (c *Controller) State() State {
	if call := c.current(); call != nil {
		return call.fsm.State()
	}
	return StateIdle
}

// SessionID returns the active dialog session identifier, empty outside
// Connected.
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.call != nil {
		return c.call.sessionID
	}
	return ""
}

// HandleInvite feeds one incoming call into the actor.
func (c *Controller) HandleInvite(inv Call) {
	c.post(func() { c.inviteCmd(inv) })
}

// HandleHangup feeds a far-end BYE or CANCEL into the actor.
func (c *Controller) HandleHangup(callID string) {
	c.post(func() { c.remoteHangupCmd(callID) })
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stop:
	}
}

func (c *Controller) current() *activeCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.call
}

func (c *Controller) setCall(call *activeCall) {
	c.mu.Lock()
	c.call = call
	c.mu.Unlock()
}

// currentFor resolves an epoch-tagged completion; stale completions from a
// superseded or closed call resolve to nil and are discarded.
func (c *Controller) currentFor(epoch uint64) *activeCall {
	call := c.current()
	if call == nil || call.epoch != epoch {
		return nil
	}
	return call
}

func (c *Controller) inviteCmd(inv Call) {
	if old := c.current(); old != nil {
		switch old.fsm.State() {
		case StateNegotiating, StateConnected:
			c.logger.Info("call_superseded",
				slog.String("old_call_id", old.invite.CallID()),
				slog.String("new_call_id", inv.CallID()))
			c.teardown(old, "superseded", true)
		}
	}

	law, ok := inv.SelectLaw()
	if !ok {
		c.logger.Warn("call_rejected_no_codec",
			slog.String("call_id", inv.CallID()),
			slog.String("from", inv.Caller()))
		if err := inv.Reject(statusNotAcceptableHere, "Not Acceptable Here"); err != nil {
			c.logger.Error("sip_reject_error", slog.String("error", err.Error()))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	call := &activeCall{
		epoch:  epoch,
		invite: inv,
		law:    law,
		ctx:    ctx,
		cancel: cancel,
		turnQ:  make(chan turnJob, 32),
	}
	call.fsm = newStateMachine(func(ev StateChange) {
		c.logger.Info("session_state",
			slog.String("call_id", inv.CallID()),
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
			slog.String("reason", ev.Reason))
	})
	c.setCall(call)

	if err := call.fsm.Transition(StateNegotiating, "invite"); err != nil {
		c.logger.Error("session_transition_error", slog.String("error", err.Error()))
		c.setCall(nil)
		cancel()
		return
	}

	if err := inv.Ringing(); err != nil {
		c.logger.Error("sip_ringing_error",
			slog.String("call_id", inv.CallID()),
			slog.String("error", err.Error()))
	}

	go func() {
		language, err := c.cfg.Dialog.ResolveLanguage(ctx, inv.Caller())
		c.post(func() { c.negotiationCmd(epoch, language, err) })
	}()
}

// negotiationCmd finishes call setup once the language is known: build the
// media leg and collaborators, answer, and go Connected.
func (c *Controller) negotiationCmd(epoch uint64, language string, resolveErr error) {
	call := c.currentFor(epoch)
	if call == nil {
		c.logger.Debug("stale_completion", slog.String("stage", "language"))
		return
	}
	inv := call.invite

	if resolveErr != nil {
		c.logger.Error("language_resolution_failed",
			slog.String("call_id", inv.CallID()),
			slog.String("error", resolveErr.Error()))
		if err := inv.Reject(statusServiceUnavailable, "Service Unavailable"); err != nil {
			c.logger.Error("sip_reject_error", slog.String("error", err.Error()))
		}
		c.releaseNegotiation(call, "language_unresolved")
		return
	}
	call.language = language

	mediaSess, err := c.cfg.NewMedia(media.SessionConfig{
		Law:                call.law,
		TelephoneEventType: inv.TelephoneEventType(),
		Remote:             inv.RemoteRTP(),
		Handlers: media.Handlers{
			OnAudio: func(ssrc uint32, seq uint16, timestamp uint32, payloadType uint8, payload []byte) {
				call.bridge.Ingest(ssrc, seq, timestamp, payloadType, payload)
			},
			OnEvent: func(ev media.TelephoneEvent) {
				call.decoder.Observe(dtmf.Event{
					SSRC:       ev.SSRC,
					Code:       ev.Code,
					EndOfEvent: ev.EndOfEvent,
					Marker:     ev.Marker,
				})
			},
		},
		Logger: c.cfg.Logger,
	})
	if err != nil {
		c.logger.Error("media_session_error",
			slog.String("call_id", inv.CallID()),
			slog.String("error", err.Error()))
		if err := inv.Reject(statusServiceUnavailable, "Service Unavailable"); err != nil {
			c.logger.Error("sip_reject_error", slog.String("error", err.Error()))
		}
		c.releaseNegotiation(call, "media_unavailable")
		return
	}
	call.media = mediaSess
	call.bridge = audio.New(call.law, mediaSess, c.cfg.Logger)

	call.decoder = dtmf.NewDecoder(func(digit string) {
		// Silence goes out before the digit reaches the bot so playback
		// stops under the caller's finger.
		if c.cfg.BargeInOnDtmf {
			if err := call.bridge.BargeIn(); err != nil {
				c.logger.Warn("barge_in_error", slog.String("error", err.Error()))
			}
		}
		c.post(func() { c.enqueueTurnCmd(epoch, turnJob{kind: turnDtmf, text: digit}) })
	}, c.cfg.Logger)

	recognizer, err := c.cfg.NewRecognizer(stt.Config{
		Source:     call.bridge.Capture(),
		CallID:     inv.CallID(),
		SampleRate: codec.SampleRate,
		Language:   language,
	})
	if err != nil {
		c.logger.Error("recognizer_build_error",
			slog.String("call_id", inv.CallID()),
			slog.String("error", err.Error()))
		if err := inv.Reject(statusServiceUnavailable, "Service Unavailable"); err != nil {
			c.logger.Error("sip_reject_error", slog.String("error", err.Error()))
		}
		c.releaseNegotiation(call, "recognizer_unavailable")
		return
	}
	call.recognizer = recognizer

	synth, err := c.cfg.NewSynthesizer(tts.Config{
		CallID:     inv.CallID(),
		SampleRate: codec.SampleRate,
		Language:   language,
	})
	if err != nil {
		c.logger.Error("synthesizer_build_error",
			slog.String("call_id", inv.CallID()),
			slog.String("error", err.Error()))
		if err := inv.Reject(statusServiceUnavailable, "Service Unavailable"); err != nil {
			c.logger.Error("sip_reject_error", slog.String("error", err.Error()))
		}
		c.releaseNegotiation(call, "synthesizer_unavailable")
		return
	}
	call.synth = synth

	if err := inv.Answer(call.law, mediaSess.LocalPort()); err != nil {
		c.logger.Error("sip_answer_error",
			slog.String("call_id", inv.CallID()),
			slog.String("error", err.Error()))
		c.releaseNegotiation(call, "answer_failed")
		return
	}

	if err := call.fsm.Transition(StateConnected, "answered"); err != nil {
		c.logger.Error("session_transition_error", slog.String("error", err.Error()))
		c.releaseNegotiation(call, "connect_failed")
		return
	}

	c.mu.Lock()
	call.sessionID = uuid.NewString()
	c.mu.Unlock()
	mediaSess.Start()
	call.bridge.Start()

	if err := recognizer.Start(call.ctx); err != nil {
		// The call survives without recognition; DTMF still drives turns.
		c.logger.Error("recognizer_start_failed",
			slog.String("call_id", inv.CallID()),
			slog.String("error", err.Error()))
	}
	go c.pumpRecognizer(call)
	go c.turnWorker(call)

	c.logger.Info("call_connected",
		slog.String("call_id", inv.CallID()),
		slog.String("session_id", call.sessionID),
		slog.String("codec", call.law.String()),
		slog.String("language", call.language))

	c.enqueueTurnCmd(epoch, turnJob{kind: turnCallInitiated})
}

// pumpRecognizer relays engine events: interims may barge in, finals become
// dialog turns, everything else is logged.
func (c *Controller) pumpRecognizer(call *activeCall) {
	for {
		select {
		case <-call.ctx.Done():
			return
		case ev, ok := <-call.recognizer.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case stt.EventInterim:
				if c.cfg.BargeInOnSpeech {
					if err := call.bridge.BargeIn(); err != nil {
						c.logger.Warn("barge_in_error", slog.String("error", err.Error()))
					}
				}
			case stt.EventFinal:
				text := ev.Text
				c.post(func() { c.enqueueTurnCmd(call.epoch, turnJob{kind: turnText, text: text}) })
			case stt.EventNoMatch:
				c.logger.Debug("recognizer_no_match", slog.String("call_id", call.invite.CallID()))
			case stt.EventCanceled:
				errText := ""
				if ev.Err != nil {
					errText = ev.Err.Error()
				}
				c.logger.Warn("recognizer_canceled",
					slog.String("call_id", call.invite.CallID()),
					slog.String("error", errText))
			}
		}
	}
}

func (c *Controller) enqueueTurnCmd(epoch uint64, job turnJob) {
	call := c.currentFor(epoch)
	if call == nil {
		return
	}
	if call.fsm.State() != StateConnected {
		c.logger.Warn("turn_dropped_not_connected",
			slog.String("call_id", call.invite.CallID()),
			slog.String("state", call.fsm.State().String()))
		return
	}
	job.session = call.sessionID
	select {
	case call.turnQ <- job:
	default:
		c.logger.Warn("turn_queue_full", slog.String("call_id", call.invite.CallID()))
	}
}

// turnWorker serializes webhook exchanges and playback so turns reach the
// bot in the order their events were observed.
func (c *Controller) turnWorker(call *activeCall) {
	for {
		select {
		case <-call.ctx.Done():
			return
		case job := <-call.turnQ:
			var result dialog.TurnResult
			switch job.kind {
			case turnCallInitiated:
				result = c.cfg.Dialog.NotifyCallInitiated(call.ctx, job.session, call.invite.Caller())
			case turnText:
				result = c.cfg.Dialog.NotifyText(call.ctx, job.session, job.text)
			case turnDtmf:
				result = c.cfg.Dialog.NotifyDtmf(call.ctx, job.session, job.text)
			}
			c.routeActions(call, result)
		}
	}
}

// routeActions plays the turn's utterance and schedules hangup when the
// bot asked for one, no earlier than playback end plus grace.
func (c *Controller) routeActions(call *activeCall, result dialog.TurnResult) {
	var playback time.Duration

	utterance := result.Utterance()
	if utterance != "" {
		out, err := call.synth.Synthesize(call.ctx, utterance)
		if err != nil {
			c.logger.Error("synthesis_failed",
				slog.String("call_id", call.invite.CallID()),
				slog.String("error", err.Error()))
		} else {
			playback = out.Duration
			if err := call.bridge.SendLinearPCM(out.PCM); err != nil {
				c.logger.Warn("playback_error",
					slog.String("call_id", call.invite.CallID()),
					slog.String("error", err.Error()))
			}
		}
	} else if !result.Hangup() && !result.Empty() {
		c.logger.Warn("turn_without_utterance",
			slog.String("call_id", call.invite.CallID()))
	}

	if result.Hangup() {
		delay := playback + hangupGrace
		epoch := call.epoch
		c.post(func() { c.armHangupCmd(epoch, delay) })
	}
}

func (c *Controller) armHangupCmd(epoch uint64, delay time.Duration) {
	call := c.currentFor(epoch)
	if call == nil {
		return
	}
	if call.hangupTimer != nil {
		return
	}
	c.logger.Info("hangup_scheduled",
		slog.String("call_id", call.invite.CallID()),
		slog.Duration("delay", delay))
	call.hangupTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			if call := c.currentFor(epoch); call != nil {
				c.teardown(call, "bot_hangup", true)
			}
		})
	})
}

func (c *Controller) remoteHangupCmd(callID string) {
	call := c.current()
	if call == nil || call.invite.CallID() != callID {
		c.logger.Debug("hangup_for_unknown_call", slog.String("call_id", callID))
		return
	}
	c.teardown(call, "remote_hangup", false)
}

// releaseNegotiation backs a failed negotiation out to Idle. Collaborators
// built so far are released; nothing was answered, so no BYE.
func (c *Controller) releaseNegotiation(call *activeCall, reason string) {
	_ = call.fsm.Transition(StateIdle, reason)
	call.cancel()
	if call.recognizer != nil {
		_ = call.recognizer.Close()
	}
	if call.bridge != nil {
		call.bridge.Close()
	}
	if call.media != nil {
		call.media.Close()
	}
	if call.synth != nil {
		_ = call.synth.Close()
	}
	c.setCall(nil)
}

// teardown drives Terminating then Closed and releases every per-call
// resource. sendBye issues the in-dialog BYE for calls we answered.
func (c *Controller) teardown(call *activeCall, reason string, sendBye bool) {
	st := call.fsm.State()
	if st == StateTerminating || st == StateClosed {
		return
	}
	wasConnected := st == StateConnected

	if err := call.fsm.Transition(StateTerminating, reason); err != nil {
		c.logger.Error("session_transition_error", slog.String("error", err.Error()))
	}

	if call.hangupTimer != nil {
		call.hangupTimer.Stop()
		call.hangupTimer = nil
	}

	call.cancel()
	if call.recognizer != nil {
		_ = call.recognizer.Close()
	}
	if call.bridge != nil {
		call.bridge.Close()
	}
	if call.media != nil {
		call.media.Close()
	}
	if call.synth != nil {
		_ = call.synth.Close()
	}

	if sendBye && wasConnected {
		inv := call.invite
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := inv.Hangup(ctx); err != nil {
				c.logger.Warn("bye_error", slog.String("error", err.Error()))
			}
		}()
	}

	c.mu.Lock()
	call.sessionID = ""
	c.mu.Unlock()
	_ = call.fsm.Transition(StateClosed, reason)
	c.setCall(nil)

	c.logger.Info("session_closed",
		slog.String("call_id", call.invite.CallID()),
		slog.String("reason", reason))
}
