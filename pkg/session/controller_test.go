package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/adapters/tts"
	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/dialog"
	"github.com/harunnryd/callbridge/pkg/media"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeCall struct {
	mu   sync.Mutex
	rig  *rig
	id   string
	from string
	laws []codec.Law
	tePT uint8

	rangOut    bool
	answered   bool
	answerLaw  codec.Law
	answerPort int
	rejects    []int
	hangups    int
	hangupAt   time.Time
}

func (f *fakeCall) CallID() string            { return f.id }
func (f *fakeCall) Caller() string            { return f.from }
func (f *fakeCall) TelephoneEventType() uint8 { return f.tePT }
func (f *fakeCall) RemoteRTP() *net.UDPAddr   { return nil }

func (f *fakeCall) SelectLaw() (codec.Law, bool) {
	if len(f.laws) == 0 {
		return 0, false
	}
	return f.laws[0], true
}

func (f *fakeCall) Ringing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangOut = true
	return nil
}

func (f *fakeCall) Answer(law codec.Law, rtpPort int) error {
	f.mu.Lock()
	f.answered = true
	f.answerLaw = law
	f.answerPort = rtpPort
	f.mu.Unlock()
	f.rig.record("answer:" + f.id)
	return nil
}

func (f *fakeCall) Reject(status int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, status)
	return nil
}

func (f *fakeCall) Hangup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups++
	f.hangupAt = time.Now()
	return nil
}

func (f *fakeCall) wasAnswered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answered
}

func (f *fakeCall) rejectedWith() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.rejects...)
}

func (f *fakeCall) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hangups
}

type fakeMedia struct {
	mu     sync.Mutex
	rig    *rig
	label  string
	frames [][]byte
	closed bool
}

func (f *fakeMedia) LocalPort() int { return 40000 }
func (f *fakeMedia) Start()         {}

func (f *fakeMedia) WriteFrame(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), payload...))
	return nil
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	f.mu.Unlock()
	if !already {
		f.rig.record("media_closed:" + f.label)
	}
}

func (f *fakeMedia) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeMedia) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeRecognizer struct {
	events    chan stt.Event
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{events: make(chan stt.Event, 16)}
}

func (f *fakeRecognizer) Name() string                    { return "fake" }
func (f *fakeRecognizer) Start(ctx context.Context) error { return nil }
func (f *fakeRecognizer) Events() <-chan stt.Event        { return f.events }

func (f *fakeRecognizer) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeRecognizer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSynth struct {
	mu       sync.Mutex
	duration time.Duration
	texts    []string
	lastDone time.Time
}

func (f *fakeSynth) Name() string { return "fake" }
func (f *fakeSynth) Close() error { return nil }

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.lastDone = time.Now()
	samples := int(f.duration.Seconds() * float64(codec.SampleRate))
	return tts.Audio{
		PCM:        make([]byte, samples*2),
		SampleRate: codec.SampleRate,
		Duration:   f.duration,
	}, nil
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeDialog struct {
	mu       sync.Mutex
	language string
	langErr  error
	resolved []string
	turns    []string

	initResult dialog.TurnResult
	textResult dialog.TurnResult
	dtmfResult dialog.TurnResult

	onTurn func(kind string)
}

func (f *fakeDialog) ResolveLanguage(ctx context.Context, from string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, from)
	return f.language, f.langErr
}

func (f *fakeDialog) notify(kind, detail string) {
	f.mu.Lock()
	hook := f.onTurn
	f.mu.Unlock()
	// Hooks observe the world before the turn becomes visible in the log.
	if hook != nil {
		hook(kind)
	}
	f.mu.Lock()
	f.turns = append(f.turns, kind+":"+detail)
	f.mu.Unlock()
}

func (f *fakeDialog) NotifyCallInitiated(ctx context.Context, sessionID, from string) dialog.TurnResult {
	f.notify("init", from)
	return f.initResult
}

func (f *fakeDialog) NotifyText(ctx context.Context, sessionID, text string) dialog.TurnResult {
	f.notify("text", text)
	return f.textResult
}

func (f *fakeDialog) NotifyDtmf(ctx context.Context, sessionID, touchTone string) dialog.TurnResult {
	f.notify("dtmf", touchTone)
	return f.dtmfResult
}

func (f *fakeDialog) turnLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.turns...)
}

func (f *fakeDialog) resolvedFrom() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

type rig struct {
	ctrl   *Controller
	dialog *fakeDialog

	mu        sync.Mutex
	events    []string
	medias    []*fakeMedia
	mediaCfgs []media.SessionConfig
	recs      []*fakeRecognizer
	synths    []*fakeSynth

	synthDuration time.Duration
}

func (r *rig) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *rig) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *rig) mediaFor(i int) *fakeMedia {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.medias) {
		return nil
	}
	return r.medias[i]
}

func (r *rig) handlersFor(i int) media.Handlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediaCfgs[i].Handlers
}

func (r *rig) recognizerFor(i int) *fakeRecognizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.recs) {
		return nil
	}
	return r.recs[i]
}

func (r *rig) synthFor(i int) *fakeSynth {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.synths) {
		return nil
	}
	return r.synths[i]
}

func newRig(t *testing.T, mod func(*Config)) *rig {
	t.Helper()
	r := &rig{
		dialog:        &fakeDialog{language: "en-US"},
		synthDuration: 40 * time.Millisecond,
	}

	cfg := Config{
		Dialog: r.dialog,
		NewMedia: func(mc media.SessionConfig) (MediaSession, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			m := &fakeMedia{rig: r, label: fmt.Sprintf("m%d", len(r.medias))}
			r.medias = append(r.medias, m)
			r.mediaCfgs = append(r.mediaCfgs, mc)
			return m, nil
		},
		NewRecognizer: func(sc stt.Config) (stt.StreamingSTT, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			rec := newFakeRecognizer()
			r.recs = append(r.recs, rec)
			return rec, nil
		},
		NewSynthesizer: func(tc tts.Config) (tts.Synthesizer, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			s := &fakeSynth{duration: r.synthDuration}
			r.synths = append(r.synths, s)
			return s, nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mod != nil {
		mod(&cfg)
	}

	r.ctrl = NewController(cfg)
	r.ctrl.Start()
	t.Cleanup(r.ctrl.Close)
	return r
}

func newCall(r *rig, id string) *fakeCall {
	return &fakeCall{
		rig:  r,
		id:   id,
		from: "sip:+15551234@example.com",
		laws: []codec.Law{codec.PCMU, codec.PCMA},
		tePT: 101,
	}
}

func connect(t *testing.T, r *rig, call *fakeCall) {
	t.Helper()
	r.ctrl.HandleInvite(call)
	waitFor(t, "call answered", call.wasAnswered)
	waitFor(t, "connected state", func() bool { return r.ctrl.State() == StateConnected })
}

func TestRejectWhenNoCommonCodec(t *testing.T) {
	r := newRig(t, nil)
	call := newCall(r, "call-1")
	call.laws = nil

	r.ctrl.HandleInvite(call)
	waitFor(t, "rejection", func() bool { return len(call.rejectedWith()) == 1 })

	if got := call.rejectedWith()[0]; got != statusNotAcceptableHere {
		t.Fatalf("expected 488, got %d", got)
	}
	if st := r.ctrl.State(); st != StateIdle {
		t.Fatalf("expected idle after codec rejection, got %s", st)
	}
	if len(r.dialog.resolvedFrom()) != 0 {
		t.Fatal("language must not be resolved for a rejected call")
	}
}

func TestConnectFlow(t *testing.T) {
	r := newRig(t, nil)
	call := newCall(r, "call-1")
	connect(t, r, call)

	call.mu.Lock()
	rang, law, port := call.rangOut, call.answerLaw, call.answerPort
	call.mu.Unlock()

	if !rang {
		t.Fatal("expected 180 ringing before answer")
	}
	if law != codec.PCMU {
		t.Fatalf("first offered law should win, got %s", law)
	}
	if port != 40000 {
		t.Fatalf("answer must carry the media port, got %d", port)
	}
	if r.ctrl.SessionID() == "" {
		t.Fatal("connected call must have a session id")
	}

	waitFor(t, "call_initiated turn", func() bool {
		log := r.dialog.turnLog()
		return len(log) == 1 && log[0] == "init:"+call.from
	})
	if got := r.dialog.resolvedFrom(); len(got) != 1 || got[0] != call.from {
		t.Fatalf("language resolved for %v", got)
	}
}

func TestLanguageResolutionFailureRejectsCall(t *testing.T) {
	r := newRig(t, nil)
	r.dialog.langErr = fmt.Errorf("bot is down")
	call := newCall(r, "call-1")

	r.ctrl.HandleInvite(call)
	waitFor(t, "rejection", func() bool { return len(call.rejectedWith()) == 1 })

	if got := call.rejectedWith()[0]; got != statusServiceUnavailable {
		t.Fatalf("expected 503, got %d", got)
	}
	if call.wasAnswered() {
		t.Fatal("call must not be answered without a language")
	}
	waitFor(t, "idle state", func() bool { return r.ctrl.State() == StateIdle })
}

func TestRecognizedTextDrivesTurnAndPlayback(t *testing.T) {
	r := newRig(t, nil)
	r.dialog.textResult = dialog.TurnResult{Actions: []dialog.Action{
		{Kind: dialog.ActionSpeak, Text: "Hi there"},
	}}
	call := newCall(r, "call-1")
	connect(t, r, call)

	baseline := r.mediaFor(0).frameCount()
	r.recognizerFor(0).events <- stt.Event{Kind: stt.EventFinal, Text: "hello"}

	waitFor(t, "text turn", func() bool {
		for _, turn := range r.dialog.turnLog() {
			if turn == "text:hello" {
				return true
			}
		}
		return false
	})
	waitFor(t, "synthesis", func() bool {
		spoken := r.synthFor(0).spoken()
		return len(spoken) == 1 && spoken[0] == "Hi there"
	})
	waitFor(t, "playback frames", func() bool {
		return r.mediaFor(0).frameCount() > baseline
	})
}

func TestSpeechBargeInOnInterim(t *testing.T) {
	r := newRig(t, func(cfg *Config) { cfg.BargeInOnSpeech = true })
	call := newCall(r, "call-1")
	connect(t, r, call)

	// Let the start kick pass so frame counting is stable.
	time.Sleep(120 * time.Millisecond)
	baseline := r.mediaFor(0).frameCount()

	r.recognizerFor(0).events <- stt.Event{Kind: stt.EventInterim, Text: "hel"}

	waitFor(t, "barge-in silence frame", func() bool {
		return r.mediaFor(0).frameCount() > baseline
	})
	if len(r.dialog.turnLog()) > 1 {
		t.Fatalf("interim must not create a dialog turn, got %v", r.dialog.turnLog())
	}
}

func TestDtmfBargeInPrecedesForward(t *testing.T) {
	r := newRig(t, func(cfg *Config) { cfg.BargeInOnDtmf = true })
	call := newCall(r, "call-1")
	connect(t, r, call)

	time.Sleep(120 * time.Millisecond)
	baseline := r.mediaFor(0).frameCount()

	framesAtForward := -1
	r.dialog.mu.Lock()
	r.dialog.onTurn = func(kind string) {
		if kind == "dtmf" {
			framesAtForward = r.mediaFor(0).frameCount()
		}
	}
	r.dialog.mu.Unlock()

	handlers := r.handlersFor(0)
	handlers.OnEvent(media.TelephoneEvent{SSRC: 7, Code: 5, Marker: true})
	handlers.OnEvent(media.TelephoneEvent{SSRC: 7, Code: 5, EndOfEvent: true})

	waitFor(t, "dtmf turn", func() bool {
		for _, turn := range r.dialog.turnLog() {
			if turn == "dtmf:5" {
				return true
			}
		}
		return false
	})
	if framesAtForward <= baseline {
		t.Fatalf("silence frame must precede the forward: baseline=%d at_forward=%d",
			baseline, framesAtForward)
	}
}

func TestBotHangupWaitsForPlayback(t *testing.T) {
	r := newRig(t, nil)
	r.synthDuration = 200 * time.Millisecond
	r.dialog.textResult = dialog.TurnResult{Actions: []dialog.Action{
		{Kind: dialog.ActionSpeak, Text: "Goodbye"},
		{Kind: dialog.ActionHangup},
	}}
	call := newCall(r, "call-1")
	connect(t, r, call)

	r.recognizerFor(0).events <- stt.Event{Kind: stt.EventFinal, Text: "bye"}

	waitFor(t, "bye sent", func() bool { return call.hangupCount() == 1 })

	synth := r.synthFor(0)
	synth.mu.Lock()
	synthDone := synth.lastDone
	synth.mu.Unlock()
	call.mu.Lock()
	hangupAt := call.hangupAt
	call.mu.Unlock()

	if elapsed := hangupAt.Sub(synthDone); elapsed < 300*time.Millisecond {
		t.Fatalf("hangup fired %v after synthesis, want at least duration+grace (300ms)", elapsed)
	}
	waitFor(t, "idle state", func() bool { return r.ctrl.State() == StateIdle })
}

func TestSupersedeClosesOldCallFirst(t *testing.T) {
	r := newRig(t, nil)
	callA := newCall(r, "call-a")
	connect(t, r, callA)

	callB := newCall(r, "call-b")
	r.ctrl.HandleInvite(callB)
	waitFor(t, "second call answered", callB.wasAnswered)

	if callA.hangupCount() != 1 {
		t.Fatalf("superseded call must get a BYE, got %d", callA.hangupCount())
	}
	if !r.recognizerFor(0).isClosed() {
		t.Fatal("old recognizer must be released")
	}

	sawOldClose := false
	for _, ev := range r.eventLog() {
		switch ev {
		case "media_closed:m0":
			sawOldClose = true
		case "answer:call-b":
			if !sawOldClose {
				t.Fatalf("old call must close before the new one answers: %v", r.eventLog())
			}
		}
	}
	if !sawOldClose {
		t.Fatalf("old media leg never closed: %v", r.eventLog())
	}
}

func TestRemoteHangupTearsDown(t *testing.T) {
	r := newRig(t, nil)
	call := newCall(r, "call-1")
	connect(t, r, call)

	r.ctrl.HandleHangup(call.id)
	waitFor(t, "idle state", func() bool { return r.ctrl.State() == StateIdle })

	if call.hangupCount() != 0 {
		t.Fatal("no BYE should be sent when the far end hung up")
	}
	waitFor(t, "media closed", r.mediaFor(0).isClosed)
	if !r.recognizerFor(0).isClosed() {
		t.Fatal("recognizer must be released on teardown")
	}
	if r.ctrl.SessionID() != "" {
		t.Fatal("session id must be cleared")
	}
}

func TestHangupForUnknownCallIgnored(t *testing.T) {
	r := newRig(t, nil)
	call := newCall(r, "call-1")
	connect(t, r, call)

	r.ctrl.HandleHangup("some-other-call")
	time.Sleep(50 * time.Millisecond)

	if st := r.ctrl.State(); st != StateConnected {
		t.Fatalf("unrelated hangup must not touch the session, got %s", st)
	}
}

func TestSessionIDReadableDuringTeardown(t *testing.T) {
	r := newRig(t, nil)
	call := newCall(r, "call-1")
	connect(t, r, call)

	if r.ctrl.SessionID() == "" {
		t.Fatal("connected session must carry an id")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = r.ctrl.SessionID()
			}
		}
	}()

	r.ctrl.HandleHangup(call.id)
	waitFor(t, "idle state", func() bool { return r.ctrl.State() == StateIdle })
	close(stop)
	wg.Wait()

	if id := r.ctrl.SessionID(); id != "" {
		t.Fatalf("session id must be cleared after teardown, got %q", id)
	}
}
