package callbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/adapters/tts"
	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/dialog"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/media"
	"github.com/harunnryd/callbridge/pkg/providers/deepgram"
	"github.com/harunnryd/callbridge/pkg/providers/elevenlabs"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/signaling"
)

// App assembles the process: webhook client, session controller and SIP
// agent shared across all calls.
type App struct {
	cfg    Config
	logger *slog.Logger

	dialog *dialog.Client
	ctrl   *session.Controller
	agent  *signaling.Agent
}

// NewApp builds the object graph; nothing listens yet.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	dialogClient := dialog.NewClient(cfg.General.DialogURL, logger)

	ctrl := session.NewController(session.Config{
		Dialog: dialogClient,
		NewMedia: func(mc media.SessionConfig) (session.MediaSession, error) {
			return media.NewSession(mc)
		},
		NewRecognizer: func(sc stt.Config) (stt.StreamingSTT, error) {
			return deepgram.New(deepgram.Config{
				Config: sc,
				APIKey: cfg.Speech.APIKey,
				Model:  cfg.Speech.Model,
			}), nil
		},
		NewSynthesizer: func(tc tts.Config) (tts.Synthesizer, error) {
			return elevenlabs.New(elevenlabs.Config{
				Config:  tc,
				APIKey:  cfg.TTS.APIKey,
				VoiceID: cfg.TTS.VoiceID,
			}), nil
		},
		BargeInOnDtmf:   cfg.General.BargeInOnDtmf,
		BargeInOnSpeech: cfg.General.BargeInOnSpeech,
		Logger:          logger,
	})

	agent, err := signaling.NewAgent(signaling.Config{
		ListenPort:         cfg.SIP.Port,
		Server:             cfg.SIP.Server,
		Username:           cfg.SIP.Username,
		Password:           cfg.SIP.Password,
		RegistrationExpiry: time.Duration(cfg.SIP.RegistrationExpiry) * time.Second,
		OnInvite: func(inv *signaling.Invite) {
			ctrl.HandleInvite(&inviteCall{inv: inv})
		},
		OnHangup: ctrl.HandleHangup,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:    cfg,
		logger: logger,
		dialog: dialogClient,
		ctrl:   ctrl,
		agent:  agent,
	}, nil
}

// Start probes the bot, then brings up the controller and SIP listener.
// An unreachable bot fails startup so the account never registers for
// calls nobody can answer.
func (a *App) Start(ctx context.Context) error {
	retry := resilience.NewRetryPolicy(2, time.Second)
	err := retry.Do(func() error {
		if !a.dialog.Reachable(ctx) {
			return fmt.Errorf("dialog service not reachable at %s", a.cfg.General.DialogURL)
		}
		return nil
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDialogService)
	}
	a.logger.Info("dialog_service_reachable", slog.String("url", a.cfg.General.DialogURL))

	a.ctrl.Start()
	if err := a.agent.Start(ctx); err != nil {
		a.ctrl.Close()
		return err
	}
	return nil
}

// Close hangs up any active call, unregisters and stops the listener.
func (a *App) Close() {
	a.ctrl.Close()
	a.agent.Close()
}

// inviteCall adapts the signaling invite to the controller's Call surface.
type inviteCall struct {
	inv *signaling.Invite
}

func (c *inviteCall) CallID() string               { return c.inv.CallID }
func (c *inviteCall) Caller() string               { return c.inv.From }
func (c *inviteCall) SelectLaw() (codec.Law, bool) { return c.inv.Offer.SelectLaw() }
func (c *inviteCall) TelephoneEventType() uint8    { return c.inv.Offer.TelephoneEventType }
func (c *inviteCall) RemoteRTP() *net.UDPAddr      { return c.inv.Offer.RemoteAddr }

func (c *inviteCall) Ringing() error { return c.inv.Ringing() }

func (c *inviteCall) Answer(law codec.Law, rtpPort int) error {
	return c.inv.Answer(law, rtpPort)
}

func (c *inviteCall) Reject(status int, reason string) error {
	return c.inv.Reject(sip.StatusCode(status), reason)
}

func (c *inviteCall) Hangup(ctx context.Context) error {
	return c.inv.Hangup(ctx)
}
