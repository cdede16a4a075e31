// Package signaling owns the SIP side of the bridge: a sipgo user agent
// answering INVITEs, the SDP negotiation for G.711 plus telephone-event,
// and the registration client keeping the account alive upstream.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// Config carries the SIP account and listener settings.
type Config struct {
	// ListenPort is the local UDP port for SIP.
	ListenPort int
	// Server is the registrar/proxy, host or host:port. Empty disables
	// registration.
	Server   string
	Username string
	Password string
	// RegistrationExpiry is the requested binding lifetime.
	RegistrationExpiry time.Duration

	// OnInvite is called for every incoming INVITE after 100 Trying went
	// out. The callee owns the Invite from then on.
	OnInvite func(inv *Invite)
	// OnHangup is called when the far end ends a call with BYE or CANCEL.
	OnHangup func(callID string)

	Logger *slog.Logger
}

// Agent is the SIP endpoint. One Agent serves the whole process lifetime;
// calls come and go underneath it.
type Agent struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	logger *slog.Logger

	regCancel context.CancelFunc
	regDone   chan struct{}

	closeOnce sync.Once
}

// NewAgent builds the sipgo stack and wires the method handlers.
func NewAgent(cfg Config) (*Agent, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create sip user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create sip client: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		logger:  logging.NewComponentLogger(cfg.Logger, "signaling"),
		regDone: make(chan struct{}),
	}

	srv.OnInvite(a.handleInvite)
	srv.OnBye(a.handleBye)
	srv.OnAck(a.handleAck)
	srv.OnCancel(a.handleCancel)
	srv.OnOptions(a.handleOptions)
	srv.OnRegister(a.handleRegister)
	srv.OnSubscribe(a.handleSubscribe)

	return a, nil
}

// Start opens the SIP listener and, when an account is configured, starts
// the registration refresh loop. It returns once the listener is up.
func (a *Agent) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", a.cfg.ListenPort)
		if err := a.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			errCh <- err
		}
	}()

	// Give a bad bind a moment to surface before declaring success.
	select {
	case err := <-errCh:
		return fmt.Errorf("sip listen: %w", err)
	case <-time.After(200 * time.Millisecond):
	}

	a.logger.Info("sip_listener_started", slog.Int("port", a.cfg.ListenPort))

	if a.cfg.Server != "" && a.cfg.Username != "" {
		regCtx, cancel := context.WithCancel(context.Background())
		a.regCancel = cancel
		go a.registrationLoop(regCtx)
	} else {
		close(a.regDone)
	}
	return nil
}

// Close unregisters, then shuts the listener down. Idempotent.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		if a.regCancel != nil {
			a.regCancel()
			select {
			case <-a.regDone:
			case <-time.After(3 * time.Second):
			}
		}
		_ = a.srv.Close()
		_ = a.ua.Close()
		a.logger.Info("sip_agent_closed")
	})
}

func (a *Agent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	from := ""
	if f := req.From(); f != nil {
		from = f.Address.String()
	}
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	a.logger.Info("invite_received",
		slog.String("call_id", callID),
		slog.String("from", from))

	// 100 Trying goes out before anything else to stop retransmissions.
	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		a.logger.Error("sip_respond_error",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		return
	}

	offer, err := ParseOffer(req.Body())
	if err != nil {
		a.logger.Warn("sdp_offer_invalid",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		offer = &Offer{}
	}

	inv := &Invite{
		agent:    a,
		req:      req,
		tx:       tx,
		From:     from,
		CallID:   callID,
		Offer:    offer,
		localTag: sip.GenerateTagN(16),
	}

	if a.cfg.OnInvite == nil {
		_ = inv.Reject(sip.StatusServiceUnavailable, "Service Unavailable")
		return
	}
	a.cfg.OnInvite(inv)
}

func (a *Agent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	a.logger.Info("bye_received", slog.String("call_id", callID))

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		a.logger.Error("sip_respond_error",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
	if a.cfg.OnHangup != nil {
		a.cfg.OnHangup(callID)
	}
}

func (a *Agent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	a.logger.Info("cancel_received", slog.String("call_id", callID))
	if a.cfg.OnHangup != nil {
		a.cfg.OnHangup(callID)
	}
}

func (a *Agent) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if cid := req.CallID(); cid != nil {
		a.logger.Debug("ack_received", slog.String("call_id", cid.Value()))
	}
}

func (a *Agent) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		a.logger.Error("sip_respond_error", slog.String("error", err.Error()))
	}
}

func (a *Agent) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		a.logger.Error("sip_respond_error", slog.String("error", err.Error()))
	}
}

func (a *Agent) handleSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil)
	if err := tx.Respond(resp); err != nil {
		a.logger.Error("sip_respond_error", slog.String("error", err.Error()))
	}
}

// localIP picks the outbound interface address used in SDP and Contact.
func (a *Agent) localIP() string {
	target := "8.8.8.8:80"
	if a.cfg.Server != "" {
		host := a.cfg.Server
		if !strings.Contains(host, ":") {
			host += ":5060"
		}
		target = host
	}
	conn, err := net.Dial("udp", target)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// Invite is one incoming call awaiting a decision. Exactly one of Answer
// or Reject must be called; Ringing may precede either.
type Invite struct {
	agent *Agent
	req   *sip.Request
	tx    sip.ServerTransaction

	From   string
	CallID string
	Offer  *Offer

	localTag string
	byeSeq   uint32
}

// Ringing sends 180 Ringing.
func (inv *Invite) Ringing() error {
	resp := sip.NewResponseFromRequest(inv.req, sip.StatusRinging, "Ringing", nil)
	inv.tagTo(resp)
	if err := inv.tx.Respond(resp); err != nil {
		return fmt.Errorf("send 180 ringing: %w", err)
	}
	return nil
}

// Answer accepts the call with a 200 OK carrying the SDP answer for the
// given law and local RTP port.
func (inv *Invite) Answer(law codec.Law, rtpPort int) error {
	if !inv.Offer.Supports(law) {
		return errorsx.Wrap(fmt.Errorf("law %s was not offered", law), errorsx.ReasonNegotiationRejected)
	}
	localIP := inv.agent.localIP()
	body, err := BuildAnswer(localIP, rtpPort, law, inv.Offer.TelephoneEventType)
	if err != nil {
		return err
	}

	resp := sip.NewResponseFromRequest(inv.req, sip.StatusOK, "OK", body)
	inv.tagTo(resp)

	contentType := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&contentType)
	resp.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			User: inv.agent.cfg.Username,
			Host: localIP,
			Port: inv.agent.cfg.ListenPort,
		},
	})

	if err := inv.tx.Respond(resp); err != nil {
		return fmt.Errorf("send 200 ok: %w", err)
	}

	inv.agent.logger.Info("call_answered",
		slog.String("call_id", inv.CallID),
		slog.String("codec", law.String()),
		slog.Int("rtp_port", rtpPort))
	return nil
}

// Reject declines the call with the given status.
func (inv *Invite) Reject(status sip.StatusCode, reason string) error {
	resp := sip.NewResponseFromRequest(inv.req, status, reason, nil)
	inv.tagTo(resp)
	if err := inv.tx.Respond(resp); err != nil {
		return fmt.Errorf("send %d %s: %w", status, reason, err)
	}
	inv.agent.logger.Info("call_rejected",
		slog.String("call_id", inv.CallID),
		slog.Int("status", int(status)))
	return nil
}

// Hangup ends an answered call with an in-dialog BYE.
func (inv *Invite) Hangup(ctx context.Context) error {
	recipient := inv.remoteTarget()

	inv.byeSeq++
	bye := sip.NewRequest(sip.BYE, recipient)

	from := &sip.FromHeader{
		Address: inv.req.To().Address,
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", inv.localTag)
	bye.AppendHeader(from)

	to := &sip.ToHeader{
		Address: inv.req.From().Address,
		Params:  sip.NewParams(),
	}
	if tag, ok := inv.req.From().Params.Get("tag"); ok {
		to.Params.Add("tag", tag)
	}
	bye.AppendHeader(to)

	callID := sip.CallIDHeader(inv.CallID)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: inv.byeSeq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	tx, err := inv.agent.client.TransactionRequest(ctx, bye)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("send bye: %w", err), errorsx.ReasonMediaIO)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		inv.agent.logger.Info("bye_completed",
			slog.String("call_id", inv.CallID),
			slog.Int("status", int(res.StatusCode)))
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		inv.agent.logger.Warn("bye_timeout", slog.String("call_id", inv.CallID))
	}
	return nil
}

// remoteTarget is the Contact of the INVITE, falling back to the From URI.
func (inv *Invite) remoteTarget() sip.Uri {
	if contact := inv.req.Contact(); contact != nil {
		return *contact.Address.Clone()
	}
	return *inv.req.From().Address.Clone()
}

func (inv *Invite) tagTo(resp *sip.Response) {
	to := resp.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", inv.localTag)
	}
}
