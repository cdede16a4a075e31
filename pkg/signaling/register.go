package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// registrationRetryDelay is the pause before retrying after a failed
// REGISTER exchange.
const registrationRetryDelay = 10 * time.Second

// registrationLoop keeps the upstream binding alive, refreshing at half
// the granted expiry. Failures are logged and retried; the bridge keeps
// serving calls either way.
func (a *Agent) registrationLoop(ctx context.Context) {
	defer close(a.regDone)

	expiry := a.cfg.RegistrationExpiry
	if expiry <= 0 {
		expiry = 120 * time.Second
	}

	seq := uint32(0)
	for {
		seq++
		err := a.register(ctx, seq, int(expiry.Seconds()))
		delay := expiry / 2
		if err != nil {
			a.logger.Error("sip_registration_failed",
				slog.String("server", a.cfg.Server),
				slog.String("user", a.cfg.Username),
				slog.String("error", err.Error()))
			delay = registrationRetryDelay
		} else {
			a.logger.Info("sip_registered",
				slog.String("server", a.cfg.Server),
				slog.String("user", a.cfg.Username),
				slog.Duration("expiry", expiry))
		}

		select {
		case <-ctx.Done():
			// Best effort removal of the binding on the way out.
			unregCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := a.register(unregCtx, seq+1, 0); err != nil {
				a.logger.Warn("sip_unregister_failed", slog.String("error", err.Error()))
			} else {
				a.logger.Info("sip_unregistered", slog.String("user", a.cfg.Username))
			}
			cancel()
			return
		case <-time.After(delay):
		}
	}
}

// register runs one REGISTER transaction, answering a digest challenge
// when the registrar sends one. expirySeconds 0 removes the binding.
func (a *Agent) register(ctx context.Context, seq uint32, expirySeconds int) error {
	server := a.cfg.Server
	if !strings.Contains(server, ":") {
		server += ":5060"
	}
	host, portStr, found := strings.Cut(server, ":")
	port := 5060
	if found {
		fmt.Sscanf(portStr, "%d", &port)
	}

	recipient := sip.Uri{User: a.cfg.Username, Host: host, Port: port}

	req := a.buildRegister(recipient, seq, expirySeconds)
	res, err := a.roundTrip(ctx, req)
	if err != nil {
		return err
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader := "WWW-Authenticate"
		authHeader := "Authorization"
		if res.StatusCode == sip.StatusProxyAuthRequired {
			challengeHeader = "Proxy-Authenticate"
			authHeader = "Proxy-Authorization"
		}

		h := res.GetHeader(challengeHeader)
		if h == nil {
			return fmt.Errorf("registrar sent %d without a challenge", res.StatusCode)
		}
		chal, err := digest.ParseChallenge(h.Value())
		if err != nil {
			return fmt.Errorf("parse digest challenge: %w", err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   string(sip.REGISTER),
			URI:      recipient.String(),
			Username: a.cfg.Username,
			Password: a.cfg.Password,
		})
		if err != nil {
			return fmt.Errorf("compute digest response: %w", err)
		}

		req = a.buildRegister(recipient, seq+1, expirySeconds)
		req.AppendHeader(sip.NewHeader(authHeader, cred.String()))
		res, err = a.roundTrip(ctx, req)
		if err != nil {
			return err
		}
	}

	if res.StatusCode != sip.StatusOK {
		return fmt.Errorf("registrar answered %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (a *Agent) buildRegister(recipient sip.Uri, seq uint32, expirySeconds int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, recipient)

	aor := sip.Uri{User: a.cfg.Username, Host: recipient.Host}

	from := &sip.FromHeader{Address: aor, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(sip.GenerateTagN(32))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			User: a.cfg.Username,
			Host: a.localIP(),
			Port: a.cfg.ListenPort,
		},
	})
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expirySeconds)))

	return req
}

// roundTrip sends the request and waits for its final response.
func (a *Agent) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("%s transaction ended without a final response", req.Method)
			}
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return nil, fmt.Errorf("%s timed out waiting for a response", req.Method)
		}
	}
}
