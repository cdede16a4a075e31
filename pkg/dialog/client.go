// Package dialog implements the webhook protocol that drives the
// conversation. Every call is an independent request/response exchange
// against one configured endpoint; the session identifier travels as a
// body field, not as connection state.
package dialog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// Client is the dialog webhook client. Stateless; safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the configured base URL. The default
// http.Transport already transparently accepts gzip responses.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logging.NewComponentLogger(logger, "dialog"),
	}
}

type reachableResponse struct {
	Success bool `json:"success"`
}

type languageRequest struct {
	From string `json:"from"`
}

type languageResponse struct {
	Language string `json:"language"`
}

type callInitiatedRequest struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
}

type textRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type dtmfRequest struct {
	SessionID string `json:"sessionId"`
	TouchTone string `json:"touchTone"`
}

// Reachable probes the dialog service once. Any transport failure,
// non-success status or malformed body reads as unreachable.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("reachability_probe_failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("reachability_probe_failed", slog.Int("status", resp.StatusCode))
		return false
	}
	var body reachableResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Warn("reachability_probe_failed", slog.String("error", err.Error()))
		return false
	}
	return body.Success
}

// ResolveLanguage asks the service which recognition language to use for
// the caller. Failure here is fatal to accepting the call: without a
// language there is no recognizer.
func (c *Client) ResolveLanguage(ctx context.Context, from string) (string, error) {
	resp, err := c.post(ctx, languageRequest{From: from})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonDialogService)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errorsx.Wrap(fmt.Errorf("language lookup for %s: status %d", from, resp.StatusCode), errorsx.ReasonDialogService)
	}
	var body languageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("language lookup for %s: %w", from, err), errorsx.ReasonDialogService)
	}
	if body.Language == "" {
		return "", errorsx.Wrap(fmt.Errorf("language lookup for %s: empty language", from), errorsx.ReasonDialogService)
	}
	return body.Language, nil
}

// NotifyCallInitiated reports a freshly connected call. Fail-open: a broken
// bot yields an empty turn, never an error.
func (c *Client) NotifyCallInitiated(ctx context.Context, sessionID, from string) TurnResult {
	return c.turn(ctx, "call_initiated", callInitiatedRequest{SessionID: sessionID, From: from})
}

// NotifyText forwards one recognized utterance. Fail-open.
func (c *Client) NotifyText(ctx context.Context, sessionID, text string) TurnResult {
	return c.turn(ctx, "text", textRequest{SessionID: sessionID, Text: text})
}

// NotifyDtmf forwards one decoded touch tone. Fail-open.
func (c *Client) NotifyDtmf(ctx context.Context, sessionID, touchTone string) TurnResult {
	return c.turn(ctx, "dtmf", dtmfRequest{SessionID: sessionID, TouchTone: touchTone})
}

func (c *Client) turn(ctx context.Context, kind string, payload any) TurnResult {
	resp, err := c.post(ctx, payload)
	if err != nil {
		c.logger.Warn("dialog_turn_failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
		return TurnResult{}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		c.logger.Warn("dialog_turn_failed",
			slog.String("kind", kind),
			slog.Int("status", resp.StatusCode))
		return TurnResult{}
	}
	var body wireActions
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Warn("dialog_turn_failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
		return TurnResult{}
	}
	return body.toTurnResult()
}

func (c *Client) post(ctx context.Context, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}
