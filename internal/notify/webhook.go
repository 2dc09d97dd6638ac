package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"storegate/internal/types"
)

const (
	// SignatureHeader carries "t=<unix>,v1=<hex>[,v1_old=<hex>]". The signed
	// content is "<unix>.<body>".
	SignatureHeader = "X-Storegate-Signature"
	eventHeader     = "X-Storegate-Event"
	quotaEventName  = "quota.warning"

	maxErrorBody = 512
)

// WebhookChannel POSTs quota warnings to a store operator's endpoint. Any
// non-2xx response is an error so the queue redelivers the message.
type WebhookChannel struct {
	client *http.Client
	url    string
	secret string
	// previous is also signed during secret rotation.
	previous string
	clock    types.Clock
	logger   *slog.Logger
}

var _ types.NotificationDispatcher = (*WebhookChannel)(nil)

// NewWebhookChannel builds a channel. client should come from
// security.NewEgressClient.
func NewWebhookChannel(client *http.Client, url, secret, previous string, clock types.Clock, logger *slog.Logger) *WebhookChannel {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookChannel{
		client:   client,
		url:      url,
		secret:   secret,
		previous: previous,
		clock:    clock,
		logger:   logger,
	}
}

func (c *WebhookChannel) Dispatch(ctx context.Context, event types.QuotaWarningEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal quota warning: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, quotaEventName)
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, c.secret, c.previous, c.clock.Now().Unix()))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("webhook delivery: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.InfoContext(ctx, "quota warning delivered",
		slog.String("event_id", event.EventID),
		slog.String("store_id", event.StoreID),
		slog.Int("status", resp.StatusCode))
	return nil
}

// Sign returns the signature header value for body at unix time ts.
func Sign(body []byte, secret, previous string, ts int64) string {
	stamp := strconv.FormatInt(ts, 10)
	header := "t=" + stamp + ",v1=" + mac(stamp, body, secret)
	if previous != "" {
		header += ",v1_old=" + mac(stamp, body, previous)
	}
	return header
}

func mac(stamp string, body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(stamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
