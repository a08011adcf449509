// Package notifier delivers outbound webhook calls and emails.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/logger"
	perrors "sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/store"
)

const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"
	webhookAgent    = "Pricewatch-Webhook/1.0"
	webhookTimeout  = 10 * time.Second
)

// DeliveryResult is the outcome of one webhook call.
type DeliveryResult struct {
	Success    bool
	StatusCode int
	Err        error
	// Disabled is set by Deliver when this failure deactivated the webhook
	Disabled bool
}

// WebhookSender posts signed JSON payloads.
type WebhookSender struct {
	client   *http.Client
	webhooks store.Webhooks
	now      func() time.Time
	log      *logger.Logger
}

// NewWebhookSender creates a sender. webhooks receives the delivery bookkeeping.
func NewWebhookSender(webhooks store.Webhooks) *WebhookSender {
	return &WebhookSender{
		client:   &http.Client{Timeout: webhookTimeout},
		webhooks: webhooks,
		now:      time.Now,
		log:      logger.ForNotifier(),
	}
}

// Sign returns the hex HMAC-SHA256 of body followed by timestamp, keyed by secret.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, timestamp, signature string) bool {
	expected, err := hex.DecodeString(Sign(secret, body, timestamp))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// Send posts {"event": event, ...payload, "timestamp": now} to the webhook URL.
func (s *WebhookSender) Send(ctx context.Context, w *models.Webhook, event string, payload map[string]any) DeliveryResult {
	now := s.now().UTC()

	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["event"] = event
	body["timestamp"] = now.Format(time.RFC3339)

	data, err := json.Marshal(body)
	if err != nil {
		return DeliveryResult{Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	timestamp := strconv.FormatInt(now.UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return DeliveryResult{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookAgent)
	req.Header.Set(SignatureHeader, Sign(w.Secret, data, timestamp))
	req.Header.Set(TimestampHeader, timestamp)

	resp, err := s.client.Do(req)
	if err != nil {
		return DeliveryResult{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DeliveryResult{StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return DeliveryResult{Success: true, StatusCode: resp.StatusCode}
}

// Deliver sends and records the outcome on the webhook. A failed delivery returns a retryable
// delivery error; the webhook is deactivated once its consecutive failures reach the ceiling.
func (s *WebhookSender) Deliver(ctx context.Context, w *models.Webhook, event string, payload map[string]any) (DeliveryResult, error) {
	log := s.log.WithFields(logger.Fields{"webhook_id": w.ID, "event": event})

	res := s.Send(ctx, w, event, payload)
	at := s.now().UTC()

	if res.Success {
		if _, err := s.webhooks.RecordWebhookSuccess(ctx, w.ID, res.StatusCode, at); err != nil {
			log.Error().Err(err).Msg("Failed to record webhook success")
		}
		log.Info().Int("status", res.StatusCode).Msg("Webhook delivered")
		return res, nil
	}

	updated, err := s.webhooks.RecordWebhookFailure(ctx, w.ID, res.StatusCode, at, models.MaxWebhookFailures)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record webhook failure")
	} else if w.IsActive && !updated.IsActive {
		res.Disabled = true
		log.Warn().Int("failures", updated.FailureCount).Msg("Webhook disabled after too many failures")
	}

	return res, perrors.NewDelivery(w.ID, fmt.Sprintf("webhook delivery failed (status %d)", res.StatusCode), res.Err)
}
