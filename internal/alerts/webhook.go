package alerts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"tradeguard/pkg/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WebhookConfig - параметры канала webhook
type WebhookConfig struct {
	HTTP      HTTPClientConfig
	Rate      float64 // запросов в секунду на хост
	Burst     float64
	UserAgent string
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		HTTP:      DefaultHTTPClientConfig(),
		Rate:      5,
		Burst:     10,
		UserAgent: "tradeguard-alerts/1.0",
	}
}

// WebhookSender отправляет сообщение POST-запросом с JSON телом.
// 4xx (кроме 408 и 429) - постоянная ошибка, 5xx и сетевые сбои - временная.
type WebhookSender struct {
	client    *http.Client
	limiter   *ratelimit.KeyedLimiter
	userAgent string
}

func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	if cfg.Rate <= 0 {
		cfg.Rate = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	return &WebhookSender{
		client:    NewHTTPClient(cfg.HTTP),
		limiter:   ratelimit.NewKeyedLimiter(cfg.Rate, cfg.Burst),
		userAgent: cfg.UserAgent,
	}
}

// NewWebhookSenderWithClient - для тестов с httptest
func NewWebhookSenderWithClient(client *http.Client, rate, burst float64) *WebhookSender {
	return &WebhookSender{
		client:    client,
		limiter:   ratelimit.NewKeyedLimiter(rate, burst),
		userAgent: "tradeguard-alerts/1.0",
	}
}

func (s *WebhookSender) Send(ctx context.Context, destination string, msg *Message) (string, error) {
	u, err := url.Parse(destination)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid webhook url", ErrChannelRejected)
	}

	// ограничение частоты на хост получателя
	if err := s.limiter.Wait(ctx, u.Host); err != nil {
		return "", fmt.Errorf("%w: rate limit wait: %v", ErrChannelUnavailable, err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrChannelRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChannelRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Alert-ID", msg.AlertID)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return webhookMessageID(resp, respBody, msg), nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: http %d", ErrChannelUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: http %d: %s", ErrChannelRejected, resp.StatusCode, trimBody(respBody))
	default:
		return "", fmt.Errorf("%w: http %d", ErrChannelUnavailable, resp.StatusCode)
	}
}

// Close закрывает пул соединений
func (s *WebhookSender) Close() {
	closeIdle(s.client)
}

// webhookMessageID берёт id из заголовка или JSON ответа; иначе id алерта
func webhookMessageID(resp *http.Response, body []byte, msg *Message) string {
	if id := resp.Header.Get("X-Message-ID"); id != "" {
		return id
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil && parsed.ID != "" {
		return parsed.ID
	}
	return msg.AlertID
}

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// errorMessage - текст ошибки для DeliveryResult без обёрток контекста
func errorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}
	return err.Error()
}
