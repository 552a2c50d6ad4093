package alerts

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClientConfig - настройки HTTP клиента вебхуков.
// Общий таймаут задаёт не клиент, а контекст отправки (5s на канал).
type HTTPClientConfig struct {
	ConnectTimeout time.Duration // таймаут TCP соединения (default: 3s)
	ReadTimeout    time.Duration // ожидание заголовков ответа (default: 5s)

	MaxIdleConns        int           // default: 50
	MaxIdleConnsPerHost int           // default: 5
	MaxConnsPerHost     int           // default: 10
	IdleConnTimeout     time.Duration // default: 90s

	TLSHandshakeTimeout time.Duration // default: 3s
	KeepAliveInterval   time.Duration // default: 30s
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 3 * time.Second,
		ReadTimeout:    5 * time.Second,

		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 5,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 3 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewHTTPClient создаёт клиент с пулом соединений
func NewHTTPClient(config HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// не ждём соединения дольше, чем осталось у контекста
			if deadline, ok := ctx.Deadline(); ok {
				if timeout := time.Until(deadline); timeout < config.ConnectTimeout {
					d := &net.Dialer{Timeout: timeout, KeepAlive: config.KeepAliveInterval}
					return d.DialContext(ctx, network, addr)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	return &http.Client{Transport: transport}
}

// closeIdle закрывает простаивающие соединения при остановке
func closeIdle(c *http.Client) {
	if t, ok := c.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
