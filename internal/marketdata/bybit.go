package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradeguard/pkg/ratelimit"
	"tradeguard/pkg/retry"
	"tradeguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitBaseURL  = "https://api.bybit.com"
	bybitKlineURL = "/v5/market/kline"
	bybitMaxLimit = 1000
)

// BybitConfig - параметры публичного клиента Bybit
type BybitConfig struct {
	BaseURL  string
	Category string  // linear, spot
	Interval string  // D = дневная сессия
	Rate     float64 // запросов в секунду
	Burst    float64
	Retry    retry.Config
}

// DefaultBybitConfig возвращает дневные свечи linear контрактов
func DefaultBybitConfig() BybitConfig {
	return BybitConfig{
		BaseURL:  bybitBaseURL,
		Category: "linear",
		Interval: "D",
		Rate:     5,
		Burst:    5,
		Retry:    retry.DefaultConfig(),
	}
}

// APIError - ошибка, которую вернула биржа в retCode
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: code=%d, message=%s", e.Code, e.Message)
}

// Bybit читает свечи через публичный REST API v5. Ключи не нужны.
type Bybit struct {
	cfg        BybitConfig
	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	log        *utils.Logger
}

// NewBybit создаёт клиента; client == nil означает http.DefaultClient
func NewBybit(client *http.Client, cfg BybitConfig) *Bybit {
	def := DefaultBybitConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Category == "" {
		cfg.Category = def.Category
	}
	if cfg.Interval == "" {
		cfg.Interval = def.Interval
	}
	if cfg.Rate <= 0 {
		cfg.Rate, cfg.Burst = def.Rate, def.Burst
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = def.Retry
	}
	if client == nil {
		client = http.DefaultClient
	}

	b := &Bybit{
		cfg:        cfg,
		httpClient: client,
		limiter:    ratelimit.NewRateLimiter(cfg.Rate, cfg.Burst),
		log:        utils.L().WithComponent("bybit"),
	}
	b.cfg.Retry.RetryIf = isTemporary
	b.cfg.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		b.log.Warn("kline request failed, retrying",
			utils.Attempt(attempt), utils.Err(err), utils.String("delay", delay.String()))
	}
	return b
}

// Candles возвращает последние limit свечей по символу, от старых к новым
func (b *Bybit) Candles(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	if limit <= 0 || limit > bybitMaxLimit {
		return nil, fmt.Errorf("bybit: limit must be in 1..%d, got %d", bybitMaxLimit, limit)
	}

	params := url.Values{}
	params.Set("category", b.cfg.Category)
	params.Set("symbol", utils.NormalizeSymbol(symbol))
	params.Set("interval", b.cfg.Interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := retry.DoWithResult(ctx, func() ([]byte, error) {
		return b.doRequest(ctx, bybitKlineURL, params)
	}, b.cfg.Retry)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			Symbol string     `json:"symbol"`
			List   [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("bybit: decode kline: %w", err)
	}

	candles := make([]Candle, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		c, err := parseKline(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}

	// Bybit отдаёт от новых к старым
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}

// doRequest выполняет GET запрос к публичному API
func (b *Bybit) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, retry.Permanent(err)
	}

	reqURL := b.cfg.BaseURL + endpoint
	if q := params.Encode(); q != "" {
		reqURL += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, retry.Temporary(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, retry.Temporary(err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, retry.Temporary(fmt.Errorf("bybit: http %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("bybit: http %d", resp.StatusCode))
	}

	// Проверяем базовый ответ
	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("bybit: decode response: %w", err))
	}
	if baseResp.RetCode != 0 {
		apiErr := &APIError{Code: baseResp.RetCode, Message: baseResp.RetMsg}
		// 10006 - превышен лимит запросов
		if baseResp.RetCode == 10006 {
			return nil, retry.Temporary(apiErr)
		}
		return nil, retry.Permanent(apiErr)
	}

	return body, nil
}

func isTemporary(err error) bool {
	return !retry.IsPermanent(err) && retry.RetryIfNotContext(err)
}

// parseKline разбирает строку [start, open, high, low, close, volume, turnover]
func parseKline(row []string) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("bybit: short kline row: %d fields", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("bybit: start time %q: %w", row[0], err)
	}

	var vals [5]float64
	for i := range vals {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return Candle{}, fmt.Errorf("bybit: kline field %d %q: %w", i+1, row[i+1], err)
		}
		vals[i] = v
	}

	return Candle{
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
