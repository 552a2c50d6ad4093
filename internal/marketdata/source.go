package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tradeguard/internal/risk"
	"tradeguard/pkg/utils"
)

// Проверяем, что Source подходит риск-движку
var (
	_ risk.CloseSource = (*Source)(nil)
	_ risk.PriceSource = (*Source)(nil)
)

// SourceConfig - параметры адаптера
type SourceConfig struct {
	ATRPeriod int           // по умолчанию 14 сессий
	ATRTTL    time.Duration // сколько держать рассчитанный ATR, по умолчанию 15m
}

type cachedATR struct {
	value float64
	at    time.Time
}

// Source адаптирует CandleSource к интерфейсам риск-движка.
// ATR кэшируется: одна сделка не должна ходить на биржу.
type Source struct {
	candles CandleSource
	cfg     SourceConfig
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedATR
	group singleflight.Group
}

// NewSource создаёт адаптер
func NewSource(candles CandleSource, cfg SourceConfig) *Source {
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.ATRTTL <= 0 {
		cfg.ATRTTL = 15 * time.Minute
	}
	return &Source{
		candles: candles,
		cfg:     cfg,
		now:     time.Now,
		cache:   make(map[string]cachedATR),
	}
}

// Closes возвращает sessions последних цен закрытия
func (s *Source) Closes(ctx context.Context, symbol string, sessions int) ([]float64, error) {
	candles, err := s.candles.Candles(ctx, symbol, sessions)
	if err != nil {
		return nil, fmt.Errorf("closes %s: %w", symbol, err)
	}
	return Closes(candles), nil
}

// ATR возвращает средний истинный диапазон по дневным свечам
func (s *Source) ATR(ctx context.Context, symbol string) (float64, error) {
	symbol = utils.NormalizeSymbol(symbol)

	s.mu.RLock()
	c, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok && s.now().Sub(c.at) < s.cfg.ATRTTL {
		return c.value, nil
	}

	v, err, _ := s.group.Do(symbol, func() (interface{}, error) {
		candles, err := s.candles.Candles(ctx, symbol, s.cfg.ATRPeriod+1)
		if err != nil {
			return 0.0, err
		}
		atr, err := ATR(candles, s.cfg.ATRPeriod)
		if err != nil {
			return 0.0, err
		}

		s.mu.Lock()
		s.cache[symbol] = cachedATR{value: atr, at: s.now()}
		s.mu.Unlock()
		return atr, nil
	})
	if err != nil {
		return 0, fmt.Errorf("atr %s: %w", symbol, err)
	}
	return v.(float64), nil
}
