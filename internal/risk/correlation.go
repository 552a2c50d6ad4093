package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeguard/pkg/utils"
)

// ReturnSource - источник исторических доходностей (одна точка на сессию)
type ReturnSource interface {
	Returns(ctx context.Context, symbol string, sessions int) ([]float64, error)
}

// CloseSource - источник цен закрытия по сессиям
type CloseSource interface {
	Closes(ctx context.Context, symbol string, sessions int) ([]float64, error)
}

// ReturnsFromCloses адаптирует CloseSource к ReturnSource
type ReturnsFromCloses struct {
	Source CloseSource
}

func (r ReturnsFromCloses) Returns(ctx context.Context, symbol string, sessions int) ([]float64, error) {
	// n доходностей требуют n+1 цену
	closes, err := r.Source.Closes(ctx, symbol, sessions+1)
	if err != nil {
		return nil, err
	}
	return utils.Returns(closes), nil
}

// PriceSource - источник ATR для метода ATR_BASED, если ATR не передан в запросе
type PriceSource interface {
	ATR(ctx context.Context, symbol string) (float64, error)
}

// CorrelationLookup - чтение коэффициента пары символов
type CorrelationLookup interface {
	Correlation(a, b string) (float64, bool)
}

type symbolPair struct{ a, b string }

func makePair(a, b string) symbolPair {
	if a > b {
		a, b = b, a
	}
	return symbolPair{a: a, b: b}
}

// CorrelationMatrix - последняя рассчитанная матрица корреляций.
// Запросы только читают её, пересчёт идёт в CorrelationRefresher.
type CorrelationMatrix struct {
	mu        sync.RWMutex
	values    map[symbolPair]float64
	updatedAt time.Time
}

// NewCorrelationMatrix создаёт пустую матрицу
func NewCorrelationMatrix() *CorrelationMatrix {
	return &CorrelationMatrix{values: make(map[symbolPair]float64)}
}

// Correlation возвращает ρ(a, b); ok=false, если пара не рассчитана
func (m *CorrelationMatrix) Correlation(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[makePair(a, b)]
	return v, ok
}

// Set задаёт коэффициент пары (тесты и ручная загрузка)
func (m *CorrelationMatrix) Set(a, b string, rho float64) {
	m.mu.Lock()
	m.values[makePair(a, b)] = utils.Clamp(rho, -1, 1)
	m.mu.Unlock()
}

// UpdatedAt - время последнего пересчёта
func (m *CorrelationMatrix) UpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updatedAt
}

// Len - число рассчитанных пар
func (m *CorrelationMatrix) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

func (m *CorrelationMatrix) replace(values map[symbolPair]float64, at time.Time) {
	m.mu.Lock()
	m.values = values
	m.updatedAt = at
	m.mu.Unlock()
}

// ============================================================
// Периодический пересчёт
// ============================================================

// CorrelationConfig - параметры пересчёта
type CorrelationConfig struct {
	Interval time.Duration // по умолчанию 15m
	Sessions int           // окно, по умолчанию 30 сессий
}

// DefaultCorrelationConfig возвращает 15 минут / 30 сессий
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{Interval: 15 * time.Minute, Sessions: 30}
}

// CorrelationRefresher - воркер пересчёта матрицы по открытым символам
type CorrelationRefresher struct {
	matrix   *CorrelationMatrix
	source   ReturnSource
	store    AccountStore
	cfg      CorrelationConfig
	log      *utils.Logger
	stopCh   chan struct{}
	stopOnce sync.Once

	trackedMu sync.Mutex
	tracked   map[string]time.Time
}

// NewCorrelationRefresher создаёт воркер
func NewCorrelationRefresher(matrix *CorrelationMatrix, source ReturnSource, store AccountStore, cfg CorrelationConfig, log *utils.Logger) *CorrelationRefresher {
	def := DefaultCorrelationConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Sessions < 2 {
		cfg.Sessions = def.Sessions
	}
	if log == nil {
		log = utils.L()
	}
	return &CorrelationRefresher{
		matrix:  matrix,
		source:  source,
		store:   store,
		cfg:     cfg,
		log:     log.WithComponent("correlation"),
		stopCh:  make(chan struct{}),
		tracked: make(map[string]time.Time),
	}
}

// Track добавляет символ запроса в следующий пересчёт.
// Символ держится в наборе сутки с последнего запроса.
func (r *CorrelationRefresher) Track(symbol string) {
	r.trackedMu.Lock()
	r.tracked[symbol] = time.Now()
	r.trackedMu.Unlock()
}

// Start запускает пересчёт: сразу и далее по тикеру
func (r *CorrelationRefresher) Start(ctx context.Context) {
	r.refreshLogged(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.refreshLogged(ctx)
		}
	}
}

// Stop останавливает воркер
func (r *CorrelationRefresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *CorrelationRefresher) refreshLogged(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		CorrelationRefreshes.WithLabelValues("error").Inc()
		r.log.Warn("correlation refresh failed", utils.Err(err))
		return
	}
	CorrelationRefreshes.WithLabelValues("ok").Inc()
}

// Refresh пересчитывает матрицу по открытым и отслеживаемым символам.
// Символ без данных пропускается, остальные пары считаются.
func (r *CorrelationRefresher) Refresh(ctx context.Context) error {
	symbols, err := r.symbols(ctx)
	if err != nil {
		return err
	}

	series := make(map[string][]float64, len(symbols))
	for _, sym := range symbols {
		rets, err := r.source.Returns(ctx, sym, r.cfg.Sessions)
		if err != nil {
			r.log.Debug("no returns for symbol", utils.Symbol(sym), utils.Err(err))
			continue
		}
		series[sym] = rets
	}

	values := make(map[symbolPair]float64)
	for i := 0; i < len(symbols); i++ {
		a, ok := series[symbols[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(symbols); j++ {
			b, ok := series[symbols[j]]
			if !ok {
				continue
			}
			if rho, ok := utils.PearsonCorrelation(a, b); ok {
				values[makePair(symbols[i], symbols[j])] = rho
			}
		}
	}

	r.matrix.replace(values, time.Now())
	r.log.Debug("correlation matrix refreshed",
		utils.Int("symbols", len(symbols)),
		utils.Int("pairs", len(values)))
	return nil
}

func (r *CorrelationRefresher) symbols(ctx context.Context) ([]string, error) {
	open, err := r.store.ListOpenSymbols(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(open))
	for _, s := range open {
		set[s] = struct{}{}
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	r.trackedMu.Lock()
	for s, at := range r.tracked {
		if at.Before(cutoff) {
			delete(r.tracked, s)
			continue
		}
		set[s] = struct{}{}
	}
	r.trackedMu.Unlock()

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
