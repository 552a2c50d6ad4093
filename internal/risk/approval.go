package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// approval.go - одобрение сделок
//
// Поток:
//
//	EvaluateTrade: блокировка счёта -> снимок трекера -> расчёт размера -> 6 проверок -> решение
//	CommitPosition: блокировка -> сверка версии -> (повторные проверки) -> позиция в журнал
//	SubmitTrade: EvaluateTrade + CommitPosition под одной блокировкой
//
// Решение не меняет состояние трекера. Позицию создаёт только явный commit.

// AlertSink - приёмник риск-алертов (alerts.Dispatcher)
type AlertSink interface {
	Dispatch(ctx context.Context, event *models.AlertEvent) (*models.AlertRecord, error)
}

// AccountObserver - получает снимок счёта после изменений и переходов блокировки
type AccountObserver interface {
	AccountUpdated(metrics *models.RiskMetrics, acc *models.Account, events []*models.AccountEvent)
}

// SymbolTracker - получает символы запросов для пересчёта корреляций
type SymbolTracker interface {
	Track(symbol string)
}

// Engine - риск-движок: расчёт размера, одобрение, журнал позиций
type Engine struct {
	store     AccountStore
	tracker   *Tracker
	checks    []Check
	corr      CorrelationLookup
	symbols   SymbolTracker
	prices    PriceSource
	alerts    AlertSink
	observer  AccountObserver
	decisions *decisionCache
	defaults  models.RiskConfig
	now       func() time.Time
	log       *utils.Logger
	baseLog   *utils.Logger

	alertTimeout time.Duration
	alertWG      sync.WaitGroup
}

// Option - настройка Engine
type Option func(*Engine)

// WithClock задаёт источник времени (границы дня/недели в тестах)
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(log *utils.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithCorrelations(lookup CorrelationLookup) Option {
	return func(e *Engine) { e.corr = lookup }
}

func WithSymbolTracker(t SymbolTracker) Option {
	return func(e *Engine) { e.symbols = t }
}

func WithPriceSource(p PriceSource) Option {
	return func(e *Engine) { e.prices = p }
}

func WithAlertSink(sink AlertSink) Option {
	return func(e *Engine) { e.alerts = sink }
}

func WithAccountObserver(obs AccountObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

func WithChecks(checks ...Check) Option {
	return func(e *Engine) { e.checks = checks }
}

// WithDefaultRiskConfig задаёт конфигурацию для счетов без своих значений
func WithDefaultRiskConfig(cfg models.RiskConfig) Option {
	return func(e *Engine) { e.defaults = cfg }
}

// WithDecisionTTL - сколько решение доступно для commit по ID
func WithDecisionTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.decisions.ttl = ttl }
}

// NewEngine создаёт движок поверх хранилища
func NewEngine(store AccountStore, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		checks:       DefaultChecks(),
		defaults:     models.DefaultRiskConfig(),
		now:          time.Now,
		log:          utils.L(),
		decisions:    newDecisionCache(15 * time.Minute),
		alertTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.decisions.now = e.now
	e.baseLog = e.log
	e.log = e.baseLog.WithComponent("risk")
	e.tracker = NewTracker(store, e.now, e.baseLog)
	return e
}

// ============================================================
// Расчёт размера
// ============================================================

// CalculatePosition считает размер позиции без проверок лимитов.
// Heat берётся из текущего снимка счёта.
func (e *Engine) CalculatePosition(ctx context.Context, req *models.TradeRequest) (*models.SizingResult, error) {
	r, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	st, err := e.tracker.load(ctx, r.AccountID)
	if err != nil {
		return nil, err
	}

	sizing, err := CalculateSize(SizingInputFor(r, st.acc))
	if err != nil {
		return nil, err
	}
	sizing.HeatPct = st.acc.HeatPct
	sizing.HeatAfterPct = HeatAfter(st.acc.HeatPct, sizing.RiskPct)
	return &sizing, nil
}

// prepare проверяет запрос и подставляет ATR из PriceSource.
// Возвращает копию, исходный запрос не меняется.
func (e *Engine) prepare(ctx context.Context, req *models.TradeRequest) (*models.TradeRequest, error) {
	if req == nil {
		return nil, invalidInput("request is nil")
	}
	r := *req
	r.Symbol = utils.NormalizeSymbol(r.Symbol)
	if r.Method == "" {
		r.Method = models.SizingFixedPercent
	}
	if err := utils.ValidateStruct(&r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if r.Method == models.SizingATR && r.ATR == nil && e.prices != nil {
		atr, err := e.prices.ATR(ctx, r.Symbol)
		if err != nil {
			return nil, fmt.Errorf("fetch atr for %s: %w", r.Symbol, err)
		}
		r.ATR = &atr
	}

	if e.symbols != nil {
		e.symbols.Track(r.Symbol)
	}
	return &r, nil
}

// ============================================================
// Одобрение
// ============================================================

// EvaluateTrade выполняет проверки и возвращает неизменяемое решение.
// Ошибка возвращается только для некорректного запроса или сбоя хранилища,
// превышение лимита - это решение REJECTED.
func (e *Engine) EvaluateTrade(ctx context.Context, req *models.TradeRequest) (*models.RiskDecision, error) {
	start := time.Now()
	r, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := e.tracker.lock(r.AccountID)
	st, err := e.tracker.load(ctx, r.AccountID)
	if err != nil {
		unlock()
		return nil, err
	}
	// сбросы периодов фиксируются до оценки, чтобы версия решения была стабильной
	events, err := e.tracker.save(ctx, st, nil, nil)
	if err != nil {
		unlock()
		return nil, err
	}
	d, err := e.evaluate(st, r)
	acc := st.acc.Clone()
	unlock()

	e.accountChanged(ctx, acc, events, false)
	if err != nil {
		return nil, err
	}

	e.decisions.put(d)
	observeDecision(d, "evaluate", start)
	e.log.Info("trade evaluated",
		utils.AccountID(r.AccountID),
		utils.Symbol(r.Symbol),
		utils.DecisionID(d.ID),
		utils.Status(d.State),
		utils.RiskScore(d.RiskScore))
	return d, nil
}

// evaluate прогоняет проверки по снимку. Вызывается под блокировкой счёта.
func (e *Engine) evaluate(st *accountState, req *models.TradeRequest) (*models.RiskDecision, error) {
	acc := st.acc
	d := &models.RiskDecision{
		ID:             uuid.NewString(),
		Request:        *req,
		State:          models.DecisionPending,
		AccountVersion: st.baseVersion,
		EvaluatedAt:    e.now(),
	}
	if err := transition(d, models.DecisionEvaluating); err != nil {
		return nil, err
	}

	sizing, err := CalculateSize(SizingInputFor(req, acc))
	if err != nil {
		if acc.Locked {
			// заблокированный счёт отклоняется при любых параметрах сделки
			return rejectLocked(d, acc)
		}
		return nil, err
	}
	sizing.HeatPct = acc.HeatPct
	sizing.HeatAfterPct = HeatAfter(acc.HeatPct, sizing.RiskPct)
	d.Sizing = sizing

	cc := &CheckContext{
		Account:      acc,
		Positions:    st.positions,
		Request:      req,
		Sizing:       sizing,
		Correlations: e.corr,
	}

	var (
		score       float64
		limitKind   string
		corrWarning bool
	)
	for _, chk := range e.checks {
		res := chk.Evaluate(cc)
		d.Checks = append(d.Checks, res)
		score += chk.Weight() * res.Severity * 100

		if res.Passed {
			continue
		}
		if res.Hard {
			d.Reasons = append(d.Reasons, res.Message)
			if limitKind == "" {
				limitKind = limitKindFor(res.Name)
			}
			continue
		}
		d.Warnings = append(d.Warnings, res.Message)
		if res.Name == CheckCorrelation {
			corrWarning = true
		}
	}

	// корреляция отклоняет только вместе с heat около лимита
	nearLimit := acc.Risk.NearLimitRatio * acc.Risk.HeatLimitPct
	if corrWarning && sizing.HeatAfterPct >= nearLimit {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"correlated exposure with heat %.2f%% at or above near-limit %.2f%%", sizing.HeatAfterPct, nearLimit))
	}

	if acc.Locked {
		d.Reasons = append([]string{lockedReason(acc)}, d.Reasons...)
		limitKind = acc.LockReason
	}

	d.RiskScore = math.Round(utils.Clamp(score, 0, 100)*100) / 100
	d.RiskLevel = riskLevel(d.RiskScore)
	if corrWarning && d.RiskLevel == models.RiskLevelLow {
		d.RiskLevel = models.RiskLevelMedium
	}

	d.Approved = len(d.Reasons) == 0
	next := models.DecisionApproved
	if !d.Approved {
		next = models.DecisionRejected
		d.LimitKind = limitKind
	}
	if err := transition(d, next); err != nil {
		return nil, err
	}
	d.Recommendation = recommendation(d)
	return d, nil
}

// rejectLocked - отказ без расчёта размера, когда параметры сделки некорректны
func rejectLocked(d *models.RiskDecision, acc *models.Account) (*models.RiskDecision, error) {
	d.Sizing = models.SizingResult{Method: d.Request.Method, HeatPct: acc.HeatPct, HeatAfterPct: acc.HeatPct}
	d.Reasons = []string{lockedReason(acc)}
	d.LimitKind = acc.LockReason
	d.RiskScore = 100
	d.RiskLevel = models.RiskLevelHigh
	if err := transition(d, models.DecisionRejected); err != nil {
		return nil, err
	}
	d.Recommendation = recommendation(d)
	return d, nil
}

func lockedReason(acc *models.Account) string {
	return fmt.Sprintf("account locked: %s loss limit reached", acc.LockReason)
}

func limitKindFor(check string) string {
	switch check {
	case CheckHeat:
		return LimitHeat
	case CheckDailyLoss:
		return LimitDaily
	case CheckWeeklyLoss:
		return LimitWeekly
	default:
		return ""
	}
}

// riskLevel: LOW < 30 <= MEDIUM <= 70 < HIGH
func riskLevel(score float64) string {
	switch {
	case score < 30:
		return models.RiskLevelLow
	case score <= 70:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelHigh
	}
}

func recommendation(d *models.RiskDecision) string {
	var passed, failed []string
	for _, c := range d.Checks {
		if c.Passed {
			passed = append(passed, c.Name)
		} else {
			failed = append(failed, c.Name)
		}
	}

	var b strings.Builder
	if d.Approved {
		fmt.Fprintf(&b, "Approve %s %s: %g units, risk %.2f%% of balance, level %s (score %.1f)",
			strings.ToUpper(directionOrDefault(d.Request.Direction)), d.Request.Symbol,
			d.Sizing.Units, d.Sizing.RiskPct, d.RiskLevel, d.RiskScore)
	} else {
		fmt.Fprintf(&b, "Reject %s: %s", d.Request.Symbol, strings.Join(d.Reasons, "; "))
	}
	if len(passed) > 0 {
		fmt.Fprintf(&b, ". Passed: %s", strings.Join(passed, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, ". Failed: %s", strings.Join(failed, ", "))
	}
	if len(d.Warnings) > 0 {
		fmt.Fprintf(&b, ". Warnings: %s", strings.Join(d.Warnings, "; "))
	}
	return b.String()
}

func directionOrDefault(dir string) string {
	if dir == "" {
		return models.DirectionLong
	}
	return dir
}

// GetDecision возвращает решение по ID, пока оно в кэше
func (e *Engine) GetDecision(id string) (*models.RiskDecision, error) {
	d, ok := e.decisions.get(id)
	if !ok {
		return nil, ErrDecisionNotFound
	}
	return d, nil
}

// ============================================================
// Commit
// ============================================================

// CommitPosition открывает позицию по одобренному решению.
// Если версия счёта изменилась после оценки, жёсткие проверки выполняются
// заново на текущем состоянии.
func (e *Engine) CommitPosition(ctx context.Context, d *models.RiskDecision) (*models.Position, error) {
	if d == nil || d.State != models.DecisionApproved || !d.Approved {
		return nil, ErrDecisionNotApproved
	}
	start := time.Now()

	unlock := e.tracker.lock(d.Request.AccountID)
	pos, acc, events, err := e.commitLocked(ctx, d)
	unlock()

	if acc != nil {
		e.accountChanged(ctx, acc, events, err == nil)
	}
	if err != nil {
		CommitsTotal.WithLabelValues(commitResult(err)).Inc()
		return nil, err
	}

	CommitsTotal.WithLabelValues("ok").Inc()
	EvaluationLatency.WithLabelValues("commit").Observe(float64(time.Since(start).Microseconds()) / 1000)
	e.notifyPositionOpened(acc, d, pos)
	return pos, nil
}

func (e *Engine) commitLocked(ctx context.Context, d *models.RiskDecision) (*models.Position, *models.Account, []*models.AccountEvent, error) {
	if e.decisions.isCommitted(d.ID) {
		return nil, nil, nil, fmt.Errorf("%w: decision %s already committed", ErrStaleDecision, d.ID)
	}
	// кэш решений живёт TTL, журнал позиций - всегда
	switch existing, err := e.store.GetPositionByDecision(ctx, d.ID); {
	case err == nil:
		e.decisions.markCommitted(d)
		return nil, nil, nil, fmt.Errorf("%w: decision %s already opened position %s", ErrStaleDecision, d.ID, existing.ID)
	case !errors.Is(err, ErrPositionNotFound):
		return nil, nil, nil, fmt.Errorf("lookup decision position: %w", err)
	}

	st, err := e.tracker.load(ctx, d.Request.AccountID)
	if err != nil {
		return nil, nil, nil, err
	}

	if st.baseVersion != d.AccountVersion || st.dirty {
		if err := e.revalidate(st, d); err != nil {
			// сброс периодов всё равно фиксируется
			events, saveErr := e.tracker.save(ctx, st, nil, nil)
			if saveErr != nil {
				e.log.Warn("persist rollover failed", utils.AccountID(st.acc.ID), utils.Err(saveErr))
			}
			return nil, st.acc.Clone(), events, err
		}
	}

	pos := e.newPosition(d, st.acc)
	st.open(pos)
	events, err := e.tracker.save(ctx, st, pos, nil)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicatePosition) {
			return nil, nil, nil, fmt.Errorf("%w: %w", ErrStaleDecision, err)
		}
		return nil, nil, nil, err
	}
	e.decisions.markCommitted(d)
	return pos, st.acc.Clone(), events, nil
}

// revalidate проверяет решение на текущем состоянии счёта.
// Размер позиции должен совпасть, иначе решение устарело.
func (e *Engine) revalidate(st *accountState, d *models.RiskDecision) error {
	fresh, err := e.evaluate(st, &d.Request)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStaleDecision, err)
	}
	if fresh.Approved {
		if fresh.Sizing.Units != d.Sizing.Units {
			return fmt.Errorf("%w: position size changed from %g to %g units", ErrStaleDecision, d.Sizing.Units, fresh.Sizing.Units)
		}
		return nil
	}
	reason := strings.Join(fresh.Reasons, "; ")
	if fresh.LimitKind != "" {
		return &LimitExceededError{Kind: fresh.LimitKind, Reason: reason}
	}
	return fmt.Errorf("%w: %s", ErrStaleDecision, reason)
}

func (e *Engine) newPosition(d *models.RiskDecision, acc *models.Account) *models.Position {
	return &models.Position{
		ID:         uuid.NewString(),
		AccountID:  acc.ID,
		DecisionID: d.ID,
		Symbol:     d.Request.Symbol,
		Direction:  directionOrDefault(d.Request.Direction),
		EntryPrice: d.Request.EntryPrice,
		StopPrice:  d.Request.StopPrice,
		Units:      d.Sizing.Units,
		RiskAmount: d.Sizing.DollarRisk,
		RiskPct:    d.Sizing.RiskPct,
		Status:     models.PositionStatusOpen,
		OpenedAt:   e.now(),
	}
}

func commitResult(err error) string {
	switch {
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrStaleDecision):
		return "stale"
	default:
		return "error"
	}
}

// SubmitTrade - оценка и commit одной операцией под блокировкой счёта.
// Два параллельных запроса, которые вместе превышают лимит, не могут
// оба получить APPROVED.
func (e *Engine) SubmitTrade(ctx context.Context, req *models.TradeRequest) (*models.TradeResult, error) {
	start := time.Now()
	r, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := e.tracker.lock(r.AccountID)
	st, err := e.tracker.load(ctx, r.AccountID)
	if err != nil {
		unlock()
		return nil, err
	}

	d, err := e.evaluate(st, r)
	if err != nil {
		unlock()
		return nil, err
	}

	var pos *models.Position
	if d.Approved {
		pos = e.newPosition(d, st.acc)
		st.open(pos)
	}
	events, err := e.tracker.save(ctx, st, pos, nil)
	acc := st.acc.Clone()
	if err == nil && pos != nil {
		e.decisions.markCommitted(d)
	}
	unlock()

	if err != nil {
		return nil, err
	}

	e.accountChanged(ctx, acc, events, pos != nil)
	observeDecision(d, "submit", start)
	if pos != nil {
		CommitsTotal.WithLabelValues("ok").Inc()
		e.notifyPositionOpened(acc, d, pos)
	} else {
		e.decisions.put(d)
		e.notifyRejected(acc, d)
	}

	e.log.Info("trade submitted",
		utils.AccountID(r.AccountID),
		utils.Symbol(r.Symbol),
		utils.DecisionID(d.ID),
		utils.Status(d.State),
		utils.Heat(acc.HeatPct))
	return &models.TradeResult{Decision: d, Position: pos}, nil
}

// ============================================================
// Закрытие позиции
// ============================================================

// ClosePosition закрывает позицию по цене выхода и обновляет накопители убытка
func (e *Engine) ClosePosition(ctx context.Context, positionID string, exitPrice float64) (*models.Position, error) {
	if exitPrice <= 0 {
		return nil, invalidInput("exit price must be positive, got %v", exitPrice)
	}

	stored, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !stored.IsOpen() {
		return nil, ErrPositionClosed
	}

	unlock := e.tracker.lock(stored.AccountID)
	st, err := e.tracker.load(ctx, stored.AccountID)
	if err != nil {
		unlock()
		return nil, err
	}

	var pos *models.Position
	for _, p := range st.positions {
		if p.ID == positionID {
			pos = p
			break
		}
	}
	if pos == nil {
		unlock()
		return nil, ErrPositionClosed
	}

	e.tracker.close(st, pos, exitPrice, e.now())
	events, err := e.tracker.save(ctx, st, nil, pos)
	acc := st.acc.Clone()
	unlock()
	if err != nil {
		return nil, err
	}

	outcome := "win"
	if pos.RealizedPnl < 0 {
		outcome = "loss"
	}
	PositionsClosed.WithLabelValues(outcome).Inc()

	e.accountChanged(ctx, acc, events, true)
	e.log.Info("position closed",
		utils.AccountID(acc.ID),
		utils.PositionID(pos.ID),
		utils.Symbol(pos.Symbol),
		utils.Float64("realized_pnl", pos.RealizedPnl),
		utils.Float64("daily_loss", acc.DailyLoss),
		utils.Heat(acc.HeatPct))
	return pos, nil
}

// ============================================================
// Счета
// ============================================================

// GetRiskMetrics возвращает heat, убытки и блокировку на текущий момент
func (e *Engine) GetRiskMetrics(ctx context.Context, accountID string) (*models.RiskMetrics, error) {
	unlock := e.tracker.lock(accountID)
	st, err := e.tracker.load(ctx, accountID)
	if err != nil {
		unlock()
		return nil, err
	}
	events, err := e.tracker.save(ctx, st, nil, nil)
	acc := st.acc.Clone()
	open := len(st.positions)
	unlock()
	if err != nil {
		return nil, err
	}
	e.notifyAccountEvents(acc, events)
	m := e.metricsOf(acc, open)
	if e.observer != nil && len(events) > 0 {
		e.observer.AccountUpdated(m, acc, events)
	}
	return m, nil
}

func (e *Engine) metricsOf(acc *models.Account, open int) *models.RiskMetrics {
	return &models.RiskMetrics{
		AccountID:       acc.ID,
		Balance:         acc.Balance,
		HeatPct:         acc.HeatPct,
		HeatLimitPct:    acc.Risk.HeatLimitPct,
		DailyLoss:       acc.DailyLoss,
		DailyLossLimit:  acc.Risk.DailyLossLimit,
		WeeklyLoss:      acc.WeeklyLoss,
		WeeklyLossLimit: acc.Risk.WeeklyLossLimit,
		Locked:          acc.Locked,
		LockReason:      acc.LockReason,
		OpenPositions:   open,
		Version:         acc.Version,
		AsOf:            e.now(),
	}
}

// ListOpenPositions возвращает открытые позиции счёта
func (e *Engine) ListOpenPositions(ctx context.Context, accountID string) ([]*models.Position, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListOpenPositions(ctx, accountID)
}

// ListAccountEvents возвращает аудит блокировок, новые первыми
func (e *Engine) ListAccountEvents(ctx context.Context, accountID string, limit int) ([]*models.AccountEvent, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, accountID, limit)
}

// UpsertAccount создаёт счёт или обновляет баланс, зону и риск-конфигурацию.
// Накопители трекера и позиции сохраняются, блокировка пересчитывается под новые лимиты.
func (e *Engine) UpsertAccount(ctx context.Context, in *models.Account) (*models.Account, error) {
	if in == nil || strings.TrimSpace(in.ID) == "" {
		return nil, invalidInput("account id is required")
	}
	if in.Balance <= 0 {
		return nil, invalidInput("balance must be positive, got %v", in.Balance)
	}
	if _, err := utils.LoadLocation(in.Timezone); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	cfg := e.fillRiskDefaults(in.Risk)
	if err := utils.ValidateStruct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	unlock := e.tracker.lock(in.ID)
	defer unlock()

	now := e.now()
	_, err := e.store.GetAccount(ctx, in.ID)
	if errors.Is(err, ErrAccountNotFound) {
		loc := utils.MustLocation(in.Timezone)
		acc := &models.Account{
			ID:          in.ID,
			OwnerUserID: in.OwnerUserID,
			Balance:     in.Balance,
			Timezone:    in.Timezone,
			Risk:        cfg,
			DayStart:    utils.DayStartIn(now, loc),
			WeekStart:   utils.WeekStartIn(now, loc),
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.CreateAccount(ctx, acc); err != nil {
			return nil, err
		}
		e.log.Info("account created", utils.AccountID(acc.ID), utils.Float64("balance", acc.Balance))
		return acc.Clone(), nil
	}
	if err != nil {
		return nil, err
	}

	st, err := e.tracker.load(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	st.acc.OwnerUserID = in.OwnerUserID
	st.acc.Balance = in.Balance
	st.acc.Timezone = in.Timezone
	st.acc.Risk = cfg
	st.dirty = true
	e.tracker.reconcileLock(st, now)

	events, err := e.tracker.save(ctx, st, nil, nil)
	if err != nil {
		return nil, err
	}
	acc := st.acc.Clone()
	e.accountChanged(ctx, acc, events, true)
	e.log.Info("account updated", utils.AccountID(acc.ID), utils.Float64("balance", acc.Balance))
	return acc, nil
}

// fillRiskDefaults подставляет значения по умолчанию в незаданные поля
func (e *Engine) fillRiskDefaults(cfg models.RiskConfig) models.RiskConfig {
	d := e.defaults
	if cfg.RiskPerTradePct == 0 {
		cfg.RiskPerTradePct = d.RiskPerTradePct
	}
	if cfg.HeatLimitPct == 0 {
		cfg.HeatLimitPct = d.HeatLimitPct
	}
	if cfg.DailyLossLimit == 0 {
		cfg.DailyLossLimit = d.DailyLossLimit
	}
	if cfg.WeeklyLossLimit == 0 {
		cfg.WeeklyLossLimit = d.WeeklyLossLimit
	}
	if cfg.MaxPositionPct == 0 {
		cfg.MaxPositionPct = d.MaxPositionPct
	}
	if cfg.CorrelationThreshold == 0 {
		cfg.CorrelationThreshold = d.CorrelationThreshold
	}
	if cfg.CorrelatedRiskPct == 0 {
		cfg.CorrelatedRiskPct = d.CorrelatedRiskPct
	}
	if cfg.NearLimitRatio == 0 {
		cfg.NearLimitRatio = d.NearLimitRatio
	}
	if cfg.ATRMultiple == 0 {
		cfg.ATRMultiple = d.ATRMultiple
	}
	if cfg.KellyCap == 0 {
		cfg.KellyCap = d.KellyCap
	}
	return cfg
}

// SweepResets применяет сбросы дня/недели ко всем счетам,
// чтобы разблокировка и её аудит не ждали следующего запроса.
func (e *Engine) SweepResets(ctx context.Context) error {
	ids, err := e.store.ListAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		unlock := e.tracker.lock(id)
		st, err := e.tracker.load(ctx, id)
		if err != nil {
			unlock()
			e.log.Warn("sweep: load account failed", utils.AccountID(id), utils.Err(err))
			continue
		}
		events, err := e.tracker.save(ctx, st, nil, nil)
		acc := st.acc.Clone()
		unlock()
		if err != nil {
			e.log.Warn("sweep: save account failed", utils.AccountID(id), utils.Err(err))
			continue
		}
		e.accountChanged(ctx, acc, events, false)
	}
	return nil
}

// WaitAlerts ждёт отправки уже поставленных риск-алертов (shutdown, тесты)
func (e *Engine) WaitAlerts() {
	e.alertWG.Wait()
}
