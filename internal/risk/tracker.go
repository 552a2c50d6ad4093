package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// tracker.go - heat и лимиты убытков счёта
//
// Состояние счёта читается и меняется только под мьютексом счёта
// (sync.Map accountID -> *sync.Mutex). Запись в хранилище идёт с проверкой
// версии, поэтому параллельный процесс с тем же хранилищем получит
// ErrVersionConflict вместо тихой перезаписи.
//
// Сброс дневного/недельного убытка выполняется лениво при каждом чтении
// и периодически через SweepResets.

// Tracker - учёт heat, дневного/недельного убытка и блокировки счёта
type Tracker struct {
	store AccountStore
	locks sync.Map
	now   func() time.Time
	log   *utils.Logger
}

// NewTracker создаёт трекер
func NewTracker(store AccountStore, now func() time.Time, log *utils.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = utils.L()
	}
	return &Tracker{store: store, now: now, log: log.WithComponent("tracker")}
}

// lock захватывает мьютекс счёта и возвращает функцию освобождения
func (t *Tracker) lock(accountID string) func() {
	v, _ := t.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// accountState - снимок счёта, полученный под блокировкой
type accountState struct {
	acc         *models.Account
	positions   []*models.Position
	baseVersion int64
	events      []*models.AccountEvent
	dirty       bool
}

// load читает счёт и применяет сброс периодов на текущий момент
func (t *Tracker) load(ctx context.Context, accountID string) (*accountState, error) {
	acc, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := t.store.ListOpenPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	st := &accountState{acc: acc, positions: positions, baseVersion: acc.Version}
	t.rollover(st, t.now())

	// heat всегда пересчитывается из журнала
	if heat := sumRisk(positions); heat != acc.HeatPct {
		acc.HeatPct = heat
		st.dirty = true
	}
	return st, nil
}

// rollover обнуляет накопители на границе дня/недели в зоне счёта
func (t *Tracker) rollover(st *accountState, now time.Time) {
	acc := st.acc
	loc := utils.MustLocation(acc.Timezone)

	day := utils.DayStartIn(now, loc)
	if day.After(acc.DayStart) {
		acc.DailyLoss = 0
		acc.DayStart = day
		st.dirty = true
	}

	week := utils.WeekStartIn(now, loc)
	if week.After(acc.WeekStart) {
		acc.WeeklyLoss = 0
		acc.WeekStart = week
		st.dirty = true
	}

	t.reconcileLock(st, now)
}

// lockReasonFor возвращает причину, по которой счёт должен быть заблокирован
func lockReasonFor(acc *models.Account) string {
	if acc.Risk.WeeklyLossLimit > 0 && acc.WeeklyLoss >= acc.Risk.WeeklyLossLimit {
		return models.LockReasonWeekly
	}
	if acc.Risk.DailyLossLimit > 0 && acc.DailyLoss >= acc.Risk.DailyLossLimit {
		return models.LockReasonDaily
	}
	return ""
}

// reconcileLock приводит флаг блокировки к текущим накопителям и пишет аудит
func (t *Tracker) reconcileLock(st *accountState, now time.Time) {
	acc := st.acc
	want := lockReasonFor(acc)

	switch {
	case want == "" && acc.Locked:
		prev := acc.LockReason
		acc.Locked = false
		acc.LockReason = ""
		acc.LockedAt = nil
		st.addEvent(models.AccountEventUnlocked, models.LockReasonReset,
			fmt.Sprintf("%s loss limit reset, trading re-enabled", prev), now)

	case want != "" && (!acc.Locked || acc.LockReason != want):
		acc.Locked = true
		acc.LockReason = want
		at := now
		acc.LockedAt = &at
		st.addEvent(models.AccountEventLocked, want, lockMessage(acc, want), now)
	}
}

func lockMessage(acc *models.Account, reason string) string {
	if reason == models.LockReasonWeekly {
		return fmt.Sprintf("weekly loss %.2f reached limit %.2f", acc.WeeklyLoss, acc.Risk.WeeklyLossLimit)
	}
	return fmt.Sprintf("daily loss %.2f reached limit %.2f", acc.DailyLoss, acc.Risk.DailyLossLimit)
}

func (st *accountState) addEvent(typ, reason, msg string, now time.Time) {
	st.events = append(st.events, &models.AccountEvent{
		ID:         uuid.NewString(),
		AccountID:  st.acc.ID,
		Type:       typ,
		Reason:     reason,
		Message:    msg,
		DailyLoss:  st.acc.DailyLoss,
		WeeklyLoss: st.acc.WeeklyLoss,
		CreatedAt:  now,
	})
	st.dirty = true
}

// open добавляет позицию в снимок
func (st *accountState) open(pos *models.Position) {
	st.positions = append(st.positions, pos)
	st.acc.HeatPct = sumRisk(st.positions)
	st.dirty = true
}

// close закрывает позицию: P&L = (exit − entry) × units × sign,
// убыток добавляется в оба накопителя, прибыль их не уменьшает.
func (t *Tracker) close(st *accountState, pos *models.Position, exitPrice float64, now time.Time) {
	pnl := realizedPnl(pos, exitPrice)

	closedAt := now
	exit := exitPrice
	pos.Status = models.PositionStatusClosed
	pos.ClosedAt = &closedAt
	pos.ExitPrice = &exit
	pos.RealizedPnl = pnl

	remaining := st.positions[:0]
	for _, p := range st.positions {
		if p.ID != pos.ID {
			remaining = append(remaining, p)
		}
	}
	st.positions = remaining
	st.acc.HeatPct = sumRisk(st.positions)

	if pnl < 0 {
		loss := decimal.NewFromFloat(-pnl)
		st.acc.DailyLoss = decimal.NewFromFloat(st.acc.DailyLoss).Add(loss).Round(8).InexactFloat64()
		st.acc.WeeklyLoss = decimal.NewFromFloat(st.acc.WeeklyLoss).Add(loss).Round(8).InexactFloat64()
	}
	st.dirty = true
	t.reconcileLock(st, now)
}

// save записывает снимок с проверкой версии и возвращает записанные события
func (t *Tracker) save(ctx context.Context, st *accountState, opened, closed *models.Position) ([]*models.AccountEvent, error) {
	if !st.dirty && opened == nil && closed == nil {
		return nil, nil
	}

	st.acc.Version = st.baseVersion + 1
	st.acc.UpdatedAt = t.now()

	err := t.store.ApplyChange(ctx, &AccountChange{
		Account:         st.acc,
		ExpectedVersion: st.baseVersion,
		Opened:          opened,
		Closed:          closed,
		Events:          st.events,
	})
	if err != nil {
		st.acc.Version = st.baseVersion
		return nil, fmt.Errorf("apply account change: %w", err)
	}

	events := st.events
	st.baseVersion = st.acc.Version
	st.events = nil
	st.dirty = false

	for _, ev := range events {
		LockTransitions.WithLabelValues(ev.Type, ev.Reason).Inc()
		t.log.Warn("account lock transition",
			utils.AccountID(ev.AccountID),
			utils.String("type", ev.Type),
			utils.String("reason", ev.Reason),
			utils.Float64("daily_loss", ev.DailyLoss),
			utils.Float64("weekly_loss", ev.WeeklyLoss))
	}
	AccountHeat.WithLabelValues(st.acc.ID).Set(st.acc.HeatPct)
	return events, nil
}

// realizedPnl = (exit − entry) × units × sign(direction)
func realizedPnl(pos *models.Position, exitPrice float64) float64 {
	return decimal.NewFromFloat(exitPrice).
		Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(decimal.NewFromFloat(pos.Units)).
		Mul(decimal.NewFromFloat(models.DirectionSign(pos.Direction))).
		Round(8).InexactFloat64()
}

// sumRisk - Σ risk% открытых позиций
func sumRisk(positions []*models.Position) float64 {
	sum := decimal.Zero
	for _, p := range positions {
		if p.IsOpen() {
			sum = sum.Add(decimal.NewFromFloat(p.RiskPct))
		}
	}
	return sum.Round(6).InexactFloat64()
}
