package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	events []*models.AlertEvent
}

func (s *captureSink) Dispatch(_ context.Context, ev *models.AlertEvent) (*models.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return &models.AlertRecord{ID: ev.ID, Status: models.AlertStatusDelivered}, nil
}

func (s *captureSink) byType(typ string) []*models.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AlertEvent
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Понедельник, 10:00 UTC
var mondayMorning = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *MemoryStore
	clock  *testClock
	sink   *captureSink
	matrix *CorrelationMatrix
}

func newFixture(t *testing.T, risk models.RiskConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		clock:  newTestClock(mondayMorning),
		sink:   &captureSink{},
		matrix: NewCorrelationMatrix(),
	}
	f.engine = NewEngine(f.store,
		WithClock(f.clock.Now),
		WithLogger(utils.NewNopLogger()),
		WithAlertSink(f.sink),
		WithCorrelations(f.matrix),
	)

	_, err := f.engine.UpsertAccount(context.Background(), &models.Account{
		ID:          "acc-1",
		OwnerUserID: "user-1",
		Balance:     10000,
		Timezone:    "UTC",
		Risk:        risk,
	})
	require.NoError(t, err)
	return f
}

func trade(symbol string, riskPct, entry, stop float64) *models.TradeRequest {
	return &models.TradeRequest{
		AccountID:  "acc-1",
		Symbol:     symbol,
		Direction:  models.DirectionLong,
		EntryPrice: entry,
		StopPrice:  stop,
		Method:     models.SizingFixedPercent,
		RiskPct:    riskPct,
	}
}

func failedChecks(d *models.RiskDecision) []string {
	var out []string
	for _, c := range d.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

func TestUpsertAccount_FillsDefaults(t *testing.T) {
	f := newFixture(t, models.RiskConfig{MaxPositionPct: 50})

	acc, err := f.store.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)

	def := models.DefaultRiskConfig()
	assert.Equal(t, 50.0, acc.Risk.MaxPositionPct)
	assert.Equal(t, def.HeatLimitPct, acc.Risk.HeatLimitPct)
	assert.Equal(t, def.DailyLossLimit, acc.Risk.DailyLossLimit)
	assert.Equal(t, def.WeeklyLossLimit, acc.Risk.WeeklyLossLimit)
	assert.Equal(t, int64(1), acc.Version)
	assert.Equal(t, utils.DayStartIn(mondayMorning, time.UTC), acc.DayStart)
}

func TestUpsertAccount_Validation(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		acc  *models.Account
	}{
		{"missing id", &models.Account{Balance: 100}},
		{"zero balance", &models.Account{ID: "x", Balance: 0}},
		{"bad timezone", &models.Account{ID: "x", Balance: 100, Timezone: "Mars/Olympus"}},
		{"risk per trade above 5", &models.Account{ID: "x", Balance: 100, Risk: models.RiskConfig{RiskPerTradePct: 7}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.UpsertAccount(ctx, tt.acc)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestUpsertAccount_UpdateKeepsTrackerState(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	res, err := f.engine.SubmitTrade(ctx, trade("AAPL", 2, 100, 50))
	require.NoError(t, err)
	require.NotNil(t, res.Position)

	acc, err := f.engine.UpsertAccount(ctx, &models.Account{ID: "acc-1", OwnerUserID: "user-1", Balance: 20000, Timezone: "Europe/London"})
	require.NoError(t, err)

	assert.Equal(t, 20000.0, acc.Balance)
	assert.Equal(t, "Europe/London", acc.Timezone)
	assert.Equal(t, 2.0, acc.HeatPct)
	assert.Equal(t, int64(3), acc.Version)
}

func TestEvaluateTrade_ApprovedHasNoSideEffects(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	d, err := f.engine.EvaluateTrade(ctx, trade("aapl", 1, 100, 90))
	require.NoError(t, err)

	assert.Equal(t, models.DecisionApproved, d.State)
	assert.True(t, d.Approved)
	assert.Equal(t, "AAPL", d.Request.Symbol)
	assert.Equal(t, 10.0, d.Sizing.Units)
	assert.Equal(t, 1.0, d.Sizing.HeatAfterPct)
	assert.Len(t, d.Checks, 6)
	assert.Empty(t, failedChecks(d))
	// 0.30×(1/6) + 0.20×(100/500) + 0.15×(100/1500) + 0.15×(1000/2000)
	assert.InDelta(t, 17.5, d.RiskScore, 0.01)
	assert.Equal(t, models.RiskLevelLow, d.RiskLevel)
	assert.Contains(t, d.Recommendation, "Approve")
	assert.Equal(t, int64(1), d.AccountVersion)

	m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.HeatPct)
	assert.Equal(t, 0, m.OpenPositions)
}

func TestEvaluateTrade_Errors(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	_, err := f.engine.EvaluateTrade(ctx, trade("AAPL", 2, 100, 100))
	assert.ErrorIs(t, err, ErrInvalidStopPlacement)

	_, err = f.engine.EvaluateTrade(ctx, trade("", 2, 100, 90))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.engine.EvaluateTrade(ctx, trade("AAPL", 9, 100, 90))
	assert.ErrorIs(t, err, ErrInvalidInput)

	req := trade("AAPL", 2, 100, 90)
	req.AccountID = "missing"
	_, err = f.engine.EvaluateTrade(ctx, req)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestEvaluateTrade_RejectedOnHeatAlone(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	for _, sym := range []string{"AAPL", "MSFT", "XOM"} {
		res, err := f.engine.SubmitTrade(ctx, trade(sym, 2, 100, 50))
		require.NoError(t, err)
		require.True(t, res.Decision.Approved, res.Decision.Recommendation)
	}

	d, err := f.engine.EvaluateTrade(ctx, trade("NVDA", 1, 100, 50))
	require.NoError(t, err)

	assert.Equal(t, models.DecisionRejected, d.State)
	assert.False(t, d.Approved)
	assert.Equal(t, LimitHeat, d.LimitKind)
	assert.Equal(t, []string{CheckHeat}, failedChecks(d))
	assert.Equal(t, 7.0, d.Sizing.HeatAfterPct)
}

func TestEvaluateTrade_KellyNoEdgeRejected(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})

	req := trade("AAPL", 2, 100, 95)
	req.Method = models.SizingKelly
	req.WinRate, req.AvgWin, req.AvgLoss = ptr(0.68), ptr(40), ptr(100)

	d, err := f.engine.EvaluateTrade(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, d.Approved)
	assert.True(t, d.Sizing.NoEdge)
	assert.Equal(t, 0.0, d.Sizing.Units)
	assert.Equal(t, []string{CheckKellyEdge}, failedChecks(d))
	assert.Empty(t, d.LimitKind)
}

func TestEvaluateTrade_ATRFromPriceSource(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	f.engine.prices = staticATR{"AAPL": 4}

	req := trade("AAPL", 2, 100, 98)
	req.Method = models.SizingATR

	d, err := f.engine.EvaluateTrade(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, d.Request.ATR)
	assert.Equal(t, 4.0, *d.Request.ATR)
	assert.Equal(t, 6.0, d.Sizing.StopDistance)
	assert.Nil(t, req.ATR, "caller request must not be modified")
}

type staticATR map[string]float64

func (s staticATR) ATR(_ context.Context, symbol string) (float64, error) {
	v, ok := s[symbol]
	if !ok {
		return 0, errors.New("no data")
	}
	return v, nil
}

func TestEvaluateTrade_CorrelationWarningOnly(t *testing.T) {
	f := newFixture(t, models.RiskConfig{HeatLimitPct: 20})
	ctx := context.Background()
	f.matrix.Set("AAPL", "MSFT", 0.9)

	_, err := f.engine.SubmitTrade(ctx, trade("MSFT", 3, 100, 50))
	require.NoError(t, err)

	d, err := f.engine.EvaluateTrade(ctx, trade("AAPL", 3, 100, 50))
	require.NoError(t, err)

	assert.True(t, d.Approved)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0], "MSFT")
	assert.NotEqual(t, models.RiskLevelLow, d.RiskLevel)
}

func TestEvaluateTrade_CorrelationRejectsNearHeatLimit(t *testing.T) {
	f := newFixture(t, models.RiskConfig{HeatLimitPct: 7})
	ctx := context.Background()
	f.matrix.Set("AAPL", "MSFT", 0.9)

	_, err := f.engine.SubmitTrade(ctx, trade("MSFT", 3, 100, 50))
	require.NoError(t, err)

	// heat after = 6 >= 0.8 × 7
	d, err := f.engine.EvaluateTrade(ctx, trade("AAPL", 3, 100, 50))
	require.NoError(t, err)

	assert.False(t, d.Approved)
	assert.Equal(t, []string{CheckCorrelation}, failedChecks(d))
	assert.Empty(t, d.LimitKind)
	require.NotEmpty(t, d.Reasons)
	assert.Contains(t, d.Reasons[0], "near-limit")
}

func TestDailyLossLocksUntilNextDay(t *testing.T) {
	f := newFixture(t, models.RiskConfig{MaxPositionPct: 100})
	ctx := context.Background()

	res, err := f.engine.SubmitTrade(ctx, trade("AAPL", 5, 100, 90))
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.Equal(t, 50.0, res.Position.Units)

	closed, err := f.engine.ClosePosition(ctx, res.Position.ID, 89)
	require.NoError(t, err)
	assert.Equal(t, -550.0, closed.RealizedPnl)

	m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, m.Locked)
	assert.Equal(t, models.LockReasonDaily, m.LockReason)
	assert.Equal(t, 550.0, m.DailyLoss)

	// любой запрос в этот день отклоняется
	requests := []*models.TradeRequest{
		trade("MSFT", 1, 100, 99),
		trade("XOM", 2, 50, 40),
		trade("NVDA", 1, 400, 399),
	}
	for _, req := range requests {
		d, err := f.engine.EvaluateTrade(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.DecisionRejected, d.State)
		assert.Equal(t, LimitDaily, d.LimitKind)
		assert.Contains(t, d.Reasons[0], "account locked")
		assert.Len(t, d.Checks, 6, "checks are still evaluated for the record")
	}

	f.clock.Advance(13 * time.Hour) // 23:00 того же дня
	d, err := f.engine.EvaluateTrade(ctx, trade("MSFT", 1, 100, 99))
	require.NoError(t, err)
	assert.Equal(t, LimitDaily, d.LimitKind)

	f.clock.Advance(time.Hour + time.Minute) // следующий день
	m, err = f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, m.Locked)
	assert.Equal(t, 0.0, m.DailyLoss)
	assert.Equal(t, 550.0, m.WeeklyLoss)

	d, err = f.engine.EvaluateTrade(ctx, trade("MSFT", 1, 100, 99))
	require.NoError(t, err)
	assert.True(t, d.Approved, d.Recommendation)

	events, err := f.engine.ListAccountEvents(ctx, "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.AccountEventUnlocked, events[0].Type)
	assert.Equal(t, models.AccountEventLocked, events[1].Type)
	assert.Equal(t, models.LockReasonDaily, events[1].Reason)

	f.engine.WaitAlerts()
	locks := f.sink.byType(models.AlertTypeLock)
	require.Len(t, locks, 2)
	assert.Equal(t, "user-1", locks[0].UserID)
}

func TestSubmitTrade_LockedAccountRejected(t *testing.T) {
	f := newFixture(t, models.RiskConfig{MaxPositionPct: 100})
	ctx := context.Background()

	res, err := f.engine.SubmitTrade(ctx, trade("AAPL", 5, 100, 90))
	require.NoError(t, err)
	_, err = f.engine.ClosePosition(ctx, res.Position.ID, 80)
	require.NoError(t, err)

	res, err = f.engine.SubmitTrade(ctx, trade("MSFT", 1, 100, 99))
	require.NoError(t, err)
	assert.False(t, res.Decision.Approved)
	assert.Nil(t, res.Position)
	assert.Equal(t, LimitDaily, res.Decision.LimitKind)

	f.engine.WaitAlerts()
	rejected := f.sink.byType(models.AlertTypeTradeRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, models.PriorityHigh, rejected[0].Priority)
}

func TestEvaluateTrade_LockedAccountRejectsEvenInvalidStop(t *testing.T) {
	f := newFixture(t, models.RiskConfig{MaxPositionPct: 100})
	ctx := context.Background()

	res, err := f.engine.SubmitTrade(ctx, trade("AAPL", 5, 100, 90))
	require.NoError(t, err)
	_, err = f.engine.ClosePosition(ctx, res.Position.ID, 80)
	require.NoError(t, err)

	// стоп на уровне входа и стоп не с той стороны
	for _, req := range []*models.TradeRequest{trade("MSFT", 1, 100, 100), trade("MSFT", 1, 100, 110)} {
		d, err := f.engine.EvaluateTrade(ctx, req)
		require.NoError(t, err)
		assert.False(t, d.Approved)
		assert.Equal(t, models.DecisionRejected, d.State)
		assert.Equal(t, LimitDaily, d.LimitKind)
		assert.Equal(t, models.RiskLevelHigh, d.RiskLevel)
		require.NotEmpty(t, d.Reasons)
		assert.Contains(t, d.Reasons[0], "account locked")
	}

	// на незаблокированном счёте та же ошибка остаётся ошибкой ввода
	g := newFixture(t, models.RiskConfig{})
	_, err = g.engine.EvaluateTrade(ctx, trade("MSFT", 1, 100, 100))
	assert.ErrorIs(t, err, ErrInvalidStopPlacement)
}

func TestLockResetUsesAccountTimezone(t *testing.T) {
	f := newFixture(t, models.RiskConfig{MaxPositionPct: 100})
	ctx := context.Background()

	// 03:30 UTC = 22:30 EST предыдущего дня
	f.clock.t = time.Date(2024, 1, 16, 3, 30, 0, 0, time.UTC)
	_, err := f.engine.UpsertAccount(ctx, &models.Account{
		ID: "acc-1", OwnerUserID: "user-1", Balance: 10000, Timezone: "America/New_York",
		Risk: models.RiskConfig{MaxPositionPct: 100},
	})
	require.NoError(t, err)

	res, err := f.engine.SubmitTrade(ctx, trade("AAPL", 5, 100, 90))
	require.NoError(t, err)
	_, err = f.engine.ClosePosition(ctx, res.Position.ID, 85)
	require.NoError(t, err)

	f.clock.Advance(time.Hour) // 23:30 EST
	m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, m.Locked)

	f.clock.Advance(31 * time.Minute) // 00:01 EST
	m, err = f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, m.Locked)
	assert.Equal(t, 0.0, m.DailyLoss)
}

func TestWeeklyLockOutlivesDailyReset(t *testing.T) {
	f := newFixture(t, models.RiskConfig{MaxPositionPct: 100, DailyLossLimit: 2000, WeeklyLossLimit: 500})
	ctx := context.Background()

	res, err := f.engine.SubmitTrade(ctx, trade("AAPL", 5, 100, 90))
	require.NoError(t, err)
	_, err = f.engine.ClosePosition(ctx, res.Position.ID, 88)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, m.Locked)
	assert.Equal(t, models.LockReasonWeekly, m.LockReason)

	d, err := f.engine.EvaluateTrade(ctx, trade("MSFT", 1, 100, 99))
	require.NoError(t, err)
	assert.Equal(t, LimitWeekly, d.LimitKind)

	f.clock.Advance(6 * 24 * time.Hour) // следующий понедельник
	m, err = f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, m.Locked)
	assert.Equal(t, 0.0, m.WeeklyLoss)
}

func TestConcurrentSubmissionsExactlyOneApproved(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, models.RiskConfig{})
		ctx := context.Background()

		// 4% + 4% > 6%, каждая по отдельности проходит
		reqs := []*models.TradeRequest{trade("AAPL", 4, 100, 50), trade("MSFT", 4, 100, 50)}
		results := make([]*models.TradeResult, len(reqs))
		errs := make([]error, len(reqs))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := range reqs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				<-start
				results[j], errs[j] = f.engine.SubmitTrade(ctx, reqs[j])
			}(j)
		}
		close(start)
		wg.Wait()

		approved, rejected := 0, 0
		for j := range reqs {
			require.NoError(t, errs[j])
			if results[j].Decision.Approved {
				approved++
			} else {
				rejected++
				assert.Equal(t, LimitHeat, results[j].Decision.LimitKind)
			}
		}
		assert.Equal(t, 1, approved)
		assert.Equal(t, 1, rejected)

		m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, 4.0, m.HeatPct)
	}
}

func TestCommitPosition(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	d, err := f.engine.EvaluateTrade(ctx, trade("AAPL", 2, 100, 50))
	require.NoError(t, err)
	require.True(t, d.Approved)

	cached, err := f.engine.GetDecision(d.ID)
	require.NoError(t, err)
	assert.Same(t, d, cached)

	pos, err := f.engine.CommitPosition(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, d.ID, pos.DecisionID)
	assert.Equal(t, 4.0, pos.Units)
	assert.Equal(t, 2.0, pos.RiskPct)
	assert.Equal(t, models.PositionStatusOpen, pos.Status)

	m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.HeatPct)

	_, err = f.engine.CommitPosition(ctx, d)
	assert.ErrorIs(t, err, ErrStaleDecision, "second commit of the same decision")

	f.engine.WaitAlerts()
	assert.Len(t, f.sink.byType(models.AlertTypeTradeApproved), 1)
}

func TestCommitPosition_SecondCommitAfterDecisionCacheExpiry(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	d, err := f.engine.EvaluateTrade(ctx, trade("AAPL", 2, 100, 50))
	require.NoError(t, err)
	_, err = f.engine.CommitPosition(ctx, d)
	require.NoError(t, err)

	// запись о commit вытесняется из кэша следующим решением
	f.clock.Advance(16 * time.Minute)
	_, err = f.engine.EvaluateTrade(ctx, trade("MSFT", 1, 100, 50))
	require.NoError(t, err)
	_, err = f.engine.GetDecision(d.ID)
	require.ErrorIs(t, err, ErrDecisionNotFound)

	_, err = f.engine.CommitPosition(ctx, d)
	assert.ErrorIs(t, err, ErrStaleDecision)

	open, err := f.engine.ListOpenPositions(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
	m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.HeatPct)
}

func TestCommitPosition_NotApproved(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	d, err := f.engine.EvaluateTrade(ctx, trade("AAPL", 5, 100, 99)) // 500 units: size check
	require.NoError(t, err)
	require.False(t, d.Approved)

	_, err = f.engine.CommitPosition(ctx, d)
	assert.ErrorIs(t, err, ErrDecisionNotApproved)

	_, err = f.engine.CommitPosition(ctx, nil)
	assert.ErrorIs(t, err, ErrDecisionNotApproved)

	_, err = f.engine.GetDecision("missing")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestCommitPosition_RevalidatesWhenVersionChanged(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	a, err := f.engine.EvaluateTrade(ctx, trade("AAPL", 4, 100, 50))
	require.NoError(t, err)
	b, err := f.engine.EvaluateTrade(ctx, trade("MSFT", 4, 100, 50))
	require.NoError(t, err)
	require.True(t, a.Approved)
	require.True(t, b.Approved)

	_, err = f.engine.CommitPosition(ctx, a)
	require.NoError(t, err)

	_, err = f.engine.CommitPosition(ctx, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	kind, ok := IsLimitExceeded(err)
	assert.True(t, ok)
	assert.Equal(t, LimitHeat, kind)

	m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, m.HeatPct)
}

func TestCommitPosition_StaleAfterBalanceChange(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	d, err := f.engine.EvaluateTrade(ctx, trade("AAPL", 2, 100, 50))
	require.NoError(t, err)

	_, err = f.engine.UpsertAccount(ctx, &models.Account{ID: "acc-1", OwnerUserID: "user-1", Balance: 20000})
	require.NoError(t, err)

	_, err = f.engine.CommitPosition(ctx, d)
	assert.ErrorIs(t, err, ErrStaleDecision)
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	long, err := f.engine.SubmitTrade(ctx, trade("AAPL", 2, 100, 50))
	require.NoError(t, err)

	shortReq := trade("MSFT", 2, 100, 150)
	shortReq.Direction = models.DirectionShort
	short, err := f.engine.SubmitTrade(ctx, shortReq)
	require.NoError(t, err)
	require.NotNil(t, short.Position)

	closed, err := f.engine.ClosePosition(ctx, long.Position.ID, 110)
	require.NoError(t, err)
	assert.Equal(t, 40.0, closed.RealizedPnl) // (110 − 100) × 4
	require.NotNil(t, closed.ExitPrice)
	assert.Equal(t, 110.0, *closed.ExitPrice)

	closed, err = f.engine.ClosePosition(ctx, short.Position.ID, 120)
	require.NoError(t, err)
	assert.Equal(t, -80.0, closed.RealizedPnl) // (120 − 100) × 4 × −1

	m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.HeatPct)
	assert.Equal(t, 80.0, m.DailyLoss, "gains never reduce the loss accumulator")
	assert.Equal(t, 80.0, m.WeeklyLoss)

	_, err = f.engine.ClosePosition(ctx, long.Position.ID, 100)
	assert.ErrorIs(t, err, ErrPositionClosed)

	_, err = f.engine.ClosePosition(ctx, "missing", 100)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	_, err = f.engine.ClosePosition(ctx, short.Position.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHeatEqualsSumOfOpenRisk(t *testing.T) {
	f := newFixture(t, models.RiskConfig{HeatLimitPct: 15})
	ctx := context.Background()

	assertInvariant := func() {
		t.Helper()
		m, err := f.engine.GetRiskMetrics(ctx, "acc-1")
		require.NoError(t, err)
		open, err := f.engine.ListOpenPositions(ctx, "acc-1")
		require.NoError(t, err)

		var sum float64
		for _, p := range open {
			sum += p.RiskPct
		}
		assert.InDelta(t, sum, m.HeatPct, 1e-9)
		assert.Equal(t, len(open), m.OpenPositions)
	}

	var ids []string
	for _, tc := range []struct {
		sym  string
		risk float64
		stop float64
	}{
		{"AAPL", 1.5, 70}, {"MSFT", 2.3, 60}, {"XOM", 3.7, 40}, {"NVDA", 1.1, 45},
	} {
		res, err := f.engine.SubmitTrade(ctx, trade(tc.sym, tc.risk, 100, tc.stop))
		require.NoError(t, err)
		if res.Position != nil {
			ids = append(ids, res.Position.ID)
		}
		assertInvariant()
	}
	require.NotEmpty(t, ids)

	for _, id := range ids {
		_, err := f.engine.ClosePosition(ctx, id, 101)
		require.NoError(t, err)
		assertInvariant()
	}
}

func TestSweepResetsUnlocksAccounts(t *testing.T) {
	f := newFixture(t, models.RiskConfig{MaxPositionPct: 100})
	ctx := context.Background()

	res, err := f.engine.SubmitTrade(ctx, trade("AAPL", 5, 100, 90))
	require.NoError(t, err)
	_, err = f.engine.ClosePosition(ctx, res.Position.ID, 85)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.engine.SweepResets(ctx))

	acc, err := f.store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, acc.Locked)
	assert.Equal(t, 0.0, acc.DailyLoss)
}

func TestHeatNearLimitAlert(t *testing.T) {
	f := newFixture(t, models.RiskConfig{})
	ctx := context.Background()

	_, err := f.engine.SubmitTrade(ctx, trade("AAPL", 5, 100, 50))
	require.NoError(t, err)

	f.engine.WaitAlerts()
	alerts := f.sink.byType(models.AlertTypeRiskLimit)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.PriorityHigh, alerts[0].Priority)
	assert.Equal(t, "acc-1", alerts[0].Payload["account_id"])
}

type captureObserver struct {
	mu      sync.Mutex
	metrics []*models.RiskMetrics
	events  []*models.AccountEvent
}

func (o *captureObserver) AccountUpdated(m *models.RiskMetrics, _ *models.Account, events []*models.AccountEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = append(o.metrics, m)
	o.events = append(o.events, events...)
}

func TestAccountObserver(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(mondayMorning)
	obs := &captureObserver{}
	engine := NewEngine(NewMemoryStore(),
		WithClock(clock.Now),
		WithLogger(utils.NewNopLogger()),
		WithAccountObserver(obs),
	)
	_, err := engine.UpsertAccount(ctx, &models.Account{
		ID: "acc-1", Balance: 10000, Timezone: "UTC", Risk: models.RiskConfig{MaxPositionPct: 100},
	})
	require.NoError(t, err)
	require.Empty(t, obs.metrics, "creation is not an update")

	res, err := engine.SubmitTrade(ctx, trade("AAPL", 5, 100, 90))
	require.NoError(t, err)
	require.Len(t, obs.metrics, 1)
	assert.Equal(t, 5.0, obs.metrics[0].HeatPct)
	assert.Equal(t, 1, obs.metrics[0].OpenPositions)

	// чтение без переходов не уведомляет
	_, err = engine.GetRiskMetrics(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, obs.metrics, 1)

	_, err = engine.ClosePosition(ctx, res.Position.ID, 89)
	require.NoError(t, err)
	require.Len(t, obs.metrics, 2)
	last := obs.metrics[1]
	assert.True(t, last.Locked)
	assert.Equal(t, 0, last.OpenPositions)
	require.Len(t, obs.events, 1)
	assert.Equal(t, models.AccountEventLocked, obs.events[0].Type)

	clock.Advance(24 * time.Hour)
	require.NoError(t, engine.SweepResets(ctx))
	require.Len(t, obs.events, 2)
	assert.Equal(t, models.AccountEventUnlocked, obs.events[1].Type)
}
