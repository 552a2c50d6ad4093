package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// ============================================================
// Фикстуры
// ============================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

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

// fakeSender записывает вызовы; fn задаёт ответ для n-го вызова
type fakeSender struct {
	mu    sync.Mutex
	calls int
	msgs  []*Message
	fn    func(n int) (string, error)
}

func (s *fakeSender) Send(_ context.Context, _ string, msg *Message) (string, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(n)
	}
	return fmt.Sprintf("msg-%d", n), nil
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSender) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.msgs...)
}

type fixture struct {
	clock    *testClock
	prefs    *MemoryPreferenceStore
	records  *MemoryRecordStore
	digest   *MemoryDigestStore
	registry *Registry
	inApp    *fakeSender
	webhook  *fakeSender
	d        *Dispatcher
}

func fastRetryConfig() Config {
	cfg := DefaultConfig()
	cfg.ChannelTimeout = 200 * time.Millisecond
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    &testClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		prefs:    NewMemoryPreferenceStore(),
		records:  NewMemoryRecordStore(),
		digest:   NewMemoryDigestStore(),
		registry: NewRegistry(),
		inApp:    &fakeSender{},
		webhook:  &fakeSender{},
	}
	f.registry.Register(models.ChannelInApp, f.inApp)
	f.registry.Register(models.ChannelWebhook, f.webhook)

	f.d = NewDispatcher(f.prefs, f.records, f.registry,
		WithConfig(fastRetryConfig()),
		WithClock(f.clock.Now),
		WithDigestStore(f.digest),
		WithLogger(utils.NewNopLogger()),
	)
	t.Cleanup(f.d.Close)
	return f
}

func (f *fixture) setPref(t *testing.T, mutate func(p *models.AlertPreference)) {
	t.Helper()
	ctx := context.Background()
	p, err := f.prefs.GetPreference(ctx, "u-1")
	if errors.Is(err, ErrPreferenceNotFound) {
		p = &models.AlertPreference{
			UserID:   "u-1",
			Timezone: "UTC",
			Channels: []models.ChannelEndpoint{
				{Channel: models.ChannelInApp, Enabled: true},
				{Channel: models.ChannelWebhook, Destination: "https://hooks.example.com/a", Enabled: true},
			},
			MinConfidence: 0.7,
		}
	} else {
		require.NoError(t, err)
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, f.prefs.SavePreference(ctx, p))
}

func conf(v float64) *float64 { return &v }

func patternEvent() *models.AlertEvent {
	return &models.AlertEvent{
		UserID:     "u-1",
		Type:       models.AlertTypePattern,
		Symbol:     "btcusdt",
		Pattern:    "double_bottom",
		Confidence: conf(0.85),
		Title:      "Double bottom on BTCUSDT",
		Message:    "Pattern detected on 1h",
	}
}

// ============================================================
// Фильтры
// ============================================================

func TestDispatch_DeliversToAllEnabledChannels(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)

	assert.Equal(t, models.AlertStatusDelivered, rec.Status)
	require.Len(t, rec.Deliveries, 2)
	for _, r := range rec.Deliveries {
		assert.True(t, r.Success)
		assert.Equal(t, 1, r.Attempts)
		assert.NotEmpty(t, r.MessageID)
	}
	assert.Equal(t, "BTCUSDT", rec.Event.Symbol)
	assert.Equal(t, models.PriorityNormal, rec.Event.Priority)

	msgs := f.webhook.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, rec.ID, msgs[0].RecordID)
	assert.Equal(t, "Double bottom on BTCUSDT", msgs[0].Title)
}

func TestDispatch_LowConfidenceSkippedWithoutAttempts(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)

	ev := patternEvent()
	ev.Confidence = conf(0.5)

	rec, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, models.AlertStatusSkipped, rec.Status)
	assert.Equal(t, models.SkipReasonConfidence, rec.SkipReason)
	assert.Empty(t, rec.Deliveries)
	assert.Zero(t, f.inApp.Calls())
	assert.Zero(t, f.webhook.Calls())
}

func TestDispatch_AllowLists(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, func(p *models.AlertPreference) {
		p.Symbols = []string{"ETHUSDT"}
	})

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.SkipReasonSymbol, rec.SkipReason)

	f.setPref(t, func(p *models.AlertPreference) {
		p.Symbols = nil
		p.Patterns = []string{"head_and_shoulders"}
	})
	rec, err = f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.SkipReasonPattern, rec.SkipReason)

	// событие без символа и паттерна списки не отсекают
	rec, err = f.d.Dispatch(context.Background(), &models.AlertEvent{
		UserID: "u-1", Type: models.AlertTypeSystem, Title: "maintenance",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDelivered, rec.Status)
}

func TestDispatch_QuietHoursBufferUnlessCritical(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, func(p *models.AlertPreference) {
		p.Timezone = "America/New_York"
		p.QuietHours = &models.QuietHours{Start: "22:00", End: "07:00"}
	})
	// 04:00 UTC = 23:00 в Нью-Йорке
	f.clock.t = time.Date(2024, 1, 16, 4, 0, 0, 0, time.UTC)

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusBuffered, rec.Status)
	assert.Equal(t, models.SkipReasonQuietHours, rec.SkipReason)
	assert.Zero(t, f.inApp.Calls())

	n, _ := f.digest.Len(context.Background(), "u-1")
	assert.Equal(t, 1, n)

	crit := patternEvent()
	crit.Priority = models.PriorityCritical
	rec, err = f.d.Dispatch(context.Background(), crit)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDelivered, rec.Status)

	// 12:00 UTC = 07:00 NY, окно полуоткрытое
	f.clock.t = time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC)
	rec, err = f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDelivered, rec.Status)
}

func TestDispatch_ThrottleHourlyWindow(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, func(p *models.AlertPreference) {
		p.MaxPerHour = 2
		p.MaxPerDay = 10
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rec, err := f.d.Dispatch(ctx, patternEvent())
		require.NoError(t, err)
		assert.Equal(t, models.AlertStatusDelivered, rec.Status)
	}

	rec, err := f.d.Dispatch(ctx, patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusSkipped, rec.Status)
	assert.Equal(t, models.SkipReasonThrottled, rec.SkipReason)
	assert.Equal(t, 2, f.inApp.Calls())

	f.clock.Advance(time.Hour)
	rec, err = f.d.Dispatch(ctx, patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDelivered, rec.Status)
}

func TestDispatch_SkippedEventsDoNotConsumeThrottle(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, func(p *models.AlertPreference) {
		p.MaxPerHour = 1
		p.HighPriorityOnly = true
	})
	ctx := context.Background()

	rec, err := f.d.Dispatch(ctx, patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.SkipReasonPriority, rec.SkipReason)

	high := patternEvent()
	high.Priority = models.PriorityHigh
	rec, err = f.d.Dispatch(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDelivered, rec.Status)
}

func TestDispatch_DigestModeBuffersEverything(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, func(p *models.AlertPreference) { p.DigestMode = true })

	for i := 0; i < 3; i++ {
		rec, err := f.d.Dispatch(context.Background(), patternEvent())
		require.NoError(t, err)
		assert.Equal(t, models.AlertStatusBuffered, rec.Status)
		assert.Equal(t, models.SkipReasonDigest, rec.SkipReason)
	}
	assert.Zero(t, f.inApp.Calls())

	n, _ := f.digest.Len(context.Background(), "u-1")
	assert.Equal(t, 3, n)
}

func TestDispatch_NoEnabledChannels(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, func(p *models.AlertPreference) {
		for i := range p.Channels {
			p.Channels[i].Enabled = false
		}
	})

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusSkipped, rec.Status)
	assert.Equal(t, models.SkipReasonNoChannels, rec.SkipReason)
}

func TestDispatch_DefaultPreferenceWhenMissing(t *testing.T) {
	f := newFixture(t)

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDelivered, rec.Status)
	require.Len(t, rec.Deliveries, 1)
	assert.Equal(t, models.ChannelInApp, rec.Deliveries[0].Channel)
}

func TestDispatch_InvalidEvent(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		ev   *models.AlertEvent
	}{
		{"nil", nil},
		{"no user", &models.AlertEvent{Type: models.AlertTypePattern}},
		{"bad type", &models.AlertEvent{UserID: "u-1", Type: "SPAM"}},
		{"bad priority", &models.AlertEvent{UserID: "u-1", Type: models.AlertTypePattern, Priority: "URGENT"}},
		{"confidence out of range", &models.AlertEvent{UserID: "u-1", Type: models.AlertTypePattern, Confidence: conf(1.5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.d.Dispatch(context.Background(), tt.ev)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

// ============================================================
// Дедупликация
// ============================================================

func TestDispatch_DedupeReturnsExistingRecord(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)
	ctx := context.Background()

	ev := patternEvent()
	ev.DedupeKey = "btc-db-1h"

	first, err := f.d.Dispatch(ctx, ev)
	require.NoError(t, err)
	second, err := f.d.Dispatch(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.inApp.Calls())

	f.clock.Advance(61 * time.Second)
	third, err := f.d.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, f.inApp.Calls())
}

func TestDispatch_ConcurrentDuplicatesDispatchOnce(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)

	ev := patternEvent()
	ev.DedupeKey = "burst"

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.d.Dispatch(context.Background(), ev)
			if assert.NoError(t, err) {
				ids[i] = rec.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.inApp.Calls())
}

// failingPrefs отдаёт ошибку на первые failures вызовов GetPreference
type failingPrefs struct {
	*MemoryPreferenceStore
	mu       sync.Mutex
	failures int
}

func (p *failingPrefs) GetPreference(ctx context.Context, userID string) (*models.AlertPreference, error) {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	p.mu.Unlock()
	return p.MemoryPreferenceStore.GetPreference(ctx, userID)
}

func TestDispatch_FailedDispatchReleasesDedupeKey(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)
	prefs := &failingPrefs{MemoryPreferenceStore: f.prefs, failures: 1}
	d := NewDispatcher(prefs, f.records, f.registry,
		WithConfig(fastRetryConfig()),
		WithClock(f.clock.Now),
		WithLogger(utils.NewNopLogger()),
	)
	t.Cleanup(d.Close)
	ctx := context.Background()

	ev := patternEvent()
	ev.DedupeKey = "btc-db-4h"

	_, err := d.Dispatch(ctx, ev)
	require.Error(t, err)
	assert.Zero(t, f.inApp.Calls())

	start := time.Now()
	rec, err := d.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "no wait for a record that was never saved")
	assert.Equal(t, models.AlertStatusDelivered, rec.Status)
	assert.Equal(t, 1, f.inApp.Calls())

	// ключ теперь принадлежит доставленной записи
	again, err := d.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, f.inApp.Calls())
}

// ============================================================
// Отказы каналов и повторы
// ============================================================

func TestDispatch_PartialWhenPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)
	f.webhook.fn = func(int) (string, error) {
		return "", fmt.Errorf("%w: http 404", ErrChannelRejected)
	}

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusPartial, rec.Status)

	f.d.WaitRetries()
	assert.Equal(t, 1, f.webhook.Calls(), "permanent failures are never retried")

	stored, err := f.d.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusPartial, stored.Status)
	for _, r := range stored.Deliveries {
		if r.Channel == models.ChannelWebhook {
			assert.True(t, r.Permanent)
			assert.Equal(t, 1, r.Attempts)
		}
	}
}

func TestDispatch_TransientFailureRetriedUntilSuccess(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, func(p *models.AlertPreference) {
		p.Channels = p.Channels[1:] // только webhook
	})
	f.webhook.fn = func(n int) (string, error) {
		if n == 1 {
			return "", fmt.Errorf("%w: http 503", ErrChannelUnavailable)
		}
		return "wh-ok", nil
	}

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusFailed, rec.Status)

	f.d.WaitRetries()

	stored, err := f.d.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDelivered, stored.Status)
	require.Len(t, stored.Deliveries, 1)
	assert.Equal(t, 2, stored.Deliveries[0].Attempts)
	assert.Equal(t, "wh-ok", stored.Deliveries[0].MessageID)
}

func TestDispatch_TransientFailureExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)
	f.webhook.fn = func(int) (string, error) {
		return "", errors.New("connection reset")
	}

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusPartial, rec.Status)

	f.d.WaitRetries()
	assert.Equal(t, 3, f.webhook.Calls(), "first attempt plus two retries")

	stored, err := f.d.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusPartial, stored.Status)
	for _, r := range stored.Deliveries {
		if r.Channel == models.ChannelWebhook {
			assert.False(t, r.Success)
			assert.False(t, r.Permanent)
			assert.Equal(t, 3, r.Attempts)
			assert.Contains(t, r.Error, ErrChannelUnavailable.Error())
		}
	}
}

func TestDispatch_ChannelTimeout(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.webhook.fn = func(int) (string, error) {
		<-release // канал не смотрит на контекст
		return "late", nil
	}

	start := time.Now()
	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, models.AlertStatusPartial, rec.Status)
	for _, r := range rec.Deliveries {
		if r.Channel == models.ChannelWebhook {
			assert.False(t, r.Permanent)
			assert.Contains(t, r.Error, "timeout")
		}
	}
}

func TestDispatch_UnknownChannelIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, func(p *models.AlertPreference) {
		p.Channels = append(p.Channels, models.ChannelEndpoint{Channel: models.ChannelSMS, Destination: "+10000000000", Enabled: true})
	})

	rec, err := f.d.Dispatch(context.Background(), patternEvent())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusPartial, rec.Status)
	require.Len(t, rec.Deliveries, 3)
	assert.True(t, rec.Deliveries[2].Permanent)
}

// ============================================================
// Журнал
// ============================================================

func TestGetAlertHistory(t *testing.T) {
	f := newFixture(t)
	f.setPref(t, nil)
	ctx := context.Background()

	low := patternEvent()
	low.Confidence = conf(0.1)
	_, err := f.d.Dispatch(ctx, low)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		_, err := f.d.Dispatch(ctx, patternEvent())
		require.NoError(t, err)
	}

	all, err := f.d.GetAlertHistory(ctx, "u-1", models.AlertHistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].CreatedAt.After(all[3].CreatedAt), "newest first")

	skipped, err := f.d.GetAlertHistory(ctx, "u-1", models.AlertHistoryFilter{Status: models.AlertStatusSkipped})
	require.NoError(t, err)
	assert.Len(t, skipped, 1)

	limited, err := f.d.GetAlertHistory(ctx, "u-1", models.AlertHistoryFilter{Limit: 2, Symbol: "btcusdt"})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = f.d.GetAlertHistory(ctx, "", models.AlertHistoryFilter{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestPruneHistoryKeepsRecent(t *testing.T) {
	f := newFixture(t)
	f.d.cfg.HistoryKeep = 2
	f.setPref(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		_, err := f.d.Dispatch(ctx, patternEvent())
		require.NoError(t, err)
	}
	f.d.pruneHistory(ctx)

	recs, err := f.d.GetAlertHistory(ctx, "u-1", models.AlertHistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
