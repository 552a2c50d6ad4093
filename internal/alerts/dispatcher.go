package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tradeguard/internal/models"
	"tradeguard/pkg/retry"
	"tradeguard/pkg/utils"
)

// dispatcher.go - многоканальная доставка алертов
//
// Порядок обработки события:
// 1. валидация и дедупликация по (user, dedupe_key)
// 2. конвейер фильтров: skip / buffer / pass
// 3. захват слота throttle
// 4. параллельная отправка во все включённые каналы, 5s на канал
// 5. фоновые повторы временных сбоев (1s, 4s), запись обновляется

// Config - параметры диспетчера
type Config struct {
	ChannelTimeout time.Duration
	DedupeWindow   time.Duration
	MaxParallel    int // одновременных отправок на событие
	HistoryKeep    int // записей на пользователя после чистки; 0 = не чистить
	Retry          retry.Config
}

func DefaultConfig() Config {
	return Config{
		ChannelTimeout: 5 * time.Second,
		DedupeWindow:   60 * time.Second,
		MaxParallel:    8,
		HistoryKeep:    1000,
		Retry:          retry.DeliveryConfig(),
	}
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	recordLockStripes   = 64
)

// Dispatcher - диспетчер алертов
type Dispatcher struct {
	prefs    PreferenceStore
	records  RecordStore
	senders  *Registry
	throttle Throttle
	dedupe   Deduper
	digest   DigestStore
	filters  []Filter
	cfg      Config
	now      func() time.Time
	log      *utils.Logger
	baseLog  *utils.Logger

	// обновления записи из фоновых повторов
	recordLocks [recordLockStripes]sync.Mutex

	// пользователи с новыми записями с последней чистки
	touched sync.Map

	retryCtx    context.Context
	cancelRetry context.CancelFunc
	retryWG     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithThrottle(t Throttle) Option {
	return func(d *Dispatcher) { d.throttle = t }
}

func WithDeduper(dd Deduper) Option {
	return func(d *Dispatcher) { d.dedupe = dd }
}

func WithDigestStore(s DigestStore) Option {
	return func(d *Dispatcher) { d.digest = s }
}

// WithFilters заменяет конвейер по умолчанию
func WithFilters(filters ...Filter) Option {
	return func(d *Dispatcher) { d.filters = filters }
}

func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(log *utils.Logger) Option {
	return func(d *Dispatcher) { d.baseLog = log }
}

// NewDispatcher создаёт диспетчер. Без опций используются in-memory
// throttle, дедупликация и буфер сводок.
func NewDispatcher(prefs PreferenceStore, records RecordStore, senders *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		prefs:   prefs,
		records: records,
		senders: senders,
		cfg:     DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.throttle == nil {
		d.throttle = NewMemoryThrottle()
	}
	if d.dedupe == nil {
		d.dedupe = NewMemoryDeduper()
	}
	if d.digest == nil {
		d.digest = NewMemoryDigestStore()
	}
	if d.filters == nil {
		d.filters = DefaultFilters(d.throttle)
	}
	if d.cfg.ChannelTimeout <= 0 {
		d.cfg.ChannelTimeout = 5 * time.Second
	}
	if d.cfg.MaxParallel <= 0 {
		d.cfg.MaxParallel = 8
	}
	if d.baseLog == nil {
		d.baseLog = utils.L()
	}
	d.log = d.baseLog.WithComponent("alert_dispatcher")
	d.retryCtx, d.cancelRetry = context.WithCancel(context.Background())
	return d
}

// Dispatch обрабатывает событие и возвращает запись журнала.
// Ошибки каналов не возвращаются, они в DeliveryResult записи.
// Повторы временных сбоев идут в фоне после возврата.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.AlertEvent) (_ *models.AlertRecord, err error) {
	start := time.Now()

	ev, err := d.normalize(event)
	if err != nil {
		return nil, err
	}
	now := d.now()

	rec := &models.AlertRecord{
		ID:        uuid.NewString(),
		UserID:    ev.UserID,
		Event:     *ev,
		Status:    models.AlertStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if ev.DedupeKey != "" {
		existing, claimed, err := d.dedupe.Claim(ctx, ev.UserID, ev.DedupeKey, rec.ID, d.cfg.DedupeWindow, now)
		if err != nil {
			return nil, fmt.Errorf("dedupe claim: %w", err)
		}
		if !claimed {
			DedupeHits.Inc()
			d.log.Debug("duplicate alert",
				utils.UserID(ev.UserID),
				utils.String("dedupe_key", ev.DedupeKey),
				utils.AlertID(existing))
			return d.existingRecord(ctx, existing)
		}
		defer func() {
			if err != nil {
				d.releaseClaim(ctx, rec)
			}
		}()
	}

	pref, loc, err := d.preference(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}

	verdict, err := runFilters(ctx, d.filters, &FilterInput{Event: ev, Pref: pref, Location: loc, Now: now})
	if err != nil {
		return nil, fmt.Errorf("filter pipeline: %w", err)
	}

	switch verdict.Action {
	case ActionSkip:
		return d.finish(ctx, rec, models.AlertStatusSkipped, verdict.Reason, start)
	case ActionBuffer:
		return d.bufferEvent(ctx, rec, verdict.Reason, start)
	}

	if err := d.throttle.Acquire(ctx, ev.UserID, LimitsFor(pref, loc), now); err != nil {
		if errors.Is(err, ErrThrottleExceeded) {
			return d.finish(ctx, rec, models.AlertStatusSkipped, models.SkipReasonThrottled, start)
		}
		return nil, fmt.Errorf("throttle acquire: %w", err)
	}

	channels := pref.EnabledChannels()
	if len(channels) == 0 {
		return d.finish(ctx, rec, models.AlertStatusSkipped, models.SkipReasonNoChannels, start)
	}
	return d.deliver(ctx, rec, channels, start)
}

// GetAlertHistory - журнал пользователя, новые первыми
func (d *Dispatcher) GetAlertHistory(ctx context.Context, userID string, filter models.AlertHistoryFilter) ([]*models.AlertRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidEvent)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	if filter.Symbol != "" {
		filter.Symbol = utils.NormalizeSymbol(filter.Symbol)
	}
	return d.records.ListRecords(ctx, userID, filter)
}

// GetRecord - запись по id
func (d *Dispatcher) GetRecord(ctx context.Context, id string) (*models.AlertRecord, error) {
	return d.records.GetRecord(ctx, id)
}

// Registry - зарегистрированные каналы
func (d *Dispatcher) Registry() *Registry {
	return d.senders
}

// WaitRetries ждёт завершения фоновых повторов
func (d *Dispatcher) WaitRetries() {
	d.retryWG.Wait()
}

// Close отменяет незавершённые повторы и ждёт их выхода
func (d *Dispatcher) Close() {
	d.cancelRetry()
	d.retryWG.Wait()
}

// ============================================================
// Внутренние шаги
// ============================================================

func (d *Dispatcher) normalize(event *models.AlertEvent) (*models.AlertEvent, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}
	ev := *event
	if err := utils.ValidateStruct(&ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Priority == "" {
		ev.Priority = models.PriorityNormal
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = d.now()
	}
	if ev.Symbol != "" {
		ev.Symbol = utils.NormalizeSymbol(ev.Symbol)
	}
	return &ev, nil
}

// preference возвращает настройки пользователя (или по умолчанию) и его зону
func (d *Dispatcher) preference(ctx context.Context, userID string) (*models.AlertPreference, *time.Location, error) {
	pref, err := d.prefs.GetPreference(ctx, userID)
	if errors.Is(err, ErrPreferenceNotFound) {
		pref = models.DefaultAlertPreference(userID)
	} else if err != nil {
		return nil, nil, fmt.Errorf("load preference: %w", err)
	}
	loc, err := utils.LoadLocation(pref.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return pref, loc, nil
}

// releaseClaim освобождает ключ дедупликации, если запись так и не сохранилась.
// Иначе повтор того же события в окне упрётся в несуществующую запись.
func (d *Dispatcher) releaseClaim(ctx context.Context, rec *models.AlertRecord) {
	ctx = context.WithoutCancel(ctx)
	if _, err := d.records.GetRecord(ctx, rec.ID); !errors.Is(err, ErrRecordNotFound) {
		return
	}
	if err := d.dedupe.Release(ctx, rec.UserID, rec.Event.DedupeKey, rec.ID); err != nil {
		d.log.Warn("dedupe release failed",
			utils.AlertID(rec.ID),
			utils.UserID(rec.UserID),
			utils.Err(err))
	}
}

// existingRecord ждёт запись первого вызова, если она ещё не сохранена
func (d *Dispatcher) existingRecord(ctx context.Context, id string) (*models.AlertRecord, error) {
	for i := 0; i < 50; i++ {
		rec, err := d.records.GetRecord(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w: record %s not available", ErrDuplicateAlert, id)
}

func (d *Dispatcher) finish(ctx context.Context, rec *models.AlertRecord, status, reason string, start time.Time) (*models.AlertRecord, error) {
	rec.Status = status
	rec.SkipReason = reason
	rec.UpdatedAt = d.now()
	if err := d.saveRecord(ctx, rec); err != nil {
		return nil, err
	}
	observeDispatch(rec, start)
	d.log.Debug("alert not delivered",
		utils.AlertID(rec.ID),
		utils.UserID(rec.UserID),
		utils.Status(status),
		utils.String("reason", reason))
	return rec.Clone(), nil
}

func (d *Dispatcher) bufferEvent(ctx context.Context, rec *models.AlertRecord, reason string, start time.Time) (*models.AlertRecord, error) {
	err := d.digest.Add(ctx, rec.UserID, BufferedEvent{
		Event:      rec.Event,
		RecordID:   rec.ID,
		Reason:     reason,
		BufferedAt: rec.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("buffer event: %w", err)
	}
	return d.finish(ctx, rec, models.AlertStatusBuffered, reason, start)
}

// deliverEvent доставляет событие во все включённые каналы без фильтров (сводки)
func (d *Dispatcher) deliverEvent(ctx context.Context, event *models.AlertEvent, pref *models.AlertPreference) (*models.AlertRecord, error) {
	start := time.Now()
	ev, err := d.normalize(event)
	if err != nil {
		return nil, err
	}
	now := d.now()
	rec := &models.AlertRecord{
		ID:        uuid.NewString(),
		UserID:    ev.UserID,
		Event:     *ev,
		Status:    models.AlertStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	channels := pref.EnabledChannels()
	if len(channels) == 0 {
		return d.finish(ctx, rec, models.AlertStatusSkipped, models.SkipReasonNoChannels, start)
	}
	return d.deliver(ctx, rec, channels, start)
}

func (d *Dispatcher) deliver(ctx context.Context, rec *models.AlertRecord, channels []models.ChannelEndpoint, start time.Time) (*models.AlertRecord, error) {
	// pending запись видна дубликатам, пока идёт первая попытка
	if err := d.saveRecord(ctx, rec); err != nil {
		return nil, err
	}

	msg := NewMessage(rec.ID, &rec.Event)
	results := d.fanOut(ctx, msg, channels)

	rec.Deliveries = results
	rec.Status = models.AggregateStatus(results)
	rec.UpdatedAt = d.now()
	if err := d.saveRecord(ctx, rec); err != nil {
		return nil, err
	}

	d.scheduleRetries(rec.ID, msg, channels, results)
	observeDispatch(rec, start)

	d.log.Info("alert dispatched",
		utils.AlertID(rec.ID),
		utils.UserID(rec.UserID),
		utils.String("type", rec.Event.Type),
		utils.Status(rec.Status),
		utils.Int("channels", len(channels)),
		utils.Latency(float64(time.Since(start).Microseconds())/1000),
	)
	return rec.Clone(), nil
}

// fanOut - по попытке на канал, параллельно с ограничением
func (d *Dispatcher) fanOut(ctx context.Context, msg *Message, channels []models.ChannelEndpoint) []models.DeliveryResult {
	results := make([]models.DeliveryResult, len(channels))
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = d.attempt(ctx, msg, ch, 1)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) attempt(ctx context.Context, msg *Message, ch models.ChannelEndpoint, n int) models.DeliveryResult {
	start := time.Now()
	id, err := d.send(ctx, msg, ch)
	ChannelLatency.WithLabelValues(ch.Channel).Observe(float64(time.Since(start).Microseconds()) / 1000)

	res := models.DeliveryResult{
		Channel:   ch.Channel,
		Attempts:  n,
		Timestamp: d.now(),
	}
	if err != nil {
		res.Error = errorMessage(err)
		res.Permanent = IsPermanent(err)
		ChannelDeliveries.WithLabelValues(ch.Channel, deliveryOutcome(res)).Inc()
		d.log.Warn("channel delivery failed",
			utils.AlertID(msg.RecordID),
			utils.Channel(ch.Channel),
			utils.Attempt(n),
			utils.Bool("permanent", res.Permanent),
			utils.Err(err))
		return res
	}
	res.Success = true
	res.MessageID = id
	ChannelDeliveries.WithLabelValues(ch.Channel, deliveryOutcome(res)).Inc()
	return res
}

// send вызывает канал с таймаутом; канал, игнорирующий контекст, не задерживает диспетчер
func (d *Dispatcher) send(ctx context.Context, msg *Message, ch models.ChannelEndpoint) (string, error) {
	sender, err := d.senders.Get(ch.Channel)
	if err != nil {
		return "", err
	}

	sctx, cancel := context.WithTimeout(ctx, d.cfg.ChannelTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := sender.Send(sctx, ch.Destination, msg)
		done <- result{id, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !IsPermanent(r.err) && !errors.Is(r.err, ErrChannelUnavailable) {
			// неклассифицированные ошибки считаем временными
			return "", fmt.Errorf("%w: %v", ErrChannelUnavailable, r.err)
		}
		return r.id, r.err
	case <-sctx.Done():
		return "", fmt.Errorf("%w: %w", ErrChannelUnavailable, sctx.Err())
	}
}

// scheduleRetries запускает фоновые повторы для временных сбоев
func (d *Dispatcher) scheduleRetries(recordID string, msg *Message, channels []models.ChannelEndpoint, results []models.DeliveryResult) {
	for i, r := range results {
		if r.Success || r.Permanent {
			continue
		}
		ch := channels[i]
		d.retryWG.Add(1)
		go func() {
			defer d.retryWG.Done()
			d.retryChannel(recordID, msg, ch)
		}()
	}
}

func (d *Dispatcher) retryChannel(recordID string, msg *Message, ch models.ChannelEndpoint) {
	attempts := 1
	err := retry.Do(d.retryCtx, func() error {
		attempts++
		res := d.attempt(d.retryCtx, msg, ch, attempts)
		d.applyResult(recordID, res)
		if res.Success {
			return nil
		}
		if res.Permanent {
			return retry.Permanent(errors.New(res.Error))
		}
		return errors.New(res.Error)
	}, d.cfg.Retry)

	result := "success"
	if err != nil {
		result = "exhausted"
		if errors.Is(err, context.Canceled) {
			result = "canceled"
		}
	}
	RetriesTotal.WithLabelValues(ch.Channel, result).Inc()
	d.log.Debug("channel retries finished",
		utils.AlertID(recordID),
		utils.Channel(ch.Channel),
		utils.Attempt(attempts),
		utils.String("result", result))
}

// applyResult заменяет результат канала в записи и пересчитывает статус
func (d *Dispatcher) applyResult(recordID string, res models.DeliveryResult) {
	err := d.updateRecord(d.retryCtx, recordID, func(rec *models.AlertRecord) {
		for i := range rec.Deliveries {
			if rec.Deliveries[i].Channel == res.Channel {
				rec.Deliveries[i] = res
			}
		}
		rec.Status = models.AggregateStatus(rec.Deliveries)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("update alert record failed", utils.AlertID(recordID), utils.Err(err))
	}
}

// markDropped - буфер сводки отброшен после выключения режима сводки
func (d *Dispatcher) markDropped(ctx context.Context, recordID string) {
	err := d.updateRecord(ctx, recordID, func(rec *models.AlertRecord) {
		rec.Status = models.AlertStatusSkipped
		rec.SkipReason = models.SkipReasonDigestOff
	})
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		d.log.Warn("mark dropped digest record failed", utils.AlertID(recordID), utils.Err(err))
	}
}

func (d *Dispatcher) updateRecord(ctx context.Context, id string, fn func(rec *models.AlertRecord)) error {
	mu := d.recordLock(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := d.records.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	fn(rec)
	rec.UpdatedAt = d.now()
	return d.records.SaveRecord(ctx, rec)
}

func (d *Dispatcher) recordLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &d.recordLocks[h.Sum32()%recordLockStripes]
}

func (d *Dispatcher) saveRecord(ctx context.Context, rec *models.AlertRecord) error {
	if err := d.records.SaveRecord(ctx, rec); err != nil {
		return fmt.Errorf("save alert record: %w", err)
	}
	d.touched.Store(rec.UserID, struct{}{})
	return nil
}

// pruneHistory оставляет HistoryKeep последних записей у пользователей,
// получивших новые записи с прошлого вызова
func (d *Dispatcher) pruneHistory(ctx context.Context) {
	if d.cfg.HistoryKeep <= 0 {
		return
	}
	d.touched.Range(func(key, _ any) bool {
		userID := key.(string)
		d.touched.Delete(userID)
		n, err := d.records.KeepRecent(ctx, userID, d.cfg.HistoryKeep)
		if err != nil {
			d.log.Warn("prune alert history failed", utils.UserID(userID), utils.Err(err))
			return ctx.Err() == nil
		}
		if n > 0 {
			d.log.Debug("alert history pruned", utils.UserID(userID), utils.Int64("deleted", n))
		}
		return true
	})
}
