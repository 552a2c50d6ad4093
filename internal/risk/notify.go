package risk

import (
	"context"
	"fmt"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// notify.go - риск-алерты владельцу счёта
//
// Алерты отправляются в фоне после снятия блокировки счёта,
// вызывающий не ждёт доставки.

func (e *Engine) emit(acc *models.Account, ev *models.AlertEvent) {
	if e.alerts == nil || acc == nil || acc.OwnerUserID == "" {
		return
	}
	ev.UserID = acc.OwnerUserID
	ev.CreatedAt = e.now()
	if ev.Payload == nil {
		ev.Payload = map[string]interface{}{}
	}
	ev.Payload["account_id"] = acc.ID

	e.alertWG.Add(1)
	go func() {
		defer e.alertWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.alertTimeout)
		defer cancel()

		if _, err := e.alerts.Dispatch(ctx, ev); err != nil {
			e.log.Warn("risk alert dispatch failed",
				utils.AccountID(acc.ID),
				utils.String("alert_type", ev.Type),
				utils.Err(err))
		}
	}()
}

// notifyAccountEvents - LOCK алерт на каждую смену блокировки
func (e *Engine) notifyAccountEvents(acc *models.Account, events []*models.AccountEvent) {
	for _, ev := range events {
		priority := models.PriorityCritical
		title := fmt.Sprintf("Account %s locked", acc.ID)
		if ev.Type == models.AccountEventUnlocked {
			priority = models.PriorityNormal
			title = fmt.Sprintf("Account %s unlocked", acc.ID)
		}
		e.emit(acc, &models.AlertEvent{
			Type:      models.AlertTypeLock,
			Priority:  priority,
			Title:     title,
			Message:   ev.Message,
			DedupeKey: "lock:" + ev.ID,
			Payload: map[string]interface{}{
				"event_type":  ev.Type,
				"reason":      ev.Reason,
				"daily_loss":  ev.DailyLoss,
				"weekly_loss": ev.WeeklyLoss,
			},
		})
	}
}

// notifyPositionOpened - TRADE_APPROVED и RISK_LIMIT, если heat подошёл к лимиту
func (e *Engine) notifyPositionOpened(acc *models.Account, d *models.RiskDecision, pos *models.Position) {
	e.emit(acc, &models.AlertEvent{
		Type:      models.AlertTypeTradeApproved,
		Priority:  models.PriorityNormal,
		Symbol:    pos.Symbol,
		Title:     fmt.Sprintf("%s %s approved", pos.Symbol, pos.Direction),
		Message:   d.Recommendation,
		DedupeKey: "trade:" + d.ID,
		Payload: map[string]interface{}{
			"decision_id": d.ID,
			"position_id": pos.ID,
			"units":       pos.Units,
			"risk_pct":    pos.RiskPct,
			"risk_score":  d.RiskScore,
		},
	})

	nearLimit := acc.Risk.NearLimitRatio * acc.Risk.HeatLimitPct
	if acc.HeatPct >= nearLimit {
		e.emit(acc, &models.AlertEvent{
			Type:     models.AlertTypeRiskLimit,
			Priority: models.PriorityHigh,
			Symbol:   pos.Symbol,
			Title:    "Portfolio heat near limit",
			Message: fmt.Sprintf("heat %.2f%% of %.2f%% limit after opening %s",
				acc.HeatPct, acc.Risk.HeatLimitPct, pos.Symbol),
			Payload: map[string]interface{}{
				"heat_pct":       acc.HeatPct,
				"heat_limit_pct": acc.Risk.HeatLimitPct,
			},
		})
	}
}

// notifyRejected - TRADE_REJECTED, HIGH при отказе по лимиту
func (e *Engine) notifyRejected(acc *models.Account, d *models.RiskDecision) {
	priority := models.PriorityNormal
	if d.LimitKind != "" {
		priority = models.PriorityHigh
	}
	e.emit(acc, &models.AlertEvent{
		Type:      models.AlertTypeTradeRejected,
		Priority:  priority,
		Symbol:    d.Request.Symbol,
		Title:     fmt.Sprintf("%s rejected", d.Request.Symbol),
		Message:   d.Recommendation,
		DedupeKey: "trade:" + d.ID,
		Payload: map[string]interface{}{
			"decision_id": d.ID,
			"limit_kind":  d.LimitKind,
			"risk_score":  d.RiskScore,
		},
	})
}

// accountChanged - LOCK алерты и снимок для наблюдателя.
// changed=false: наблюдатель узнаёт только о переходах блокировки.
func (e *Engine) accountChanged(ctx context.Context, acc *models.Account, events []*models.AccountEvent, changed bool) {
	e.notifyAccountEvents(acc, events)
	if e.observer == nil || (!changed && len(events) == 0) {
		return
	}
	open, err := e.store.ListOpenPositions(ctx, acc.ID)
	if err != nil {
		e.log.Warn("list open positions for observer failed", utils.AccountID(acc.ID), utils.Err(err))
	}
	e.observer.AccountUpdated(e.metricsOf(acc, len(open)), acc.Clone(), events)
}
