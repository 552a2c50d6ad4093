package risk

import (
	"context"
	"sync"
	"time"

	"tradeguard/pkg/utils"
)

// ResetMonitor - воркер периодического сброса дневных/недельных лимитов
type ResetMonitor struct {
	engine   *Engine
	interval time.Duration
	log      *utils.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewResetMonitor создаёт монитор; interval <= 0 означает раз в минуту
func NewResetMonitor(engine *Engine, interval time.Duration) *ResetMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ResetMonitor{
		engine:   engine,
		interval: interval,
		log:      engine.baseLog.WithComponent("reset_monitor"),
		stopCh:   make(chan struct{}),
	}
}

// Start запускает мониторинг
func (m *ResetMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.engine.SweepResets(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("reset sweep failed", utils.Err(err))
			}
		}
	}
}

// Stop останавливает мониторинг
func (m *ResetMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
