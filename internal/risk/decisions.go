package risk

import (
	"sync"
	"time"

	"tradeguard/internal/models"
)

// decisionCache хранит выданные решения для commit по ID.
// Решения неизменяемы, поэтому отдаются по указателю.
type decisionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*decisionEntry
}

type decisionEntry struct {
	decision  *models.RiskDecision
	committed bool
	expires   time.Time
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	return &decisionCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*decisionEntry),
	}
}

func (c *decisionCache) put(d *models.RiskDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)
	if e, ok := c.entries[d.ID]; ok {
		e.expires = now.Add(c.ttl)
		return
	}
	c.entries[d.ID] = &decisionEntry{decision: d, expires: now.Add(c.ttl)}
}

func (c *decisionCache) get(id string) (*models.RiskDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.decision, true
}

func (c *decisionCache) isCommitted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	return ok && e.committed
}

// markCommitted запоминает решение как исполненное.
// Запись живёт TTL, повторный commit в этот период отклоняется.
func (c *decisionCache) markCommitted(d *models.RiskDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[d.ID]
	if !ok {
		e = &decisionEntry{decision: d}
		c.entries[d.ID] = e
	}
	e.committed = true
	e.expires = now.Add(c.ttl)
}

func (c *decisionCache) pruneLocked(now time.Time) {
	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
		}
	}
}
