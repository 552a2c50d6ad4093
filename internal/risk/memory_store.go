package risk

import (
	"context"
	"sort"
	"sync"

	"tradeguard/internal/models"
)

// MemoryStore - AccountStore в памяти
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*models.Account
	positions map[string]*models.Position
	events    map[string][]*models.AccountEvent
}

// NewMemoryStore создаёт пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*models.Account),
		positions: make(map[string]*models.Position),
		events:    make(map[string][]*models.AccountEvent),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

func (s *MemoryStore) ListAccountIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acc *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return ErrAccountExists
	}
	s.accounts[acc.ID] = acc.Clone()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	c := *pos
	return &c, nil
}

func (s *MemoryStore) GetPositionByDecision(_ context.Context, decisionID string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pos := s.byDecisionLocked(decisionID); pos != nil {
		c := *pos
		return &c, nil
	}
	return nil, ErrPositionNotFound
}

func (s *MemoryStore) byDecisionLocked(decisionID string) *models.Position {
	if decisionID == "" {
		return nil
	}
	for _, pos := range s.positions {
		if pos.DecisionID == decisionID {
			return pos
		}
	}
	return nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, accountID string) ([]*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Position
	for _, pos := range s.positions {
		if pos.AccountID == accountID && pos.IsOpen() {
			c := *pos
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) ListOpenSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, pos := range s.positions {
		if pos.IsOpen() {
			seen[pos.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ApplyChange(_ context.Context, change *AccountChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accounts[change.Account.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if cur.Version != change.ExpectedVersion {
		return ErrVersionConflict
	}
	if change.Closed != nil {
		if _, ok := s.positions[change.Closed.ID]; !ok {
			return ErrPositionNotFound
		}
	}
	if change.Opened != nil && s.byDecisionLocked(change.Opened.DecisionID) != nil {
		return ErrDuplicatePosition
	}

	s.accounts[change.Account.ID] = change.Account.Clone()
	if change.Opened != nil {
		c := *change.Opened
		s.positions[c.ID] = &c
	}
	if change.Closed != nil {
		c := *change.Closed
		s.positions[c.ID] = &c
	}
	for _, ev := range change.Events {
		c := *ev
		s.events[ev.AccountID] = append(s.events[ev.AccountID], &c)
	}
	return nil
}

// ListEvents возвращает события от новых к старым
func (s *MemoryStore) ListEvents(_ context.Context, accountID string, limit int) ([]*models.AccountEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[accountID]
	out := make([]*models.AccountEvent, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		c := *all[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
