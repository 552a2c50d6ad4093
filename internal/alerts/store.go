package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/models"
)

// Deduper - захват ключа дедупликации на окно.
// claimed=false означает, что ключ уже занят записью existingID.
// Release снимает захват, только если ключ всё ещё принадлежит recordID.
type Deduper interface {
	Claim(ctx context.Context, userID, key, recordID string, window time.Duration, now time.Time) (existingID string, claimed bool, err error)
	Release(ctx context.Context, userID, key, recordID string) error
}

// RecordStore - журнал AlertRecord
type RecordStore interface {
	SaveRecord(ctx context.Context, rec *models.AlertRecord) error
	GetRecord(ctx context.Context, id string) (*models.AlertRecord, error)
	ListRecords(ctx context.Context, userID string, filter models.AlertHistoryFilter) ([]*models.AlertRecord, error)
	KeepRecent(ctx context.Context, userID string, keep int) (int64, error)
}

// PreferenceStore - хранилище настроек уведомлений.
// SavePreference проверяет Version (0 = новая запись) и увеличивает её.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID string) (*models.AlertPreference, error)
	SavePreference(ctx context.Context, pref *models.AlertPreference) error
}

// ============================================================
// In-memory дедупликация
// ============================================================

type dedupeEntry struct {
	recordID string
	expires  time.Time
}

// MemoryDeduper - map ключей с временем истечения
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]dedupeEntry
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{entries: make(map[string]dedupeEntry)}
}

func (d *MemoryDeduper) Claim(_ context.Context, userID, key, recordID string, window time.Duration, now time.Time) (string, bool, error) {
	k := userID + "\x00" + key

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[k]; ok && now.Before(e.expires) {
		return e.recordID, false, nil
	}
	d.entries[k] = dedupeEntry{recordID: recordID, expires: now.Add(window)}

	if len(d.entries) > 1024 {
		for key, e := range d.entries {
			if !now.Before(e.expires) {
				delete(d.entries, key)
			}
		}
	}
	return "", true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, userID, key, recordID string) error {
	k := userID + "\x00" + key

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[k]; ok && e.recordID == recordID {
		delete(d.entries, k)
	}
	return nil
}

// ============================================================
// In-memory журнал
// ============================================================

// MemoryRecordStore хранит записи в памяти, новые в конце списка пользователя
type MemoryRecordStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.AlertRecord
	byUser map[string][]string
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		byID:   make(map[string]*models.AlertRecord),
		byUser: make(map[string][]string),
	}
}

func (s *MemoryRecordStore) SaveRecord(_ context.Context, rec *models.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; !ok {
		s.byUser[rec.UserID] = append(s.byUser[rec.UserID], rec.ID)
	}
	s.byID[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryRecordStore) GetRecord(_ context.Context, id string) (*models.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// ListRecords - новые первыми
func (s *MemoryRecordStore) ListRecords(_ context.Context, userID string, filter models.AlertHistoryFilter) ([]*models.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	out := make([]*models.AlertRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		rec := s.byID[ids[i]]
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// KeepRecent оставляет keep последних записей пользователя
func (s *MemoryRecordStore) KeepRecent(_ context.Context, userID string, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byUser[userID]
	if keep < 0 || len(ids) <= keep {
		return 0, nil
	}
	drop := ids[:len(ids)-keep]
	for _, id := range drop {
		delete(s.byID, id)
	}
	s.byUser[userID] = append([]string(nil), ids[len(ids)-keep:]...)
	return int64(len(drop)), nil
}

// ============================================================
// In-memory настройки
// ============================================================

type MemoryPreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]*models.AlertPreference
	now   func() time.Time
}

func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{prefs: make(map[string]*models.AlertPreference), now: time.Now}
}

func (s *MemoryPreferenceStore) GetPreference(_ context.Context, userID string) (*models.AlertPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return nil, ErrPreferenceNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryPreferenceStore) SavePreference(_ context.Context, pref *models.AlertPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.prefs[pref.UserID]
	switch {
	case !ok && pref.Version != 0:
		return ErrPreferenceConflict
	case ok && current.Version != pref.Version:
		return ErrPreferenceConflict
	}
	pref.Version++
	pref.UpdatedAt = s.now().UTC()
	s.prefs[pref.UserID] = pref.Clone()
	return nil
}
