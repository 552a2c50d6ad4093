package risk

import (
	"context"

	"tradeguard/internal/models"
)

// AccountStore - хранилище счетов, журнала позиций и аудита.
// Реализации: MemoryStore (тесты, локальный запуск) и repository.AccountRepository (PostgreSQL).
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
	// CreateAccount возвращает ErrAccountExists, если счёт уже есть
	CreateAccount(ctx context.Context, acc *models.Account) error

	GetPosition(ctx context.Context, id string) (*models.Position, error)
	// GetPositionByDecision ищет позицию (открытую или закрытую), открытую по решению
	GetPositionByDecision(ctx context.Context, decisionID string) (*models.Position, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]*models.Position, error)
	ListOpenSymbols(ctx context.Context) ([]string, error)

	// ApplyChange атомарно сохраняет новое состояние счёта вместе с
	// открытой/закрытой позицией и событиями аудита.
	// Если версия в хранилище != ExpectedVersion, возвращает ErrVersionConflict.
	// Вторая позиция по тому же решению - ErrDuplicatePosition.
	ApplyChange(ctx context.Context, change *AccountChange) error

	ListEvents(ctx context.Context, accountID string, limit int) ([]*models.AccountEvent, error)
}

// AccountChange - единица записи трекера
type AccountChange struct {
	Account         *models.Account // Version уже увеличена
	ExpectedVersion int64
	Opened          *models.Position
	Closed          *models.Position
	Events          []*models.AccountEvent
}
