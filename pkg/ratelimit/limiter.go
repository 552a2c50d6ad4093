package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - Token Bucket rate limiter для исходящих запросов
//
// Алгоритм Token Bucket:
// - Ведро наполняется токенами с постоянной скоростью (rate токенов/сек)
// - Максимальная ёмкость ведра = burst (позволяет короткие всплески)
// - Каждый запрос потребляет 1 токен
// - Если токенов нет, запрос ждёт или отклоняется
//
// Используется webhook-каналом, чтобы всплеск алертов не упирался
// в лимиты принимающей стороны.
//
// Использование:
//
//	limiter := NewRateLimiter(5, 10) // 5 req/sec, burst 10
//	err := limiter.Wait(ctx)         // блокирующее ожидание
//	if limiter.Allow() { ... }       // неблокирующая проверка
type RateLimiter struct {
	rate       float64   // токенов в секунду
	burst      float64   // максимальная ёмкость (burst capacity)
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	mu         sync.Mutex
}

// NewRateLimiter создаёт новый rate limiter
//
// Параметры:
//   - rate: количество запросов в секунду (например, 10 для 10 req/sec)
//   - burst: максимальный burst (обычно 1.5-2x от rate)
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10 // дефолт 10 req/sec
	}
	if burst <= 0 {
		burst = rate * 2 // дефолт burst = 2x rate
	}
	if burst < rate {
		burst = rate
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // начинаем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены на основе прошедшего времени
// ВАЖНО: вызывается под lock'ом
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()

	// Добавляем токены пропорционально прошедшему времени
	rl.tokens += elapsed * rl.rate

	// Не превышаем burst capacity
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}

	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
//
// Возвращает:
//   - nil: токен получен, можно выполнять запрос
//   - ctx.Err(): контекст отменён (timeout или cancel)
//
// Пример:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := limiter.Wait(ctx); err != nil {
//	    return err // timeout
//	}
//	// выполняем запрос
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		// Вычисляем время ожидания до следующего токена
		waitTime := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		// Ждём с возможностью отмены
		timer := time.NewTimer(waitTime)
		select {
		case <-timer.C:
			// Повторяем попытку получить токен
			continue
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow проверяет доступность токена без блокировки
//
// Возвращает:
//   - true: токен получен, можно выполнять запрос
//   - false: нет токенов, запрос нужно отложить
//
// Пример:
//
//	if limiter.Allow() {
//	    // выполняем запрос
//	} else {
//	    // отклоняем или откладываем
//	}
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	return false
}

// Tokens возвращает текущее количество доступных токенов
// Полезно для мониторинга и отладки
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// Rate возвращает скорость пополнения токенов (токенов/сек)
func (rl *RateLimiter) Rate() float64 {
	return rl.rate
}

// Burst возвращает максимальную ёмкость (burst capacity)
func (rl *RateLimiter) Burst() float64 {
	return rl.burst
}

// ============================================================
// KeyedLimiter - отдельное ведро на ключ
// ============================================================

// KeyedLimiter выдаёт отдельный RateLimiter на каждый ключ
// (хост webhook, пользователь). Ведро создаётся лениво при первом обращении.
type KeyedLimiter struct {
	rate     float64
	burst    float64
	limiters map[string]*RateLimiter
	mu       sync.Mutex
}

// NewKeyedLimiter создаёт KeyedLimiter с общими параметрами ведра
func NewKeyedLimiter(rate, burst float64) *KeyedLimiter {
	return &KeyedLimiter{
		rate:     rate,
		burst:    burst,
		limiters: make(map[string]*RateLimiter),
	}
}

// Get возвращает limiter для ключа, создавая его при необходимости
func (kl *KeyedLimiter) Get(key string) *RateLimiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	l, ok := kl.limiters[key]
	if !ok {
		l = NewRateLimiter(kl.rate, kl.burst)
		kl.limiters[key] = l
	}
	return l
}

// Wait ожидает токен для ключа
func (kl *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return kl.Get(key).Wait(ctx)
}

// Allow проверяет доступность токена для ключа без блокировки
func (kl *KeyedLimiter) Allow(key string) bool {
	return kl.Get(key).Allow()
}

// Len возвращает количество ключей
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}
