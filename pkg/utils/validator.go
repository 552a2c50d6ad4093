package utils

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// validator.go - валидация входных данных
//
// Обёртка над go-playground/validator с доменными тегами:
//   - symbol: тикер инструмента (AAPL, BRK.B, BTC-USD)
//   - clock: время суток "HH:MM"
//   - timezone: имя зоны IANA
//
// Имена полей в ошибках берутся из json-тегов.

var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-/]{0,19}$`)

// FieldError - ошибка одного поля
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationErrors - набор ошибок валидации
type ValidationErrors []FieldError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fe.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Validator - потокобезопасный валидатор структур
type Validator struct {
	validate *validator.Validate
}

var (
	defaultValidator *Validator
	validatorOnce    sync.Once
)

// NewValidator создаёт валидатор с зарегистрированными доменными тегами
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		return ValidateSymbol(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := ParseClock(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("timezone", func(fl validator.FieldLevel) bool {
		_, err := LoadLocation(fl.Field().String())
		return err == nil
	})

	return &Validator{validate: v}
}

// DefaultValidator возвращает общий экземпляр (validator кэширует метаданные структур)
func DefaultValidator() *Validator {
	validatorOnce.Do(func() {
		defaultValidator = NewValidator()
	})
	return defaultValidator
}

// Struct проверяет структуру по тегам validate.
// Возвращает ValidationErrors или nil.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return out
}

// ValidateStruct - короткий вызов через DefaultValidator
func ValidateStruct(s interface{}) error {
	return DefaultValidator().Struct(s)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "symbol":
		return fmt.Sprintf("%s must be a valid symbol", fe.Field())
	case "clock":
		return fmt.Sprintf("%s must be in HH:MM format", fe.Field())
	case "timezone":
		return fmt.Sprintf("%s must be a valid IANA timezone", fe.Field())
	default:
		return fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag())
	}
}

// ============================================================
// Отдельные проверки
// ============================================================

// NormalizeSymbol приводит тикер к верхнему регистру без пробелов
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol проверяет формат тикера (после нормализации)
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol is empty")
	}
	if !symbolRegex.MatchString(symbol) {
		return fmt.Errorf("invalid symbol %q", symbol)
	}
	return nil
}

// ValidatePercentage проверяет, что значение в диапазоне [min, max]
func ValidatePercentage(value, min, max float64) error {
	if value < min || value > max {
		return fmt.Errorf("percentage %.4g out of range [%.4g, %.4g]", value, min, max)
	}
	return nil
}
