package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation базовая ошибка для некорректных событий. Не ретраится.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateEvent возвращается при повторной доставке события по уже завершённой транзакции.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrUnknownRate возвращается, если для продукта не найдено правило комиссии.
	ErrUnknownRate = errors.New("unknown rate")
	// ErrConflictingEntitlement возвращается при конфликте тарифов.
	ErrConflictingEntitlement = errors.New("conflicting entitlement")
	// ErrDependencyUnavailable возвращается при недоступности внешнего справочника.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrIntegrityViolation возвращается при нарушении связности данных, например отсутствии кошелька.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrNotFound возвращается, если сущность не найдена.
	ErrNotFound = errors.New("not found")
)

// ValidationError описывает некорректное поле входящего события.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Is позволяет сравнивать ошибку с ErrValidation через errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError создаёт ошибку валидации поля.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Flag фиксирует поглощённую ошибку для последующей сверки.
type Flag string

const (
	FlagUnknownRate            Flag = "UNKNOWN_RATE"
	FlagConflictingEntitlement Flag = "CONFLICTING_ENTITLEMENT"
	FlagDependencyUnavailable  Flag = "DEPENDENCY_UNAVAILABLE"
	FlagIntegrityViolation     Flag = "INTEGRITY_VIOLATION"
)

// FlagEntry описывает флаг с пояснением, сохраняемый по транзакции.
type FlagEntry struct {
	Flag   Flag   `json:"flag"`
	Detail string `json:"detail,omitempty"`
}

// FlagFor возвращает флаг, соответствующий поглощаемой ошибке.
func FlagFor(err error) (Flag, bool) {
	switch {
	case errors.Is(err, ErrUnknownRate):
		return FlagUnknownRate, true
	case errors.Is(err, ErrConflictingEntitlement):
		return FlagConflictingEntitlement, true
	case errors.Is(err, ErrDependencyUnavailable):
		return FlagDependencyUnavailable, true
	case errors.Is(err, ErrIntegrityViolation):
		return FlagIntegrityViolation, true
	}
	return "", false
}
