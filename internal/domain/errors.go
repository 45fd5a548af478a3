package domain

import (
	"errors"
	"fmt"
)

// Классы ошибок сервиса. Конкретные ошибки оборачивают их через fmt.Errorf("%w: ...").
var (
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrIntegrity     = errors.New("integrity violation")
	ErrBackend       = errors.New("backend failure")
	ErrTimeout       = errors.New("timeout")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrUnsupported   = errors.New("unsupported")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrQueueClosed   = errors.New("admission queue closed")
	ErrBadCredential = fmt.Errorf("%w: bad credential", ErrBackend)
	ErrExpired       = fmt.Errorf("%w: asset expired", ErrNotFound)
)

// FieldError: ошибка валидации конкретного поля.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrValidation
}

// Validationf создаёт ошибку валидации с форматированным сообщением.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ItemError: ошибка одного элемента пакетной операции.
type ItemError struct {
	UUID       string `json:"uuid,omitempty"`
	UniqueName string `json:"unique_name,omitempty"`
	Path       string `json:"path,omitempty"`
	Error      string `json:"error"`

	Err error `json:"-"`
}

// NewItemError заполняет ItemError по исходной ошибке.
func NewItemError(uuid, uniqueName string, err error) ItemError {
	return ItemError{UUID: uuid, UniqueName: uniqueName, Error: err.Error(), Err: err}
}
