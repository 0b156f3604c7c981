package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Коды завершения field-integratorctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // операция отклонена сервисом (не найдено, недопустимое состояние, ...)
	ExitCommandError = 2 // ошибка запуска: аргументы, конфигурация, база недоступна
)

// ExitError — ошибка с кодом завершения процесса.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError оборачивает ошибку кодом завершения.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode возвращает код завершения для ошибки (ExitFailure по умолчанию).
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response — ответ команды в формате json.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// printer выводит результат команды в text или json.
type printer struct {
	format string
	w      io.Writer
}

// result печатает data в json или строки text в текстовом формате.
func (p printer) result(data any, text ...string) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(Response{Status: "ok", Data: data})
	}
	for _, line := range text {
		if _, err := fmt.Fprintln(p.w, line); err != nil {
			return err
		}
	}
	return nil
}
