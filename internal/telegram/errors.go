package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Error коды для различных типов ошибок
const (
	ErrInvalidInput     = "INVALID_INPUT"
	ErrDatabaseError    = "DATABASE_ERROR"
	ErrPermissionDenied = "PERMISSION_DENIED"
	ErrUserNotFound     = "USER_NOT_FOUND"
	ErrDocumentError    = "DOCUMENT_ERROR"
	ErrDiagnosisError   = "DIAGNOSIS_ERROR"
	ErrBrokerError      = "BROKER_ERROR"
)

// BotError представляет ошибку бота с кодом и сообщением для пользователя
type BotError struct {
	Code        string
	Message     string
	UserMessage string
	Details     string
}

func (e *BotError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
}

// NewBotError создает новую ошибку бота
func NewBotError(code, message, userMessage, details string) *BotError {
	return &BotError{
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Details:     details,
	}
}

// handleError обрабатывает ошибки и отправляет соответствующие сообщения пользователю
func (s *Service) handleError(ctx context.Context, chatID int64, err error) {
	slog.Error("Bot error occurred", "chat_id", chatID, "error", err)

	var botErr *BotError
	if !errors.As(err, &botErr) {
		botErr = &BotError{
			Code:        "UNKNOWN_ERROR",
			Message:     "Unknown error occurred",
			UserMessage: "Произошла внутренняя ошибка. Попробуйте позже.",
			Details:     err.Error(),
		}
	}

	s.sendErrorReport(ctx, botErr)
	s.reply(chatID, "❌ "+botErr.UserMessage)
}

// sendErrorReport отправляет отчет об ошибке супер-админу
func (s *Service) sendErrorReport(ctx context.Context, botErr *BotError) {
	if s.notifier == nil {
		return
	}

	report := fmt.Sprintf(`🚨 Ошибка в боте:

Код: %s
Сообщение: %s
Детали: %s

Пользователю показано: %s`,
		botErr.Code,
		botErr.Message,
		botErr.Details,
		botErr.UserMessage,
	)
	s.notifier.NotifyAdmin(ctx, report)
}

// Вспомогательные функции для создания типичных ошибок

func ErrInvalidInputf(details string, args ...any) *BotError {
	return NewBotError(
		ErrInvalidInput,
		"Invalid input provided",
		"Неверный формат данных. Проверьте правильность ввода.",
		fmt.Sprintf(details, args...),
	)
}

func ErrDatabasef(details string, args ...any) *BotError {
	return NewBotError(
		ErrDatabaseError,
		"Database operation failed",
		"Ошибка базы данных. Попробуйте позже.",
		fmt.Sprintf(details, args...),
	)
}

func ErrPermission(details string) *BotError {
	return NewBotError(
		ErrPermissionDenied,
		"Permission denied",
		"У вас нет прав для выполнения этой операции.",
		details,
	)
}

func ErrUserNotFoundf(details string, args ...any) *BotError {
	return NewBotError(
		ErrUserNotFound,
		"User not found",
		"Пользователь не найден.",
		fmt.Sprintf(details, args...),
	)
}

func ErrDocumentf(details string, args ...any) *BotError {
	return NewBotError(
		ErrDocumentError,
		"Document processing failed",
		"Не удалось сохранить документ. Попробуйте отправить его еще раз.",
		fmt.Sprintf(details, args...),
	)
}

func ErrDiagnosisf(details string, args ...any) *BotError {
	return NewBotError(
		ErrDiagnosisError,
		"Diagnosis failed",
		"Не удалось провести диагностику. Попробуйте позже.",
		fmt.Sprintf(details, args...),
	)
}

func ErrBrokerf(details string, args ...any) *BotError {
	return NewBotError(
		ErrBrokerError,
		"Broker operation failed",
		"Ошибка обработки запроса брокера. Обратитесь к администратору.",
		fmt.Sprintf(details, args...),
	)
}
