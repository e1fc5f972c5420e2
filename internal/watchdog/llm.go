package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pinger - внешний сервис, доступность которого проверяется при старте
type Pinger interface {
	Ping(ctx context.Context) error
}

// LLMWatchdog проверяет доступность API анализа кредитных историй
type LLMWatchdog struct {
	gate     Pinger
	target   string
	notifyFn func(message string)
}

func NewLLMWatchdog(gate Pinger, target string, notifyFn func(string)) *LLMWatchdog {
	return &LLMWatchdog{
		gate:     gate,
		target:   target,
		notifyFn: notifyFn,
	}
}

// RunStartupCheck проверяет подключение при старте приложения
func (p *LLMWatchdog) RunStartupCheck(ctx context.Context) error {
	slog.Info("Starting LLM connectivity check", "target", p.target)

	if err := p.ping(ctx); err != nil {
		p.notifyFn(fmt.Sprintf("🚨 API анализа КИ недоступно при старте!\n\n❌ Ошибка: %v\n🌐 Адрес: %s\n\n⚠️ Диагностика кредитных историй работать не будет!", err, p.target))
		return err
	}

	slog.Info("LLM connectivity check passed")
	p.notifyFn(fmt.Sprintf("✅ API анализа КИ подключено успешно!\n\n🌐 Адрес: %s", p.target))
	return nil
}

// RunPeriodicCheck периодически проверяет API и сообщает о длительных сбоях
func (p *LLMWatchdog) RunPeriodicCheck(ctx context.Context, interval time.Duration) {
	slog.Info("Starting periodic LLM health check", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	const maxFailures = 3

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping LLM health check")
			return
		case <-ticker.C:
			consecutiveFailures = p.tick(ctx, consecutiveFailures, maxFailures)
		}
	}
}

func (p *LLMWatchdog) tick(ctx context.Context, failures, maxFailures int) int {
	if err := p.ping(ctx); err != nil {
		failures++
		slog.Error("LLM health check failed", "error", err, "consecutive_failures", failures)

		if failures >= maxFailures {
			p.notifyFn(fmt.Sprintf("🚨 API анализа КИ недоступно уже %d раз подряд!\n\n❌ Ошибка: %v\n🌐 Адрес: %s", failures, err, p.target))
			// Сбрасываем счетчик чтобы не спамить
			return 0
		}
		return failures
	}

	if failures > 0 {
		slog.Info("LLM health check recovered", "after_failures", failures)
		p.notifyFn(fmt.Sprintf("✅ API анализа КИ восстановлено после %d неудачных попыток", failures))
	}
	return 0
}

func (p *LLMWatchdog) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.gate.Ping(pingCtx); err != nil {
		return fmt.Errorf("проверка подключения: %w", err)
	}
	return nil
}
