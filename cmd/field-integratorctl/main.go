// field-integratorctl — операторский клиент Field Integrator: принудительная
// ресинхронизация, вывод и восстановление источников, ignore-паттерны,
// очистка baseline, каталог списков рассылки и повтор конвертов.
// Использует ту же конфигурацию FI_*, что и сервис.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "ошибка чтения .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand(cli.OpenServices).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ошибка:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
