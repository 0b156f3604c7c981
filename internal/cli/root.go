// Пакет cli — команды field-integratorctl, операторского клиента Field Integrator.
// Команды работают напрямую с PostgreSQL сервиса через сервисный слой.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/service"
)

// RootOptions — глобальные флаги.
type RootOptions struct {
	Format string
}

// NewRootCommand создаёт корневую команду. open вызывается лениво,
// только командами, которым нужен доступ к базе.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "field-integratorctl",
		Short:         "Операторский клиент Field Integrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("неизвестный формат %q (text|json)", opts.Format), nil)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.Format, "format", "f", "text", "формат вывода: text|json")

	r := &runner{opts: opts, open: open}
	cmd.AddCommand(
		newResyncCommand(r),
		newRetireCommand(r),
		newRestoreCommand(r),
		newIgnoreCommand(r),
		newPruneCommand(r),
		newCatalogCommand(r),
		newEnvelopesCommand(r),
	)
	return cmd
}

// runner открывает Ops на время одной команды.
type runner struct {
	opts *RootOptions
	open Opener
}

func (r *runner) run(cmd *cobra.Command, fn func(ctx context.Context, ops Ops, out printer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ops, closeFn, err := r.open(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "подключение к сервису", err)
	}
	if closeFn != nil {
		defer closeFn()
	}
	if err := fn(ctx, ops, printer{format: r.opts.Format, w: cmd.OutOrStdout()}); err != nil {
		return classify(err)
	}
	return nil
}

// classify присваивает код завершения ошибкам сервисного слоя.
func classify(err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	switch {
	case errors.Is(err, service.ErrValidation):
		return WrapExitError(ExitCommandError, "некорректные аргументы", err)
	default:
		return WrapExitError(ExitFailure, "операция не выполнена", err)
	}
}
