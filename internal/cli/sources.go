package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func parseSourceID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, WrapExitError(ExitCommandError, fmt.Sprintf("некорректный id источника %q", arg), nil)
	}
	return id, nil
}

func newResyncCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <id>",
		Short: "Удалить baseline источника: следующий опрос отправит все значения заново",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSourceID(args[0])
			if err != nil {
				return err
			}
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				deleted, err := ops.ForceResync(ctx, id)
				if err != nil {
					return err
				}
				return out.result(
					map[string]any{"id": id, "deletedBaselines": deleted},
					fmt.Sprintf("Источник %d: удалено baseline %d", id, deleted),
				)
			})
		},
	}
}

func newRetireCommand(r *runner) *cobra.Command {
	var withIgnore bool
	var comment string

	cmd := &cobra.Command{
		Use:   "retire <id>",
		Short: "Вручную вывести источник из синхронизации",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSourceID(args[0])
			if err != nil {
				return err
			}
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				if err := ops.Retire(ctx, id, withIgnore, comment); err != nil {
					return err
				}
				return out.result(
					map[string]any{"id": id, "ignored": withIgnore},
					fmt.Sprintf("Источник %d выведен из синхронизации", id),
				)
			})
		},
	}
	cmd.Flags().BoolVar(&withIgnore, "ignore", false, "добавить точный ignore-паттерн, чтобы reconcile не вернул источник")
	cmd.Flags().StringVar(&comment, "comment", "", "комментарий к ignore-паттерну")
	return cmd
}

func newRestoreCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Вернуть удалённый источник в синхронизацию",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSourceID(args[0])
			if err != nil {
				return err
			}
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				if err := ops.Restore(ctx, id); err != nil {
					return err
				}
				return out.result(
					map[string]any{"id": id},
					fmt.Sprintf("Источник %d восстановлен", id),
				)
			})
		},
	}
}
