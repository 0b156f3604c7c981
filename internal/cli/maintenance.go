package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPruneCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Удалить устаревшие baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				res, err := ops.Prune(ctx)
				if err != nil {
					return err
				}
				return out.result(
					map[string]any{"fieldBaselines": res.FieldBaselines, "destinationBaselines": res.DestinationBaselines},
					fmt.Sprintf("Удалено baseline источника: %d, получателя: %d",
						res.FieldBaselines, res.DestinationBaselines),
				)
			})
		},
	}
}

func newCatalogCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Каталог списков рассылки получателя",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Перечитать списки рассылки из Loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				n, err := ops.SyncCatalog(ctx)
				if err != nil {
					return err
				}
				return out.result(map[string]any{"synced": n}, fmt.Sprintf("Синхронизировано списков: %d", n))
			})
		},
	})
	return cmd
}

func newEnvelopesCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envelopes",
		Short: "Конверты outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <uuid>",
		Short: "Вернуть конверт с ошибкой в очередь",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("некорректный id конверта %q", args[0]), err)
			}
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				env, err := ops.RetryEnvelope(ctx, id)
				if err != nil {
					return err
				}
				return out.result(
					map[string]any{"id": env.ID.String(), "status": string(env.Status)},
					fmt.Sprintf("Конверт %s: %s", env.ID, env.Status),
				)
			})
		},
	})
	return cmd
}
