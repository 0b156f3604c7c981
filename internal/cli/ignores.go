package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/service"
)

// ignoreFile — формат файла для `ignore import`.
//
//	ignores:
//	  - source: airtable
//	    pattern: "^appTest"
//	    comment: тестовые базы
type ignoreFile struct {
	Ignores []service.IgnoreSpec `yaml:"ignores"`
}

func newIgnoreCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ignore",
		Short: "Управление ignore-паттернами источников",
	}
	cmd.AddCommand(
		newIgnoreAddCommand(r),
		newIgnoreListCommand(r),
		newIgnoreImportCommand(r),
	)
	return cmd
}

func newIgnoreAddCommand(r *runner) *cobra.Command {
	spec := service.IgnoreSpec{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Добавить паттерн и вывести из синхронизации совпавшие источники",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				res, err := ops.CreateIgnore(ctx, spec)
				if err != nil {
					return err
				}
				return out.result(
					map[string]any{"id": res.Ignore.ID, "pattern": res.Ignore.Pattern, "retired": res.Retired},
					fmt.Sprintf("Паттерн %d добавлен, выведено источников: %d", res.Ignore.ID, res.Retired),
				)
			})
		},
	}
	cmd.Flags().StringVar(&spec.Source, "source", model.SourceAirtable, "тип источника")
	cmd.Flags().StringVar(&spec.Pattern, "pattern", "", "regex-паттерн идентификатора источника")
	cmd.Flags().StringVar(&spec.Comment, "comment", "", "комментарий")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func newIgnoreListCommand(r *runner) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Список ignore-паттернов",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				items, err := ops.ListIgnores(ctx, source)
				if err != nil {
					return err
				}
				rows := make([]map[string]any, 0, len(items))
				for _, it := range items {
					rows = append(rows, map[string]any{
						"id": it.ID, "source": it.Source, "pattern": it.Pattern, "comment": it.Comment,
					})
				}
				return out.result(rows, ignoreTable(items))
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "фильтр по типу источника")
	return cmd
}

func ignoreTable(items []*model.SyncSourceIgnore) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tPATTERN\tCOMMENT")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", it.ID, it.Source, it.Pattern, it.Comment)
	}
	_ = w.Flush()
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

func newIgnoreImportCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Импортировать паттерны из YAML-файла",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readIgnoreFile(args[0])
			if err != nil {
				return err
			}
			return r.run(cmd, func(ctx context.Context, ops Ops, out printer) error {
				res, err := ops.ImportIgnores(ctx, specs)
				if err != nil {
					return err
				}
				return out.result(
					map[string]any{"created": res.Created, "existing": res.Existing, "retired": res.Retired},
					fmt.Sprintf("Создано: %d, уже были: %d, выведено источников: %d",
						res.Created, res.Existing, res.Retired),
				)
			})
		},
	}
}

// readIgnoreFile читает и проверяет файл импорта. Пустой source
// заменяется на airtable.
func readIgnoreFile(path string) ([]service.IgnoreSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "чтение файла импорта", err)
	}
	var f ignoreFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, WrapExitError(ExitCommandError, "разбор YAML", err)
	}
	if len(f.Ignores) == 0 {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("%s: список ignores пуст", path), nil)
	}
	for i := range f.Ignores {
		if f.Ignores[i].Source == "" {
			f.Ignores[i].Source = model.SourceAirtable
		}
		if f.Ignores[i].Pattern == "" {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("%s: элемент %d без pattern", path, i), nil)
		}
	}
	return f.Ignores, nil
}
