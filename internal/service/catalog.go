package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

// catalogLockKey — ключ блокировки синхронизации каталога списков.
const catalogLockKey = "list-catalog-sync"

// ListCatalog — локальный каталог списков рассылки получателя.
// Пустой каталог синхронизируется лениво при первой проверке.
type ListCatalog struct {
	lists  repository.MailingListRepository
	locker repository.Locker
	dest   Destination
	now    func() time.Time
	logger *slog.Logger
}

// NewListCatalog создаёт ListCatalog.
func NewListCatalog(lists repository.MailingListRepository, locker repository.Locker, dest Destination, logger *slog.Logger) *ListCatalog {
	return &ListCatalog{
		lists:  lists,
		locker: locker,
		dest:   dest,
		now:    time.Now,
		logger: logger.With(slog.String("component", "list_catalog")),
	}
}

// Validate делит ids на присутствующие в каталоге и неизвестные (порядок ids сохраняется).
// Пустой каталог, который синхронизирует другой обработчик, — ErrCatalogUnavailable.
func (c *ListCatalog) Validate(ctx context.Context, ids []string) (valid, invalid []string, err error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	if err := c.ensure(ctx); err != nil {
		return nil, nil, err
	}

	existing, err := c.lists.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка проверки списков рассылки: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := known[id]; ok {
			valid = append(valid, id)
		} else {
			invalid = append(invalid, id)
		}
	}
	return valid, invalid, nil
}

// ensure синхронизирует каталог, если он пуст.
func (c *ListCatalog) ensure(ctx context.Context) error {
	n, err := c.lists.Count(ctx)
	if err != nil {
		return fmt.Errorf("ошибка чтения каталога списков: %w", err)
	}
	if n > 0 {
		return nil
	}

	release, acquired, err := c.locker.TryLock(ctx, catalogLockKey)
	if err != nil {
		return err
	}
	if !acquired {
		// Другой обработчик уже синхронизирует: каталог мог успеть заполниться
		if n, err = c.lists.Count(ctx); err != nil {
			return fmt.Errorf("ошибка чтения каталога списков: %w", err)
		}
		if n > 0 {
			return nil
		}
		return ErrCatalogUnavailable
	}
	defer release()

	if n, err = c.lists.Count(ctx); err != nil {
		return fmt.Errorf("ошибка чтения каталога списков: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err = c.syncLocked(ctx)
	return err
}

// Sync принудительно перечитывает каталог у получателя. Возвращает размер каталога.
func (c *ListCatalog) Sync(ctx context.Context) (int, error) {
	release, acquired, err := c.locker.TryLock(ctx, catalogLockKey)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, fmt.Errorf("%w: синхронизация уже выполняется", ErrCatalogUnavailable)
	}
	defer release()

	return c.syncLocked(ctx)
}

func (c *ListCatalog) syncLocked(ctx context.Context) (int, error) {
	remote, err := c.dest.ListMailingLists(ctx)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения списков рассылки: %w", err)
	}

	now := c.now().UTC()
	lists := make([]*model.MailingList, 0, len(remote))
	for _, l := range remote {
		if l.ID == "" {
			continue
		}
		lists = append(lists, &model.MailingList{
			ID:          l.ID,
			Name:        l.Name,
			Description: l.Description,
			IsPublic:    l.IsPublic,
			SyncedAt:    now,
		})
	}
	if err := c.lists.Replace(ctx, lists, now); err != nil {
		return 0, fmt.Errorf("ошибка сохранения каталога списков: %w", err)
	}

	c.logger.Info("Каталог списков рассылки синхронизирован", slog.Int("lists", len(lists)))
	return len(lists), nil
}
