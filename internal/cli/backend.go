package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/upengage/transmigrate/internal/blobstore"
	"github.com/upengage/transmigrate/internal/config"
	"github.com/upengage/transmigrate/internal/database"
	"github.com/upengage/transmigrate/internal/repository"
	"github.com/upengage/transmigrate/internal/service"
)

// OpenBackend собирает сервисный слой по конфигурации из окружения (TM_*).
// Схема БД мигрируется так же, как при старте сервера. Журнал пишется в stderr.
func OpenBackend(ctx context.Context) (*Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg, os.Stderr)

	if err := database.Migrate(cfg, logger); err != nil {
		return nil, fmt.Errorf("миграции БД: %w", err)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := blobstore.Open(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	migrations := repository.NewMigrationRepository(pool)
	applySvc := service.NewApplyService(
		migrations,
		repository.NewTranslationRepository(pool),
		repository.NewTransactor(pool),
		store,
		logger,
	)
	inline := service.InlineEnqueuer{Apply: applySvc}

	// Ограничение частоты сверки в CLI не действует: каждый вызов — новый процесс.
	reconcileSvc := service.NewReconcileService(migrations, store, inline, service.ReconcileConfig{}, logger)

	return &Backend{
		Queries:    service.NewQueryService(migrations, store, applySvc, inline, logger),
		Actions:    applySvc,
		Reconciler: reconcileSvc,
		Reaper:     service.NewReaper(migrations, cfg.StuckTimeout, cfg.ReaperInterval, logger),
		Close:      pool.Close,
	}, nil
}
