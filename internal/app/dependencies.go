package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

// runtimeDependencies содержит хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	products     domain.ProductRepository
	reservations domain.ReservationRepository
	ledgerRepo   domain.LedgerRepository
	giftCards    domain.GiftCardRepository
	outboxRepo   domain.OutboxRepository

	storageChecker healthcheck.Checker
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		inventory := memory.NewInventoryRepository()
		ledgerRepo := memory.NewLedgerRepository()
		logger.Info("используем in-memory хранилище")
		return &runtimeDependencies{
			products:     inventory,
			reservations: inventory,
			ledgerRepo:   ledgerRepo,
			giftCards:    ledgerRepo,
			outboxRepo:   memory.NewOutboxRepository(),
		}, nil
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, errors.New("postgres storage requires a DSN")
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		logger.Info("используем postgres хранилище")
		return &runtimeDependencies{
			products:       postgres.NewProductRepository(store),
			reservations:   postgres.NewReservationRepository(store),
			ledgerRepo:     postgres.NewLedgerRepository(store),
			giftCards:      postgres.NewGiftCardRepository(store),
			outboxRepo:     postgres.NewOutboxRepository(store),
			storageChecker: healthcheck.NewCriticalChecker("storage", store.Ping),
			closeFn:        store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// parseSeedProducts разбирает строку вида "p1=5,p2=10".
func parseSeedProducts(raw string) ([]domain.Product, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var products []domain.Product
	for _, pair := range strings.Split(raw, ",") {
		id, stock, ok := strings.Cut(strings.TrimSpace(pair), "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("seed product %q: expected id=stock", pair)
		}
		qty, err := strconv.ParseInt(strings.TrimSpace(stock), 10, 64)
		if err != nil || qty < 0 {
			return nil, fmt.Errorf("seed product %q: stock must be a non-negative integer", pair)
		}
		products = append(products, domain.Product{ID: id, Name: id, Stock: qty})
	}
	return products, nil
}

func seedProducts(ctx context.Context, repo domain.ProductRepository, products []domain.Product, logger *log.Entry) error {
	for _, product := range products {
		if err := repo.Upsert(ctx, product); err != nil {
			return fmt.Errorf("seed product %s: %w", product.ID, err)
		}
	}
	if len(products) > 0 {
		logger.WithField("products", len(products)).Info("каталог инициализирован")
	}
	return nil
}
