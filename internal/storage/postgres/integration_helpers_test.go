package postgres

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// envTestDSN включает интеграционные тесты пакета против живого PostgreSQL.
const envTestDSN = "STOREFRONT_POSTGRES_TEST_DSN"

// storefrontTables перечислены в порядке, безопасном для TRUNCATE без CASCADE-сюрпризов.
var storefrontTables = []string{
	"outbox_messages",
	"gift_cards",
	"balance_transactions",
	"user_balances",
	"stock_reservations",
	"products",
}

// integrationMu сериализует тесты, делящие одну базу.
var integrationMu sync.Mutex

// openRawPostgresStoreForIntegrationTest открывает базу без миграций или пропускает тест.
func openRawPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(envTestDSN))
	if dsn == "" {
		t.Skipf("%s is not set", envTestDSN)
	}

	integrationMu.Lock()
	t.Cleanup(integrationMu.Unlock)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// openPostgresStoreForIntegrationTest поднимает схему и очищает все таблицы витрины.
func openPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx,
		"TRUNCATE TABLE "+strings.Join(storefrontTables, ", ")+" RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("truncate storefront tables: %v", err)
	}
	return store
}
