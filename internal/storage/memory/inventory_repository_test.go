package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func seedProduct(t *testing.T, repo domain.ProductRepository, id string, stock int64) {
	t.Helper()
	if err := repo.Upsert(context.Background(), domain.Product{ID: id, Name: id, Stock: stock}); err != nil {
		t.Fatalf("upsert %s failed: %v", id, err)
	}
}

func TestInventoryRepository_UpsertGet(t *testing.T) {
	repo := memory.NewInventoryRepository()
	seedProduct(t, repo, "P1", 5)

	product, err := repo.Get(context.Background(), "P1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if product.Stock != 5 {
		t.Fatalf("expected stock 5, got %d", product.Stock)
	}

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if err := repo.Upsert(context.Background(), domain.Product{ID: "P2", Stock: -1}); !errors.Is(err, domain.ErrStockNegative) {
		t.Fatalf("expected ErrStockNegative, got %v", err)
	}
}

func TestInventoryRepository_WithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInventoryRepository()
	seedProduct(t, repo, "P1", 5)
	now := time.Now().UTC()

	boom := errors.New("boom")
	err := repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		if err := tx.CreateBatch(ctx, []domain.StockReservation{
			{ID: "r1", UserID: "u1", ProductID: "P1", Quantity: 2, ExpiresAt: now.Add(time.Minute), CreatedAt: now},
		}); err != nil {
			return err
		}
		if err := tx.DecrementStock(ctx, "P1", 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if repo.Count() != 0 {
		t.Fatalf("expected no reservations after rollback, got %d", repo.Count())
	}
	product, _ := repo.Get(ctx, "P1")
	if product.Stock != 5 {
		t.Fatalf("expected stock untouched, got %d", product.Stock)
	}
}

func TestInventoryRepository_TxOperations(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInventoryRepository()
	seedProduct(t, repo, "P1", 10)
	now := time.Now().UTC()

	err := repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		return tx.CreateBatch(ctx, []domain.StockReservation{
			{ID: "r1", UserID: "u1", ProductID: "P1", Quantity: 2, ExpiresAt: now.Add(time.Minute)},
			{ID: "r2", UserID: "u2", ProductID: "P1", Quantity: 3, ExpiresAt: now.Add(-time.Second)},
			{ID: "r3", UserID: "u1", ProductID: "P1", Quantity: 1, ExpiresAt: now.Add(time.Hour)},
		})
	})
	if err != nil {
		t.Fatalf("create batch failed: %v", err)
	}

	err = repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		active, err := tx.SumActive(ctx, "P1", now)
		if err != nil {
			return err
		}
		if active != 3 {
			t.Errorf("expected 3 active units, got %d", active)
		}

		held, err := tx.ListByUser(ctx, "u1", now)
		if err != nil {
			return err
		}
		if len(held) != 2 {
			t.Errorf("expected 2 holds for u1, got %d", len(held))
		}

		purged, err := tx.PurgeExpired(ctx, "P1", now)
		if err != nil {
			return err
		}
		if purged != 1 {
			t.Errorf("expected 1 purged, got %d", purged)
		}

		deleted, err := tx.DeleteByUser(ctx, "u1")
		if err != nil {
			return err
		}
		if deleted != 2 {
			t.Errorf("expected 2 deleted, got %d", deleted)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
	if repo.Count() != 0 {
		t.Fatalf("expected empty store, got %d", repo.Count())
	}
}

func TestInventoryRepository_InvalidReference(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInventoryRepository()

	err := repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		return tx.CreateBatch(ctx, []domain.StockReservation{
			{ID: "r1", UserID: "u1", ProductID: "ghost", Quantity: 1, ExpiresAt: time.Now().Add(time.Minute)},
		})
	})
	if !errors.Is(err, domain.ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestInventoryRepository_DecrementStock(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInventoryRepository()
	seedProduct(t, repo, "P1", 2)

	err := repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		return tx.DecrementStock(ctx, "P1", 3)
	})
	if !errors.Is(err, domain.ErrStockNegative) {
		t.Fatalf("expected ErrStockNegative, got %v", err)
	}

	if err := repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		return tx.DecrementStock(ctx, "P1", 2)
	}); err != nil {
		t.Fatalf("decrement failed: %v", err)
	}
	product, _ := repo.Get(ctx, "P1")
	if product.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", product.Stock)
	}
}

func TestInventoryRepository_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewInventoryRepository()
	seedProduct(t, repo, "P1", 10)
	now := time.Now().UTC()

	err := repo.WithinTx(ctx, func(tx domain.ReservationTx) error {
		return tx.CreateBatch(ctx, []domain.StockReservation{
			{ID: "r1", UserID: "u1", ProductID: "P1", Quantity: 1, ExpiresAt: now.Add(-3 * time.Minute)},
			{ID: "r2", UserID: "u2", ProductID: "P1", Quantity: 1, ExpiresAt: now.Add(-2 * time.Minute)},
			{ID: "r3", UserID: "u3", ProductID: "P1", Quantity: 1, ExpiresAt: now.Add(time.Minute)},
		})
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	deleted, err := repo.DeleteExpired(ctx, now, 1)
	if err != nil || deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d (%v)", deleted, err)
	}
	deleted, err = repo.DeleteExpired(ctx, now, 10)
	if err != nil || deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d (%v)", deleted, err)
	}
	if repo.Count() != 1 {
		t.Fatalf("expected active reservation left, got %d", repo.Count())
	}
}
