// Package storetest holds the behaviour every local store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
)

// Factory opens a fresh, empty store with the given schema.
type Factory func(t *testing.T, schema store.Schema) store.Store

func Run(t *testing.T, open Factory) {
	t.Run("InsertAssignsSequentialIDs", func(t *testing.T) { testInsertIDs(t, open) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open) })
	t.Run("MergeMissingIsNoop", func(t *testing.T) { testMergeMissing(t, open) })
	t.Run("MergeKeepsOtherFields", func(t *testing.T) { testMerge(t, open) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open) })
	t.Run("WriteOutsideScope", func(t *testing.T) { testOutOfScope(t, open) })
	t.Run("ViewIsReadOnly", func(t *testing.T) { testViewReadOnly(t, open) })
	t.Run("FindFiltersAndOrders", func(t *testing.T) { testFind(t, open) })
	t.Run("FindRangeAndPrefix", func(t *testing.T) { testRange(t, open) })
	t.Run("RemoteIDLookup", func(t *testing.T) { testRemoteID(t, open) })
	t.Run("RemoteIDUnique", func(t *testing.T) { testRemoteIDUnique(t, open) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open) })
	t.Run("TypedHelpers", func(t *testing.T) { testTyped(t, open) })
}

func testInsertIDs(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	ctx := context.Background()
	var ids []int64
	err := s.Update(ctx, []domain.Collection{domain.CollectionCustomers}, func(tx store.Tx) error {
		for _, name := range []string{"Ada", "Bola", "Chidi"} {
			doc, err := tx.Insert(domain.CollectionCustomers, domain.Customer{Name: name})
			if err != nil {
				return err
			}
			ids = append(ids, doc.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	err = s.View(ctx, func(tx store.Tx) error {
		c, err := store.Load[domain.Customer](tx, domain.CollectionCustomers, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), c.ID)
		assert.Equal(t, "Bola", c.Name)
		assert.False(t, c.UpdatedAt.IsZero())
		return nil
	})
	require.NoError(t, err)
}

func testGetMissing(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.Get(domain.CollectionSales, 42)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMergeMissing(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	var found bool
	err := s.Update(context.Background(), []domain.Collection{domain.CollectionSales}, func(tx store.Tx) error {
		var err error
		found, err = tx.Merge(domain.CollectionSales, 7, map[string]any{"status": "paid"})
		return err
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func testMerge(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	ctx := context.Background()
	item := &domain.InventoryItem{Name: "Ankara", Quantity: decimal.NewFromInt(10), Unit: domain.UnitYards}
	require.NoError(t, s.Update(ctx, []domain.Collection{domain.CollectionInventory}, func(tx store.Tx) error {
		return store.Insert(tx, domain.CollectionInventory, item)
	}))
	require.NoError(t, s.Update(ctx, []domain.Collection{domain.CollectionInventory}, func(tx store.Tx) error {
		found, err := tx.Merge(domain.CollectionInventory, item.ID, map[string]any{
			"quantity": decimal.NewFromInt(6),
			"id":       999,
		})
		assert.True(t, found)
		return err
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := store.Load[domain.InventoryItem](tx, domain.CollectionInventory, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, got.ID)
		assert.Equal(t, "Ankara", got.Name)
		assert.True(t, got.Quantity.Equal(decimal.NewFromInt(6)))
		return nil
	}))
}

func testRollback(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Update(ctx, []domain.Collection{domain.CollectionShops, domain.CollectionSyncQueue}, func(tx store.Tx) error {
		if _, err := tx.Insert(domain.CollectionShops, domain.Shop{Name: "Balogun"}); err != nil {
			return err
		}
		if _, err := tx.Insert(domain.CollectionSyncQueue, map[string]any{"status": "pending"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		for _, c := range []domain.Collection{domain.CollectionShops, domain.CollectionSyncQueue} {
			n, err := tx.Count(c, store.All())
			require.NoError(t, err)
			assert.Zero(t, n, c)
		}
		return nil
	}))
}

func testOutOfScope(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	ctx := context.Background()
	err := s.Update(ctx, []domain.Collection{domain.CollectionSales}, func(tx store.Tx) error {
		if _, err := tx.Insert(domain.CollectionSales, domain.Sale{Status: domain.SaleStatusPaid}); err != nil {
			return err
		}
		_, err := tx.Insert(domain.CollectionInventory, domain.InventoryItem{Name: "Lace"})
		return err
	})
	require.ErrorIs(t, err, store.ErrOutOfScope)
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := tx.Count(domain.CollectionSales, store.All())
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))

	err = s.Update(ctx, []domain.Collection{"ghosts"}, func(tx store.Tx) error { return nil })
	assert.ErrorIs(t, err, store.ErrOutOfScope)
}

func testViewReadOnly(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.Insert(domain.CollectionShops, domain.Shop{Name: "Oshodi"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrOutOfScope)
}

func seedInventory(t *testing.T, s store.Store) {
	t.Helper()
	items := []domain.InventoryItem{
		{Name: "Ankara", ShopID: 1, Quantity: decimal.NewFromInt(10), Unit: domain.UnitYards},
		{Name: "Lace", ShopID: 2, Quantity: decimal.NewFromInt(4), Unit: domain.UnitYards},
		{Name: "Aso Oke", ShopID: 1, Quantity: decimal.NewFromInt(2), Unit: domain.UnitPieces, IsRemnant: true},
		{Name: "Adire", ShopID: 1, Quantity: decimal.NewFromInt(7), Unit: domain.UnitYards},
	}
	require.NoError(t, s.Update(context.Background(), []domain.Collection{domain.CollectionInventory}, func(tx store.Tx) error {
		for i := range items {
			if err := store.Insert(tx, domain.CollectionInventory, &items[i]); err != nil {
				return err
			}
		}
		return nil
	}))
}

func names(items []domain.InventoryItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

func testFind(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	seedInventory(t, s)
	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		got, err := store.Select[domain.InventoryItem](tx, domain.CollectionInventory, store.Where("shopId", int64(1)))
		require.NoError(t, err)
		assert.Equal(t, []string{"Ankara", "Aso Oke", "Adire"}, names(got))

		got, err = store.Select[domain.InventoryItem](tx, domain.CollectionInventory,
			store.Where("shopId", 1).And("name", "Adire"))
		require.NoError(t, err)
		assert.Equal(t, []string{"Adire"}, names(got))

		got, err = store.Select[domain.InventoryItem](tx, domain.CollectionInventory, store.Where("isRemnant", true))
		require.NoError(t, err)
		assert.Equal(t, []string{"Aso Oke"}, names(got))

		got, err = store.Select[domain.InventoryItem](tx, domain.CollectionInventory,
			store.Where("unit", domain.UnitYards).Order("name"))
		require.NoError(t, err)
		assert.Equal(t, []string{"Adire", "Ankara", "Lace"}, names(got))

		got, err = store.Select[domain.InventoryItem](tx, domain.CollectionInventory, store.All().Descending().Take(2))
		require.NoError(t, err)
		assert.Equal(t, []string{"Adire", "Aso Oke"}, names(got))

		n, err := tx.Count(domain.CollectionInventory, store.Where("shopId", 1))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, err = tx.Find(domain.CollectionInventory, store.Where("name'); DROP", 1))
		assert.ErrorIs(t, err, store.ErrInvalidRequest)
		return nil
	}))
}

func testRange(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, []domain.Collection{domain.CollectionSyncQueue}, func(tx store.Tx) error {
		for i, at := range []int64{1_700_000_000_000_000_300, 1_700_000_000_000_000_100, 1_700_000_000_000_000_200} {
			if _, err := tx.Insert(domain.CollectionSyncQueue, map[string]any{
				"enqueuedAt": at,
				"collection": []string{"sales", "shops", "suppliers"}[i],
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		docs, err := tx.Find(domain.CollectionSyncQueue,
			store.All().Filter("enqueuedAt", store.OpLte, int64(1_700_000_000_000_000_200)).Order("enqueuedAt"))
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, int64(2), docs[0].ID)
		assert.Equal(t, int64(3), docs[1].ID)

		docs, err = tx.Find(domain.CollectionSyncQueue, store.All().Filter("collection", store.OpPrefix, "s").Order("enqueuedAt"))
		require.NoError(t, err)
		assert.Len(t, docs, 3)

		docs, err = tx.Find(domain.CollectionSyncQueue, store.All().Filter("collection", store.OpPrefix, "su"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, int64(3), docs[0].ID)
		return nil
	}))
}

func testRemoteID(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	ctx := context.Background()
	shop := &domain.Shop{Name: "Balogun"}
	require.NoError(t, s.Update(ctx, []domain.Collection{domain.CollectionShops}, func(tx store.Tx) error {
		if err := store.Insert(tx, domain.CollectionShops, shop); err != nil {
			return err
		}
		_, err := tx.Merge(domain.CollectionShops, shop.ID, map[string]any{"remoteId": "doc-1"})
		return err
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		doc, err := tx.FindByRemoteID(domain.CollectionShops, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, shop.ID, doc.ID)
		assert.Equal(t, "doc-1", doc.RemoteID)

		_, err = tx.FindByRemoteID(domain.CollectionShops, "doc-2")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testRemoteIDUnique(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	err := s.Update(context.Background(), []domain.Collection{domain.CollectionShops}, func(tx store.Tx) error {
		if _, err := tx.Insert(domain.CollectionShops, map[string]any{"name": "A", "remoteId": "r1"}); err != nil {
			return err
		}
		_, err := tx.Insert(domain.CollectionShops, map[string]any{"name": "B", "remoteId": "r1"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvariantViolation)
}

func testDelete(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	ctx := context.Background()
	var id int64
	require.NoError(t, s.Update(ctx, []domain.Collection{domain.CollectionExpenses}, func(tx store.Tx) error {
		doc, err := tx.Insert(domain.CollectionExpenses, domain.Expense{Category: "transport"})
		id = doc.ID
		return err
	}))
	require.NoError(t, s.Update(ctx, []domain.Collection{domain.CollectionExpenses}, func(tx store.Tx) error {
		ok, err := tx.Delete(domain.CollectionExpenses, id)
		assert.True(t, ok)
		if err != nil {
			return err
		}
		ok, err = tx.Delete(domain.CollectionExpenses, id)
		assert.False(t, ok)
		return err
	}))
}

func testTyped(t *testing.T, open Factory) {
	s := open(t, store.DefaultSchema)
	ctx := context.Background()
	sup := &domain.Supplier{Name: "Kano Mills", Currency: "NGN", TotalDebt: decimal.Zero}
	require.NoError(t, s.Update(ctx, []domain.Collection{domain.CollectionSuppliers}, func(tx store.Tx) error {
		if err := store.Insert(tx, domain.CollectionSuppliers, sup); err != nil {
			return err
		}
		sup.TotalDebt = decimal.RequireFromString("5000.50")
		return store.Save(tx, domain.CollectionSuppliers, sup)
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := store.First[domain.Supplier](tx, domain.CollectionSuppliers, store.Where("name", "Kano Mills"))
		require.NoError(t, err)
		assert.Equal(t, sup.ID, got.ID)
		assert.True(t, got.TotalDebt.Equal(decimal.RequireFromString("5000.5")))

		_, err = store.First[domain.Supplier](tx, domain.CollectionSuppliers, store.Where("name", "nobody"))
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}
