package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/cache"
	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/outbox"
	"kwaribook/backend/internal/remote"
	remotemem "kwaribook/backend/internal/remote/memory"
	"kwaribook/backend/internal/store"
	storemem "kwaribook/backend/internal/store/memory"
)

const testDB = "kwari"

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	engine *Engine
	store  store.Store
	remote *remotemem.Store
	queue  *outbox.Queue
	clock  *clock
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	n := 0
	q := outbox.New(outbox.WithClock(clk.now), outbox.WithIDs(func() string {
		n++
		return fmt.Sprintf("doc-%d", n)
	}))
	cfg := Config{
		Naming:    Naming{DatabaseID: testDB, Sales: "sales_v2"},
		Policy:    outbox.Policy{MaxAttempts: 3, BackoffMin: time.Second, BackoffMax: time.Minute},
		PullLimit: 100,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s := storemem.NewDefault()
	rs := remotemem.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(s, rs, q, cfg, log, WithClock(clk.now))
	return &harness{engine: e, store: s, remote: rs, queue: q, clock: clk}
}

func (h *harness) addShop(t *testing.T, name string) *domain.Shop {
	t.Helper()
	shop := &domain.Shop{Name: name}
	scope := []domain.Collection{domain.CollectionShops, domain.CollectionSyncQueue}
	require.NoError(t, h.store.Update(context.Background(), scope, func(tx store.Tx) error {
		if err := store.Insert(tx, domain.CollectionShops, shop); err != nil {
			return err
		}
		_, err := h.queue.Enqueue(tx, domain.ActionCreate, domain.CollectionShops, shop)
		return err
	}))
	return shop
}

func (h *harness) renameShop(t *testing.T, id int64, name string) {
	t.Helper()
	scope := []domain.Collection{domain.CollectionShops, domain.CollectionSyncQueue}
	require.NoError(t, h.store.Update(context.Background(), scope, func(tx store.Tx) error {
		shop, err := store.Load[domain.Shop](tx, domain.CollectionShops, id)
		if err != nil {
			return err
		}
		shop.Name = name
		if err := store.Save(tx, domain.CollectionShops, shop); err != nil {
			return err
		}
		_, err = h.queue.Enqueue(tx, domain.ActionUpdate, domain.CollectionShops, shop)
		return err
	}))
}

func (h *harness) shops(t *testing.T) []domain.Shop {
	t.Helper()
	var shops []domain.Shop
	require.NoError(t, h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		shops, err = store.Select[domain.Shop](tx, domain.CollectionShops, store.All())
		return err
	}))
	return shops
}

func (h *harness) counts(t *testing.T) outbox.Counts {
	t.Helper()
	st, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	return st.Queue
}

func TestPushCreatesRemoteDocumentAndStoresRemoteID(t *testing.T) {
	h := newHarness(t)
	shop := h.addShop(t, "Balogun")

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, outbox.Counts{}, h.counts(t))

	fields, ok := h.remote.Get(testDB, "shops", "doc-1")
	require.True(t, ok)
	assert.Equal(t, "Balogun", fields["name"])
	assert.EqualValues(t, shop.ID, fields[domain.LocalIDAttribute])

	shops := h.shops(t)
	require.Len(t, shops, 1)
	assert.Equal(t, "doc-1", shops[0].RemoteID)
}

func TestPullAfterPushUpsertsSameRecord(t *testing.T) {
	h := newHarness(t)
	h.addShop(t, "Balogun")
	_, err := h.engine.Push(context.Background())
	require.NoError(t, err)

	h.remote.Put(testDB, "shops", "doc-1", map[string]any{"name": "Balogun Market"})
	res, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Collections[domain.CollectionShops].Updated)
	assert.Zero(t, res.Collections[domain.CollectionShops].Inserted)

	shops := h.shops(t)
	require.Len(t, shops, 1)
	assert.Equal(t, "Balogun Market", shops[0].Name)
	assert.Equal(t, "doc-1", shops[0].RemoteID)
}

func TestPullInsertsUnknownDocuments(t *testing.T) {
	h := newHarness(t)
	h.remote.Put(testDB, "shops", "r-1", map[string]any{"name": "Kantin Kwari", "localId": 44})
	h.remote.Put(testDB, "sales_v2", "r-2", map[string]any{
		"status": "credit", "totalAmount": 1500.5, "items": `[{"inventoryId":1,"name":"Ankara","quantity":"2","unitPrice":"750.25"}]`,
	})

	_, err := h.engine.Pull(context.Background())
	require.NoError(t, err)

	shops := h.shops(t)
	require.Len(t, shops, 1)
	assert.Equal(t, "r-1", shops[0].RemoteID)
	assert.NotEqual(t, int64(44), shops[0].ID)

	require.NoError(t, h.store.View(context.Background(), func(tx store.Tx) error {
		sale, err := store.First[domain.Sale](tx, domain.CollectionSales, store.Where("remoteId", "r-2"))
		require.NoError(t, err)
		assert.Equal(t, "1500.5", sale.TotalAmount.String())
		require.Len(t, sale.Items, 1)
		assert.Equal(t, "Ankara", sale.Items[0].Name)
		return nil
	}))
}

func TestPullLeavesDeviceLinksBehind(t *testing.T) {
	h := newHarness(t)
	yard := &domain.Yard{Name: "Local Red", Quantity: decimal.NewFromInt(30)}
	mirror := &domain.InventoryItem{Name: "Local Red", Quantity: decimal.NewFromInt(30), Unit: domain.UnitYards}
	scope := []domain.Collection{domain.CollectionYards, domain.CollectionInventory}
	require.NoError(t, h.store.Update(context.Background(), scope, func(tx store.Tx) error {
		if err := store.Insert(tx, domain.CollectionYards, yard); err != nil {
			return err
		}
		mirror.YardID = yard.ID
		if err := store.Insert(tx, domain.CollectionInventory, mirror); err != nil {
			return err
		}
		mirror.RemoteID = "r-own"
		yard.InventoryID = mirror.ID
		if err := store.Save(tx, domain.CollectionInventory, mirror); err != nil {
			return err
		}
		return store.Save(tx, domain.CollectionYards, yard)
	}))

	// Another device mirrors its own yard 1 and bundle 1.
	h.remote.Put(testDB, "inventory", "r-other", map[string]any{
		"name": "Other Blue", "quantity": 20, "unit": "yards", "yardId": yard.ID, "bundleId": 1, "parentId": 7,
	})
	// Our own row comes back with links rewritten elsewhere.
	h.remote.Put(testDB, "inventory", "r-own", map[string]any{
		"name": "Local Red", "quantity": 30, "unit": "yards", "yardId": 99,
	})

	_, err := h.engine.Pull(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.store.View(context.Background(), func(tx store.Tx) error {
		other, err := store.First[domain.InventoryItem](tx, domain.CollectionInventory, store.Where("remoteId", "r-other"))
		require.NoError(t, err)
		assert.Equal(t, "Other Blue", other.Name)
		assert.Zero(t, other.YardID)
		assert.Zero(t, other.BundleID)
		assert.Zero(t, other.ParentID)

		own, err := store.Load[domain.InventoryItem](tx, domain.CollectionInventory, mirror.ID)
		require.NoError(t, err)
		assert.Equal(t, yard.ID, own.YardID)
		return nil
	}))
}

func TestPullNeverQueuesWork(t *testing.T) {
	h := newHarness(t)
	h.remote.Put(testDB, "shops", "r-1", map[string]any{"name": "Kantin Kwari"})
	h.remote.Put(testDB, "customers", "r-2", map[string]any{"name": "Hajiya Binta"})

	_, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.Counts{}, h.counts(t))
}

func TestPullAttachesToUnpushedCreate(t *testing.T) {
	h := newHarness(t)
	h.addShop(t, "Balogun")
	// The create reached the remote but the local completion was lost.
	h.remote.Put(testDB, "shops", "doc-1", map[string]any{"name": "Balogun"})

	_, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	shops := h.shops(t)
	require.Len(t, shops, 1)
	assert.Equal(t, "doc-1", shops[0].RemoteID)

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, h.remote.Count(testDB, "shops"))
	assert.Equal(t, outbox.Counts{}, h.counts(t))
}

func TestCreateConflictCountsAsSuccess(t *testing.T) {
	h := newHarness(t)
	h.addShop(t, "Balogun")
	h.remote.Put(testDB, "shops", "doc-1", map[string]any{"name": "Balogun"})

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Zero(t, res.Failed)
	assert.Equal(t, "doc-1", h.shops(t)[0].RemoteID)
}

func TestUpdateWaitsForItsCreate(t *testing.T) {
	h := newHarness(t)
	shop := h.addShop(t, "Balogun")
	h.renameShop(t, shop.ID, "Balogun Annex")
	h.remote.FailNext(remotemem.OpCreate, "shops", 1, fmt.Errorf("%w: timeout", remote.ErrUnavailable))

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Deferred)

	entries, err := h.engine.Entries(context.Background(), outbox.StatusPending)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, domain.ActionUpdate, entries[1].Action)
	assert.Zero(t, entries[1].Attempts)

	h.clock.advance(time.Minute)
	res, err = h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pushed)

	fields, ok := h.remote.Get(testDB, "shops", "doc-1")
	require.True(t, ok)
	assert.Equal(t, "Balogun Annex", fields["name"])
}

func TestFailingEntryIsDeadLetteredAndRequeued(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Policy.MaxAttempts = 2 })
	h.addShop(t, "Balogun")
	h.remote.FailNext(remotemem.OpCreate, "shops", 2, &remote.StatusError{Code: 400, Message: "bad attribute"})

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.DeadLettered)

	// Still backing off.
	res, err = h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	h.clock.advance(time.Minute)
	res, err = h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, outbox.Counts{Dead: 1}, h.counts(t))

	dead, err := h.engine.Entries(context.Background(), outbox.StatusDead)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "bad attribute")

	n, err := h.engine.Requeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, outbox.Counts{}, h.counts(t))
}

func TestInfinitePolicyNeverDeadLetters(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Policy.MaxAttempts = 0 })
	h.addShop(t, "Balogun")
	h.remote.FailNext(remotemem.OpCreate, "", 5, remote.ErrUnavailable)

	for i := 0; i < 5; i++ {
		res, err := h.engine.Push(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.DeadLettered)
		h.clock.advance(time.Hour)
	}
	assert.Equal(t, outbox.Counts{Pending: 1}, h.counts(t))
}

func TestDeleteOfUnpushedEntityNeedsNoRemoteCall(t *testing.T) {
	h := newHarness(t)
	shop := &domain.Shop{Name: "Temporary"}
	scope := []domain.Collection{domain.CollectionShops, domain.CollectionSyncQueue}
	require.NoError(t, h.store.Update(context.Background(), scope, func(tx store.Tx) error {
		if err := store.Insert(tx, domain.CollectionShops, shop); err != nil {
			return err
		}
		_, err := h.queue.Enqueue(tx, domain.ActionDelete, domain.CollectionShops, shop)
		return err
	}))

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	for _, call := range h.remote.Calls() {
		assert.NotEqual(t, remotemem.OpDelete, call.Op)
	}
}

func TestDeleteOfMissingRemoteDocumentSucceeds(t *testing.T) {
	h := newHarness(t)
	shop := &domain.Shop{Meta: domain.Meta{RemoteID: "gone"}, Name: "Closed"}
	scope := []domain.Collection{domain.CollectionShops, domain.CollectionSyncQueue}
	require.NoError(t, h.store.Update(context.Background(), scope, func(tx store.Tx) error {
		if err := store.Insert(tx, domain.CollectionShops, shop); err != nil {
			return err
		}
		if _, err := tx.Delete(domain.CollectionShops, shop.ID); err != nil {
			return err
		}
		_, err := h.queue.Enqueue(tx, domain.ActionDelete, domain.CollectionShops, shop)
		return err
	}))

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, outbox.Counts{}, h.counts(t))
}

func TestPushAndPullAreNoOpsWhenOffline(t *testing.T) {
	h := newHarness(t)
	h.addShop(t, "Balogun")
	h.engine.SetOnline(false)

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipOffline, res.Skipped)

	pull, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipOffline, pull.Skipped)

	assert.Empty(t, h.remote.Calls())
	assert.Equal(t, outbox.Counts{Pending: 1}, h.counts(t))
}

func TestPushAndPullAreNoOpsWhenUnconfigured(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Naming.DatabaseID = "" })
	h.addShop(t, "Balogun")

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipUnconfigured, res.Skipped)

	pull, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipUnconfigured, pull.Skipped)
	assert.Empty(t, h.remote.Calls())
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (cache.Lease, bool, error) {
	return nil, false, nil
}

func TestPushSkipsWhenAnotherProcessHoldsTheLock(t *testing.T) {
	h := newHarness(t)
	h.engine = New(h.store, h.remote, h.queue, h.engine.cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithLocker(heldLocker{}))
	h.addShop(t, "Balogun")

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipLocked, res.Skipped)
	assert.Empty(t, h.remote.Calls())
}

func TestPushSkipsWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.addShop(t, "Balogun")
	h.engine.mu.Lock()
	h.engine.pushing = true
	h.engine.mu.Unlock()

	res, err := h.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipBusy, res.Skipped)
}

func TestPullIsolatesCollectionFailures(t *testing.T) {
	h := newHarness(t)
	h.remote.Put(testDB, "shops", "r-1", map[string]any{"name": "Kantin Kwari"})
	h.remote.Put(testDB, "expenses", "r-2", map[string]any{"category": "transport", "amount": 300})
	h.remote.FailNext(remotemem.OpList, "customers", 1, remote.ErrUnavailable)

	res, err := h.engine.Pull(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrUnavailable))
	assert.NotEmpty(t, res.Collections[domain.CollectionCustomers].Error)
	assert.Equal(t, 1, res.Collections[domain.CollectionShops].Inserted)
	assert.Equal(t, 1, res.Collections[domain.CollectionExpenses].Inserted)
}

func TestPullSkipsMalformedDocuments(t *testing.T) {
	h := newHarness(t)
	h.remote.Put(testDB, "expenses", "bad", map[string]any{"category": "fuel", "amount": "lots"})
	h.remote.Put(testDB, "expenses", "good", map[string]any{"category": "fuel", "amount": 120})

	res, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	stats := res.Collections[domain.CollectionExpenses]
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Inserted)
}

func TestGoingOnlineTriggersRun(t *testing.T) {
	h := newHarness(t)
	h.addShop(t, "Balogun")
	h.remote.Put(testDB, "customers", "r-1", map[string]any{"name": "Hajiya Binta"})
	h.engine.SetOnline(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx, time.Hour)
		close(done)
	}()

	h.engine.SetOnline(true)
	require.Eventually(t, func() bool {
		st, err := h.engine.Status(context.Background())
		return err == nil && st.LastPull != nil && st.Queue.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.remote.Count(testDB, "shops"))

	cancel()
	<-done
}
