package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
	"kwaribook/backend/internal/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, store.Store, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	n := 0
	q := New(WithClock(clk.now), WithIDs(func() string {
		n++
		return []string{"doc-a", "doc-b", "doc-c", "doc-d"}[n-1]
	}))
	return q, memory.NewDefault(), clk
}

var scope = []domain.Collection{domain.CollectionShops, domain.CollectionSyncQueue}

func addShop(t *testing.T, s store.Store, q *Queue, name string) *domain.Shop {
	t.Helper()
	shop := &domain.Shop{Name: name}
	require.NoError(t, s.Update(context.Background(), scope, func(tx store.Tx) error {
		if err := store.Insert(tx, domain.CollectionShops, shop); err != nil {
			return err
		}
		_, err := q.Enqueue(tx, domain.ActionCreate, domain.CollectionShops, shop)
		return err
	}))
	return shop
}

func due(t *testing.T, s store.Store, q *Queue) []Entry {
	t.Helper()
	var entries []Entry
	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		var err error
		entries, err = q.Due(tx, 0)
		return err
	}))
	return entries
}

func TestEnqueueSnapshotsEntity(t *testing.T) {
	q, s, _ := newTestQueue(t)
	shop := addShop(t, s, q, "Balogun")

	entries := due(t, s, q)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, domain.ActionCreate, e.Action)
	assert.Equal(t, domain.CollectionShops, e.Collection)
	assert.Equal(t, shop.ID, e.EntityID)
	assert.Equal(t, "doc-a", e.DocumentID)
	assert.Equal(t, StatusPending, e.Status)

	entity, err := e.Entity()
	require.NoError(t, err)
	got, ok := entity.(*domain.Shop)
	require.True(t, ok)
	assert.Equal(t, "Balogun", got.Name)
	assert.Equal(t, shop.ID, got.ID)
}

func TestEnqueueRejectsUnsavedEntity(t *testing.T) {
	q, s, _ := newTestQueue(t)
	err := s.Update(context.Background(), scope, func(tx store.Tx) error {
		_, err := q.Enqueue(tx, domain.ActionCreate, domain.CollectionShops, &domain.Shop{Name: "x"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)
}

func TestDueIsFIFO(t *testing.T) {
	q, s, clk := newTestQueue(t)
	addShop(t, s, q, "first")
	clk.advance(time.Second)
	addShop(t, s, q, "second")
	clk.advance(time.Second)
	addShop(t, s, q, "third")

	entries := due(t, s, q)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"doc-a", "doc-b", "doc-c"},
		[]string{entries[0].DocumentID, entries[1].DocumentID, entries[2].DocumentID})
}

func TestFailBacksOffThenDeadLetters(t *testing.T) {
	q, s, clk := newTestQueue(t)
	addShop(t, s, q, "Balogun")
	policy := Policy{MaxAttempts: 2, BackoffMin: time.Minute, BackoffMax: time.Hour}
	ctx := context.Background()
	boom := errors.New("remote down")

	var status Status
	require.NoError(t, s.Update(ctx, scope, func(tx store.Tx) error {
		ok, err := q.Claim(tx, 1)
		require.True(t, ok)
		if err != nil {
			return err
		}
		status, err = q.Fail(tx, 1, boom, policy)
		return err
	}))
	assert.Equal(t, StatusPending, status)
	assert.Empty(t, due(t, s, q), "entry must wait out its backoff")

	clk.advance(time.Minute)
	require.Len(t, due(t, s, q), 1)

	require.NoError(t, s.Update(ctx, scope, func(tx store.Tx) error {
		var err error
		status, err = q.Fail(tx, 1, boom, policy)
		return err
	}))
	assert.Equal(t, StatusDead, status)
	clk.advance(time.Hour)
	assert.Empty(t, due(t, s, q))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		c, err := q.Counts(tx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Dead: 1}, c)
		e, err := q.Get(tx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, e.Attempts)
		assert.Equal(t, "remote down", e.LastError)
		return nil
	}))

	require.NoError(t, s.Update(ctx, scope, func(tx store.Tx) error {
		n, err := q.Requeue(tx)
		assert.Equal(t, 1, n)
		return err
	}))
	entries := due(t, s, q)
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].Attempts)
}

func TestZeroMaxAttemptsRetriesForever(t *testing.T) {
	q, s, _ := newTestQueue(t)
	addShop(t, s, q, "Balogun")
	require.NoError(t, s.Update(context.Background(), scope, func(tx store.Tx) error {
		for i := 0; i < 50; i++ {
			status, err := q.Fail(tx, 1, errors.New("x"), Policy{})
			if err != nil {
				return err
			}
			require.Equal(t, StatusPending, status)
		}
		return nil
	}))
	assert.Len(t, due(t, s, q), 1)
}

func TestResetInFlight(t *testing.T) {
	q, s, _ := newTestQueue(t)
	addShop(t, s, q, "a")
	addShop(t, s, q, "b")
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, scope, func(tx store.Tx) error {
		_, err := q.Claim(tx, 1)
		return err
	}))
	assert.Len(t, due(t, s, q), 1)

	require.NoError(t, s.Update(ctx, scope, func(tx store.Tx) error {
		n, err := q.ResetInFlight(tx)
		assert.Equal(t, 1, n)
		return err
	}))
	assert.Len(t, due(t, s, q), 2)
}

func TestCompleteRemovesEntry(t *testing.T) {
	q, s, _ := newTestQueue(t)
	addShop(t, s, q, "a")
	require.NoError(t, s.Update(context.Background(), scope, func(tx store.Tx) error {
		return q.Complete(tx, 1)
	}))
	assert.Empty(t, due(t, s, q))
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BackoffMin: time.Second, BackoffMax: 10 * time.Second}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(60))
}
