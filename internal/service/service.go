// Package service holds the bookkeeping operations. Every mutation runs in
// one local transaction that also queues the matching sync work, so a
// change and its queue entry are never seen apart.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/outbox"
	"kwaribook/backend/internal/store"
)

var (
	ErrSaleNotFound      = fmt.Errorf("sale %w", store.ErrNotFound)
	ErrSupplierNotFound  = fmt.Errorf("supplier %w", store.ErrNotFound)
	ErrInventoryNotFound = fmt.Errorf("inventory item %w", store.ErrNotFound)
	ErrForbidden         = errors.New("owner role required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorName(ctx context.Context) string {
	actor, _ := ActorFromContext(ctx)
	return actor.Username
}

func requireOwner(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleOwner {
		return ErrForbidden
	}
	return nil
}

type Service struct {
	store          store.Store
	queue          *outbox.Queue
	log            *slog.Logger
	now            func() time.Time
	rejectOversell bool
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRejectOversell makes a sale that would take stock below zero fail
// with store.ErrInsufficientStock instead of going through with a warning.
func WithRejectOversell(reject bool) Option {
	return func(s *Service) { s.rejectOversell = reject }
}

func New(st store.Store, queue *outbox.Queue, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store: st,
		queue: queue,
		log:   log.With(slog.String("component", "service")),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// update runs fn in a transaction over collections plus the sync queue.
func (s *Service) update(ctx context.Context, collections []domain.Collection, fn func(tx store.Tx) error) error {
	scope := append(append([]domain.Collection(nil), collections...), domain.CollectionSyncQueue)
	return s.store.Update(ctx, scope, fn)
}

func (s *Service) create(tx store.Tx, c domain.Collection, v domain.Entity) error {
	if err := store.Insert(tx, c, v); err != nil {
		return fmt.Errorf("insert %s: %w", c, err)
	}
	_, err := s.queue.Enqueue(tx, domain.ActionCreate, c, v)
	return err
}

func (s *Service) save(tx store.Tx, c domain.Collection, v domain.Entity) error {
	if err := store.Save(tx, c, v); err != nil {
		return fmt.Errorf("save %s %d: %w", c, v.Base().ID, err)
	}
	_, err := s.queue.Enqueue(tx, domain.ActionUpdate, c, v)
	return err
}

// adjustStock applies delta to an inventory row and keeps the yard it
// mirrors, if any, at the same quantity.
func (s *Service) adjustStock(tx store.Tx, item *domain.InventoryItem, delta decimal.Decimal) error {
	item.Quantity = item.Quantity.Add(delta)
	if err := s.save(tx, domain.CollectionInventory, item); err != nil {
		return err
	}
	if item.YardID == 0 {
		return nil
	}
	yard, err := store.Load[domain.Yard](tx, domain.CollectionYards, item.YardID)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Warn("inventory row mirrors a missing yard",
			slog.Int64("inventory_id", item.ID), slog.Int64("yard_id", item.YardID))
		return nil
	}
	if err != nil {
		return err
	}
	if yard.InventoryID != item.ID {
		s.log.Warn("inventory row points at a yard mirrored elsewhere",
			slog.Int64("inventory_id", item.ID), slog.Int64("yard_id", yard.ID),
			slog.Int64("yard_inventory_id", yard.InventoryID))
		return nil
	}
	if yard.Quantity.Equal(item.Quantity) {
		return nil
	}
	yard.Quantity = item.Quantity
	return s.save(tx, domain.CollectionYards, yard)
}

func loadInventory(tx store.Tx, id int64) (*domain.InventoryItem, error) {
	item, err := store.Load[domain.InventoryItem](tx, domain.CollectionInventory, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrInventoryNotFound, id)
	}
	return item, err
}

func list[T any](ctx context.Context, st store.Store, c domain.Collection, q store.Query) ([]T, error) {
	var out []T
	err := st.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = store.Select[T](tx, c, q)
		return err
	})
	if out == nil {
		out = []T{}
	}
	return out, err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func positive(d decimal.Decimal) bool { return d.GreaterThan(decimal.Zero) }

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
