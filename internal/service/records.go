package service

import (
	"context"
	"strings"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
)

// createRecord stores a simple record and queues its CREATE.
func createRecord[T any, P interface {
	*T
	domain.Entity
}](ctx context.Context, s *Service, c domain.Collection, v T) (T, error) {
	err := s.update(ctx, []domain.Collection{c}, func(tx store.Tx) error {
		return s.create(tx, c, P(&v))
	})
	return v, err
}

func (s *Service) CreateShop(ctx context.Context, shop domain.Shop) (domain.Shop, error) {
	shop.Name = strings.TrimSpace(shop.Name)
	if shop.Name == "" {
		return domain.Shop{}, invalid("shop name is required")
	}
	shop.Meta = domain.Meta{}
	shop.CreatedAt = s.now()
	return createRecord(ctx, s, domain.CollectionShops, shop)
}

func (s *Service) ListShops(ctx context.Context) ([]domain.Shop, error) {
	return list[domain.Shop](ctx, s.store, domain.CollectionShops, store.All().Order("name"))
}

func (s *Service) CreateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return domain.Customer{}, invalid("customer name is required")
	}
	customer.Meta = domain.Meta{}
	customer.Phone = strings.TrimSpace(customer.Phone)
	customer.CreatedAt = s.now()
	return createRecord(ctx, s, domain.CollectionCustomers, customer)
}

// ListCustomers filters by name prefix when prefix is set.
func (s *Service) ListCustomers(ctx context.Context, prefix string) ([]domain.Customer, error) {
	q := store.All()
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		q = q.Filter("name", store.OpPrefix, prefix)
	}
	return list[domain.Customer](ctx, s.store, domain.CollectionCustomers, q.Order("name"))
}

func (s *Service) CreateBroker(ctx context.Context, broker domain.Broker) (domain.Broker, error) {
	broker.Name = strings.TrimSpace(broker.Name)
	if broker.Name == "" {
		return domain.Broker{}, invalid("broker name is required")
	}
	if broker.CommissionRate.IsNegative() {
		return domain.Broker{}, invalid("negative commission rate")
	}
	broker.Meta = domain.Meta{}
	broker.CreatedAt = s.now()
	return createRecord(ctx, s, domain.CollectionBrokers, broker)
}

func (s *Service) ListBrokers(ctx context.Context) ([]domain.Broker, error) {
	return list[domain.Broker](ctx, s.store, domain.CollectionBrokers, store.All().Order("name"))
}

func (s *Service) RecordExpense(ctx context.Context, expense domain.Expense) (domain.Expense, error) {
	expense.Category = strings.TrimSpace(expense.Category)
	if expense.Category == "" || !positive(expense.Amount) {
		return domain.Expense{}, invalid("expense needs a category and a positive amount")
	}
	expense.Meta = domain.Meta{}
	expense.CreatedBy = actorName(ctx)
	expense.CreatedAt = s.now()
	return createRecord(ctx, s, domain.CollectionExpenses, expense)
}

func (s *Service) ListExpenses(ctx context.Context) ([]domain.Expense, error) {
	return list[domain.Expense](ctx, s.store, domain.CollectionExpenses, store.All().Order("createdAt").Descending())
}

func (s *Service) RecordZakat(ctx context.Context, payment domain.ZakatPayment) (domain.ZakatPayment, error) {
	if !positive(payment.Amount) {
		return domain.ZakatPayment{}, invalid("zakat amount must be positive")
	}
	payment.Meta = domain.Meta{}
	if payment.Year == 0 {
		payment.Year = s.now().Year()
	}
	payment.CreatedBy = actorName(ctx)
	payment.CreatedAt = s.now()
	return createRecord(ctx, s, domain.CollectionZakat, payment)
}

func (s *Service) ListZakat(ctx context.Context, year int) ([]domain.ZakatPayment, error) {
	q := store.All()
	if year != 0 {
		q = store.Where("year", year)
	}
	return list[domain.ZakatPayment](ctx, s.store, domain.CollectionZakat, q.Order("createdAt"))
}

func (s *Service) RecordMarketLevy(ctx context.Context, levy domain.MarketLevy) (domain.MarketLevy, error) {
	if !positive(levy.Amount) {
		return domain.MarketLevy{}, invalid("levy amount must be positive")
	}
	levy.Meta = domain.Meta{}
	levy.Period = defaultString(levy.Period, s.now().Format("2006-01"))
	levy.CreatedBy = actorName(ctx)
	levy.CreatedAt = s.now()
	return createRecord(ctx, s, domain.CollectionMarketLevies, levy)
}

func (s *Service) ListMarketLevies(ctx context.Context, period string) ([]domain.MarketLevy, error) {
	q := store.All()
	if period != "" {
		q = store.Where("period", period)
	}
	return list[domain.MarketLevy](ctx, s.store, domain.CollectionMarketLevies, q.Order("createdAt"))
}
