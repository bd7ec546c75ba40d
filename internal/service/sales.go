package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
)

var saleScope = []domain.Collection{domain.CollectionSales, domain.CollectionInventory, domain.CollectionYards}

// RecordSale stores the sale and takes every line's quantity off its
// inventory row. Stock may go negative unless oversell is rejected.
func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (domain.Sale, error) {
	req.Status = strings.ToLower(defaultString(req.Status, domain.SaleStatusPaid))
	if !domain.IsValidSaleStatus(req.Status) {
		return domain.Sale{}, invalid("unknown sale status %q", req.Status)
	}
	if len(req.Items) == 0 {
		return domain.Sale{}, invalid("sale has no items")
	}
	if req.BrokerCommission.IsNegative() {
		return domain.Sale{}, invalid("negative broker commission")
	}
	for _, line := range req.Items {
		if line.InventoryID == 0 || !positive(line.Quantity) || line.UnitPrice.IsNegative() {
			return domain.Sale{}, invalid("bad line for inventory %d", line.InventoryID)
		}
	}

	now := s.now()
	sale := domain.Sale{
		CustomerID:       req.CustomerID,
		CustomerName:     strings.TrimSpace(req.CustomerName),
		Status:           req.Status,
		ShopID:           req.ShopID,
		BrokerID:         req.BrokerID,
		BrokerCommission: req.BrokerCommission,
		CreatedBy:        actorName(ctx),
		CreatedAt:        now,
	}

	err := s.update(ctx, saleScope, func(tx store.Tx) error {
		if sale.CustomerID != 0 && sale.CustomerName == "" {
			customer, err := store.Load[domain.Customer](tx, domain.CollectionCustomers, sale.CustomerID)
			if err == nil {
				sale.CustomerName = customer.Name
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		sale.Items = make([]domain.SaleItem, 0, len(req.Items))
		sale.TotalAmount = decimal.Zero
		for _, line := range req.Items {
			item, err := loadInventory(tx, line.InventoryID)
			if err != nil {
				return err
			}
			line.Name = defaultString(line.Name, item.Name)
			if line.UnitCost.IsZero() {
				line.UnitCost = item.PurchasePrice
			}
			sale.Items = append(sale.Items, line)
			sale.TotalAmount = sale.TotalAmount.Add(line.LineTotal())
		}
		if sale.ShopID == 0 && len(sale.Items) > 0 {
			if first, err := loadInventory(tx, sale.Items[0].InventoryID); err == nil {
				sale.ShopID = first.ShopID
			}
		}

		if err := s.create(tx, domain.CollectionSales, &sale); err != nil {
			return err
		}

		for _, line := range sale.Items {
			item, err := loadInventory(tx, line.InventoryID)
			if err != nil {
				return err
			}
			left := item.Quantity.Sub(line.Quantity)
			if left.IsNegative() {
				if s.rejectOversell {
					return fmt.Errorf("%w: %s has %s, sale needs %s",
						store.ErrInsufficientStock, item.Name, item.Quantity, line.Quantity)
				}
				s.log.Warn("sale drives stock negative",
					slog.Int64("inventory_id", item.ID), slog.String("quantity", left.String()))
			}
			if err := s.adjustStock(tx, item, line.Quantity.Neg()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

// ReverseSale puts back the stock a sale took and flags it reversed. A
// missing or already reversed sale is left alone and reported unchanged.
func (s *Service) ReverseSale(ctx context.Context, saleID int64, reason string) (domain.Sale, bool, error) {
	if err := requireOwner(ctx); err != nil {
		return domain.Sale{}, false, err
	}

	var (
		sale    domain.Sale
		changed bool
	)
	err := s.update(ctx, saleScope, func(tx store.Tx) error {
		found, err := store.Load[domain.Sale](tx, domain.CollectionSales, saleID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sale = *found
		if sale.IsReversed {
			return nil
		}

		for _, line := range sale.Items {
			item, err := loadInventory(tx, line.InventoryID)
			if errors.Is(err, store.ErrNotFound) {
				s.log.Warn("reversal skips missing inventory row",
					slog.Int64("sale_id", sale.ID), slog.Int64("inventory_id", line.InventoryID))
				continue
			}
			if err != nil {
				return err
			}
			if err := s.adjustStock(tx, item, line.Quantity); err != nil {
				return err
			}
		}

		at := s.now()
		sale.IsReversed = true
		sale.ReversedBy = actorName(ctx)
		sale.ReversalReason = strings.TrimSpace(reason)
		sale.ReversedAt = &at
		changed = true
		return s.save(tx, domain.CollectionSales, &sale)
	})
	if err != nil {
		return domain.Sale{}, false, err
	}
	return sale, changed, nil
}

// AddDebtPayment records a payment against a credit sale. The paid total is
// summed from every payment on the sale; the sale turns paid once that
// total covers it.
func (s *Service) AddDebtPayment(ctx context.Context, req domain.DebtPaymentRequest) (domain.DebtPaymentResponse, error) {
	if !positive(req.Amount) {
		return domain.DebtPaymentResponse{}, invalid("payment amount must be positive")
	}

	var resp domain.DebtPaymentResponse
	scope := []domain.Collection{domain.CollectionSales, domain.CollectionDebtPayments}
	err := s.update(ctx, scope, func(tx store.Tx) error {
		sale, err := store.Load[domain.Sale](tx, domain.CollectionSales, req.SaleID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrSaleNotFound, req.SaleID)
		}
		if err != nil {
			return err
		}

		payment := domain.DebtPayment{
			SaleID:     sale.ID,
			Amount:     req.Amount,
			ReceivedBy: actorName(ctx),
			CreatedAt:  s.now(),
		}
		if err := s.create(tx, domain.CollectionDebtPayments, &payment); err != nil {
			return err
		}

		payments, err := store.Select[domain.DebtPayment](tx, domain.CollectionDebtPayments, store.Where("saleId", sale.ID))
		if err != nil {
			return err
		}
		paid := decimal.Zero
		for _, p := range payments {
			paid = paid.Add(p.Amount)
		}
		if paid.GreaterThanOrEqual(sale.TotalAmount) && sale.Status != domain.SaleStatusPaid {
			sale.Status = domain.SaleStatusPaid
			if err := s.save(tx, domain.CollectionSales, sale); err != nil {
				return err
			}
		}

		outstanding := sale.TotalAmount.Sub(paid)
		if outstanding.IsNegative() {
			outstanding = decimal.Zero
		}
		resp = domain.DebtPaymentResponse{Payment: payment, Sale: *sale, TotalPaid: paid, Outstanding: outstanding}
		return nil
	})
	return resp, err
}

func (s *Service) GetSale(ctx context.Context, id int64) (domain.Sale, error) {
	var sale *domain.Sale
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		sale, err = store.Load[domain.Sale](tx, domain.CollectionSales, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, fmt.Errorf("%w: %d", ErrSaleNotFound, id)
	}
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// ListSales returns the newest sales first. A non-empty status narrows the
// list; "credit" covers salo as well.
func (s *Service) ListSales(ctx context.Context, status string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	q := store.All()
	if status != "" && status != domain.SaleStatusCredit {
		q = store.Where("status", status)
	}
	sales, err := list[domain.Sale](ctx, s.store, domain.CollectionSales, q.Order("createdAt").Descending())
	if err != nil {
		return nil, err
	}
	out := make([]domain.Sale, 0, limit)
	for _, sale := range sales {
		if status == domain.SaleStatusCredit && !domain.IsCreditStatus(sale.Status) {
			continue
		}
		out = append(out, sale)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Service) ListDebtPayments(ctx context.Context, saleID int64) ([]domain.DebtPayment, error) {
	return list[domain.DebtPayment](ctx, s.store, domain.CollectionDebtPayments, store.Where("saleId", saleID).Order("createdAt"))
}
