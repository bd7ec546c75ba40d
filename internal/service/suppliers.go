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

const defaultCurrency = "NGN"

func (s *Service) CreateSupplier(ctx context.Context, supplier domain.Supplier) (domain.Supplier, error) {
	supplier.Name = strings.TrimSpace(supplier.Name)
	if supplier.Name == "" {
		return domain.Supplier{}, invalid("supplier name is required")
	}
	supplier.Meta = domain.Meta{}
	supplier.Currency = strings.ToUpper(defaultString(supplier.Currency, defaultCurrency))
	supplier.OpeningBalance = supplier.TotalDebt
	supplier.CreatedAt = s.now()

	err := s.update(ctx, []domain.Collection{domain.CollectionSuppliers}, func(tx store.Tx) error {
		return s.create(tx, domain.CollectionSuppliers, &supplier)
	})
	if err != nil {
		return domain.Supplier{}, err
	}
	return supplier, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return list[domain.Supplier](ctx, s.store, domain.CollectionSuppliers, store.All().Order("name"))
}

func (s *Service) ListSupplierTransactions(ctx context.Context, supplierID int64) ([]domain.SupplierTransaction, error) {
	return list[domain.SupplierTransaction](ctx, s.store, domain.CollectionSupplierTransactions,
		store.Where("supplierId", supplierID).Order("createdAt"))
}

func supplierDelta(kind string, amount decimal.Decimal) (decimal.Decimal, bool) {
	switch kind {
	case domain.SupplierTxPurchase:
		return amount, true
	case domain.SupplierTxPayment:
		return amount.Neg(), true
	}
	return decimal.Zero, false
}

// AddSupplierTransaction records a purchase or payment and moves the
// supplier's stored balance by it: purchases add debt, payments reduce it.
func (s *Service) AddSupplierTransaction(ctx context.Context, req domain.SupplierTransactionRequest) (domain.SupplierTransactionResponse, error) {
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	delta, ok := supplierDelta(req.Type, req.Amount)
	if !ok {
		return domain.SupplierTransactionResponse{}, invalid("unknown supplier transaction type %q", req.Type)
	}
	if !positive(req.Amount) {
		return domain.SupplierTransactionResponse{}, invalid("amount must be positive")
	}

	var resp domain.SupplierTransactionResponse
	scope := []domain.Collection{domain.CollectionSuppliers, domain.CollectionSupplierTransactions}
	err := s.update(ctx, scope, func(tx store.Tx) error {
		supplier, err := store.Load[domain.Supplier](tx, domain.CollectionSuppliers, req.SupplierID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrSupplierNotFound, req.SupplierID)
		}
		if err != nil {
			return err
		}

		entry := domain.SupplierTransaction{
			SupplierID: supplier.ID,
			Type:       req.Type,
			Amount:     req.Amount,
			Currency:   supplier.Currency,
			Note:       strings.TrimSpace(req.Note),
			CreatedBy:  actorName(ctx),
			CreatedAt:  s.now(),
		}
		if err := s.create(tx, domain.CollectionSupplierTransactions, &entry); err != nil {
			return err
		}

		supplier.TotalDebt = supplier.TotalDebt.Add(delta)
		if err := s.save(tx, domain.CollectionSuppliers, supplier); err != nil {
			return err
		}
		resp = domain.SupplierTransactionResponse{Transaction: entry, Supplier: *supplier}
		return nil
	})
	return resp, err
}

// ReconcileSupplierBalances recomputes every supplier's balance from its
// opening balance plus its transactions and repairs the ones that drifted.
func (s *Service) ReconcileSupplierBalances(ctx context.Context) ([]domain.BalanceCorrection, error) {
	if err := requireOwner(ctx); err != nil {
		return nil, err
	}

	corrections := []domain.BalanceCorrection{}
	err := s.update(ctx, []domain.Collection{domain.CollectionSuppliers}, func(tx store.Tx) error {
		suppliers, err := store.Select[domain.Supplier](tx, domain.CollectionSuppliers, store.All())
		if err != nil {
			return err
		}
		for i := range suppliers {
			supplier := &suppliers[i]
			history, err := store.Select[domain.SupplierTransaction](tx, domain.CollectionSupplierTransactions,
				store.Where("supplierId", supplier.ID))
			if err != nil {
				return err
			}
			balance := supplier.OpeningBalance
			for _, h := range history {
				if delta, ok := supplierDelta(h.Type, h.Amount); ok {
					balance = balance.Add(delta)
				}
			}
			if balance.Equal(supplier.TotalDebt) {
				continue
			}
			corrections = append(corrections, domain.BalanceCorrection{
				SupplierID: supplier.ID,
				Stored:     supplier.TotalDebt,
				Recomputed: balance,
			})
			s.log.Warn("supplier balance drifted",
				slog.Int64("supplier_id", supplier.ID),
				slog.String("stored", supplier.TotalDebt.String()),
				slog.String("recomputed", balance.String()))
			supplier.TotalDebt = balance
			if err := s.save(tx, domain.CollectionSuppliers, supplier); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return corrections, nil
}
