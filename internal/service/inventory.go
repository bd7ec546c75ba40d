package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
)

func (s *Service) CreateInventoryItem(ctx context.Context, item domain.InventoryItem) (domain.InventoryItem, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return domain.InventoryItem{}, invalid("inventory name is required")
	}
	if item.Quantity.IsNegative() || item.SellPrice.IsNegative() || item.PurchasePrice.IsNegative() {
		return domain.InventoryItem{}, invalid("negative quantity or price")
	}
	item.Meta = domain.Meta{}
	item.Unit = defaultString(item.Unit, domain.UnitPieces)
	item.YardID, item.BundleID = 0, 0
	item.CreatedAt = s.now()

	err := s.update(ctx, []domain.Collection{domain.CollectionInventory}, func(tx store.Tx) error {
		return s.create(tx, domain.CollectionInventory, &item)
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return item, nil
}

// ListInventory lists a shop's rows by name, or every row when shopID is 0.
func (s *Service) ListInventory(ctx context.Context, shopID int64) ([]domain.InventoryItem, error) {
	q := store.All()
	if shopID != 0 {
		q = store.Where("shopId", shopID)
	}
	return list[domain.InventoryItem](ctx, s.store, domain.CollectionInventory, q.Order("name"))
}

func (s *Service) GetInventoryItem(ctx context.Context, id int64) (domain.InventoryItem, error) {
	var item *domain.InventoryItem
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		item, err = loadInventory(tx, id)
		return err
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return *item, nil
}

// TransferStock moves quantity from one inventory row to the row with the
// same name in the destination shop, creating that row from the source's
// attributes when the shop has none.
func (s *Service) TransferStock(ctx context.Context, req domain.TransferRequest) (domain.TransferResponse, error) {
	if !positive(req.Quantity) {
		return domain.TransferResponse{}, invalid("transfer quantity must be positive")
	}
	if req.ToShopID == 0 {
		return domain.TransferResponse{}, invalid("destination shop is required")
	}

	var resp domain.TransferResponse
	scope := []domain.Collection{domain.CollectionInventory, domain.CollectionYards, domain.CollectionTransfers}
	err := s.update(ctx, scope, func(tx store.Tx) error {
		source, err := loadInventory(tx, req.InventoryID)
		if err != nil {
			return err
		}
		if source.ShopID == req.ToShopID {
			return invalid("item %d is already in shop %d", source.ID, req.ToShopID)
		}
		if source.Quantity.LessThan(req.Quantity) {
			return fmt.Errorf("%w: %s has %s, transfer needs %s",
				store.ErrInsufficientStock, source.Name, source.Quantity, req.Quantity)
		}
		before := *source

		if err := s.adjustStock(tx, source, req.Quantity.Neg()); err != nil {
			return err
		}

		dest, err := store.First[domain.InventoryItem](tx, domain.CollectionInventory,
			store.Where("name", before.Name).And("shopId", req.ToShopID))
		switch {
		case err == nil:
			if err := s.adjustStock(tx, dest, req.Quantity); err != nil {
				return err
			}
		case errors.Is(err, store.ErrNotFound):
			clone := before
			clone.Meta = domain.Meta{}
			clone.ShopID = req.ToShopID
			clone.Quantity = req.Quantity
			clone.YardID = 0
			clone.BundleID = 0
			clone.ParentID = 0
			clone.CreatedAt = s.now()
			if err := s.create(tx, domain.CollectionInventory, &clone); err != nil {
				return err
			}
			dest = &clone
		default:
			return err
		}

		transfer := domain.StockTransfer{
			InventoryID:   source.ID,
			DestinationID: dest.ID,
			ItemName:      before.Name,
			FromShopID:    before.ShopID,
			ToShopID:      req.ToShopID,
			Quantity:      req.Quantity,
			TransferredBy: actorName(ctx),
			CreatedAt:     s.now(),
		}
		if err := s.create(tx, domain.CollectionTransfers, &transfer); err != nil {
			return err
		}
		resp = domain.TransferResponse{Transfer: transfer, Source: *source, Destination: *dest}
		return nil
	})
	return resp, err
}

func (s *Service) ListTransfers(ctx context.Context, shopID int64) ([]domain.StockTransfer, error) {
	transfers, err := list[domain.StockTransfer](ctx, s.store, domain.CollectionTransfers, store.All().Order("createdAt").Descending())
	if err != nil || shopID == 0 {
		return transfers, err
	}
	out := transfers[:0]
	for _, t := range transfers {
		if t.FromShopID == shopID || t.ToShopID == shopID {
			out = append(out, t)
		}
	}
	return out, nil
}

// CutRemnant cuts quantity off a bulk row into a new remnant row linked to
// it, usually at a discounted price.
func (s *Service) CutRemnant(ctx context.Context, req domain.RemnantRequest) (domain.InventoryItem, error) {
	if !positive(req.Quantity) {
		return domain.InventoryItem{}, invalid("remnant quantity must be positive")
	}
	if req.SellPrice.IsNegative() {
		return domain.InventoryItem{}, invalid("negative remnant price")
	}

	var remnant domain.InventoryItem
	scope := []domain.Collection{domain.CollectionInventory, domain.CollectionYards}
	err := s.update(ctx, scope, func(tx store.Tx) error {
		source, err := loadInventory(tx, req.InventoryID)
		if err != nil {
			return err
		}
		if source.Quantity.LessThan(req.Quantity) {
			return fmt.Errorf("%w: %s has %s, remnant needs %s",
				store.ErrInsufficientStock, source.Name, source.Quantity, req.Quantity)
		}

		remnant = *source
		remnant.Meta = domain.Meta{}
		remnant.Quantity = req.Quantity
		remnant.ParentID = source.ID
		remnant.YardID = 0
		remnant.IsRemnant = true
		remnant.CreatedAt = s.now()
		if !req.SellPrice.IsZero() {
			remnant.SellPrice = req.SellPrice
		}

		if err := s.adjustStock(tx, source, req.Quantity.Neg()); err != nil {
			return err
		}
		return s.create(tx, domain.CollectionInventory, &remnant)
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return remnant, nil
}

// AddDealerHierarchy creates a dealer, its bundles and their yards in one
// transaction. Every yard gets an inventory row in yards with the same
// quantity, linked back through bundleId and yardId.
func (s *Service) AddDealerHierarchy(ctx context.Context, req domain.DealerHierarchyRequest) (domain.DealerHierarchy, error) {
	if strings.TrimSpace(req.Dealer.Name) == "" {
		return domain.DealerHierarchy{}, invalid("dealer name is required")
	}
	for i, b := range req.Bundles {
		if strings.TrimSpace(b.Bundle.Name) == "" {
			return domain.DealerHierarchy{}, invalid("bundle %d has no name", i)
		}
		for _, y := range b.Yards {
			if strings.TrimSpace(y.Name) == "" || y.Quantity.IsNegative() {
				return domain.DealerHierarchy{}, invalid("bad yard in bundle %q", b.Bundle.Name)
			}
		}
	}

	now := s.now()
	var out domain.DealerHierarchy
	scope := []domain.Collection{domain.CollectionDealers, domain.CollectionBundles, domain.CollectionYards, domain.CollectionInventory}
	err := s.update(ctx, scope, func(tx store.Tx) error {
		dealer := req.Dealer
		dealer.Meta = domain.Meta{}
		dealer.Name = strings.TrimSpace(dealer.Name)
		dealer.CreatedAt = now
		if err := s.create(tx, domain.CollectionDealers, &dealer); err != nil {
			return err
		}
		out.Dealer = dealer

		for _, br := range req.Bundles {
			bundle := br.Bundle
			bundle.Meta = domain.Meta{}
			bundle.DealerID = dealer.ID
			bundle.CreatedAt = now
			if err := s.create(tx, domain.CollectionBundles, &bundle); err != nil {
				return err
			}
			out.Bundles = append(out.Bundles, bundle)

			for _, y := range br.Yards {
				yard := y
				yard.Meta = domain.Meta{}
				yard.BundleID = bundle.ID
				yard.CreatedAt = now
				if err := store.Insert(tx, domain.CollectionYards, &yard); err != nil {
					return err
				}

				mirror := domain.InventoryItem{
					Name:          strings.TrimSpace(yard.Name),
					Category:      bundle.FabricType,
					Quantity:      yard.Quantity,
					Unit:          domain.UnitYards,
					SellPrice:     yard.SellPrice,
					PurchasePrice: bundle.PurchasePrice,
					ShopID:        bundle.ShopID,
					BundleID:      bundle.ID,
					YardID:        yard.ID,
					CreatedAt:     now,
				}
				if err := s.create(tx, domain.CollectionInventory, &mirror); err != nil {
					return err
				}

				yard.InventoryID = mirror.ID
				if err := store.Save(tx, domain.CollectionYards, &yard); err != nil {
					return err
				}
				if _, err := s.queue.Enqueue(tx, domain.ActionCreate, domain.CollectionYards, &yard); err != nil {
					return err
				}
				out.Yards = append(out.Yards, yard)
				out.Inventory = append(out.Inventory, mirror)
			}
		}
		return nil
	})
	if err != nil {
		return domain.DealerHierarchy{}, err
	}
	return out, nil
}

func (s *Service) ListDealers(ctx context.Context) ([]domain.Dealer, error) {
	return list[domain.Dealer](ctx, s.store, domain.CollectionDealers, store.All().Order("name"))
}

func (s *Service) ListBundles(ctx context.Context, dealerID int64) ([]domain.Bundle, error) {
	return list[domain.Bundle](ctx, s.store, domain.CollectionBundles, store.Where("dealerId", dealerID))
}

func (s *Service) ListYards(ctx context.Context, bundleID int64) ([]domain.Yard, error) {
	return list[domain.Yard](ctx, s.store, domain.CollectionYards, store.Where("bundleId", bundleID))
}
