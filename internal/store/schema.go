package store

import (
	"fmt"
	"sort"

	"kwaribook/backend/internal/domain"
)

// Version is the full shape of the store at one schema version: every
// collection it holds and the body fields indexed in each. remoteId is
// always indexed and need not be listed.
type Version struct {
	Number      int
	Collections map[domain.Collection][]string
}

// Schema is the ordered list of store versions. Upgrades are additive only:
// a version may add collections and indexes but never drop them.
type Schema struct {
	Versions []Version
}

func (s Schema) Validate() error {
	if len(s.Versions) == 0 {
		return fmt.Errorf("%w: no versions", ErrSchema)
	}
	var prev *Version
	for i := range s.Versions {
		v := &s.Versions[i]
		if v.Number != i+1 {
			return fmt.Errorf("%w: version %d at position %d", ErrSchema, v.Number, i+1)
		}
		for c, fields := range v.Collections {
			if !validField(string(c)) {
				return fmt.Errorf("%w: collection name %q", ErrSchema, c)
			}
			for _, f := range fields {
				if !validField(f) {
					return fmt.Errorf("%w: index %q on %s", ErrSchema, f, c)
				}
			}
		}
		if prev != nil {
			for c, fields := range prev.Collections {
				next, ok := v.Collections[c]
				if !ok {
					return fmt.Errorf("%w: version %d drops collection %s", ErrSchema, v.Number, c)
				}
				for _, f := range fields {
					if !contains(next, f) {
						return fmt.Errorf("%w: version %d drops index %s.%s", ErrSchema, v.Number, c, f)
					}
				}
			}
		}
		prev = v
	}
	return nil
}

func (s Schema) Latest() Version {
	if len(s.Versions) == 0 {
		return Version{}
	}
	return s.Versions[len(s.Versions)-1]
}

func (s Schema) Has(c domain.Collection) bool {
	_, ok := s.Latest().Collections[c]
	return ok
}

// CollectionNames returns the latest collections in a stable order.
func (v Version) CollectionNames() []domain.Collection {
	names := make([]domain.Collection, 0, len(v.Collections))
	for c := range v.Collections {
		names = append(names, c)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Extend derives the next version from v. Indexes listed for a collection
// are appended to the ones it already has.
func (v Version) Extend(additions map[domain.Collection][]string) Version {
	next := Version{Number: v.Number + 1, Collections: make(map[domain.Collection][]string, len(v.Collections)+len(additions))}
	for c, fields := range v.Collections {
		next.Collections[c] = append([]string(nil), fields...)
	}
	for c, fields := range additions {
		for _, f := range fields {
			if !contains(next.Collections[c], f) {
				next.Collections[c] = append(next.Collections[c], f)
			}
		}
		if _, ok := next.Collections[c]; !ok {
			next.Collections[c] = []string{}
		}
	}
	return next
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func buildVersions(first map[domain.Collection][]string, more ...map[domain.Collection][]string) []Version {
	v := Version{}.Extend(first)
	versions := []Version{v}
	for _, add := range more {
		v = v.Extend(add)
		versions = append(versions, v)
	}
	return versions
}

// DefaultSchema is the bookkeeping store layout.
var DefaultSchema = Schema{Versions: buildVersions(
	map[domain.Collection][]string{
		domain.CollectionSales:     {"customerId", "status", "createdAt"},
		domain.CollectionInventory: {"name", "category"},
		domain.CollectionCustomers: {"name", "phone"},
		domain.CollectionExpenses:  {"category", "createdAt"},
		domain.CollectionSyncQueue: {"status", "enqueuedAt", "nextAttemptAt", "documentId"},
		domain.CollectionUsers:     {"username"},
	},
	map[domain.Collection][]string{
		domain.CollectionShops:        {"name"},
		domain.CollectionTransfers:    {"fromShopId", "toShopId"},
		domain.CollectionBrokers:      {"name"},
		domain.CollectionDebtPayments: {"saleId"},
		domain.CollectionSales:        {"shopId"},
		domain.CollectionInventory:    {"shopId", "parentId"},
	},
	map[domain.Collection][]string{
		domain.CollectionSuppliers:            {"name"},
		domain.CollectionSupplierTransactions: {"supplierId"},
		domain.CollectionZakat:                {"year"},
		domain.CollectionMarketLevies:         {"period"},
	},
	map[domain.Collection][]string{
		domain.CollectionDealers:   {"name"},
		domain.CollectionBundles:   {"dealerId"},
		domain.CollectionYards:     {"bundleId"},
		domain.CollectionInventory: {"bundleId", "yardId"},
	},
)}
