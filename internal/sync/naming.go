package sync

import "kwaribook/backend/internal/domain"

// Naming resolves local collections to remote collection ids. Secondary
// collections use fixed ids equal to their local names; the primary ones
// can be renamed per deployment.
type Naming struct {
	DatabaseID string
	Sales      string
	Inventory  string
	Brokers    string
}

func (n Naming) CollectionID(c domain.Collection) string {
	switch c {
	case domain.CollectionSales:
		if n.Sales != "" {
			return n.Sales
		}
	case domain.CollectionInventory:
		if n.Inventory != "" {
			return n.Inventory
		}
	case domain.CollectionBrokers:
		if n.Brokers != "" {
			return n.Brokers
		}
	}
	return string(c)
}
