package domain

import "fmt"

// Collection names a local collection. Remote collection ids are resolved
// separately by the sync engine.
type Collection string

const (
	CollectionSales                Collection = "sales"
	CollectionInventory            Collection = "inventory"
	CollectionCustomers            Collection = "customers"
	CollectionSuppliers            Collection = "suppliers"
	CollectionSupplierTransactions Collection = "supplier_transactions"
	CollectionDealers              Collection = "dealers"
	CollectionBundles              Collection = "bundles"
	CollectionYards                Collection = "yards"
	CollectionBrokers              Collection = "brokers"
	CollectionShops                Collection = "shops"
	CollectionTransfers            Collection = "transfers"
	CollectionExpenses             Collection = "expenses"
	CollectionMarketLevies         Collection = "market_levies"
	CollectionZakat                Collection = "zakat"
	CollectionDebtPayments         Collection = "debt_payments"
	CollectionUsers                Collection = "users"
	CollectionSyncQueue            Collection = "sync_queue"
)

type AttributeType string

const (
	AttrString   AttributeType = "string"
	AttrInteger  AttributeType = "integer"
	AttrFloat    AttributeType = "float"
	AttrBoolean  AttributeType = "boolean"
	AttrDatetime AttributeType = "datetime"
	// AttrJSON is stored remotely as a string holding the encoded value.
	AttrJSON     AttributeType = "json"
)

type Attribute struct {
	Key      string
	Type     AttributeType
	Size     int
	Required bool
}

// CollectionSpec describes how a replicated collection looks on the remote side.
type CollectionSpec struct {
	Name       Collection
	Attributes []Attribute
}

func (s CollectionSpec) Attribute(key string) (Attribute, bool) {
	for _, attr := range s.Attributes {
		if attr.Key == key {
			return attr, true
		}
	}
	return Attribute{}, false
}

func str(key string) Attribute      { return Attribute{Key: key, Type: AttrString, Size: 255} }
func reqStr(key string) Attribute   { return Attribute{Key: key, Type: AttrString, Size: 255, Required: true} }
func integer(key string) Attribute  { return Attribute{Key: key, Type: AttrInteger} }
func float(key string) Attribute    { return Attribute{Key: key, Type: AttrFloat} }
func boolean(key string) Attribute  { return Attribute{Key: key, Type: AttrBoolean} }
func datetime(key string) Attribute { return Attribute{Key: key, Type: AttrDatetime} }
func encoded(key string) Attribute  { return Attribute{Key: key, Type: AttrJSON, Size: 65535} }

// LocalIDAttribute carries the originating device's local id as a cross
// reference; it is never used as the remote primary key.
const LocalIDAttribute = "localId"

// Catalog lists every replicated collection in pull order: referenced
// collections come before the collections that reference them.
var Catalog = []CollectionSpec{
	{Name: CollectionShops, Attributes: []Attribute{reqStr("name"), str("location"), datetime("createdAt")}},
	{Name: CollectionUsers, Attributes: []Attribute{
		reqStr("username"), str("passwordHash"), str("role"), boolean("active"), datetime("createdAt"),
	}},
	{Name: CollectionCustomers, Attributes: []Attribute{reqStr("name"), str("phone"), str("address"), datetime("createdAt")}},
	{Name: CollectionBrokers, Attributes: []Attribute{reqStr("name"), str("phone"), float("commissionRate"), datetime("createdAt")}},
	{Name: CollectionSuppliers, Attributes: []Attribute{
		reqStr("name"), str("phone"), str("currency"), float("totalDebt"), float("openingBalance"), datetime("createdAt"),
	}},
	{Name: CollectionDealers, Attributes: []Attribute{reqStr("name"), str("phone"), str("location"), datetime("createdAt")}},
	{Name: CollectionBundles, Attributes: []Attribute{
		integer("dealerId"), reqStr("name"), str("fabricType"), float("purchasePrice"), integer("shopId"), datetime("createdAt"),
	}},
	{Name: CollectionYards, Attributes: []Attribute{
		integer("bundleId"), reqStr("name"), str("color"), float("quantity"), float("sellPrice"), integer("inventoryId"), datetime("createdAt"),
	}},
	{Name: CollectionInventory, Attributes: []Attribute{
		reqStr("name"), str("category"), float("quantity"), str("unit"), float("sellPrice"),
		float("wholesalePrice"), float("wholesaleMinQty"), float("purchasePrice"), str("purchaseCurrency"),
		integer("shopId"), integer("parentId"), integer("bundleId"), integer("yardId"), boolean("isRemnant"),
		datetime("createdAt"),
	}},
	{Name: CollectionSales, Attributes: []Attribute{
		integer("customerId"), str("customerName"), encoded("items"), float("totalAmount"), reqStr("status"),
		integer("shopId"), integer("brokerId"), float("brokerCommission"), boolean("isReversed"),
		str("reversedBy"), str("reversalReason"), datetime("reversedAt"), str("createdBy"), datetime("createdAt"),
	}},
	{Name: CollectionDebtPayments, Attributes: []Attribute{
		integer("saleId"), float("amount"), str("receivedBy"), datetime("createdAt"),
	}},
	{Name: CollectionSupplierTransactions, Attributes: []Attribute{
		integer("supplierId"), reqStr("type"), float("amount"), str("currency"), str("note"), str("createdBy"), datetime("createdAt"),
	}},
	{Name: CollectionTransfers, Attributes: []Attribute{
		integer("inventoryId"), integer("destinationId"), str("itemName"), integer("fromShopId"), integer("toShopId"),
		float("quantity"), str("transferredBy"), datetime("createdAt"),
	}},
	{Name: CollectionExpenses, Attributes: []Attribute{
		reqStr("category"), float("amount"), str("note"), integer("shopId"), str("createdBy"), datetime("createdAt"),
	}},
	{Name: CollectionMarketLevies, Attributes: []Attribute{
		float("amount"), str("period"), integer("shopId"), str("note"), str("createdBy"), datetime("createdAt"),
	}},
	{Name: CollectionZakat, Attributes: []Attribute{
		float("amount"), integer("year"), str("recipient"), str("note"), str("createdBy"), datetime("createdAt"),
	}},
}

func LookupSpec(c Collection) (CollectionSpec, bool) {
	for _, spec := range Catalog {
		if spec.Name == c {
			return spec, true
		}
	}
	return CollectionSpec{}, false
}

// PullOrder returns replicated collections in the order a pull visits them.
func PullOrder() []Collection {
	order := make([]Collection, 0, len(Catalog))
	for _, spec := range Catalog {
		order = append(order, spec.Name)
	}
	return order
}

// NewEntity returns an empty record of the type stored in c. Every replicated
// collection must have a case here; the catalog test enforces it.
func NewEntity(c Collection) (Entity, error) {
	switch c {
	case CollectionSales:
		return &Sale{}, nil
	case CollectionInventory:
		return &InventoryItem{}, nil
	case CollectionCustomers:
		return &Customer{}, nil
	case CollectionSuppliers:
		return &Supplier{}, nil
	case CollectionSupplierTransactions:
		return &SupplierTransaction{}, nil
	case CollectionDealers:
		return &Dealer{}, nil
	case CollectionBundles:
		return &Bundle{}, nil
	case CollectionYards:
		return &Yard{}, nil
	case CollectionBrokers:
		return &Broker{}, nil
	case CollectionShops:
		return &Shop{}, nil
	case CollectionTransfers:
		return &StockTransfer{}, nil
	case CollectionExpenses:
		return &Expense{}, nil
	case CollectionMarketLevies:
		return &MarketLevy{}, nil
	case CollectionZakat:
		return &ZakatPayment{}, nil
	case CollectionDebtPayments:
		return &DebtPayment{}, nil
	case CollectionUsers:
		return &User{}, nil
	}
	return nil, fmt.Errorf("collection %q has no entity type", c)
}
