package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meta is carried by every locally owned record. ID is assigned by the local
// store, RemoteID once the record has been echoed to the remote store.
type Meta struct {
	ID        int64     `json:"id"`
	RemoteID  string    `json:"remoteId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m *Meta) Base() *Meta { return m }

// Entity is implemented by every record type through its embedded Meta.
type Entity interface {
	Base() *Meta
}

type SaleItem struct {
	InventoryID int64           `json:"inventoryId"`
	Name        string          `json:"name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	UnitCost    decimal.Decimal `json:"unitCost"`
}

func (i SaleItem) LineTotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice)
}

type Sale struct {
	Meta
	CustomerID       int64           `json:"customerId,omitempty"`
	CustomerName     string          `json:"customerName,omitempty"`
	Items            []SaleItem      `json:"items"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Status           string          `json:"status"`
	ShopID           int64           `json:"shopId,omitempty"`
	BrokerID         int64           `json:"brokerId,omitempty"`
	BrokerCommission decimal.Decimal `json:"brokerCommission"`
	IsReversed       bool            `json:"isReversed"`
	ReversedBy       string          `json:"reversedBy,omitempty"`
	ReversalReason   string          `json:"reversalReason,omitempty"`
	ReversedAt       *time.Time      `json:"reversedAt,omitempty"`
	CreatedBy        string          `json:"createdBy,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type InventoryItem struct {
	Meta
	Name             string          `json:"name"`
	Category         string          `json:"category,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	Unit             string          `json:"unit"`
	SellPrice        decimal.Decimal `json:"sellPrice"`
	WholesalePrice   decimal.Decimal `json:"wholesalePrice"`
	WholesaleMinQty  decimal.Decimal `json:"wholesaleMinQty"`
	PurchasePrice    decimal.Decimal `json:"purchasePrice"`
	PurchaseCurrency string          `json:"purchaseCurrency,omitempty"`
	ShopID           int64           `json:"shopId,omitempty"`
	ParentID         int64           `json:"parentId,omitempty"`
	BundleID         int64           `json:"bundleId,omitempty"`
	YardID           int64           `json:"yardId,omitempty"`
	IsRemnant        bool            `json:"isRemnant"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type Dealer struct {
	Meta
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Bundle struct {
	Meta
	DealerID      int64           `json:"dealerId"`
	Name          string          `json:"name"`
	FabricType    string          `json:"fabricType,omitempty"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	ShopID        int64           `json:"shopId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type Yard struct {
	Meta
	BundleID    int64           `json:"bundleId"`
	Name        string          `json:"name"`
	Color       string          `json:"color,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	SellPrice   decimal.Decimal `json:"sellPrice"`
	InventoryID int64           `json:"inventoryId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type Customer struct {
	Meta
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Broker struct {
	Meta
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type Supplier struct {
	Meta
	Name      string          `json:"name"`
	Phone     string          `json:"phone,omitempty"`
	Currency  string          `json:"currency"`
	TotalDebt decimal.Decimal `json:"totalDebt"`

	// OpeningBalance is the debt carried in when the supplier was added,
	// before any recorded transaction.
	OpeningBalance decimal.Decimal `json:"openingBalance"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type SupplierTransaction struct {
	Meta
	SupplierID int64           `json:"supplierId"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	Note       string          `json:"note,omitempty"`
	CreatedBy  string          `json:"createdBy,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type Shop struct {
	Meta
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Expense struct {
	Meta
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note,omitempty"`
	ShopID    int64           `json:"shopId,omitempty"`
	CreatedBy string          `json:"createdBy,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type StockTransfer struct {
	Meta
	InventoryID   int64           `json:"inventoryId"`
	DestinationID int64           `json:"destinationId"`
	ItemName      string          `json:"itemName"`
	FromShopID    int64           `json:"fromShopId"`
	ToShopID      int64           `json:"toShopId"`
	Quantity      decimal.Decimal `json:"quantity"`
	TransferredBy string          `json:"transferredBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type DebtPayment struct {
	Meta
	SaleID     int64           `json:"saleId"`
	Amount     decimal.Decimal `json:"amount"`
	ReceivedBy string          `json:"receivedBy,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type ZakatPayment struct {
	Meta
	Amount    decimal.Decimal `json:"amount"`
	Year      int             `json:"year"`
	Recipient string          `json:"recipient,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedBy string          `json:"createdBy,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type MarketLevy struct {
	Meta
	Amount    decimal.Decimal `json:"amount"`
	Period    string          `json:"period"`
	ShopID    int64           `json:"shopId,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedBy string          `json:"createdBy,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// User is the persisted credential record behind local logins.
type User struct {
	Meta
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type RecordSaleRequest struct {
	CustomerID       int64           `json:"customerId"`
	CustomerName     string          `json:"customerName"`
	Status           string          `json:"status"`
	ShopID           int64           `json:"shopId"`
	BrokerID         int64           `json:"brokerId"`
	BrokerCommission decimal.Decimal `json:"brokerCommission"`
	Items            []SaleItem      `json:"items"`
}

type ReverseSaleRequest struct {
	Reason string `json:"reason"`
}

type TransferRequest struct {
	InventoryID int64           `json:"inventoryId"`
	ToShopID    int64           `json:"toShopId"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type SupplierTransactionRequest struct {
	SupplierID int64           `json:"supplierId"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note"`
}

type RemnantRequest struct {
	InventoryID int64           `json:"inventoryId"`
	Quantity    decimal.Decimal `json:"quantity"`
	SellPrice   decimal.Decimal `json:"sellPrice"`
}

type DebtPaymentRequest struct {
	SaleID int64           `json:"saleId"`
	Amount decimal.Decimal `json:"amount"`
}

type DebtPaymentResponse struct {
	Payment     DebtPayment     `json:"payment"`
	Sale        Sale            `json:"sale"`
	TotalPaid   decimal.Decimal `json:"totalPaid"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type SupplierTransactionResponse struct {
	Transaction SupplierTransaction `json:"transaction"`
	Supplier    Supplier            `json:"supplier"`
}

type TransferResponse struct {
	Transfer    StockTransfer `json:"transfer"`
	Source      InventoryItem `json:"source"`
	Destination InventoryItem `json:"destination"`
}

// BundleRequest is one bundle of a dealer delivery with the yards cut from it.
type BundleRequest struct {
	Bundle Bundle `json:"bundle"`
	Yards  []Yard `json:"yards"`
}

type DealerHierarchyRequest struct {
	Dealer  Dealer          `json:"dealer"`
	Bundles []BundleRequest `json:"bundles"`
}

type DealerHierarchy struct {
	Dealer    Dealer          `json:"dealer"`
	Bundles   []Bundle        `json:"bundles"`
	Yards     []Yard          `json:"yards"`
	Inventory []InventoryItem `json:"inventory"`
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// BalanceCorrection reports a supplier whose stored balance drifted from
// the sum of its transactions.
type BalanceCorrection struct {
	SupplierID int64           `json:"supplierId"`
	Stored     decimal.Decimal `json:"stored"`
	Recomputed decimal.Decimal `json:"recomputed"`
}

const (
	SaleStatusPaid   = "paid"
	SaleStatusCredit = "credit"
	SaleStatusSalo   = "salo"
)

const (
	SupplierTxPurchase = "purchase"
	SupplierTxPayment  = "payment"
)

const (
	UnitYards   = "yards"
	UnitPieces  = "pieces"
	UnitBundles = "bundles"
)

const (
	RoleOwner = "owner"
	RoleStaff = "staff"
)

// Action is the kind of remote call a queued mutation replays as.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

func IsCreditStatus(status string) bool {
	return status == SaleStatusCredit || status == SaleStatusSalo
}

func IsValidSaleStatus(status string) bool {
	return status == SaleStatusPaid || IsCreditStatus(status)
}
