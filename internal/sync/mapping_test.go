package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/remote"
)

func salesSpec(t *testing.T) domain.CollectionSpec {
	t.Helper()
	spec, ok := domain.LookupSpec(domain.CollectionSales)
	require.True(t, ok)
	return spec
}

func TestToRemoteEncodesTypedAttributes(t *testing.T) {
	created := time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)
	sale := domain.Sale{
		Meta:        domain.Meta{ID: 7, UpdatedAt: created},
		CustomerID:  3,
		Items:       []domain.SaleItem{{InventoryID: 2, Name: "Ankara", Quantity: decimal.NewFromInt(4), UnitPrice: decimal.RequireFromString("1250.50")}},
		TotalAmount: decimal.RequireFromString("5002"),
		Status:      domain.SaleStatusCredit,
		CreatedAt:   created,
	}
	body, err := json.Marshal(sale)
	require.NoError(t, err)

	fields, err := ToRemote(salesSpec(t), body)
	require.NoError(t, err)

	assert.Equal(t, int64(7), fields[domain.LocalIDAttribute])
	assert.Equal(t, int64(3), fields["customerId"])
	assert.Equal(t, 5002.0, fields["totalAmount"])
	assert.Equal(t, "credit", fields["status"])
	assert.Equal(t, false, fields["isReversed"])
	assert.Equal(t, "2024-03-09T10:30:00Z", fields["createdAt"])

	items, ok := fields["items"].(string)
	require.True(t, ok, "items travel as a string")
	assert.Contains(t, items, `"name":"Ankara"`)

	_, hasReversedAt := fields["reversedAt"]
	assert.False(t, hasReversedAt)
	_, hasUpdatedAt := fields["updatedAt"]
	assert.False(t, hasUpdatedAt, "local bookkeeping columns stay local")
	_, hasID := fields["id"]
	assert.False(t, hasID)
}

func TestToRemoteRejectsMistypedValues(t *testing.T) {
	_, err := ToRemote(salesSpec(t), []byte(`{"id":1,"customerId":"three"}`))
	assert.Error(t, err)
}

func TestFromRemoteRestoresLocalTypes(t *testing.T) {
	doc := remote.Document{ID: "r-9", Fields: map[string]any{
		"customerId":  float64(3),
		"totalAmount": 5002.25,
		"status":      "salo",
		"isReversed":  true,
		"reversedAt":  "2024-03-10T08:00:00.5Z",
		"items":       `[{"inventoryId":2,"name":"Ankara","quantity":"4","unitPrice":"1250.5"}]`,
		"localId":     float64(7),
		"$createdAt":  "ignored",
	}}

	fields, err := FromRemote(salesSpec(t), doc)
	require.NoError(t, err)
	assert.Equal(t, "r-9", fields["remoteId"])
	_, hasLocalID := fields["localId"]
	assert.False(t, hasLocalID)

	body, err := json.Marshal(fields)
	require.NoError(t, err)
	var sale domain.Sale
	require.NoError(t, json.Unmarshal(body, &sale))

	assert.Equal(t, "r-9", sale.RemoteID)
	assert.Equal(t, int64(3), sale.CustomerID)
	assert.True(t, sale.TotalAmount.Equal(decimal.RequireFromString("5002.25")))
	assert.True(t, sale.IsReversed)
	require.NotNil(t, sale.ReversedAt)
	assert.Equal(t, 500*time.Millisecond, time.Duration(sale.ReversedAt.Nanosecond()))
	require.Len(t, sale.Items, 1)
	assert.True(t, sale.Items[0].LineTotal().Equal(decimal.RequireFromString("5002")))
}

func TestFromRemoteRejectsFractionalIntegers(t *testing.T) {
	doc := remote.Document{ID: "r-1", Fields: map[string]any{"customerId": 2.5}}
	_, err := FromRemote(salesSpec(t), doc)
	assert.Error(t, err)
}

func TestRoundTripKeepsBody(t *testing.T) {
	spec, ok := domain.LookupSpec(domain.CollectionInventory)
	require.True(t, ok)
	item := domain.InventoryItem{
		Meta:      domain.Meta{ID: 4},
		Name:      "Lace",
		Quantity:  decimal.RequireFromString("12.5"),
		Unit:      domain.UnitYards,
		SellPrice: decimal.NewFromInt(900),
		ShopID:    2,
		IsRemnant: true,
	}
	body, err := json.Marshal(item)
	require.NoError(t, err)

	out, err := ToRemote(spec, body)
	require.NoError(t, err)
	back, err := FromRemote(spec, remote.Document{ID: "inv-4", Fields: jsonRoundTrip(t, out)})
	require.NoError(t, err)

	raw, err := json.Marshal(back)
	require.NoError(t, err)
	var got domain.InventoryItem
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "Lace", got.Name)
	assert.True(t, got.Quantity.Equal(item.Quantity))
	assert.True(t, got.SellPrice.Equal(item.SellPrice))
	assert.Equal(t, int64(2), got.ShopID)
	assert.True(t, got.IsRemnant)
	assert.Equal(t, "inv-4", got.RemoteID)
}

func TestNamingResolvesConfiguredCollections(t *testing.T) {
	n := Naming{DatabaseID: "db", Sales: "sales_2024", Brokers: "agents"}
	assert.Equal(t, "sales_2024", n.CollectionID(domain.CollectionSales))
	assert.Equal(t, "agents", n.CollectionID(domain.CollectionBrokers))
	assert.Equal(t, "inventory", n.CollectionID(domain.CollectionInventory))
	assert.Equal(t, "debt_payments", n.CollectionID(domain.CollectionDebtPayments))
}

func jsonRoundTrip(t *testing.T, in map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
