package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/outbox"
	remotemem "kwaribook/backend/internal/remote/memory"
	"kwaribook/backend/internal/service"
	storemem "kwaribook/backend/internal/store/memory"
	kwarisync "kwaribook/backend/internal/sync"
)

const testSecret = "test-secret-key-with-at-least-32-chars"

type testAPI struct {
	api    *API
	remote *remotemem.Store
}

// newTestAPI wires the full request path over in-memory local and remote
// stores, with an owner "alhaji" and a staff user "musa".
func newTestAPI(t *testing.T) testAPI {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := storemem.NewDefault()
	queue := outbox.New()
	svc := service.New(st, queue, log)
	rs := remotemem.New()
	engine := kwarisync.New(st, rs, queue, kwarisync.Config{
		Naming:    kwarisync.Naming{DatabaseID: "kwari"},
		Policy:    outbox.DefaultPolicy(),
		PullLimit: 100,
	}, log)

	if _, err := svc.CreateUser(context.Background(), domain.CreateUserRequest{
		Username: "alhaji", Password: "owner-pass", Role: domain.RoleOwner,
	}); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	owner := service.WithActor(context.Background(), domain.Actor{Username: "alhaji", Role: domain.RoleOwner})
	if _, err := svc.CreateUser(owner, domain.CreateUserRequest{
		Username: "musa", Password: "staff-pass", Role: domain.RoleStaff,
	}); err != nil {
		t.Fatalf("create staff: %v", err)
	}

	auth := NewAuthManager(testSecret, time.Hour, svc)
	return testAPI{api: New(svc, engine, auth, "*", log), remote: rs}
}

func (ta testAPI) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func (ta testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ta.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "alhaji", Password: "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRouteNeedsToken(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/api/v1/inventory", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSaleFlowAndReversal(t *testing.T) {
	ta := newTestAPI(t)
	staff := ta.login(t, "musa", "staff-pass")
	owner := ta.login(t, "alhaji", "owner-pass")

	rec := ta.do(t, http.MethodPost, "/api/v1/inventory", staff, map[string]any{
		"name": "Ankara", "quantity": "10", "unit": "yards", "sellPrice": "1500", "purchasePrice": "1000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create inventory: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	item := decodeBody[domain.InventoryItem](t, rec)

	rec = ta.do(t, http.MethodPost, "/api/v1/sales", staff, domain.RecordSaleRequest{
		Items: []domain.SaleItem{{InventoryID: item.ID, Quantity: decimal.NewFromInt(4), UnitPrice: decimal.NewFromInt(1500)}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record sale: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	sale := decodeBody[domain.Sale](t, rec)
	if !sale.TotalAmount.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("expected total 6000, got %s", sale.TotalAmount)
	}

	rec = ta.do(t, http.MethodGet, "/api/v1/inventory/"+itoa(item.ID), staff, nil)
	if got := decodeBody[domain.InventoryItem](t, rec); !got.Quantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected 6 yards left, got %s", got.Quantity)
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/sales/"+itoa(sale.ID)+"/reverse", staff, domain.ReverseSaleRequest{Reason: "returned"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff reversal: expected 403, got %d", rec.Code)
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/sales/"+itoa(sale.ID)+"/reverse", owner, domain.ReverseSaleRequest{Reason: "returned"})
	if rec.Code != http.StatusOK {
		t.Fatalf("owner reversal: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody[map[string]any](t, rec); body["reversed"] != true {
		t.Fatalf("expected reversed:true, got %v", body)
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/sales/"+itoa(sale.ID)+"/reverse", owner, domain.ReverseSaleRequest{Reason: "again"})
	if body := decodeBody[map[string]any](t, rec); body["reversed"] != false {
		t.Fatalf("expected second reversal to be a no-op, got %v", body)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ta := newTestAPI(t)
	staff := ta.login(t, "musa", "staff-pass")

	rec := ta.do(t, http.MethodGet, "/api/v1/sales/999", staff, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown sale: expected 404, got %d", rec.Code)
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/shops", staff, domain.Shop{Name: "  "})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank shop: expected 422, got %d", rec.Code)
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/inventory", staff, map[string]any{"name": "Lace", "quantity": "2"})
	item := decodeBody[domain.InventoryItem](t, rec)
	rec = ta.do(t, http.MethodPost, "/api/v1/inventory/transfers", staff, domain.TransferRequest{
		InventoryID: item.ID, ToShopID: 2, Quantity: decimal.NewFromInt(5),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("oversized transfer: expected 409, got %d", rec.Code)
	}

	rec = ta.do(t, http.MethodGet, "/api/v1/sales/abc", staff, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestUsersHidePasswordHash(t *testing.T) {
	ta := newTestAPI(t)
	owner := ta.login(t, "alhaji", "owner-pass")

	rec := ta.do(t, http.MethodPost, "/api/v1/users", owner, domain.CreateUserRequest{Username: "hauwa", Password: "secret-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = ta.do(t, http.MethodGet, "/api/v1/users", owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list users: expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "passwordHash") || strings.Contains(rec.Body.String(), "$2a$") {
		t.Fatalf("user listing leaked hashes: %s", rec.Body.String())
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/users/hauwa/active", owner, map[string]bool{"active": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "hauwa", Password: "secret-1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("inactive login: expected 401, got %d", rec.Code)
	}
}

func TestSyncEndpoints(t *testing.T) {
	ta := newTestAPI(t)
	staff := ta.login(t, "musa", "staff-pass")
	owner := ta.login(t, "alhaji", "owner-pass")

	rec := ta.do(t, http.MethodPost, "/api/v1/shops", staff, domain.Shop{Name: "Kantin Kwari 12"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create shop: expected 201, got %d", rec.Code)
	}

	rec = ta.do(t, http.MethodGet, "/api/v1/sync/status", staff, nil)
	status := decodeBody[kwarisync.Status](t, rec)
	if status.Queue.Pending == 0 {
		t.Fatalf("expected pending entries, got %+v", status.Queue)
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/sync/push", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("push: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if res := decodeBody[kwarisync.PushResult](t, rec); res.Pushed == 0 {
		t.Fatalf("expected pushed entries, got %+v", res)
	}
	if n := ta.remote.Count("kwari", string(domain.CollectionShops)); n != 1 {
		t.Fatalf("expected 1 remote shop, got %d", n)
	}

	rec = ta.do(t, http.MethodPost, "/api/v1/sync/online", staff, map[string]bool{"online": false})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff online toggle: expected 403, got %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/api/v1/sync/online", owner, map[string]bool{"online": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("owner online toggle: expected 200, got %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/api/v1/sync/push", owner, nil)
	if res := decodeBody[kwarisync.PushResult](t, rec); res.Skipped != kwarisync.SkipOffline {
		t.Fatalf("expected offline skip, got %+v", res)
	}

	rec = ta.do(t, http.MethodGet, "/api/v1/sync/entries?status=bogus", owner, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: expected 400, got %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/api/v1/sync/requeue", owner, map[string][]int64{"ids": {}})
	if body := decodeBody[map[string]any](t, rec); body["requeued"] != float64(0) {
		t.Fatalf("expected nothing requeued, got %v", body)
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
