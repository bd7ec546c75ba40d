package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/service"
	"kwaribook/backend/internal/store"
	kwarisync "kwaribook/backend/internal/sync"
)

type API struct {
	service       *service.Service
	engine        *kwarisync.Engine
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *slog.Logger
}

func New(svc *service.Service, engine *kwarisync.Engine, auth *AuthManager, allowedOrigin string, log *slog.Logger) *API {
	return &API{
		service:       svc,
		engine:        engine,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           log.With(slog.String("component", "httpapi")),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, a.withMiddleware)

	r.Get("/healthz", a.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleOwner, domain.RoleStaff))
			a.routes(r)
		})
	})

	return r
}

func (a *API) routes(r chi.Router) {
	r.Get("/inventory", a.handleListInventory)
	r.Post("/inventory", a.handleCreateInventory)
	r.Get("/inventory/{id}", a.handleGetInventory)
	r.Post("/inventory/transfers", a.handleTransfer)
	r.Post("/inventory/remnants", a.handleRemnant)
	r.Get("/transfers", a.handleListTransfers)

	r.Get("/sales", a.handleListSales)
	r.Post("/sales", a.handleRecordSale)
	r.Get("/sales/{id}", a.handleGetSale)
	r.Post("/sales/{id}/reverse", a.handleReverseSale)
	r.Get("/sales/{id}/payments", a.handleListDebtPayments)
	r.Post("/debt-payments", a.handleDebtPayment)

	r.Get("/suppliers", a.handleListSuppliers)
	r.Post("/suppliers", a.handleCreateSupplier)
	r.Get("/suppliers/{id}/transactions", a.handleListSupplierTransactions)
	r.Post("/supplier-transactions", a.handleSupplierTransaction)
	r.Post("/suppliers/reconcile", a.handleReconcile)

	r.Get("/dealers", a.handleListDealers)
	r.Post("/dealers", a.handleDealerHierarchy)
	r.Get("/dealers/{id}/bundles", a.handleListBundles)
	r.Get("/bundles/{id}/yards", a.handleListYards)

	r.Get("/shops", a.handleListShops)
	r.Post("/shops", a.handleCreateShop)
	r.Get("/customers", a.handleListCustomers)
	r.Post("/customers", a.handleCreateCustomer)
	r.Get("/brokers", a.handleListBrokers)
	r.Post("/brokers", a.handleCreateBroker)
	r.Get("/expenses", a.handleListExpenses)
	r.Post("/expenses", a.handleRecordExpense)
	r.Get("/zakat", a.handleListZakat)
	r.Post("/zakat", a.handleRecordZakat)
	r.Get("/levies", a.handleListLevies)
	r.Post("/levies", a.handleRecordLevy)

	r.Get("/users", a.handleListUsers)
	r.Post("/users", a.handleCreateUser)
	r.Post("/users/{username}/active", a.handleSetUserActive)

	r.Get("/sync/status", a.handleSyncStatus)
	r.Post("/sync/push", a.handleSyncPush)
	r.Post("/sync/pull", a.handleSyncPull)
	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth(domain.RoleOwner))
		r.Post("/sync/online", a.handleSyncOnline)
		r.Get("/sync/entries", a.handleSyncEntries)
		r.Post("/sync/requeue", a.handleSyncRequeue)
	})
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(startedAt)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// fail maps a service error onto a response status.
func (a *API) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInactiveAccount):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrInvariantViolation):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalidRequest):
		status = http.StatusUnprocessableEntity
	}
	if status >= 500 {
		a.log.Error("request failed", slog.String("error", err.Error()))
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

func queryID(r *http.Request, name string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get(name)), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
