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

	"go.uber.org/zap"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/service"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *zap.SugaredLogger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *zap.SugaredLogger) *API {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           log,
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
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductByID, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/categories", a.requireAuth(a.handleCategories, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/categories/", a.requireAuth(a.handleCategoryByID, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/brands", a.requireAuth(a.handleBrands, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/brands/", a.requireAuth(a.handleBrandByID, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sizes", a.requireAuth(a.handleSizes, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/variants", a.requireAuth(a.handleVariants, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/variants/", a.requireAuth(a.handleVariantByID, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/inventory", a.requireAuth(a.handleInventory, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/low-stock", a.requireAuth(a.handleLowStock, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/adjust", a.requireAuth(a.handleAdjust, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/movements", a.requireAuth(a.handleMovements, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleByID, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
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
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query != "" {
			limit := parsePositiveLimit(r.URL.Query().Get("limit"), 25, 100)
			products, err := a.service.SearchProducts(r.Context(), query, limit)
			if err != nil {
				a.writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"products": products})
			return
		}

		activeOnly := !strings.EqualFold(r.URL.Query().Get("include_inactive"), "true")
		products, err := a.service.ListProducts(r.Context(), activeOnly)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductByID(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/products/")
	if id == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), id)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPatch:
		var req domain.ProductUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateProduct(r.Context(), id, req)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": updated})
	case http.MethodDelete:
		updated, err := a.service.DeactivateProduct(r.Context(), id)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": updated})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := !strings.EqualFold(r.URL.Query().Get("include_inactive"), "true")
		categories, err := a.service.ListCategories(r.Context(), activeOnly)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
	case http.MethodPost:
		var req domain.CategoryCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		category, err := a.service.CreateCategory(r.Context(), req)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"category": category})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleCategoryByID(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/categories/")
	if id == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("category id required"))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req domain.CategoryUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateCategory(r.Context(), id, req)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"category": updated})
	case http.MethodDelete:
		updated, err := a.service.DeactivateCategory(r.Context(), id)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"category": updated})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleBrands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := !strings.EqualFold(r.URL.Query().Get("include_inactive"), "true")
		brands, err := a.service.ListBrands(r.Context(), activeOnly)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"brands": brands})
	case http.MethodPost:
		var req domain.BrandCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		brand, err := a.service.CreateBrand(r.Context(), req)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"brand": brand})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleBrandByID(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/api/v1/brands/")
	if id == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("brand id required"))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req domain.BrandUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateBrand(r.Context(), id, req)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"brand": updated})
	case http.MethodDelete:
		updated, err := a.service.DeactivateBrand(r.Context(), id)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"brand": updated})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleSizes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sizes, err := a.service.ListSizes(r.Context())
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sizes": sizes})
	case http.MethodPost:
		var req domain.SizeCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		size, err := a.service.CreateSize(r.Context(), req)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"size": size})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleVariants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.VariantCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	variant, err := a.service.CreateVariant(r.Context(), req)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"variant": variant})
}

func (a *API) handleVariantByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	id := pathTail(r.URL.Path, "/api/v1/variants/")
	if id == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("variant id required"))
		return
	}
	variant, err := a.service.GetVariant(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variant": variant})
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	activeOnly := !strings.EqualFold(r.URL.Query().Get("include_inactive"), "true")
	rows, err := a.service.ListInventory(r.Context(), activeOnly)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": rows})
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	threshold := parsePositiveLimit(r.URL.Query().Get("threshold"), 10, 1000)
	rows, err := a.service.ListLowStock(r.Context(), threshold)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": rows, "threshold": threshold})
}

func (a *API) handleAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.AdjustVariantRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.AdjustVariant(r.Context(), req)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	filter := domain.MovementFilter{
		VariantID: strings.TrimSpace(r.URL.Query().Get("variant_id")),
		ProductID: strings.TrimSpace(r.URL.Query().Get("product_id")),
		Limit:     parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200),
	}
	resp, err := a.service.ListMovements(r.Context(), filter)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				offset = parsed
			}
		}
		resp, err := a.service.ListSales(r.Context(), limit, offset)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req domain.CreateSaleRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
			req.IdempotencyKey = key
		}

		resp, err := a.service.CreateSale(r.Context(), req)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		status := http.StatusCreated
		if resp.Duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleSaleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	id := pathTail(r.URL.Path, "/api/v1/sales/")
	if id == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}
	sale, err := a.service.GetSale(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers()})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.auth.CreateUser(req)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.log.Debugw("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(startedAt))
	})
}

// writeStoreError maps the store's sentinel errors to HTTP statuses:
// malformed input is 400, unknown references 404, lock contention that
// exhausted its retries 409, and business-rule rejections 422. Anything
// unrecognized is a 500 with the detail kept out of the response body.
func (a *API) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		a.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrBusy):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrProductInactive),
		errors.Is(err, store.ErrPriceOutOfRange),
		errors.Is(err, store.ErrInvalidAdjustment):
		a.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, service.ErrForbidden):
		a.writeError(w, http.StatusForbidden, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func pathTail(path string, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if strings.Contains(tail, "/") {
		return ""
	}
	return strings.TrimSpace(tail)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
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

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// 5xx responses get a generic body; the detail goes to the log only.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		a.log.Errorw("internal error", "status", status, "error", err)
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
