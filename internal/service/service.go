package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/cache"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/store"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/xid"
	"github.com/KhalanHappiness/Point-Of-Sale/pkg/validator"
)

// saleRetryAttempts bounds how many times a sale or adjustment is retried
// after the store reports a lock conflict. Each retry re-runs the full
// locked validation against current state.
const saleRetryAttempts = 3

// movementCacheTTL keeps ledger pages hot for browsing; the ledger in the
// store stays authoritative.
const movementCacheTTL = 5 * time.Second

const (
	defaultMovementLimit = 50
	maxMovementLimit     = 200
)

// ErrForbidden is returned when the acting user lacks the role an operation
// requires. The HTTP layer maps it to 403.
var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	movements cache.MovementCache
	log       *zap.SugaredLogger
}

func New(repo store.Repository, movements cache.MovementCache, log *zap.SugaredLogger) *Service {
	if movements == nil {
		movements = cache.NewNoop()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		repo:      repo,
		movements: movements,
		log:       log,
	}
}

// CreateSale runs the whole cart as one atomic unit of work. The store
// commits every effect of the sale or none of them; on lock conflicts the
// attempt is retried from scratch with fresh validation, up to
// saleRetryAttempts times.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.SaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleResponse{}, fmt.Errorf("%w: authenticated cashier required", store.ErrValidation)
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if errs := validator.Struct(req); len(errs) > 0 {
		return domain.SaleResponse{}, fmt.Errorf("%w: %v", store.ErrValidation, validator.FirstError(errs))
	}
	if !domain.ValidPaymentMethod(req.PaymentMethod) {
		return domain.SaleResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, req.PaymentMethod)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleResponse{}, err
	}

	var sale *domain.Sale
	err := s.withRetry(ctx, "create_sale", func() error {
		created, err := s.repo.CreateSale(ctx, actor.Username, req.IdempotencyKey, req.PaymentMethod, req.Items)
		if err != nil {
			return err
		}
		sale = created
		return nil
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.log.Infow("sale committed",
		"sale_id", sale.ID,
		"cashier", actor.Username,
		"total_cents", sale.TotalCents,
		"lines", len(sale.Items),
		"payment_method", sale.PaymentMethod,
	)
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}
	return s.repo.GetSaleByID(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, limit int, offset int) (domain.SaleListResponse, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	sales, err := s.repo.ListSales(ctx, limit, offset)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	return domain.SaleListResponse{Sales: sales, Count: len(sales)}, nil
}

// AdjustVariant applies one manual stock delta and appends its ledger row in
// the same unit of work. Sales never go through here; the "sale" reason is
// reserved for the sale coordinator.
func (s *Service) AdjustVariant(ctx context.Context, req domain.AdjustVariantRequest) (domain.AdjustVariantResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.AdjustVariantResponse{}, fmt.Errorf("%w: authenticated actor required", store.ErrValidation)
	}

	req.VariantID = strings.TrimSpace(req.VariantID)
	req.Reason = strings.ToLower(strings.TrimSpace(req.Reason))
	req.Notes = strings.TrimSpace(req.Notes)
	req.ReferenceID = strings.TrimSpace(req.ReferenceID)
	if errs := validator.Struct(req); len(errs) > 0 {
		return domain.AdjustVariantResponse{}, fmt.Errorf("%w: %v", store.ErrValidation, validator.FirstError(errs))
	}
	if !domain.ValidAdjustmentReason(req.Reason) {
		return domain.AdjustVariantResponse{}, fmt.Errorf("%w: reason %q is not allowed", store.ErrValidation, req.Reason)
	}
	if req.Change == 0 {
		return domain.AdjustVariantResponse{}, fmt.Errorf("%w: change must not be zero", store.ErrValidation)
	}

	var (
		variant  *domain.Variant
		movement *domain.StockMovement
	)
	err := s.withRetry(ctx, "adjust_variant", func() error {
		v, m, err := s.repo.AdjustVariant(ctx, req, actor.Username)
		if err != nil {
			return err
		}
		variant, movement = v, m
		return nil
	})
	if err != nil {
		return domain.AdjustVariantResponse{}, err
	}

	s.log.Infow("stock adjusted",
		"variant_id", variant.ID,
		"change", movement.Change,
		"reason", movement.Reason,
		"quantity", variant.Quantity,
		"actor", actor.Username,
	)
	return domain.AdjustVariantResponse{Variant: *variant, Movement: *movement}, nil
}

// ListMovements returns ledger rows newest first. Pages are served from the
// movement cache when fresh; a miss reads the store and repopulates it.
func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) (domain.MovementListResponse, error) {
	filter.VariantID = strings.TrimSpace(filter.VariantID)
	filter.ProductID = strings.TrimSpace(filter.ProductID)
	if filter.Limit < 1 {
		filter.Limit = defaultMovementLimit
	}
	if filter.Limit > maxMovementLimit {
		filter.Limit = maxMovementLimit
	}

	key := movementCacheKey(filter)
	if page, ok := s.movements.Get(ctx, key); ok {
		return *page, nil
	}

	rows, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return domain.MovementListResponse{}, err
	}
	page := domain.MovementListResponse{Movements: rows}
	s.movements.Set(ctx, key, &page, movementCacheTTL)
	return page, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.CategoryID = strings.TrimSpace(req.CategoryID)
	req.BrandID = strings.TrimSpace(req.BrandID)
	if errs := validator.Struct(req); len(errs) > 0 {
		return domain.Product{}, fmt.Errorf("%w: %v", store.ErrValidation, validator.FirstError(errs))
	}
	if req.MaxPriceCents < req.MinPriceCents {
		return domain.Product{}, fmt.Errorf("%w: max price must not be below min price", store.ErrValidation)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:           req.SKU,
		Name:          req.Name,
		CategoryID:    req.CategoryID,
		BrandID:       req.BrandID,
		MinPriceCents: req.MinPriceCents,
		MaxPriceCents: req.MaxPriceCents,
		Active:        true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.log.Infow("product created", "product_id", created.ID, "sku", created.SKU)
	return *created, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: product id is required", store.ErrValidation)
	}
	return s.repo.GetProductByID(ctx, id)
}

func (s *Service) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, activeOnly)
}

func (s *Service) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 25
	}
	if limit > 100 {
		limit = 100
	}
	return s.repo.SearchProducts(ctx, query, limit)
}

// UpdateProduct applies a partial update. Setting Active to false
// soft-deactivates the product: existing sales and ledger rows keep
// referencing it, new sales of its variants are rejected.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", store.ErrValidation)
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: name must not be empty", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.CategoryID != nil {
		updated.CategoryID = strings.TrimSpace(*req.CategoryID)
	}
	if req.BrandID != nil {
		updated.BrandID = strings.TrimSpace(*req.BrandID)
	}
	if req.MinPriceCents != nil {
		updated.MinPriceCents = *req.MinPriceCents
	}
	if req.MaxPriceCents != nil {
		updated.MaxPriceCents = *req.MaxPriceCents
	}
	if updated.MinPriceCents < 1 || updated.MaxPriceCents < updated.MinPriceCents {
		return domain.Product{}, fmt.Errorf("%w: price band must satisfy 0 < min <= max", store.ErrValidation)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.log.Infow("product updated", "product_id", saved.ID, "active", saved.Active)
	return *saved, nil
}

func (s *Service) DeactivateProduct(ctx context.Context, id string) (domain.Product, error) {
	inactive := false
	return s.UpdateProduct(ctx, id, domain.ProductUpdateRequest{Active: &inactive})
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryCreateRequest) (domain.Category, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if errs := validator.Struct(req); len(errs) > 0 {
		return domain.Category{}, fmt.Errorf("%w: %v", store.ErrValidation, validator.FirstError(errs))
	}

	created, err := s.repo.CreateCategory(ctx, domain.Category{Name: req.Name, Description: req.Description})
	if err != nil {
		return domain.Category{}, err
	}

	s.log.Infow("category created", "category_id", created.ID, "name", created.Name)
	return *created, nil
}

func (s *Service) ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx, activeOnly)
}

// UpdateCategory applies a partial update. Setting Active to false
// soft-deactivates the category without touching the products that carry it.
func (s *Service) UpdateCategory(ctx context.Context, id string, req domain.CategoryUpdateRequest) (domain.Category, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Category{}, fmt.Errorf("%w: category id is required", store.ErrValidation)
	}

	existing, err := s.repo.GetCategoryByID(ctx, id)
	if err != nil {
		return domain.Category{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Category{}, fmt.Errorf("%w: name must not be empty", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateCategory(ctx, updated)
	if err != nil {
		return domain.Category{}, err
	}

	s.log.Infow("category updated", "category_id", saved.ID, "active", saved.Active)
	return *saved, nil
}

func (s *Service) DeactivateCategory(ctx context.Context, id string) (domain.Category, error) {
	inactive := false
	return s.UpdateCategory(ctx, id, domain.CategoryUpdateRequest{Active: &inactive})
}

func (s *Service) CreateBrand(ctx context.Context, req domain.BrandCreateRequest) (domain.Brand, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Brand{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if errs := validator.Struct(req); len(errs) > 0 {
		return domain.Brand{}, fmt.Errorf("%w: %v", store.ErrValidation, validator.FirstError(errs))
	}

	created, err := s.repo.CreateBrand(ctx, domain.Brand{Name: req.Name, Description: req.Description})
	if err != nil {
		return domain.Brand{}, err
	}

	s.log.Infow("brand created", "brand_id", created.ID, "name", created.Name)
	return *created, nil
}

func (s *Service) ListBrands(ctx context.Context, activeOnly bool) ([]domain.Brand, error) {
	return s.repo.ListBrands(ctx, activeOnly)
}

func (s *Service) UpdateBrand(ctx context.Context, id string, req domain.BrandUpdateRequest) (domain.Brand, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Brand{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Brand{}, fmt.Errorf("%w: brand id is required", store.ErrValidation)
	}

	existing, err := s.repo.GetBrandByID(ctx, id)
	if err != nil {
		return domain.Brand{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Brand{}, fmt.Errorf("%w: name must not be empty", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateBrand(ctx, updated)
	if err != nil {
		return domain.Brand{}, err
	}

	s.log.Infow("brand updated", "brand_id", saved.ID, "active", saved.Active)
	return *saved, nil
}

func (s *Service) DeactivateBrand(ctx context.Context, id string) (domain.Brand, error) {
	inactive := false
	return s.UpdateBrand(ctx, id, domain.BrandUpdateRequest{Active: &inactive})
}

func (s *Service) CreateSize(ctx context.Context, req domain.SizeCreateRequest) (domain.Size, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Size{}, err
	}
	req.Name = strings.ToUpper(strings.TrimSpace(req.Name))
	if errs := validator.Struct(req); len(errs) > 0 {
		return domain.Size{}, fmt.Errorf("%w: %v", store.ErrValidation, validator.FirstError(errs))
	}

	created, err := s.repo.CreateSize(ctx, domain.Size{Name: req.Name, SortOrder: req.SortOrder})
	if err != nil {
		return domain.Size{}, err
	}
	return *created, nil
}

func (s *Service) ListSizes(ctx context.Context) ([]domain.Size, error) {
	return s.repo.ListSizes(ctx)
}

func (s *Service) CreateVariant(ctx context.Context, req domain.VariantCreateRequest) (domain.Variant, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Variant{}, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.SizeID = strings.TrimSpace(req.SizeID)
	req.SKUSuffix = strings.ToUpper(strings.TrimSpace(req.SKUSuffix))
	if errs := validator.Struct(req); len(errs) > 0 {
		return domain.Variant{}, fmt.Errorf("%w: %v", store.ErrValidation, validator.FirstError(errs))
	}

	created, err := s.repo.CreateVariant(ctx, domain.Variant{
		ProductID: req.ProductID,
		SizeID:    req.SizeID,
		SKUSuffix: req.SKUSuffix,
		Quantity:  req.InitialQuantity,
	})
	if err != nil {
		return domain.Variant{}, err
	}

	s.log.Infow("variant created", "variant_id", created.ID, "product_id", created.ProductID, "quantity", created.Quantity)
	return *created, nil
}

func (s *Service) GetVariant(ctx context.Context, id string) (*domain.Variant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: variant id is required", store.ErrValidation)
	}
	return s.repo.GetVariantByID(ctx, id)
}

func (s *Service) ListInventory(ctx context.Context, activeProductsOnly bool) ([]domain.InventoryRow, error) {
	return s.repo.ListInventory(ctx, activeProductsOnly)
}

func (s *Service) ListLowStock(ctx context.Context, threshold int) ([]domain.InventoryRow, error) {
	if threshold < 1 {
		threshold = 10
	}
	rows, err := s.repo.ListInventory(ctx, true)
	if err != nil {
		return nil, err
	}
	low := make([]domain.InventoryRow, 0, len(rows))
	for _, row := range rows {
		if row.Variant.Quantity <= threshold {
			low = append(low, row)
		}
	}
	sort.Slice(low, func(i, j int) bool {
		return low[i].Variant.Quantity < low[j].Variant.Quantity
	})
	return low, nil
}

// withRetry re-runs op while the store reports ErrBusy. Attempts beyond the
// first are logged; any other error surfaces immediately.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= saleRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrBusy) {
			return err
		}
		if attempt < saleRetryAttempts {
			s.log.Warnw("store busy, retrying", "op", op, "attempt", attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return err
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func movementCacheKey(filter domain.MovementFilter) string {
	return fmt.Sprintf("movements:v=%s:p=%s:l=%d", filter.VariantID, filter.ProductID, filter.Limit)
}
