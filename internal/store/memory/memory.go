package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/store"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/xid"
)

// Store is the in-memory Repository used for dev mode and tests. One mutex
// serializes every mutating unit of work, so the non-negative stock
// invariant and the fixed lock-order requirement hold trivially; sale
// staging still mirrors the transactional store (validate everything, then
// publish all effects or none).
type Store struct {
	mu               sync.RWMutex
	categories       map[string]domain.Category
	categoryIDByName map[string]string
	brands           map[string]domain.Brand
	brandIDByName    map[string]string
	products         map[string]domain.Product
	productIDBySKU   map[string]string
	sizes            map[string]domain.Size
	variants         map[string]domain.Variant
	variantByPair    map[string]string
	salesByID        map[string]*domain.Sale
	salesByIdem      map[string]*domain.Sale
	saleOrder        []string
	movements        []domain.StockMovement
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		categories:       make(map[string]domain.Category),
		categoryIDByName: make(map[string]string),
		brands:           make(map[string]domain.Brand),
		brandIDByName:    make(map[string]string),
		products:         make(map[string]domain.Product),
		productIDBySKU:   make(map[string]string),
		sizes:            make(map[string]domain.Size),
		variants:         make(map[string]domain.Variant),
		variantByPair:    make(map[string]string),
		salesByID:        make(map[string]*domain.Sale),
		salesByIdem:      make(map[string]*domain.Sale),
		saleOrder:        make([]string, 0, 64),
		movements:        make([]domain.StockMovement, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

// NewSeeded returns a store pre-loaded with a small apparel catalog so the
// server is usable out of the box without Postgres.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	sizes := []domain.Size{
		{ID: "size-s", Name: "S", SortOrder: 1},
		{ID: "size-m", Name: "M", SortOrder: 2},
		{ID: "size-l", Name: "L", SortOrder: 3},
		{ID: "size-xl", Name: "XL", SortOrder: 4},
	}
	for _, size := range sizes {
		s.sizes[size.ID] = size
	}

	categories := []domain.Category{
		{ID: "cat-tops", Name: "Tops", Active: true, CreatedAt: now},
		{ID: "cat-bottoms", Name: "Bottoms", Active: true, CreatedAt: now},
		{ID: "cat-accessories", Name: "Accessories", Active: true, CreatedAt: now},
	}
	for _, c := range categories {
		s.categories[c.ID] = c
		s.categoryIDByName[c.Name] = c.ID
	}

	brands := []domain.Brand{
		{ID: "brand-hartline", Name: "Hartline", Active: true, CreatedAt: now},
		{ID: "brand-denver", Name: "Denver Denim", Active: true, CreatedAt: now},
		{ID: "brand-kepsig", Name: "Kepsig", Active: true, CreatedAt: now},
	}
	for _, b := range brands {
		s.brands[b.ID] = b
		s.brandIDByName[b.Name] = b.ID
	}

	products := []domain.Product{
		{ID: "prod-tee-basic", SKU: "TEE-BASIC", Name: "Basic Cotton Tee", CategoryID: "cat-tops", BrandID: "brand-hartline", MinPriceCents: 900, MaxPriceCents: 1500, Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "prod-hoodie-zip", SKU: "HOOD-ZIP", Name: "Zip Hoodie", CategoryID: "cat-tops", BrandID: "brand-hartline", MinPriceCents: 3200, MaxPriceCents: 4500, Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "prod-jeans-slim", SKU: "JEAN-SLIM", Name: "Slim Fit Jeans", CategoryID: "cat-bottoms", BrandID: "brand-denver", MinPriceCents: 4000, MaxPriceCents: 5600, Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "prod-cap-snap", SKU: "CAP-SNAP", Name: "Snapback Cap", CategoryID: "cat-accessories", BrandID: "brand-kepsig", MinPriceCents: 1100, MaxPriceCents: 1800, Active: true, CreatedAt: now, UpdatedAt: now},
	}
	for _, p := range products {
		s.products[p.ID] = p
		s.productIDBySKU[p.SKU] = p.ID
	}

	variants := []domain.Variant{
		{ID: "var-tee-s", ProductID: "prod-tee-basic", SizeID: "size-s", Quantity: 40, SKUSuffix: "-S"},
		{ID: "var-tee-m", ProductID: "prod-tee-basic", SizeID: "size-m", Quantity: 55, SKUSuffix: "-M"},
		{ID: "var-tee-l", ProductID: "prod-tee-basic", SizeID: "size-l", Quantity: 35, SKUSuffix: "-L"},
		{ID: "var-hoodie-m", ProductID: "prod-hoodie-zip", SizeID: "size-m", Quantity: 20, SKUSuffix: "-M"},
		{ID: "var-hoodie-l", ProductID: "prod-hoodie-zip", SizeID: "size-l", Quantity: 18, SKUSuffix: "-L"},
		{ID: "var-jeans-m", ProductID: "prod-jeans-slim", SizeID: "size-m", Quantity: 25, SKUSuffix: "-32"},
		{ID: "var-jeans-l", ProductID: "prod-jeans-slim", SizeID: "size-l", Quantity: 22, SKUSuffix: "-34"},
		{ID: "var-cap-one", ProductID: "prod-cap-snap", SizeID: "size-m", Quantity: 60},
	}
	for _, v := range variants {
		v.CreatedAt = now
		v.UpdatedAt = now
		s.variants[v.ID] = v
		s.variantByPair[pairKey(v.ProductID, v.SizeID)] = v.ID
	}

	return s
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded dev defaults
// are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func pairKey(productID, sizeID string) string {
	return productID + "|" + sizeID
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if category.Name == "" {
		return nil, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	if _, exists := s.categoryIDByName[category.Name]; exists {
		return nil, fmt.Errorf("%w: category %s already exists", store.ErrValidation, category.Name)
	}

	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	category.Active = true
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	s.categories[category.ID] = category
	s.categoryIDByName[category.Name] = category.ID
	created := category
	return &created, nil
}

func (s *Store) GetCategoryByID(_ context.Context, id string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category, exists := s.categories[id]
	if !exists {
		return nil, fmt.Errorf("%w: category %s", store.ErrNotFound, id)
	}
	copied := category
	return &copied, nil
}

func (s *Store) ListCategories(_ context.Context, activeOnly bool) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		if activeOnly && !c.Active {
			continue
		}
		categories = append(categories, c)
	}
	slices.SortFunc(categories, func(a, b domain.Category) int {
		return strings.Compare(a.Name, b.Name)
	})
	return categories, nil
}

func (s *Store) UpdateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.categories[category.ID]
	if !exists {
		return nil, fmt.Errorf("%w: category %s", store.ErrNotFound, category.ID)
	}
	if category.Name == "" {
		return nil, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	if category.Name != existing.Name {
		if _, taken := s.categoryIDByName[category.Name]; taken {
			return nil, fmt.Errorf("%w: category %s already exists", store.ErrValidation, category.Name)
		}
		delete(s.categoryIDByName, existing.Name)
		s.categoryIDByName[category.Name] = category.ID
	}

	category.CreatedAt = existing.CreatedAt
	s.categories[category.ID] = category
	updated := category
	return &updated, nil
}

func (s *Store) CreateBrand(_ context.Context, brand domain.Brand) (*domain.Brand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if brand.Name == "" {
		return nil, fmt.Errorf("%w: brand name is required", store.ErrValidation)
	}
	if _, exists := s.brandIDByName[brand.Name]; exists {
		return nil, fmt.Errorf("%w: brand %s already exists", store.ErrValidation, brand.Name)
	}

	if brand.ID == "" {
		brand.ID = xid.New("brand")
	}
	brand.Active = true
	if brand.CreatedAt.IsZero() {
		brand.CreatedAt = time.Now().UTC()
	}
	s.brands[brand.ID] = brand
	s.brandIDByName[brand.Name] = brand.ID
	created := brand
	return &created, nil
}

func (s *Store) GetBrandByID(_ context.Context, id string) (*domain.Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	brand, exists := s.brands[id]
	if !exists {
		return nil, fmt.Errorf("%w: brand %s", store.ErrNotFound, id)
	}
	copied := brand
	return &copied, nil
}

func (s *Store) ListBrands(_ context.Context, activeOnly bool) ([]domain.Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	brands := make([]domain.Brand, 0, len(s.brands))
	for _, b := range s.brands {
		if activeOnly && !b.Active {
			continue
		}
		brands = append(brands, b)
	}
	slices.SortFunc(brands, func(a, b domain.Brand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return brands, nil
}

func (s *Store) UpdateBrand(_ context.Context, brand domain.Brand) (*domain.Brand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.brands[brand.ID]
	if !exists {
		return nil, fmt.Errorf("%w: brand %s", store.ErrNotFound, brand.ID)
	}
	if brand.Name == "" {
		return nil, fmt.Errorf("%w: brand name is required", store.ErrValidation)
	}
	if brand.Name != existing.Name {
		if _, taken := s.brandIDByName[brand.Name]; taken {
			return nil, fmt.Errorf("%w: brand %s already exists", store.ErrValidation, brand.Name)
		}
		delete(s.brandIDByName, existing.Name)
		s.brandIDByName[brand.Name] = brand.ID
	}

	brand.CreatedAt = existing.CreatedAt
	s.brands[brand.ID] = brand
	updated := brand
	return &updated, nil
}

// checkProductRefs verifies the category/brand references a product carries.
// Callers hold the write lock.
func (s *Store) checkProductRefs(product domain.Product) error {
	if product.CategoryID != "" {
		if _, exists := s.categories[product.CategoryID]; !exists {
			return fmt.Errorf("%w: category %s", store.ErrNotFound, product.CategoryID)
		}
	}
	if product.BrandID != "" {
		if _, exists := s.brands[product.BrandID]; !exists {
			return fmt.Errorf("%w: brand %s", store.ErrNotFound, product.BrandID)
		}
	}
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrValidation)
	}
	if product.MinPriceCents < 1 || product.MaxPriceCents < product.MinPriceCents {
		return nil, fmt.Errorf("%w: price band must satisfy 0 < min <= max", store.ErrValidation)
	}
	if _, exists := s.productIDBySKU[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrValidation, product.SKU)
	}
	if err := s.checkProductRefs(product); err != nil {
		return nil, err
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Active = true

	s.products[product.ID] = product
	s.productIDBySKU[product.SKU] = product.ID
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	copied := product
	return &copied, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.productIDBySKU[sku]
	if !exists {
		return nil, fmt.Errorf("%w: sku %s", store.ErrNotFound, sku)
	}
	copied := s.products[id]
	return &copied, nil
}

func (s *Store) ListProducts(_ context.Context, activeOnly bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if activeOnly && !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) SearchProducts(_ context.Context, query string, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	results := make([]domain.Product, 0, limit)
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		if needle == "" ||
			strings.Contains(strings.ToLower(p.Name), needle) ||
			strings.Contains(strings.ToLower(p.SKU), needle) {
			results = append(results, p)
		}
	}
	slices.SortFunc(results, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.ID]
	if !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
	}
	if product.SKU == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrValidation)
	}
	if product.MinPriceCents < 1 || product.MaxPriceCents < product.MinPriceCents {
		return nil, fmt.Errorf("%w: price band must satisfy 0 < min <= max", store.ErrValidation)
	}
	if err := s.checkProductRefs(product); err != nil {
		return nil, err
	}
	if product.SKU != existing.SKU {
		if _, taken := s.productIDBySKU[product.SKU]; taken {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrValidation, product.SKU)
		}
		delete(s.productIDBySKU, existing.SKU)
		s.productIDBySKU[product.SKU] = product.ID
	}

	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) CreateSize(_ context.Context, size domain.Size) (*domain.Size, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size.Name == "" {
		return nil, fmt.Errorf("%w: size name is required", store.ErrValidation)
	}
	for _, existing := range s.sizes {
		if existing.Name == size.Name {
			return nil, fmt.Errorf("%w: size %s already exists", store.ErrValidation, size.Name)
		}
	}
	if size.ID == "" {
		size.ID = xid.New("size")
	}
	s.sizes[size.ID] = size
	created := size
	return &created, nil
}

func (s *Store) ListSizes(_ context.Context) ([]domain.Size, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sizes := make([]domain.Size, 0, len(s.sizes))
	for _, size := range s.sizes {
		sizes = append(sizes, size)
	}
	slices.SortFunc(sizes, func(a, b domain.Size) int {
		if a.SortOrder != b.SortOrder {
			return a.SortOrder - b.SortOrder
		}
		return strings.Compare(a.Name, b.Name)
	})
	return sizes, nil
}

func (s *Store) CreateVariant(_ context.Context, variant domain.Variant) (*domain.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[variant.ProductID]; !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, variant.ProductID)
	}
	if _, exists := s.sizes[variant.SizeID]; !exists {
		return nil, fmt.Errorf("%w: size %s", store.ErrNotFound, variant.SizeID)
	}
	if variant.Quantity < 0 {
		return nil, fmt.Errorf("%w: initial quantity must not be negative", store.ErrValidation)
	}
	key := pairKey(variant.ProductID, variant.SizeID)
	if _, exists := s.variantByPair[key]; exists {
		return nil, fmt.Errorf("%w: variant for this product and size already exists", store.ErrValidation)
	}

	if variant.ID == "" {
		variant.ID = xid.New("var")
	}
	now := time.Now().UTC()
	variant.CreatedAt = now
	variant.UpdatedAt = now
	s.variants[variant.ID] = variant
	s.variantByPair[key] = variant.ID
	created := variant
	return &created, nil
}

func (s *Store) GetVariantByID(_ context.Context, id string) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variant, exists := s.variants[id]
	if !exists {
		return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, id)
	}
	copied := variant
	return &copied, nil
}

func (s *Store) ListInventory(_ context.Context, activeProductsOnly bool) ([]domain.InventoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.InventoryRow, 0, len(s.variants))
	for _, variant := range s.variants {
		product, exists := s.products[variant.ProductID]
		if !exists {
			continue
		}
		if activeProductsOnly && !product.Active {
			continue
		}
		rows = append(rows, domain.InventoryRow{
			Variant: variant,
			Product: product,
			Size:    s.sizes[variant.SizeID],
		})
	}
	slices.SortFunc(rows, func(a, b domain.InventoryRow) int {
		if a.Variant.ProductID != b.Variant.ProductID {
			return strings.Compare(a.Variant.ProductID, b.Variant.ProductID)
		}
		return strings.Compare(a.Variant.SizeID, b.Variant.SizeID)
	})
	return rows, nil
}

// CreateSale validates every line against staged quantities before any state
// is published: the whole cart commits or nothing does.
func (s *Store) CreateSale(_ context.Context, cashierID string, idempotencyKey string, paymentMethod string, lines []domain.SaleLine) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", store.ErrValidation)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: sale must have at least one item", store.ErrValidation)
	}
	if !domain.ValidPaymentMethod(paymentMethod) {
		return nil, fmt.Errorf("%w: payment method %q", store.ErrValidation, paymentMethod)
	}
	if existing, found := s.salesByIdem[idempotencyKey]; found {
		copied := *existing
		return &copied, nil
	}

	// Staged quantities: later lines see earlier lines' decrements, and a
	// failure anywhere discards the whole stage.
	staged := make(map[string]int, len(lines))
	totalCents := int64(0)
	for _, line := range lines {
		if line.Quantity < 1 || line.UnitPriceCents < 1 {
			return nil, fmt.Errorf("%w: quantity and unit price must be positive", store.ErrValidation)
		}
		variant, exists := s.variants[line.VariantID]
		if !exists {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, line.VariantID)
		}
		product := s.products[variant.ProductID]
		if !product.Active {
			return nil, fmt.Errorf("%w: %s", store.ErrProductInactive, product.Name)
		}
		if line.UnitPriceCents < product.MinPriceCents || line.UnitPriceCents > product.MaxPriceCents {
			return nil, fmt.Errorf("%w: %s allows %d..%d, got %d", store.ErrPriceOutOfRange,
				product.Name, product.MinPriceCents, product.MaxPriceCents, line.UnitPriceCents)
		}

		available, ok := staged[variant.ID]
		if !ok {
			available = variant.Quantity
		}
		if available < line.Quantity {
			return nil, fmt.Errorf("%w for %s: available %d, requested %d", store.ErrInsufficientStock,
				product.Name, available, line.Quantity)
		}
		staged[variant.ID] = available - line.Quantity
		totalCents += int64(line.Quantity) * line.UnitPriceCents
	}

	now := time.Now().UTC()
	sale := &domain.Sale{
		ID:             xid.New("sale"),
		TotalCents:     totalCents,
		PaymentMethod:  paymentMethod,
		UserID:         cashierID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		Items:          make([]domain.SaleItem, 0, len(lines)),
	}

	for _, line := range lines {
		sale.Items = append(sale.Items, domain.SaleItem{
			ID:               xid.New("item"),
			SaleID:           sale.ID,
			VariantID:        line.VariantID,
			Quantity:         line.Quantity,
			PriceAtSaleCents: line.UnitPriceCents,
			SubtotalCents:    int64(line.Quantity) * line.UnitPriceCents,
		})
		s.movements = append(s.movements, domain.StockMovement{
			ID:          xid.New("mov"),
			VariantID:   line.VariantID,
			Change:      -line.Quantity,
			Reason:      domain.ReasonSale,
			ReferenceID: sale.ID,
			UserID:      cashierID,
			CreatedAt:   now,
		})
	}
	for variantID, quantity := range staged {
		variant := s.variants[variantID]
		variant.Quantity = quantity
		variant.UpdatedAt = now
		s.variants[variantID] = variant
	}

	s.salesByID[sale.ID] = sale
	s.salesByIdem[idempotencyKey] = sale
	s.saleOrder = append(s.saleOrder, sale.ID)

	copied := *sale
	return &copied, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, found := s.salesByIdem[key]
	if !found {
		return nil, fmt.Errorf("%w: sale with idempotency key %s", store.ErrNotFound, key)
	}
	copied := *sale
	return &copied, nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, found := s.salesByID[id]
	if !found {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
	}
	copied := *sale
	return &copied, nil
}

func (s *Store) ListSales(_ context.Context, limit int, offset int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	// saleOrder is append-only, so walking it backwards yields newest first.
	result := make([]domain.Sale, 0, limit)
	for i := len(s.saleOrder) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		sale := s.salesByID[s.saleOrder[i]]
		copied := *sale
		copied.Items = nil
		result = append(result, copied)
	}
	return result, nil
}

func (s *Store) AdjustVariant(_ context.Context, req domain.AdjustVariantRequest, actorID string) (*domain.Variant, *domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.ValidAdjustmentReason(req.Reason) {
		return nil, nil, fmt.Errorf("%w: reason %q", store.ErrValidation, req.Reason)
	}
	variant, exists := s.variants[req.VariantID]
	if !exists {
		return nil, nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, req.VariantID)
	}

	newQuantity := variant.Quantity + req.Change
	if newQuantity < 0 {
		return nil, nil, fmt.Errorf("%w: current %d, change %d", store.ErrInvalidAdjustment,
			variant.Quantity, req.Change)
	}

	now := time.Now().UTC()
	variant.Quantity = newQuantity
	variant.UpdatedAt = now
	s.variants[variant.ID] = variant

	movement := domain.StockMovement{
		ID:          xid.New("mov"),
		VariantID:   variant.ID,
		Change:      req.Change,
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
		UserID:      actorID,
		Notes:       req.Notes,
		CreatedAt:   now,
	}
	s.movements = append(s.movements, movement)

	copied := variant
	return &copied, &movement, nil
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	var variantIDs map[string]struct{}
	if filter.VariantID != "" {
		variantIDs = map[string]struct{}{filter.VariantID: {}}
	} else if filter.ProductID != "" {
		variantIDs = make(map[string]struct{})
		for id, variant := range s.variants {
			if variant.ProductID == filter.ProductID {
				variantIDs[id] = struct{}{}
			}
		}
	}

	// The ledger slice is append-only: a backwards walk is strictly
	// time-descending and stable across repeated calls.
	result := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(result) < limit; i-- {
		movement := s.movements[i]
		if variantIDs != nil {
			if _, match := variantIDs[movement.VariantID]; !match {
				continue
			}
		}
		result = append(result, movement)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return fmt.Errorf("%w: username is required", store.ErrValidation)
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrValidation, user.Username)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
