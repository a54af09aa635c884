package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/store"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/xid"
)

// lockTimeout bounds how long a sale or adjustment blocks on a contended
// variant row before the attempt surfaces as ErrBusy.
const lockTimeout = "3s"

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.Name == "" {
		return nil, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	category.Active = true
	category.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, description, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, category.ID, category.Name, nullIfEmpty(category.Description), category.Active, category.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: category %s already exists", store.ErrValidation, category.Name)
		}
		return nil, err
	}
	created := category
	return &created, nil
}

func (s *Store) GetCategoryByID(ctx context.Context, id string) (*domain.Category, error) {
	var c domain.Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), active, created_at
		FROM categories
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Description, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: category %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error) {
	query := `SELECT id, name, COALESCE(description, ''), active, created_at FROM categories`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.Name == "" {
		return nil, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE categories
		SET name = $2, description = $3, active = $4
		WHERE id = $1
	`, category.ID, category.Name, nullIfEmpty(category.Description), category.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: category %s already exists", store.ErrValidation, category.Name)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: category %s", store.ErrNotFound, category.ID)
	}
	updated := category
	return &updated, nil
}

func (s *Store) CreateBrand(ctx context.Context, brand domain.Brand) (*domain.Brand, error) {
	if brand.Name == "" {
		return nil, fmt.Errorf("%w: brand name is required", store.ErrValidation)
	}
	if brand.ID == "" {
		brand.ID = xid.New("brand")
	}
	brand.Active = true
	brand.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO brands (id, name, description, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, brand.ID, brand.Name, nullIfEmpty(brand.Description), brand.Active, brand.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: brand %s already exists", store.ErrValidation, brand.Name)
		}
		return nil, err
	}
	created := brand
	return &created, nil
}

func (s *Store) GetBrandByID(ctx context.Context, id string) (*domain.Brand, error) {
	var b domain.Brand
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), active, created_at
		FROM brands
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.Description, &b.Active, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: brand %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

func (s *Store) ListBrands(ctx context.Context, activeOnly bool) ([]domain.Brand, error) {
	query := `SELECT id, name, COALESCE(description, ''), active, created_at FROM brands`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	brands := make([]domain.Brand, 0, 16)
	for rows.Next() {
		var b domain.Brand
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.Active, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.CreatedAt = b.CreatedAt.UTC()
		brands = append(brands, b)
	}
	return brands, rows.Err()
}

func (s *Store) UpdateBrand(ctx context.Context, brand domain.Brand) (*domain.Brand, error) {
	if brand.Name == "" {
		return nil, fmt.Errorf("%w: brand name is required", store.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE brands
		SET name = $2, description = $3, active = $4
		WHERE id = $1
	`, brand.ID, brand.Name, nullIfEmpty(brand.Description), brand.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: brand %s already exists", store.ErrValidation, brand.Name)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: brand %s", store.ErrNotFound, brand.ID)
	}
	updated := brand
	return &updated, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrValidation)
	}
	if product.MinPriceCents < 1 || product.MaxPriceCents < product.MinPriceCents {
		return nil, fmt.Errorf("%w: price band must satisfy 0 < min <= max", store.ErrValidation)
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	product.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category_id, brand_id, min_price_cents, max_price_cents, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, product.ID, product.SKU, product.Name, nullIfEmpty(product.CategoryID), nullIfEmpty(product.BrandID),
		product.MinPriceCents, product.MaxPriceCents, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrValidation, product.SKU)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: category %s or brand %s", store.ErrNotFound, product.CategoryID, product.BrandID)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

const productColumns = `id, sku, name, COALESCE(category_id, ''), COALESCE(brand_id, ''),
	min_price_cents, max_price_cents, active, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.CategoryID, &p.BrandID,
		&p.MinPriceCents, &p.MaxPriceCents, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE sku = $1`, sku)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sku %s", store.ErrNotFound, sku)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

func (s *Store) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 20
	}
	pattern := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND (name ILIKE $1 OR sku ILIKE $1)
		ORDER BY name
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, limit)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrValidation)
	}
	if product.MinPriceCents < 1 || product.MaxPriceCents < product.MinPriceCents {
		return nil, fmt.Errorf("%w: price band must satisfy 0 < min <= max", store.ErrValidation)
	}

	product.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET sku = $2, name = $3, category_id = $4, brand_id = $5,
			min_price_cents = $6, max_price_cents = $7, active = $8, updated_at = $9
		WHERE id = $1
	`, product.ID, product.SKU, product.Name, nullIfEmpty(product.CategoryID), nullIfEmpty(product.BrandID),
		product.MinPriceCents, product.MaxPriceCents, product.Active, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrValidation, product.SKU)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: category %s or brand %s", store.ErrNotFound, product.CategoryID, product.BrandID)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
	}

	updated := product
	return &updated, nil
}

func (s *Store) CreateSize(ctx context.Context, size domain.Size) (*domain.Size, error) {
	if size.Name == "" {
		return nil, fmt.Errorf("%w: size name is required", store.ErrValidation)
	}
	if size.ID == "" {
		size.ID = xid.New("size")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sizes (id, name, sort_order)
		VALUES ($1,$2,$3)
	`, size.ID, size.Name, size.SortOrder)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: size %s already exists", store.ErrValidation, size.Name)
		}
		return nil, err
	}
	created := size
	return &created, nil
}

func (s *Store) ListSizes(ctx context.Context) ([]domain.Size, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sort_order
		FROM sizes
		ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sizes := make([]domain.Size, 0, 16)
	for rows.Next() {
		var size domain.Size
		if err := rows.Scan(&size.ID, &size.Name, &size.SortOrder); err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}
	return sizes, rows.Err()
}

func (s *Store) CreateVariant(ctx context.Context, variant domain.Variant) (*domain.Variant, error) {
	if variant.Quantity < 0 {
		return nil, fmt.Errorf("%w: initial quantity must not be negative", store.ErrValidation)
	}
	if variant.ID == "" {
		variant.ID = xid.New("var")
	}
	now := time.Now().UTC()
	variant.CreatedAt = now
	variant.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_variants (id, product_id, size_id, quantity, sku_suffix, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, variant.ID, variant.ProductID, variant.SizeID, variant.Quantity,
		nullIfEmpty(variant.SKUSuffix), variant.CreatedAt, variant.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: variant for this product and size already exists", store.ErrValidation)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: product %s or size %s", store.ErrNotFound, variant.ProductID, variant.SizeID)
		}
		return nil, err
	}

	created := variant
	return &created, nil
}

func (s *Store) GetVariantByID(ctx context.Context, id string) (*domain.Variant, error) {
	var v domain.Variant
	var suffix sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, size_id, quantity, sku_suffix, created_at, updated_at
		FROM product_variants
		WHERE id = $1
	`, id).Scan(&v.ID, &v.ProductID, &v.SizeID, &v.Quantity, &suffix, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	v.SKUSuffix = suffix.String
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

func (s *Store) ListInventory(ctx context.Context, activeProductsOnly bool) ([]domain.InventoryRow, error) {
	query := `
		SELECT v.id, v.product_id, v.size_id, v.quantity, COALESCE(v.sku_suffix, ''), v.created_at, v.updated_at,
			p.id, p.sku, p.name, COALESCE(p.category_id, ''), COALESCE(p.brand_id, ''),
			p.min_price_cents, p.max_price_cents, p.active, p.created_at, p.updated_at,
			z.id, z.name, z.sort_order
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		JOIN sizes z ON z.id = v.size_id`
	if activeProductsOnly {
		query += `
		WHERE p.active = true`
	}
	query += `
		ORDER BY v.product_id, v.size_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.InventoryRow, 0, 128)
	for rows.Next() {
		var row domain.InventoryRow
		err := rows.Scan(
			&row.Variant.ID, &row.Variant.ProductID, &row.Variant.SizeID, &row.Variant.Quantity,
			&row.Variant.SKUSuffix, &row.Variant.CreatedAt, &row.Variant.UpdatedAt,
			&row.Product.ID, &row.Product.SKU, &row.Product.Name, &row.Product.CategoryID, &row.Product.BrandID,
			&row.Product.MinPriceCents, &row.Product.MaxPriceCents, &row.Product.Active,
			&row.Product.CreatedAt, &row.Product.UpdatedAt,
			&row.Size.ID, &row.Size.Name, &row.Size.SortOrder,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// lockedVariant is a variant row held under FOR UPDATE together with the
// owning product's fields needed for sale validation.
type lockedVariant struct {
	id            string
	productName   string
	productActive bool
	minPriceCents int64
	maxPriceCents int64
	quantity      int
}

// CreateSale runs the whole cart as one transaction: variant rows are locked
// in ascending id order, every line is validated under lock, and the sale,
// its items, the ledger rows and the quantity updates commit together or not
// at all.
func (s *Store) CreateSale(ctx context.Context, cashierID string, idempotencyKey string, paymentMethod string, lines []domain.SaleLine) (*domain.Sale, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", store.ErrValidation)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: sale must have at least one item", store.ErrValidation)
	}
	if !domain.ValidPaymentMethod(paymentMethod) {
		return nil, fmt.Errorf("%w: payment method %q", store.ErrValidation, paymentMethod)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return nil, err
	}

	// Fixed global lock order: distinct variant ids ascending. Every
	// transaction that touches multiple variants locks them in this order,
	// so no two sales can deadlock on each other.
	variantIDs := make([]string, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if _, dup := seen[line.VariantID]; dup {
			continue
		}
		seen[line.VariantID] = struct{}{}
		variantIDs = append(variantIDs, line.VariantID)
	}
	sort.Strings(variantIDs)

	locked := make(map[string]*lockedVariant, len(variantIDs))
	for _, variantID := range variantIDs {
		var lv lockedVariant
		err := tx.QueryRowContext(ctx, `
			SELECT v.id, v.quantity, p.name, p.active, p.min_price_cents, p.max_price_cents
			FROM product_variants v
			JOIN products p ON p.id = v.product_id
			WHERE v.id = $1
			FOR UPDATE OF v
		`, variantID).Scan(&lv.id, &lv.quantity, &lv.productName, &lv.productActive,
			&lv.minPriceCents, &lv.maxPriceCents)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, variantID)
			}
			return nil, classify(err)
		}
		locked[variantID] = &lv
	}

	// Lines validate in request order against the progressively decremented
	// in-transaction quantity, so a cart may reference a variant twice.
	totalCents := int64(0)
	for _, line := range lines {
		if line.Quantity < 1 || line.UnitPriceCents < 1 {
			return nil, fmt.Errorf("%w: quantity and unit price must be positive", store.ErrValidation)
		}
		lv := locked[line.VariantID]
		if !lv.productActive {
			return nil, fmt.Errorf("%w: %s", store.ErrProductInactive, lv.productName)
		}
		if line.UnitPriceCents < lv.minPriceCents || line.UnitPriceCents > lv.maxPriceCents {
			return nil, fmt.Errorf("%w: %s allows %d..%d, got %d", store.ErrPriceOutOfRange,
				lv.productName, lv.minPriceCents, lv.maxPriceCents, line.UnitPriceCents)
		}
		if lv.quantity < line.Quantity {
			return nil, fmt.Errorf("%w for %s: available %d, requested %d", store.ErrInsufficientStock,
				lv.productName, lv.quantity, line.Quantity)
		}
		lv.quantity -= line.Quantity
		totalCents += int64(line.Quantity) * line.UnitPriceCents
	}

	now := time.Now().UTC()
	sale := domain.Sale{
		ID:             xid.New("sale"),
		TotalCents:     totalCents,
		PaymentMethod:  paymentMethod,
		UserID:         cashierID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, total_cents, payment_method, user_id, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sale.ID, sale.TotalCents, sale.PaymentMethod, sale.UserID, sale.IdempotencyKey, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent submission with the same key won; replay it.
			existing, lookupErr := s.FindSaleByIdempotency(ctx, idempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, classify(err)
	}

	for _, line := range lines {
		item := domain.SaleItem{
			ID:               xid.New("item"),
			SaleID:           sale.ID,
			VariantID:        line.VariantID,
			Quantity:         line.Quantity,
			PriceAtSaleCents: line.UnitPriceCents,
			SubtotalCents:    int64(line.Quantity) * line.UnitPriceCents,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, variant_id, quantity, price_at_sale_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, item.ID, item.SaleID, item.VariantID, item.Quantity, item.PriceAtSaleCents)
		if err != nil {
			return nil, classify(err)
		}
		sale.Items = append(sale.Items, item)

		// The sale id is known before the ledger rows are written, so
		// reference_id is stamped directly.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, variant_id, change, reason, reference_id, user_id, notes, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,NULL,$7)
		`, xid.New("mov"), line.VariantID, -line.Quantity, domain.ReasonSale, sale.ID, cashierID, now)
		if err != nil {
			return nil, classify(err)
		}
	}

	for _, variantID := range variantIDs {
		_, err := tx.ExecContext(ctx, `
			UPDATE product_variants
			SET quantity = $2, updated_at = $3
			WHERE id = $1
		`, variantID, locked[variantID].quantity, now)
		if err != nil {
			return nil, classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	return &sale, nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_cents, payment_method, user_id, idempotency_key, created_at
		FROM sales
		WHERE idempotency_key = $1
	`, key).Scan(&sale.ID, &sale.TotalCents, &sale.PaymentMethod, &sale.UserID, &sale.IdempotencyKey, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale with idempotency key %s", store.ErrNotFound, key)
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	items, err := s.saleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_cents, payment_method, user_id, idempotency_key, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.TotalCents, &sale.PaymentMethod, &sale.UserID, &sale.IdempotencyKey, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	items, err := s.saleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) saleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, variant_id, quantity, price_at_sale_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.VariantID, &item.Quantity, &item.PriceAtSaleCents); err != nil {
			return nil, err
		}
		item.SubtotalCents = int64(item.Quantity) * item.PriceAtSaleCents
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, limit int, offset int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total_cents, payment_method, user_id, idempotency_key, created_at
		FROM sales
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.TotalCents, &sale.PaymentMethod, &sale.UserID, &sale.IdempotencyKey, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

// AdjustVariant applies one signed delta under the same lock-then-ledger
// discipline as a sale.
func (s *Store) AdjustVariant(ctx context.Context, req domain.AdjustVariantRequest, actorID string) (*domain.Variant, *domain.StockMovement, error) {
	if !domain.ValidAdjustmentReason(req.Reason) {
		return nil, nil, fmt.Errorf("%w: reason %q", store.ErrValidation, req.Reason)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return nil, nil, err
	}

	var variant domain.Variant
	var suffix sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, product_id, size_id, quantity, sku_suffix, created_at
		FROM product_variants
		WHERE id = $1
		FOR UPDATE
	`, req.VariantID).Scan(&variant.ID, &variant.ProductID, &variant.SizeID, &variant.Quantity,
		&suffix, &variant.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, req.VariantID)
		}
		return nil, nil, classify(err)
	}
	variant.SKUSuffix = suffix.String

	newQuantity := variant.Quantity + req.Change
	if newQuantity < 0 {
		return nil, nil, fmt.Errorf("%w: current %d, change %d", store.ErrInvalidAdjustment,
			variant.Quantity, req.Change)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE product_variants
		SET quantity = $2, updated_at = $3
		WHERE id = $1
	`, variant.ID, newQuantity, now); err != nil {
		return nil, nil, classify(err)
	}

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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, variant_id, change, reason, reference_id, user_id, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.VariantID, movement.Change, movement.Reason,
		nullIfEmpty(movement.ReferenceID), movement.UserID, nullIfEmpty(movement.Notes), movement.CreatedAt); err != nil {
		return nil, nil, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, classify(err)
	}

	variant.Quantity = newQuantity
	variant.UpdatedAt = now
	variant.CreatedAt = variant.CreatedAt.UTC()
	return &variant, &movement, nil
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	query := `
		SELECT id, variant_id, change, reason, COALESCE(reference_id, ''), user_id, COALESCE(notes, ''), created_at
		FROM stock_movements`
	args := []any{}
	switch {
	case filter.VariantID != "":
		query += `
		WHERE variant_id = $1`
		args = append(args, filter.VariantID)
	case filter.ProductID != "":
		query += `
		WHERE variant_id IN (SELECT id FROM product_variants WHERE product_id = $1)`
		args = append(args, filter.ProductID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.VariantID, &m.Change, &m.Reason, &m.ReferenceID, &m.UserID, &m.Notes, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: username %s already exists", store.ErrValidation, user.Username)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	return nil
}

// classify maps Postgres concurrency failures onto ErrBusy so callers can
// retry the whole unit of work: 40001 serialization_failure, 40P01
// deadlock_detected, 55P03 lock_not_available.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", store.ErrBusy, pgErr.Code)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
