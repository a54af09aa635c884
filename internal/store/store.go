package store

import (
	"context"
	"errors"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
)

// Sentinel errors for the sale engine. Implementations wrap these with
// fmt.Errorf("%w: ...") to carry detail (available vs requested quantities,
// band limits) while callers match with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductInactive   = errors.New("product is not active")
	ErrPriceOutOfRange   = errors.New("price out of allowed range")
	ErrInvalidAdjustment = errors.New("invalid adjustment")

	// ErrBusy marks lock timeouts, deadlocks and serialization failures.
	// The operation left no effects and is safe to retry from scratch.
	ErrBusy = errors.New("store busy")
)

// Repository is the persistence boundary for the sale engine and its
// catalog. CreateSale and AdjustVariant are each one atomic unit of work:
// lock, validate, mutate, append ledger rows, then commit everything or
// nothing.
type Repository interface {
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	GetCategoryByID(ctx context.Context, id string) (*domain.Category, error)
	ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error)
	UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)

	CreateBrand(ctx context.Context, brand domain.Brand) (*domain.Brand, error)
	GetBrandByID(ctx context.Context, id string) (*domain.Brand, error)
	ListBrands(ctx context.Context, activeOnly bool) ([]domain.Brand, error)
	UpdateBrand(ctx context.Context, brand domain.Brand) (*domain.Brand, error)

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]domain.Product, error)
	SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	CreateSize(ctx context.Context, size domain.Size) (*domain.Size, error)
	ListSizes(ctx context.Context) ([]domain.Size, error)

	CreateVariant(ctx context.Context, variant domain.Variant) (*domain.Variant, error)
	GetVariantByID(ctx context.Context, id string) (*domain.Variant, error)
	ListInventory(ctx context.Context, activeProductsOnly bool) ([]domain.InventoryRow, error)

	CreateSale(ctx context.Context, cashierID string, idempotencyKey string, paymentMethod string, lines []domain.SaleLine) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int, offset int) ([]domain.Sale, error)

	AdjustVariant(ctx context.Context, req domain.AdjustVariantRequest, actorID string) (*domain.Variant, *domain.StockMovement, error)
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
