package domain

import "time"

// Payment methods accepted at checkout.
const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentMobile = "mobile"
)

// Stock movement reasons. ReasonSale is reserved for the sale coordinator;
// adjustments may only use the remaining three.
const (
	ReasonSale       = "sale"
	ReasonRestock    = "restock"
	ReasonAdjustment = "adjustment"
	ReasonDamage     = "damage"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// Category and Brand are catalog lookup entities. Products reference them by
// id; both soft-deactivate without cascading to the products that use them.
type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type CategoryCreateRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

type CategoryUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

type Brand struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type BrandCreateRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

type BrandUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

type Product struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	Name          string    `json:"name"`
	CategoryID    string    `json:"category_id,omitempty"`
	BrandID       string    `json:"brand_id,omitempty"`
	MinPriceCents int64     `json:"min_price_cents"`
	MaxPriceCents int64     `json:"max_price_cents"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU           string `json:"sku" validate:"required"`
	Name          string `json:"name" validate:"required"`
	CategoryID    string `json:"category_id"`
	BrandID       string `json:"brand_id"`
	MinPriceCents int64  `json:"min_price_cents" validate:"gt=0"`
	MaxPriceCents int64  `json:"max_price_cents" validate:"gt=0"`
}

type ProductUpdateRequest struct {
	Name          *string `json:"name,omitempty"`
	CategoryID    *string `json:"category_id,omitempty"`
	BrandID       *string `json:"brand_id,omitempty"`
	MinPriceCents *int64  `json:"min_price_cents,omitempty"`
	MaxPriceCents *int64  `json:"max_price_cents,omitempty"`
	Active        *bool   `json:"active,omitempty"`
}

type Size struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

type SizeCreateRequest struct {
	Name      string `json:"name" validate:"required"`
	SortOrder int    `json:"sort_order"`
}

// Variant is the sellable unit: one product in one size, carrying its own
// on-hand quantity. Quantity is mutated only inside a locked store
// transaction.
type Variant struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	SizeID    string    `json:"size_id"`
	Quantity  int       `json:"quantity"`
	SKUSuffix string    `json:"sku_suffix,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type VariantCreateRequest struct {
	ProductID       string `json:"product_id" validate:"required"`
	SizeID          string `json:"size_id" validate:"required"`
	SKUSuffix       string `json:"sku_suffix"`
	InitialQuantity int    `json:"initial_quantity" validate:"gte=0"`
}

// InventoryRow pairs a variant with its owning product and size for
// inventory listings.
type InventoryRow struct {
	Variant Variant `json:"variant"`
	Product Product `json:"product"`
	Size    Size    `json:"size"`
}

// SaleLine is one requested cart line. UnitPriceCents is the price the
// cashier is charging, checked against the product's band at sale time.
type SaleLine struct {
	VariantID      string `json:"variant_id" validate:"required"`
	Quantity       int    `json:"quantity" validate:"gt=0"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"gt=0"`
}

type CreateSaleRequest struct {
	IdempotencyKey string     `json:"idempotency_key"`
	PaymentMethod  string     `json:"payment_method" validate:"required,oneof=cash card mobile"`
	Items          []SaleLine `json:"items" validate:"required,min=1,dive"`
}

type SaleItem struct {
	ID               string `json:"id"`
	SaleID           string `json:"sale_id"`
	VariantID        string `json:"variant_id"`
	Quantity         int    `json:"quantity"`
	PriceAtSaleCents int64  `json:"price_at_sale_cents"`
	SubtotalCents    int64  `json:"subtotal_cents"`
}

// Sale is immutable once committed; Items are created atomically with it and
// never mutated afterwards.
type Sale struct {
	ID             string     `json:"id"`
	TotalCents     int64      `json:"total_cents"`
	PaymentMethod  string     `json:"payment_method"`
	UserID         string     `json:"user_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Items          []SaleItem `json:"items,omitempty"`
}

type SaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
	Count int    `json:"count"`
}

// StockMovement is one append-only ledger row: the sole record of why a
// variant's quantity changed.
type StockMovement struct {
	ID          string    `json:"id"`
	VariantID   string    `json:"variant_id"`
	Change      int       `json:"change"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id,omitempty"`
	UserID      string    `json:"user_id"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type AdjustVariantRequest struct {
	VariantID   string `json:"variant_id" validate:"required"`
	Change      int    `json:"change"`
	Reason      string `json:"reason" validate:"required,oneof=restock adjustment damage"`
	Notes       string `json:"notes"`
	ReferenceID string `json:"reference_id"`
}

type AdjustVariantResponse struct {
	Variant  Variant       `json:"variant"`
	Movement StockMovement `json:"movement"`
}

// MovementFilter selects ledger rows. VariantID wins when both are set; a
// ProductID filter matches every variant of that product.
type MovementFilter struct {
	VariantID string
	ProductID string
	Limit     int
}

type MovementListResponse struct {
	Movements []StockMovement `json:"movements"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller, injected into the request context by
// the HTTP layer. The core trusts Username as the user id on every write.
type Actor struct {
	Username string
	Role     string
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4"`
	Password string `json:"password" validate:"required,min=6"`
	Role     string `json:"role" validate:"omitempty,oneof=admin cashier"`
}

type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is the internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

func ValidPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentMobile:
		return true
	}
	return false
}

func ValidAdjustmentReason(reason string) bool {
	switch reason {
	case ReasonRestock, ReasonAdjustment, ReasonDamage:
		return true
	}
	return false
}
