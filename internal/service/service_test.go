package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/KhalanHappiness/Point-Of-Sale/internal/cache"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/domain"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/store"
	"github.com/KhalanHappiness/Point-Of-Sale/internal/store/memory"
)

var fixtureSeq atomic.Int64

func newTestService() *Service {
	return New(memory.NewSeeded(), cache.NewNoop(), zap.NewNop().Sugar())
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

// newVariant creates a fresh product, size and variant so each test controls
// its own stock level and price band.
func newVariant(t *testing.T, svc *Service, quantity int, minCents, maxCents int64) (productID, variantID string) {
	t.Helper()
	n := fixtureSeq.Add(1)

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		SKU:           fmt.Sprintf("TST-%03d", n),
		Name:          fmt.Sprintf("Test Product %d", n),
		MinPriceCents: minCents,
		MaxPriceCents: maxCents,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	size, err := svc.CreateSize(adminCtx(), domain.SizeCreateRequest{Name: fmt.Sprintf("T%d", n), SortOrder: int(n)})
	if err != nil {
		t.Fatalf("create size: %v", err)
	}
	variant, err := svc.CreateVariant(adminCtx(), domain.VariantCreateRequest{
		ProductID:       product.ID,
		SizeID:          size.ID,
		InitialQuantity: quantity,
	})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}
	return product.ID, variant.ID
}

func TestCreateSaleCommitsCartAtomically(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 10, 1000, 2000)

	resp, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items: []domain.SaleLine{
			{VariantID: variantID, Quantity: 4, UnitPriceCents: 1500},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("fresh sale reported as duplicate")
	}
	if resp.Sale.TotalCents != 6000 {
		t.Fatalf("expected total 6000, got %d", resp.Sale.TotalCents)
	}
	if len(resp.Sale.Items) != 1 || resp.Sale.Items[0].SubtotalCents != 6000 {
		t.Fatalf("unexpected sale items: %+v", resp.Sale.Items)
	}
	if resp.Sale.UserID != "cashier" {
		t.Fatalf("expected cashier as sale user, got %s", resp.Sale.UserID)
	}

	variant, err := svc.GetVariant(context.Background(), variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Quantity != 6 {
		t.Fatalf("expected quantity 6 after sale, got %d", variant.Quantity)
	}

	page, err := svc.ListMovements(context.Background(), domain.MovementFilter{VariantID: variantID})
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(page.Movements) != 1 {
		t.Fatalf("expected exactly one ledger row, got %d", len(page.Movements))
	}
	mv := page.Movements[0]
	if mv.Change != -4 || mv.Reason != domain.ReasonSale || mv.ReferenceID != resp.Sale.ID {
		t.Fatalf("unexpected ledger row: %+v", mv)
	}
}

func TestCreateSaleFailedLineRollsBackWholeCart(t *testing.T) {
	svc := newTestService()
	_, okVariant := newVariant(t, svc, 10, 1000, 2000)
	_, lowVariant := newVariant(t, svc, 2, 1000, 2000)

	_, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items: []domain.SaleLine{
			{VariantID: okVariant, Quantity: 5, UnitPriceCents: 1200},
			{VariantID: lowVariant, Quantity: 3, UnitPriceCents: 1200},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	for id, want := range map[string]int{okVariant: 10, lowVariant: 2} {
		variant, err := svc.GetVariant(context.Background(), id)
		if err != nil {
			t.Fatalf("get variant: %v", err)
		}
		if variant.Quantity != want {
			t.Fatalf("variant %s: expected quantity %d untouched, got %d", id, want, variant.Quantity)
		}
	}
	page, err := svc.ListMovements(context.Background(), domain.MovementFilter{VariantID: okVariant})
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(page.Movements) != 0 {
		t.Fatalf("failed sale must leave no ledger rows, got %d", len(page.Movements))
	}
}

func TestCreateSaleDuplicateLinesShareStock(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 5, 1000, 2000)

	// Two lines for the same variant validate against the staged quantity,
	// so 3+3 must fail on the second line even though each fits alone.
	_, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items: []domain.SaleLine{
			{VariantID: variantID, Quantity: 3, UnitPriceCents: 1500},
			{VariantID: variantID, Quantity: 3, UnitPriceCents: 1500},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	variant, err := svc.GetVariant(context.Background(), variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Quantity != 5 {
		t.Fatalf("expected quantity 5 untouched, got %d", variant.Quantity)
	}
}

func TestCreateSalePriceBand(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 10, 1000, 2000)

	_, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 900}},
	})
	if !errors.Is(err, store.ErrPriceOutOfRange) {
		t.Fatalf("expected ErrPriceOutOfRange below band, got %v", err)
	}

	// Band limits are inclusive.
	resp, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 2000}},
	})
	if err != nil {
		t.Fatalf("sale at band maximum should pass: %v", err)
	}
	if resp.Sale.TotalCents != 2000 {
		t.Fatalf("expected total 2000, got %d", resp.Sale.TotalCents)
	}
}

func TestCreateSaleInactiveProduct(t *testing.T) {
	svc := newTestService()
	productID, variantID := newVariant(t, svc, 10, 1000, 2000)

	if _, err := svc.DeactivateProduct(adminCtx(), productID); err != nil {
		t.Fatalf("deactivate product: %v", err)
	}

	_, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 1500}},
	})
	if !errors.Is(err, store.ErrProductInactive) {
		t.Fatalf("expected ErrProductInactive, got %v", err)
	}
}

func TestCreateSaleUnknownVariant(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items:         []domain.SaleLine{{VariantID: "var-missing", Quantity: 1, UnitPriceCents: 1500}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSaleValidation(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 10, 1000, 2000)

	cases := []struct {
		name string
		req  domain.CreateSaleRequest
	}{
		{"empty cart", domain.CreateSaleRequest{PaymentMethod: "cash"}},
		{"bad payment method", domain.CreateSaleRequest{
			PaymentMethod: "crypto",
			Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 1500}},
		}},
		{"zero quantity", domain.CreateSaleRequest{
			PaymentMethod: "cash",
			Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 0, UnitPriceCents: 1500}},
		}},
		{"zero price", domain.CreateSaleRequest{
			PaymentMethod: "cash",
			Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 0}},
		}},
	}
	for _, tc := range cases {
		if _, err := svc.CreateSale(cashierCtx(), tc.req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}

	if _, err := svc.CreateSale(context.Background(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 1500}},
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation without actor, got %v", err)
	}
}

func TestCreateSaleIdempotentReplay(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 10, 1000, 2000)

	req := domain.CreateSaleRequest{
		IdempotencyKey: "idem-replay-1",
		PaymentMethod:  "card",
		Items:          []domain.SaleLine{{VariantID: variantID, Quantity: 2, UnitPriceCents: 1500}},
	}

	first, err := svc.CreateSale(cashierCtx(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.CreateSale(cashierCtx(), req)
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay must be flagged duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay returned a different sale: %s vs %s", second.Sale.ID, first.Sale.ID)
	}

	variant, err := svc.GetVariant(context.Background(), variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Quantity != 8 {
		t.Fatalf("stock must be decremented once, got quantity %d", variant.Quantity)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 5, 1000, 2000)

	results := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
				PaymentMethod: "cash",
				Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 3, UnitPriceCents: 1500}},
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one stock failure, got %d/%d", succeeded, insufficient)
	}

	variant, err := svc.GetVariant(context.Background(), variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Quantity != 2 {
		t.Fatalf("expected final quantity 2, got %d", variant.Quantity)
	}

	page, err := svc.ListMovements(context.Background(), domain.MovementFilter{VariantID: variantID})
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(page.Movements) != 1 {
		t.Fatalf("expected one ledger row for the winning sale, got %d", len(page.Movements))
	}
}

func TestAdjustVariantRestock(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 6, 1000, 2000)

	resp, err := svc.AdjustVariant(adminCtx(), domain.AdjustVariantRequest{
		VariantID: variantID,
		Change:    15,
		Reason:    domain.ReasonRestock,
		Notes:     "weekly delivery",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if resp.Variant.Quantity != 21 {
		t.Fatalf("expected quantity 21, got %d", resp.Variant.Quantity)
	}
	if resp.Movement.Change != 15 || resp.Movement.Reason != domain.ReasonRestock || resp.Movement.UserID != "admin" {
		t.Fatalf("unexpected ledger row: %+v", resp.Movement)
	}
}

func TestAdjustVariantRejectsNegativeResult(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 6, 1000, 2000)

	_, err := svc.AdjustVariant(adminCtx(), domain.AdjustVariantRequest{
		VariantID: variantID,
		Change:    -20,
		Reason:    domain.ReasonAdjustment,
	})
	if !errors.Is(err, store.ErrInvalidAdjustment) {
		t.Fatalf("expected ErrInvalidAdjustment, got %v", err)
	}

	variant, err := svc.GetVariant(context.Background(), variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Quantity != 6 {
		t.Fatalf("rejected adjustment must not change quantity, got %d", variant.Quantity)
	}
	page, err := svc.ListMovements(context.Background(), domain.MovementFilter{VariantID: variantID})
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(page.Movements) != 0 {
		t.Fatalf("rejected adjustment must not append ledger rows, got %d", len(page.Movements))
	}
}

func TestAdjustVariantReasonWhitelist(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 6, 1000, 2000)

	for _, reason := range []string{domain.ReasonSale, "theft", ""} {
		_, err := svc.AdjustVariant(adminCtx(), domain.AdjustVariantRequest{
			VariantID: variantID,
			Change:    -1,
			Reason:    reason,
		})
		if !errors.Is(err, store.ErrValidation) {
			t.Fatalf("reason %q: expected ErrValidation, got %v", reason, err)
		}
	}
}

func TestListMovementsOrderAndFilters(t *testing.T) {
	svc := New(memory.New(), cache.NewNoop(), zap.NewNop().Sugar())
	productA, variantA := newVariant(t, svc, 10, 1000, 2000)
	_, variantB := newVariant(t, svc, 10, 1000, 2000)

	if _, err := svc.AdjustVariant(adminCtx(), domain.AdjustVariantRequest{VariantID: variantA, Change: 5, Reason: domain.ReasonRestock}); err != nil {
		t.Fatalf("restock: %v", err)
	}
	if _, err := svc.AdjustVariant(adminCtx(), domain.AdjustVariantRequest{VariantID: variantB, Change: -2, Reason: domain.ReasonDamage}); err != nil {
		t.Fatalf("damage: %v", err)
	}
	sale, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items:         []domain.SaleLine{{VariantID: variantA, Quantity: 1, UnitPriceCents: 1500}},
	})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}

	all, err := svc.ListMovements(context.Background(), domain.MovementFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all.Movements) != 3 {
		t.Fatalf("expected 3 ledger rows, got %d", len(all.Movements))
	}
	// Newest first: the sale was the last write.
	if all.Movements[0].ReferenceID != sale.Sale.ID {
		t.Fatalf("expected the sale row first, got %+v", all.Movements[0])
	}
	for i := 1; i < len(all.Movements); i++ {
		if all.Movements[i].CreatedAt.After(all.Movements[i-1].CreatedAt) {
			t.Fatalf("rows out of order at index %d", i)
		}
	}

	byVariant, err := svc.ListMovements(context.Background(), domain.MovementFilter{VariantID: variantB})
	if err != nil {
		t.Fatalf("list by variant: %v", err)
	}
	if len(byVariant.Movements) != 1 || byVariant.Movements[0].Reason != domain.ReasonDamage {
		t.Fatalf("variant filter returned wrong rows: %+v", byVariant.Movements)
	}

	byProduct, err := svc.ListMovements(context.Background(), domain.MovementFilter{ProductID: productA})
	if err != nil {
		t.Fatalf("list by product: %v", err)
	}
	if len(byProduct.Movements) != 2 {
		t.Fatalf("product filter expected 2 rows, got %d", len(byProduct.Movements))
	}

	limited, err := svc.ListMovements(context.Background(), domain.MovementFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited.Movements) != 2 {
		t.Fatalf("limit 2 expected 2 rows, got %d", len(limited.Movements))
	}
}

func TestCatalogAdminOnly(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{
		SKU: "NOPE-1", Name: "Nope", MinPriceCents: 100, MaxPriceCents: 200,
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cashier create product: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.UpdateProduct(cashierCtx(), "prod-tee-basic", domain.ProductUpdateRequest{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cashier update product: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.CreateCategory(cashierCtx(), domain.CategoryCreateRequest{Name: "Nope"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cashier create category: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.CreateBrand(cashierCtx(), domain.BrandCreateRequest{Name: "Nope"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cashier create brand: expected ErrForbidden, got %v", err)
	}
}

func TestUpdateProductPriceBand(t *testing.T) {
	svc := newTestService()
	productID, _ := newVariant(t, svc, 10, 1000, 2000)

	badMax := int64(500)
	if _, err := svc.UpdateProduct(adminCtx(), productID, domain.ProductUpdateRequest{MaxPriceCents: &badMax}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for inverted band, got %v", err)
	}

	newMin, newMax := int64(1100), int64(2200)
	updated, err := svc.UpdateProduct(adminCtx(), productID, domain.ProductUpdateRequest{MinPriceCents: &newMin, MaxPriceCents: &newMax})
	if err != nil {
		t.Fatalf("update band: %v", err)
	}
	if updated.MinPriceCents != 1100 || updated.MaxPriceCents != 2200 {
		t.Fatalf("band not applied: %+v", updated)
	}
}

func TestListSalesNewestFirst(t *testing.T) {
	svc := newTestService()
	_, variantID := newVariant(t, svc, 10, 1000, 2000)

	var last string
	for i := 0; i < 3; i++ {
		resp, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
			PaymentMethod: "cash",
			Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 1500}},
		})
		if err != nil {
			t.Fatalf("sale %d: %v", i, err)
		}
		last = resp.Sale.ID
	}

	list, err := svc.ListSales(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if list.Count != 3 {
		t.Fatalf("expected 3 sales, got %d", list.Count)
	}
	if list.Sales[0].ID != last {
		t.Fatalf("expected newest sale first, got %s", list.Sales[0].ID)
	}
}

func TestCategoryAndBrandLifecycle(t *testing.T) {
	svc := New(memory.New(), cache.NewNoop(), zap.NewNop().Sugar())

	category, err := svc.CreateCategory(adminCtx(), domain.CategoryCreateRequest{Name: "Outerwear", Description: "jackets and coats"})
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	if _, err := svc.CreateCategory(adminCtx(), domain.CategoryCreateRequest{Name: "Outerwear"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("duplicate category name: expected ErrValidation, got %v", err)
	}
	brand, err := svc.CreateBrand(adminCtx(), domain.BrandCreateRequest{Name: "Northgate"})
	if err != nil {
		t.Fatalf("create brand: %v", err)
	}

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		SKU: "PARKA-1", Name: "Winter Parka",
		CategoryID: category.ID, BrandID: brand.ID,
		MinPriceCents: 8000, MaxPriceCents: 12000,
	})
	if err != nil {
		t.Fatalf("create product with refs: %v", err)
	}
	if product.CategoryID != category.ID || product.BrandID != brand.ID {
		t.Fatalf("references not stored: %+v", product)
	}

	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		SKU: "PARKA-2", Name: "Spring Parka",
		CategoryID:    "cat-missing",
		MinPriceCents: 8000, MaxPriceCents: 12000,
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown category: expected ErrNotFound, got %v", err)
	}

	if _, err := svc.DeactivateCategory(adminCtx(), category.ID); err != nil {
		t.Fatalf("deactivate category: %v", err)
	}
	active, err := svc.ListCategories(context.Background(), true)
	if err != nil {
		t.Fatalf("list active categories: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("deactivated category still listed as active: %+v", active)
	}
	all, err := svc.ListCategories(context.Background(), false)
	if err != nil {
		t.Fatalf("list all categories: %v", err)
	}
	if len(all) != 1 || all[0].Active {
		t.Fatalf("expected one inactive category, got %+v", all)
	}

	// Deactivation must not cascade to products that carry the reference.
	got, err := svc.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.CategoryID != category.ID || !got.Active {
		t.Fatalf("product changed by category deactivation: %+v", got)
	}

	renamed := "Heritage Northgate"
	updatedBrand, err := svc.UpdateBrand(adminCtx(), brand.ID, domain.BrandUpdateRequest{Name: &renamed})
	if err != nil {
		t.Fatalf("rename brand: %v", err)
	}
	if updatedBrand.Name != renamed {
		t.Fatalf("brand rename not applied: %+v", updatedBrand)
	}
}

// flakyStore delegates to a real Repository but fails CreateSale with ErrBusy
// a fixed number of times first, standing in for lock contention.
type flakyStore struct {
	store.Repository
	mu       sync.Mutex
	busyLeft int
	calls    int
}

func (f *flakyStore) CreateSale(ctx context.Context, cashierID string, idempotencyKey string, paymentMethod string, lines []domain.SaleLine) (*domain.Sale, error) {
	f.mu.Lock()
	f.calls++
	busy := f.busyLeft > 0
	if busy {
		f.busyLeft--
	}
	f.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: lock timeout", store.ErrBusy)
	}
	return f.Repository.CreateSale(ctx, cashierID, idempotencyKey, paymentMethod, lines)
}

func (f *flakyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCreateSaleRetriesAfterTransientConflict(t *testing.T) {
	repo := &flakyStore{Repository: memory.New(), busyLeft: 2}
	svc := New(repo, cache.NewNoop(), zap.NewNop().Sugar())
	_, variantID := newVariant(t, svc, 10, 1000, 2000)

	resp, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 1500}},
	})
	if err != nil {
		t.Fatalf("sale must succeed once the conflict clears: %v", err)
	}
	if resp.Sale.TotalCents != 1500 {
		t.Fatalf("unexpected total: %d", resp.Sale.TotalCents)
	}
	if got := repo.callCount(); got != 3 {
		t.Fatalf("expected 2 busy attempts plus 1 success, got %d calls", got)
	}

	variant, err := svc.GetVariant(context.Background(), variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Quantity != 9 {
		t.Fatalf("stock must be decremented exactly once, got %d", variant.Quantity)
	}
}

func TestCreateSaleSurfacesBusyWhenConflictPersists(t *testing.T) {
	repo := &flakyStore{Repository: memory.New(), busyLeft: 100}
	svc := New(repo, cache.NewNoop(), zap.NewNop().Sugar())
	_, variantID := newVariant(t, svc, 10, 1000, 2000)

	_, err := svc.CreateSale(cashierCtx(), domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Items:         []domain.SaleLine{{VariantID: variantID, Quantity: 1, UnitPriceCents: 1500}},
	})
	if !errors.Is(err, store.ErrBusy) {
		t.Fatalf("expected ErrBusy after retries are exhausted, got %v", err)
	}
	if got := repo.callCount(); got != saleRetryAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", saleRetryAttempts, got)
	}

	variant, err := svc.GetVariant(context.Background(), variantID)
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if variant.Quantity != 10 {
		t.Fatalf("failed sale must leave stock untouched, got %d", variant.Quantity)
	}
}

func TestListLowStock(t *testing.T) {
	svc := New(memory.New(), cache.NewNoop(), zap.NewNop().Sugar())
	_, lowVariant := newVariant(t, svc, 3, 1000, 2000)
	newVariant(t, svc, 50, 1000, 2000)

	rows, err := svc.ListLowStock(context.Background(), 10)
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if len(rows) != 1 || rows[0].Variant.ID != lowVariant {
		t.Fatalf("expected only the low variant, got %+v", rows)
	}
}
