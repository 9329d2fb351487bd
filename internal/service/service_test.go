package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"tokocabang/backend/internal/domain"
	"tokocabang/backend/internal/store"
	"tokocabang/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, nil, "br-pusat")
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:   "usr-admin",
		Username: "admin",
		Role:     domain.RoleAdmin,
	})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:   "usr-kasir-1",
		Username: "kasir.pusat",
		Role:     domain.RoleCashier,
		BranchID: "br-pusat",
	})
}

func TestCheckoutRetailBelowWholesaleThreshold(t *testing.T) {
	svc := newTestService()

	// prd-beras sells at 78000, wholesale 72000 from qty 10.
	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-retail-1",
		PaymentMethod:  domain.PaymentCash,
		AmountPaid:     800000,
		Lines:          []domain.CartLine{{ProductID: "prd-beras", Quantity: 9}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("fresh checkout flagged duplicate")
	}
	if got := resp.Sale.Lines[0].UnitPrice; got != 78000 {
		t.Fatalf("expected retail unit price 78000 at qty 9, got %d", got)
	}
	if resp.Sale.TotalAmount != 9*78000 {
		t.Fatalf("expected total %d, got %d", 9*78000, resp.Sale.TotalAmount)
	}
	if resp.Sale.ChangeAmount != 800000-9*78000 {
		t.Fatalf("expected change %d, got %d", 800000-9*78000, resp.Sale.ChangeAmount)
	}
}

func TestCheckoutWholesaleAtThresholdBoundary(t *testing.T) {
	svc := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-wholesale-1",
		PaymentMethod:  domain.PaymentCash,
		AmountPaid:     720000,
		Lines:          []domain.CartLine{{ProductID: "prd-beras", Quantity: 10}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if got := resp.Sale.Lines[0].UnitPrice; got != 72000 {
		t.Fatalf("expected wholesale unit price 72000 at qty 10, got %d", got)
	}
	if resp.Sale.TotalAmount != 720000 {
		t.Fatalf("expected total 720000, got %d", resp.Sale.TotalAmount)
	}
	if resp.Sale.ChangeAmount != 0 {
		t.Fatalf("expected zero change on exact payment, got %d", resp.Sale.ChangeAmount)
	}
}

func TestCheckoutForceWholesaleSingleUnit(t *testing.T) {
	svc := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-force-1",
		PriceMode:      domain.PriceModeForceWholesale,
		PaymentMethod:  domain.PaymentCash,
		AmountPaid:     100000,
		Lines: []domain.CartLine{
			{ProductID: "prd-beras", Quantity: 1},
			{ProductID: "prd-kopi", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if got := resp.Sale.Lines[0].UnitPrice; got != 72000 {
		t.Fatalf("expected forced wholesale price 72000, got %d", got)
	}
	// prd-kopi has no wholesale price; the force mode falls back to retail.
	if got := resp.Sale.Lines[1].UnitPrice; got != 24000 {
		t.Fatalf("expected retail fallback 24000 for product without wholesale price, got %d", got)
	}
}

func TestCheckoutCashInsufficientPayment(t *testing.T) {
	svc := newTestService()

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-underpaid-1",
		PaymentMethod:  domain.PaymentCash,
		AmountPaid:     50000,
		Lines:          []domain.CartLine{{ProductID: "prd-beras", Quantity: 1}},
	})
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}

	// A failed payment must leave stock untouched.
	qty, _ := svc.StockLevel(context.Background(), "prd-beras", "br-pusat")
	if qty != 100 {
		t.Fatalf("stock changed after rejected payment: %d", qty)
	}
}

func TestCheckoutDebitCardForcesExactAmount(t *testing.T) {
	svc := newTestService()

	resp, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-debit-1",
		PaymentMethod:  domain.PaymentDebitCard,
		AmountPaid:     999999,
		Lines:          []domain.CartLine{{ProductID: "prd-gula", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.Sale.AmountPaid != resp.Sale.TotalAmount {
		t.Fatalf("debit card amount paid %d should equal total %d", resp.Sale.AmountPaid, resp.Sale.TotalAmount)
	}
	if resp.Sale.ChangeAmount != 0 {
		t.Fatalf("debit card change should be 0, got %d", resp.Sale.ChangeAmount)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	svc := newTestService()

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-empty-1",
		PaymentMethod:  domain.PaymentCash,
	})
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestCheckoutIdempotentReplay(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	req := domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-replay-1",
		PaymentMethod:  domain.PaymentCash,
		AmountPaid:     100000,
		Lines:          []domain.CartLine{{ProductID: "prd-minyak", Quantity: 2}},
	}

	first, err := svc.Checkout(ctx, req)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	second, err := svc.Checkout(ctx, req)
	if err != nil {
		t.Fatalf("replayed checkout: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay not flagged duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay returned different sale: %s vs %s", second.Sale.ID, first.Sale.ID)
	}

	qty, _ := svc.StockLevel(ctx, "prd-minyak", "br-pusat")
	if qty != 98 {
		t.Fatalf("expected stock debited once, got %d", qty)
	}

	looked, err := svc.LookupSaleByIdempotency(ctx, "chk-replay-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if looked.ID != first.Sale.ID {
		t.Fatalf("lookup returned different sale")
	}
}

func TestCheckoutInsufficientStockNamesProduct(t *testing.T) {
	svc := newTestService()

	_, err := svc.Checkout(cashierCtx(), domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-oversell-1",
		PaymentMethod:  domain.PaymentDebitCard,
		Lines: []domain.CartLine{
			{ProductID: "prd-teh", Quantity: 1},
			{ProductID: "prd-sabun", Quantity: 500},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var detail *store.InsufficientStockError
	if !errors.As(err, &detail) {
		t.Fatalf("expected detail error, got %T", err)
	}
	if detail.ProductID != "prd-sabun" || detail.Available != 100 {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	// First line must not be debited when a later line fails.
	qty, _ := svc.StockLevel(context.Background(), "prd-teh", "br-pusat")
	if qty != 100 {
		t.Fatalf("expected untouched stock 100, got %d", qty)
	}
}

func TestCheckoutAssignsDailyInvoiceSequence(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	var invoices []string
	for i := 0; i < 3; i++ {
		resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
			BranchID:       "br-pusat",
			IdempotencyKey: fmt.Sprintf("chk-inv-%d", i),
			PaymentMethod:  domain.PaymentDebitCard,
			Lines:          []domain.CartLine{{ProductID: "prd-sabun", Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("checkout %d: %v", i, err)
		}
		invoices = append(invoices, resp.Sale.InvoiceNumber)
	}

	seen := make(map[string]bool, len(invoices))
	for _, inv := range invoices {
		if inv == "" {
			t.Fatalf("empty invoice number")
		}
		if seen[inv] {
			t.Fatalf("duplicate invoice number %s", inv)
		}
		seen[inv] = true
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	// br-timur seeds 40 units of each product; 50 buyers want one each.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	insufficient := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Checkout(ctx, domain.CheckoutRequest{
				BranchID:       "br-timur",
				IdempotencyKey: fmt.Sprintf("chk-race-%d", i),
				PaymentMethod:  domain.PaymentDebitCard,
				Lines:          []domain.CartLine{{ProductID: "prd-teh", Quantity: 1}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				insufficient++
			default:
				t.Errorf("unexpected checkout error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 40 || insufficient != 10 {
		t.Fatalf("expected 40 successes and 10 stock rejections, got %d/%d", succeeded, insufficient)
	}
	qty, _ := svc.StockLevel(ctx, "prd-teh", "br-timur")
	if qty != 0 {
		t.Fatalf("expected stock drained to exactly 0, got %d", qty)
	}
}

func TestApplyMovementTransferInsufficientLeavesNothing(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.ApplyMovement(ctx, domain.Movement{
		Type:         domain.MovementTransfer,
		ProductID:    "prd-beras",
		FromBranchID: "br-barat",
		ToBranchID:   "br-pusat",
		Quantity:     500,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	movements, err := svc.ListMovements(ctx, domain.MovementFilter{ProductID: "prd-beras", Type: domain.MovementTransfer})
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("failed transfer appended %d ledger entries", len(movements))
	}
}

func TestApplyMovementUnknownBranch(t *testing.T) {
	svc := newTestService()

	_, err := svc.ApplyMovement(adminCtx(), domain.Movement{
		Type:      domain.MovementReceive,
		ProductID: "prd-beras",
		BranchID:  "br-ghost",
		Quantity:  5,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyMovementRejectsManualSale(t *testing.T) {
	svc := newTestService()

	_, err := svc.ApplyMovement(adminCtx(), domain.Movement{
		Type:      domain.MovementSale,
		ProductID: "prd-beras",
		BranchID:  "br-pusat",
		Quantity:  1,
	})
	if !errors.Is(err, store.ErrInvalidMovement) {
		t.Fatalf("expected ErrInvalidMovement for manual SALE entry, got %v", err)
	}
}

func TestVerifyStockReplayTracksLedger(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	steps := []domain.Movement{
		{Type: domain.MovementReceive, ProductID: "prd-kopi", BranchID: "br-pusat", Quantity: 25},
		{Type: domain.MovementAdjustment, ProductID: "prd-kopi", BranchID: "br-pusat", QuantityDelta: -3, Reason: domain.ReasonDamaged},
		{Type: domain.MovementOpname, ProductID: "prd-kopi", BranchID: "br-pusat", CountedQty: 115},
	}
	for _, mv := range steps {
		if _, err := svc.ApplyMovement(ctx, mv); err != nil {
			t.Fatalf("apply %s: %v", mv.Type, err)
		}
	}

	level, replayed, err := svc.VerifyStock(ctx, "prd-kopi", "br-pusat")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if level != 115 {
		t.Fatalf("expected level 115 after opname, got %d", level)
	}
	if replayed != level {
		t.Fatalf("replay %d does not match level %d", replayed, level)
	}
}

func TestAssignStaffEvictsPreviousHolder(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	err := svc.AssignStaff(ctx, domain.AssignStaffRequest{
		BranchID: "br-pusat",
		UserID:   "usr-kasir-2",
		Role:     domain.RoleCashier,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	staff, err := svc.ListBranchStaff(ctx, "br-pusat")
	if err != nil {
		t.Fatalf("list staff: %v", err)
	}
	cashiers := 0
	for _, u := range staff {
		if u.Role == domain.RoleCashier {
			cashiers++
			if u.ID != "usr-kasir-2" {
				t.Fatalf("expected usr-kasir-2 holding the cashier slot, got %s", u.ID)
			}
		}
	}
	if cashiers != 1 {
		t.Fatalf("expected exactly one cashier for the branch, got %d", cashiers)
	}

	// Re-assigning the current holder is a no-op.
	if err := svc.AssignStaff(ctx, domain.AssignStaffRequest{
		BranchID: "br-pusat",
		UserID:   "usr-kasir-2",
		Role:     domain.RoleCashier,
	}); err != nil {
		t.Fatalf("idempotent re-assign: %v", err)
	}
}

func TestAssignStaffUnknownTargets(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	err := svc.AssignStaff(ctx, domain.AssignStaffRequest{
		BranchID: "br-ghost",
		UserID:   "usr-kasir-2",
		Role:     domain.RoleCashier,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown branch, got %v", err)
	}

	err = svc.AssignStaff(ctx, domain.AssignStaffRequest{
		BranchID: "br-pusat",
		UserID:   "usr-ghost",
		Role:     domain.RoleCashier,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	err = svc.AssignStaff(ctx, domain.AssignStaffRequest{
		BranchID: "br-pusat",
		UserID:   "usr-kasir-2",
		Role:     domain.RoleAdmin,
	})
	if err == nil {
		t.Fatalf("expected error assigning ADMIN to a branch slot")
	}
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateUser(cashierCtx(), domain.UserCreateRequest{
		Username: "kasir.baru",
		Password: "rahasia1",
		Role:     domain.RoleCashier,
	})
	if err == nil {
		t.Fatalf("expected error for non-admin actor")
	}

	created, err := svc.CreateUser(adminCtx(), domain.UserCreateRequest{
		Username: "Kasir.Baru",
		Password: "rahasia1",
		Role:     domain.RoleCashier,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.Username != "kasir.baru" {
		t.Fatalf("expected lowercased username, got %s", created.Username)
	}
	if created.Password == "rahasia1" {
		t.Fatalf("password stored in plaintext")
	}
}

func TestLowStockReport(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	// Drain prd-gula at br-barat below its minimum of 20.
	if _, err := svc.ApplyMovement(ctx, domain.Movement{
		Type:          domain.MovementAdjustment,
		ProductID:     "prd-gula",
		BranchID:      "br-barat",
		QuantityDelta: -25,
		Reason:        domain.ReasonCorrection,
	}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	items, err := svc.LowStockReport(ctx, "br-barat")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	found := false
	for _, item := range items {
		if item.ProductID == "prd-gula" {
			found = true
			if item.Quantity != 15 || item.MinStock != 20 {
				t.Fatalf("unexpected report row: %+v", item)
			}
		}
	}
	if !found {
		t.Fatalf("prd-gula missing from low stock report: %+v", items)
	}
}

func TestGetSaleByInvoice(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.Checkout(ctx, domain.CheckoutRequest{
		BranchID:       "br-pusat",
		IdempotencyKey: "chk-invoice-lookup",
		PaymentMethod:  domain.PaymentDebitCard,
		Lines:          []domain.CartLine{{ProductID: "prd-teh", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	sale, err := svc.GetSaleByInvoice(ctx, resp.Sale.InvoiceNumber)
	if err != nil {
		t.Fatalf("lookup by invoice: %v", err)
	}
	if sale.ID != resp.Sale.ID {
		t.Fatalf("expected sale %s, got %s", resp.Sale.ID, sale.ID)
	}

	if _, err := svc.GetSaleByInvoice(ctx, "INV-19700101-9999"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown invoice, got %v", err)
	}
}
