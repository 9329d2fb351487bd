package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tokocabang/backend/internal/cache"
	"tokocabang/backend/internal/domain"
	"tokocabang/backend/internal/pricing"
	"tokocabang/backend/internal/store"
	"tokocabang/backend/internal/xid"
)

var (
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInsufficientPayment = errors.New("amount paid is below total")
	ErrTimeout             = errors.New("operation timed out")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const saleCacheTTL = 24 * time.Hour

type Service struct {
	repo            store.Repository
	sales           cache.SaleCache
	logger          *zap.Logger
	defaultBranchID string
}

func New(repo store.Repository, sales cache.SaleCache, logger *zap.Logger, defaultBranchID string) *Service {
	if sales == nil {
		sales = cache.NoopSaleCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultBranchID == "" {
		defaultBranchID = "br-pusat"
	}

	return &Service{
		repo:            repo,
		sales:           sales,
		logger:          logger,
		defaultBranchID: defaultBranchID,
	}
}

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	if req.PriceMode == "" {
		req.PriceMode = domain.PriceModeAuto
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}
	if actor, ok := ActorFromContext(ctx); ok && req.CashierID == "" {
		req.CashierID = actor.UserID
	}

	if req.PaymentMethod != domain.PaymentCash && req.PaymentMethod != domain.PaymentDebitCard {
		return domain.CheckoutResponse{}, fmt.Errorf("unsupported payment method %q", req.PaymentMethod)
	}
	if req.PriceMode != domain.PriceModeAuto && req.PriceMode != domain.PriceModeForceWholesale {
		return domain.CheckoutResponse{}, fmt.Errorf("unsupported price mode %q", req.PriceMode)
	}
	if len(req.Lines) == 0 {
		return domain.CheckoutResponse{}, ErrEmptyCart
	}
	for _, line := range req.Lines {
		if line.ProductID == "" || line.Quantity < 1 {
			return domain.CheckoutResponse{}, fmt.Errorf("invalid cart line for product %q", line.ProductID)
		}
	}
	if req.DiscountAmount < 0 || req.TaxAmount < 0 || req.AmountPaid < 0 {
		return domain.CheckoutResponse{}, fmt.Errorf("negative amount in checkout request")
	}

	if cached, found, err := s.sales.Get(ctx, req.IdempotencyKey); err != nil {
		s.logger.Warn("sale cache read failed", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
	} else if found {
		return domain.CheckoutResponse{Sale: *cached, Duplicate: true}, nil
	}

	if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
		s.cacheSale(ctx, existing)
		return domain.CheckoutResponse{Sale: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, deadlineErr(ctx, err)
	}

	productIDs := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		productIDs = append(productIDs, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return domain.CheckoutResponse{}, deadlineErr(ctx, err)
	}

	// Authoritative re-pricing: the cart never carries trusted prices. These
	// totals drive payment validation; the store resolves the final unit
	// prices again from the product rows it reads inside the commit
	// transaction, using the same mode.
	subtotal := int64(0)
	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		product, exists := products[line.ProductID]
		if !exists {
			return domain.CheckoutResponse{}, fmt.Errorf("product %s unavailable: %w", line.ProductID, store.ErrNotFound)
		}
		unitPrice := pricing.ResolveUnitPrice(product, line.Quantity, req.PriceMode)
		lineSubtotal := pricing.LineSubtotal(product, line.Quantity, req.PriceMode)
		lines = append(lines, domain.SaleLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: unitPrice,
			Subtotal:  lineSubtotal,
		})
		subtotal += lineSubtotal
	}

	if req.DiscountAmount > subtotal {
		req.DiscountAmount = subtotal
	}
	total := subtotal - req.DiscountAmount + req.TaxAmount

	var amountPaid, change int64
	switch req.PaymentMethod {
	case domain.PaymentCash:
		if req.AmountPaid < total {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: need %d, got %d", ErrInsufficientPayment, total, req.AmountPaid)
		}
		amountPaid = req.AmountPaid
		change = req.AmountPaid - total
	case domain.PaymentDebitCard:
		amountPaid = total
		change = 0
	}

	sale := domain.Sale{
		ID:             xid.New("sale"),
		BranchID:       req.BranchID,
		CashierID:      req.CashierID,
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		PriceMode:      req.PriceMode,
		Lines:          lines,
		Subtotal:       subtotal,
		TaxAmount:      req.TaxAmount,
		DiscountAmount: req.DiscountAmount,
		TotalAmount:    total,
		PaymentMethod:  req.PaymentMethod,
		AmountPaid:     amountPaid,
		ChangeAmount:   change,
		Status:         domain.SaleStatusCompleted,
		CreatedAt:      time.Now().UTC(),
	}

	created, duplicate, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.CheckoutResponse{}, deadlineErr(ctx, err)
	}

	s.cacheSale(ctx, created)
	s.logger.Info("checkout committed",
		zap.String("sale_id", created.ID),
		zap.String("invoice", created.InvoiceNumber),
		zap.String("branch_id", created.BranchID),
		zap.String("cashier_id", created.CashierID),
		zap.String("payment_method", string(created.PaymentMethod)),
		zap.Int64("total", created.TotalAmount),
		zap.Bool("duplicate", duplicate),
	)

	return domain.CheckoutResponse{Sale: *created, Duplicate: duplicate}, nil
}

func (s *Service) cacheSale(ctx context.Context, sale *domain.Sale) {
	if sale == nil || sale.IdempotencyKey == "" {
		return
	}
	if err := s.sales.Set(ctx, sale.IdempotencyKey, sale, saleCacheTTL); err != nil {
		s.logger.Warn("sale cache write failed", zap.String("sale_id", sale.ID), zap.Error(err))
	}
}

func (s *Service) LookupSaleByIdempotency(ctx context.Context, idempotencyKey string) (*domain.Sale, error) {
	if idempotencyKey == "" {
		return nil, store.ErrNotFound
	}
	if cached, found, err := s.sales.Get(ctx, idempotencyKey); err == nil && found {
		return cached, nil
	}
	sale, err := s.repo.FindSaleByIdempotency(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	s.cacheSale(ctx, sale)
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	if saleID == "" {
		return nil, store.ErrNotFound
	}
	return s.repo.FindSaleByID(ctx, saleID)
}

func (s *Service) GetSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	if invoiceNumber == "" {
		return nil, store.ErrNotFound
	}
	return s.repo.FindSaleByInvoice(ctx, invoiceNumber)
}

func (s *Service) ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListSales(ctx, branchID, limit)
}

// ApplyMovement validates and applies a manual stock movement. SALE entries
// are rejected here; they only exist as a side effect of checkout.
func (s *Service) ApplyMovement(ctx context.Context, mv domain.Movement) ([]domain.Movement, error) {
	if mv.BranchID == "" && mv.Type != domain.MovementTransfer {
		mv.BranchID = s.defaultBranchID
	}
	if actor, ok := ActorFromContext(ctx); ok && mv.ActorID == "" {
		mv.ActorID = actor.UserID
	}
	mv.Notes = strings.TrimSpace(mv.Notes)

	if err := mv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidMovement, err)
	}

	if _, err := s.repo.GetProduct(ctx, mv.ProductID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("product %s: %w", mv.ProductID, store.ErrNotFound)
		}
		return nil, err
	}

	branchIDs := []string{mv.BranchID}
	if mv.Type == domain.MovementTransfer {
		branchIDs = []string{mv.FromBranchID, mv.ToBranchID}
	}
	for _, branchID := range branchIDs {
		exists, err := s.repo.BranchExists(ctx, branchID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("branch %s: %w", branchID, store.ErrNotFound)
		}
	}

	entries, err := s.repo.ApplyMovement(ctx, mv)
	if err != nil {
		return nil, deadlineErr(ctx, err)
	}

	s.logger.Info("movement applied",
		zap.String("type", string(mv.Type)),
		zap.String("product_id", mv.ProductID),
		zap.Strings("branches", branchIDs),
		zap.String("actor_id", mv.ActorID),
		zap.Int("entries", len(entries)),
	)
	return entries, nil
}

func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.Movement, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) StockLevel(ctx context.Context, productID string, branchID string) (int, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return 0, err
	}
	return s.repo.GetStockLevel(ctx, productID, branchID)
}

func (s *Service) StockMap(ctx context.Context, branchID string, productIDs []string) (map[string]int, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.GetStockMap(ctx, branchID, productIDs)
}

// VerifyStock compares the materialized level against a replay of the ledger.
// The two only diverge when rows were seeded outside the ledger or the
// ledger was tampered with.
func (s *Service) VerifyStock(ctx context.Context, productID string, branchID string) (level int, replayed int, err error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	level, err = s.repo.GetStockLevel(ctx, productID, branchID)
	if err != nil {
		return 0, 0, err
	}
	replayed, err = s.repo.ReplayStockLevel(ctx, productID, branchID)
	if err != nil {
		return 0, 0, err
	}
	return level, replayed, nil
}

func (s *Service) LowStockReport(ctx context.Context, branchID string) ([]domain.LowStockItem, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.ListLowStock(ctx, branchID)
}

func (s *Service) AssignStaff(ctx context.Context, req domain.AssignStaffRequest) error {
	if req.Role != domain.RoleBranchManager && req.Role != domain.RoleCashier {
		return fmt.Errorf("role %q cannot be assigned to a branch", req.Role)
	}

	exists, err := s.repo.BranchExists(ctx, req.BranchID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("branch %s: %w", req.BranchID, store.ErrNotFound)
	}

	if _, err := s.repo.GetUser(ctx, req.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %s: %w", req.UserID, store.ErrNotFound)
		}
		return err
	}

	if err := s.repo.AssignStaff(ctx, req.BranchID, req.UserID, req.Role); err != nil {
		return deadlineErr(ctx, err)
	}

	s.logger.Info("staff assigned",
		zap.String("branch_id", req.BranchID),
		zap.String("user_id", req.UserID),
		zap.String("role", string(req.Role)),
	)
	return nil
}

func (s *Service) ListBranchStaff(ctx context.Context, branchID string) ([]domain.User, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	return s.repo.ListBranchStaff(ctx, branchID)
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (*domain.User, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || strings.TrimSpace(req.Password) == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.CreateUser(ctx, domain.User{
		Username: username,
		Password: string(hash),
		Role:     req.Role,
		Active:   true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user created",
		zap.String("user_id", created.ID),
		zap.String("username", created.Username),
		zap.String("role", string(created.Role)),
		zap.String("created_by", actor.Username),
	)
	return created, nil
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.repo.GetUserByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
}

func (s *Service) DefaultBranchID() string {
	return s.defaultBranchID
}

func deadlineErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
