package store

import (
	"context"
	"errors"
	"fmt"

	"tokocabang/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidMovement   = errors.New("invalid movement")
	ErrConcurrentUpdate  = errors.New("concurrent modification")
)

// InsufficientStockError wraps ErrInsufficientStock with enough detail for
// the caller to act on (which product, how much was asked vs. available).
type InsufficientStockError struct {
	ProductID string
	BranchID  string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s at branch %s: requested %d, available %d",
		e.ProductID, e.BranchID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Repository is the single persistence boundary. Both the Postgres store and
// the in-memory store implement it; every method that mutates both the
// movement ledger and a stock level does so as one atomic unit.
type Repository interface {
	// Product catalog (consumed, not managed here).
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)

	// Branch catalog (consumed).
	BranchExists(ctx context.Context, branchID string) (bool, error)

	// Stock store.
	GetStockLevel(ctx context.Context, productID string, branchID string) (int, error)
	GetStockMap(ctx context.Context, branchID string, productIDs []string) (map[string]int, error)
	ListLowStock(ctx context.Context, branchID string) ([]domain.LowStockItem, error)

	// Movement ledger. ApplyMovement appends the entry (two rows for a
	// TRANSFER) and adjusts stock in one transaction. ReplayStockLevel
	// recomputes a quantity from ledger history alone.
	ApplyMovement(ctx context.Context, mv domain.Movement) ([]domain.Movement, error)
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.Movement, error)
	ReplayStockLevel(ctx context.Context, productID string, branchID string) (int, error)

	// Sales. CreateSale re-resolves prices from the product rows read inside
	// its own transaction, debits stock per line, appends one SALE ledger
	// entry per line and assigns the invoice number, all in one transaction. A
	// reused idempotency key returns the original sale.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error)
	ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error)

	// User directory and staff assignment.
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	ListBranchStaff(ctx context.Context, branchID string) ([]domain.User, error)
	AssignStaff(ctx context.Context, branchID string, userID string, role domain.StaffRole) error
}
