package domain

import (
	"fmt"
	"time"
)

// Product mirrors the catalog record this subsystem consumes. MinStock doubles
// as the wholesale-tier threshold: once a cart line reaches it, the wholesale
// price applies automatically.
type Product struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SKU            string `json:"sku"`
	SellingPrice   int64  `json:"selling_price"`
	WholesalePrice *int64 `json:"wholesale_price,omitempty"`
	MinStock       int    `json:"min_stock"`
	Active         bool   `json:"active"`
}

type Branch struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// StockLevel is the current quantity of a product at a branch. Created
// implicitly on first movement, never deleted, never negative.
type StockLevel struct {
	ProductID string    `json:"product_id"`
	BranchID  string    `json:"branch_id"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MovementType string

const (
	MovementTransfer   MovementType = "TRANSFER"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementOpname     MovementType = "OPNAME"
	MovementReceive    MovementType = "RECEIVE"
	MovementSale       MovementType = "SALE"
)

type AdjustmentReason string

const (
	ReasonDamaged    AdjustmentReason = "damaged"
	ReasonLost       AdjustmentReason = "lost"
	ReasonFound      AdjustmentReason = "found"
	ReasonCorrection AdjustmentReason = "correction"
	ReasonOther      AdjustmentReason = "other"
)

func ValidAdjustmentReason(reason AdjustmentReason) bool {
	switch reason {
	case ReasonDamaged, ReasonLost, ReasonFound, ReasonCorrection, ReasonOther:
		return true
	}
	return false
}

// Movement is one append-only ledger entry. The fields that apply depend on
// Type; Validate enforces the per-type shape before anything touches storage.
//
// Quantity is always positive user input. QuantityDelta is the signed effect
// recorded against (ProductID, BranchID) once applied: for TRANSFER the entry
// is recorded as two rows sharing one TransferID, one negative at the source
// branch and one positive at the destination.
type Movement struct {
	ID            string           `json:"id"`
	Type          MovementType     `json:"type"`
	ProductID     string           `json:"product_id"`
	BranchID      string           `json:"branch_id"`
	FromBranchID  string           `json:"from_branch_id,omitempty"`
	ToBranchID    string           `json:"to_branch_id,omitempty"`
	Quantity      int              `json:"quantity"`
	QuantityDelta int              `json:"quantity_delta"`
	CountedQty    int              `json:"counted_qty,omitempty"`
	Reason        AdjustmentReason `json:"reason,omitempty"`
	TransferID    string           `json:"transfer_id,omitempty"`
	ReferenceID   string           `json:"reference_id,omitempty"`
	ActorID       string           `json:"actor_id,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Validate checks the type-specific shape of a movement request. The switch is
// exhaustive over MovementType; SALE is rejected because sale entries are only
// produced by checkout commit.
func (m Movement) Validate() error {
	if m.ProductID == "" {
		return fmt.Errorf("product id required")
	}
	switch m.Type {
	case MovementTransfer:
		if m.FromBranchID == "" || m.ToBranchID == "" {
			return fmt.Errorf("transfer requires from and to branch")
		}
		if m.FromBranchID == m.ToBranchID {
			return fmt.Errorf("transfer requires distinct branches")
		}
		if m.Quantity < 1 {
			return fmt.Errorf("transfer quantity must be positive")
		}
	case MovementAdjustment:
		if m.BranchID == "" {
			return fmt.Errorf("adjustment requires branch")
		}
		if m.QuantityDelta == 0 {
			return fmt.Errorf("adjustment delta must be non-zero")
		}
		if !ValidAdjustmentReason(m.Reason) {
			return fmt.Errorf("unknown adjustment reason %q", m.Reason)
		}
	case MovementOpname:
		if m.BranchID == "" {
			return fmt.Errorf("opname requires branch")
		}
		if m.CountedQty < 0 {
			return fmt.Errorf("opname counted quantity must be non-negative")
		}
	case MovementReceive:
		if m.BranchID == "" {
			return fmt.Errorf("receive requires branch")
		}
		if m.Quantity < 1 {
			return fmt.Errorf("receive quantity must be positive")
		}
	case MovementSale:
		return fmt.Errorf("sale movements are created by checkout only")
	default:
		return fmt.Errorf("unknown movement type %q", m.Type)
	}
	return nil
}

type MovementFilter struct {
	BranchID  string
	ProductID string
	Type      MovementType
	Limit     int
}

type PriceMode string

const (
	PriceModeAuto           PriceMode = "AUTO"
	PriceModeForceWholesale PriceMode = "FORCE_WHOLESALE"
)

type PaymentMethod string

const (
	PaymentCash      PaymentMethod = "CASH"
	PaymentDebitCard PaymentMethod = "DEBIT_CARD"
)

type CartLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type CheckoutRequest struct {
	BranchID       string        `json:"branch_id" validate:"required"`
	CashierID      string        `json:"cashier_id"`
	CustomerID     string        `json:"customer_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	PriceMode      PriceMode     `json:"price_mode"`
	PaymentMethod  PaymentMethod `json:"payment_method" validate:"required,oneof=CASH DEBIT_CARD"`
	AmountPaid     int64         `json:"amount_paid" validate:"gte=0"`
	DiscountAmount int64         `json:"discount_amount" validate:"gte=0"`
	TaxAmount      int64         `json:"tax_amount" validate:"gte=0"`
	Lines          []CartLine    `json:"lines" validate:"dive"`
}

type SaleLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

const SaleStatusCompleted = "COMPLETED"

type Sale struct {
	ID             string        `json:"id"`
	InvoiceNumber  string        `json:"invoice_number"`
	BranchID       string        `json:"branch_id"`
	CashierID      string        `json:"cashier_id"`
	CustomerID     string        `json:"customer_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	PriceMode      PriceMode     `json:"price_mode,omitempty"`
	Lines          []SaleLine    `json:"lines"`
	Subtotal       int64         `json:"subtotal"`
	TaxAmount      int64         `json:"tax_amount"`
	DiscountAmount int64         `json:"discount_amount"`
	TotalAmount    int64         `json:"total_amount"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	AmountPaid     int64         `json:"amount_paid"`
	ChangeAmount   int64         `json:"change_amount"`
	Status         string        `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

type CheckoutResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type StaffRole string

const (
	RoleAdmin         StaffRole = "ADMIN"
	RoleBranchManager StaffRole = "BRANCH_MANAGER"
	RoleCashier       StaffRole = "CASHIER"
)

// User is the directory record for staff accounts. BranchID is nil while the
// user is unassigned; at most one BRANCH_MANAGER and one CASHIER may point at
// any branch at a time.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      StaffRole `json:"role"`
	BranchID  *string   `json:"branch_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AssignStaffRequest struct {
	BranchID string    `json:"branch_id" validate:"required"`
	UserID   string    `json:"user_id" validate:"required"`
	Role     StaffRole `json:"role" validate:"required,oneof=BRANCH_MANAGER CASHIER"`
}

type LowStockItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	BranchID  string `json:"branch_id"`
	Quantity  int    `json:"quantity"`
	MinStock  int    `json:"min_stock"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	Role        StaffRole `json:"role"`
	BranchID    string    `json:"branch_id,omitempty"`
	ExpiresAt   string    `json:"expires_at"`
}

type Actor struct {
	UserID   string
	Username string
	Role     StaffRole
	BranchID string
}

type UserCreateRequest struct {
	Username string    `json:"username" validate:"required,min=4"`
	Password string    `json:"password" validate:"required,min=6"`
	Role     StaffRole `json:"role" validate:"required,oneof=ADMIN BRANCH_MANAGER CASHIER"`
}
