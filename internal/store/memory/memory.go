// Package memory implements store.Repository with mutex-guarded maps. It
// backs the service tests and dev mode; the Postgres store is authoritative
// in production. Semantics mirror the Postgres store, including the
// append-only ledger and the non-negative stock floor.
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

	"tokocabang/backend/internal/domain"
	"tokocabang/backend/internal/pricing"
	"tokocabang/backend/internal/store"
	"tokocabang/backend/internal/xid"
)

type Store struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	branches    map[string]domain.Branch
	stock       map[string]map[string]int // branchID -> productID -> qty
	movements   []domain.Movement
	salesByID   map[string]*domain.Sale
	salesByIdem map[string]*domain.Sale
	usersByID   map[string]domain.User
	invoiceSeq  map[string]int // yyyymmdd -> last sequence
}

func New() *Store {
	return &Store{
		products:    make(map[string]domain.Product),
		branches:    make(map[string]domain.Branch),
		stock:       make(map[string]map[string]int),
		movements:   make([]domain.Movement, 0, 256),
		salesByID:   make(map[string]*domain.Sale),
		salesByIdem: make(map[string]*domain.Sale),
		usersByID:   make(map[string]domain.User),
		invoiceSeq:  make(map[string]int),
	}
}

// NewSeeded returns a store pre-populated with a small multi-branch catalog
// for dev mode and tests.
func NewSeeded() *Store {
	s := New()

	wholesale := func(v int64) *int64 { return &v }
	products := []domain.Product{
		{ID: "prd-beras", Name: "Beras Premium 5kg", SKU: "SKU-BERAS-01", SellingPrice: 78000, WholesalePrice: wholesale(72000), MinStock: 10, Active: true},
		{ID: "prd-minyak", Name: "Minyak Goreng 2L", SKU: "SKU-MINYAK-01", SellingPrice: 38000, WholesalePrice: wholesale(35000), MinStock: 12, Active: true},
		{ID: "prd-gula", Name: "Gula Pasir 1kg", SKU: "SKU-GULA-01", SellingPrice: 17500, WholesalePrice: wholesale(16000), MinStock: 20, Active: true},
		{ID: "prd-kopi", Name: "Kopi Bubuk 200g", SKU: "SKU-KOPI-01", SellingPrice: 24000, Active: true},
		{ID: "prd-teh", Name: "Teh Celup 25s", SKU: "SKU-TEH-01", SellingPrice: 9800, WholesalePrice: wholesale(8900), MinStock: 24, Active: true},
		{ID: "prd-sabun", Name: "Sabun Mandi Batang", SKU: "SKU-SABUN-01", SellingPrice: 4500, Active: true},
	}
	branches := []domain.Branch{
		{ID: "br-pusat", Name: "Toko Pusat", Active: true},
		{ID: "br-timur", Name: "Cabang Timur", Active: true},
		{ID: "br-barat", Name: "Cabang Barat", Active: true},
	}

	for _, b := range branches {
		s.branches[b.ID] = b
		s.stock[b.ID] = make(map[string]int)
	}
	// Seed stock through RECEIVE ledger entries so a replay of the ledger
	// reproduces every level from the start.
	now := time.Now().UTC()
	seedQty := map[string]int{"br-pusat": 100, "br-timur": 40, "br-barat": 40}
	for _, p := range products {
		s.products[p.ID] = p
		for branchID, qty := range seedQty {
			s.movements = append(s.movements, domain.Movement{
				ID:            xid.New("mov"),
				Type:          domain.MovementReceive,
				ProductID:     p.ID,
				BranchID:      branchID,
				Quantity:      qty,
				QuantityDelta: qty,
				Notes:         "initial stock",
				CreatedAt:     now,
			})
			s.stock[branchID][p.ID] = qty
		}
	}

	for _, u := range seedUsers() {
		s.usersByID[u.ID] = u
	}

	return s
}

// seedUsers builds dev/demo accounts. Passwords come from SEED_ADMIN_PASSWORD
// and SEED_CASHIER_PASSWORD; hardcoded defaults are dev-only (production runs
// against PostgreSQL with managed accounts).
func seedUsers() []domain.User {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	pusat := "br-pusat"
	specs := []struct {
		id       string
		username string
		password string
		role     domain.StaffRole
		branch   *string
	}{
		{"usr-admin", "admin", adminPwd, domain.RoleAdmin, nil},
		{"usr-manager-1", "manager.pusat", adminPwd, domain.RoleBranchManager, &pusat},
		{"usr-kasir-1", "kasir.pusat", cashierPwd, domain.RoleCashier, &pusat},
		{"usr-kasir-2", "kasir.cadangan", cashierPwd, domain.RoleCashier, nil},
	}

	users := make([]domain.User, 0, len(specs))
	for _, spec := range specs {
		hash, err := bcrypt.GenerateFromPassword([]byte(spec.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", spec.username, err)
		}
		users = append(users, domain.User{
			ID:        spec.id,
			Username:  spec.username,
			Password:  string(hash),
			Role:      spec.role,
			BranchID:  spec.branch,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists || !product.Active {
		return nil, store.ErrNotFound
	}
	copied := product
	return &copied, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, exists := s.products[id]; exists && product.Active {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) BranchExists(_ context.Context, branchID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, exists := s.branches[branchID]
	return exists && branch.Active, nil
}

func (s *Store) GetStockLevel(_ context.Context, productID string, branchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[branchID][productID], nil
}

func (s *Store) GetStockMap(_ context.Context, branchID string, productIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		result[id] = s.stock[branchID][id]
	}
	return result, nil
}

func (s *Store) ListLowStock(_ context.Context, branchID string) ([]domain.LowStockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.LowStockItem, 0, 8)
	for _, product := range s.products {
		if !product.Active || product.MinStock < 1 {
			continue
		}
		qty := s.stock[branchID][product.ID]
		if qty <= product.MinStock {
			items = append(items, domain.LowStockItem{
				ProductID: product.ID,
				Name:      product.Name,
				BranchID:  branchID,
				Quantity:  qty,
				MinStock:  product.MinStock,
			})
		}
	}
	slices.SortFunc(items, func(a, b domain.LowStockItem) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return items, nil
}

func (s *Store) ApplyMovement(_ context.Context, mv domain.Movement) ([]domain.Movement, error) {
	if err := mv.Validate(); err != nil {
		return nil, store.ErrInvalidMovement
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	switch mv.Type {
	case domain.MovementTransfer:
		available := s.stock[mv.FromBranchID][mv.ProductID]
		if available < mv.Quantity {
			return nil, &store.InsufficientStockError{
				ProductID: mv.ProductID,
				BranchID:  mv.FromBranchID,
				Requested: mv.Quantity,
				Available: available,
			}
		}
		transferID := xid.New("trf")
		out := domain.Movement{
			ID: xid.New("mov"), Type: domain.MovementTransfer,
			ProductID: mv.ProductID, BranchID: mv.FromBranchID,
			FromBranchID: mv.FromBranchID, ToBranchID: mv.ToBranchID,
			Quantity: mv.Quantity, QuantityDelta: -mv.Quantity,
			TransferID: transferID, ActorID: mv.ActorID, Notes: mv.Notes, CreatedAt: now,
		}
		in := domain.Movement{
			ID: xid.New("mov"), Type: domain.MovementTransfer,
			ProductID: mv.ProductID, BranchID: mv.ToBranchID,
			FromBranchID: mv.FromBranchID, ToBranchID: mv.ToBranchID,
			Quantity: mv.Quantity, QuantityDelta: mv.Quantity,
			TransferID: transferID, ActorID: mv.ActorID, Notes: mv.Notes, CreatedAt: now,
		}
		s.applyDeltaLocked(mv.ProductID, mv.FromBranchID, -mv.Quantity)
		s.applyDeltaLocked(mv.ProductID, mv.ToBranchID, mv.Quantity)
		s.movements = append(s.movements, out, in)
		return []domain.Movement{out, in}, nil

	case domain.MovementAdjustment:
		current := s.stock[mv.BranchID][mv.ProductID]
		if current+mv.QuantityDelta < 0 {
			return nil, &store.InsufficientStockError{
				ProductID: mv.ProductID,
				BranchID:  mv.BranchID,
				Requested: -mv.QuantityDelta,
				Available: current,
			}
		}
		entry := mv
		entry.ID = xid.New("mov")
		entry.Quantity = abs(mv.QuantityDelta)
		entry.CreatedAt = now
		s.applyDeltaLocked(mv.ProductID, mv.BranchID, mv.QuantityDelta)
		s.movements = append(s.movements, entry)
		return []domain.Movement{entry}, nil

	case domain.MovementOpname:
		// Delta is derived from the quantity observed under the lock, so a
		// movement racing the count is ordered either fully before or fully
		// after it.
		current := s.stock[mv.BranchID][mv.ProductID]
		entry := mv
		entry.ID = xid.New("mov")
		entry.QuantityDelta = mv.CountedQty - current
		entry.Quantity = abs(entry.QuantityDelta)
		entry.CreatedAt = now
		s.applyDeltaLocked(mv.ProductID, mv.BranchID, entry.QuantityDelta)
		s.movements = append(s.movements, entry)
		return []domain.Movement{entry}, nil

	case domain.MovementReceive:
		entry := mv
		entry.ID = xid.New("mov")
		entry.QuantityDelta = mv.Quantity
		entry.CreatedAt = now
		s.applyDeltaLocked(mv.ProductID, mv.BranchID, mv.Quantity)
		s.movements = append(s.movements, entry)
		return []domain.Movement{entry}, nil
	}

	return nil, store.ErrInvalidMovement
}

func (s *Store) applyDeltaLocked(productID string, branchID string, delta int) {
	if s.stock[branchID] == nil {
		s.stock[branchID] = make(map[string]int)
	}
	s.stock[branchID][productID] += delta
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	result := make([]domain.Movement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(result) < limit; i-- {
		mv := s.movements[i]
		if filter.BranchID != "" && mv.BranchID != filter.BranchID {
			continue
		}
		if filter.ProductID != "" && mv.ProductID != filter.ProductID {
			continue
		}
		if filter.Type != "" && mv.Type != filter.Type {
			continue
		}
		result = append(result, mv)
	}
	return result, nil
}

func (s *Store) ReplayStockLevel(_ context.Context, productID string, branchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qty := 0
	for _, mv := range s.movements {
		if mv.ProductID == productID && mv.BranchID == branchID {
			qty += mv.QuantityDelta
		}
	}
	return qty, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if sale.IdempotencyKey == "" || len(sale.Lines) == 0 {
		return nil, false, store.ErrInvalidMovement
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
		copied := *existing
		return &copied, true, nil
	}

	now := time.Now().UTC()

	// Re-resolve every price against the catalog under the lock; caller-supplied
	// line prices are display hints only.
	mode := sale.PriceMode
	if mode == "" {
		mode = domain.PriceModeAuto
	}
	subtotal := int64(0)
	lines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, false, store.ErrInvalidMovement
		}
		product, exists := s.products[line.ProductID]
		if !exists || !product.Active {
			return nil, false, store.ErrNotFound
		}
		available := s.stock[sale.BranchID][line.ProductID]
		if available < line.Quantity {
			return nil, false, &store.InsufficientStockError{
				ProductID: line.ProductID,
				BranchID:  sale.BranchID,
				Requested: line.Quantity,
				Available: available,
			}
		}
		unitPrice := pricing.ResolveUnitPrice(product, line.Quantity, mode)
		lineSubtotal := unitPrice * int64(line.Quantity)
		lines = append(lines, domain.SaleLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: unitPrice,
			Subtotal:  lineSubtotal,
		})
		subtotal += lineSubtotal
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.Lines = lines
	sale.Subtotal = subtotal
	sale.TotalAmount = subtotal - sale.DiscountAmount + sale.TaxAmount
	sale.Status = domain.SaleStatusCompleted
	sale.CreatedAt = now
	sale.InvoiceNumber = s.nextInvoiceLocked(now)

	for _, line := range lines {
		s.applyDeltaLocked(line.ProductID, sale.BranchID, -line.Quantity)
		s.movements = append(s.movements, domain.Movement{
			ID:            xid.New("mov"),
			Type:          domain.MovementSale,
			ProductID:     line.ProductID,
			BranchID:      sale.BranchID,
			Quantity:      line.Quantity,
			QuantityDelta: -line.Quantity,
			ReferenceID:   sale.ID,
			ActorID:       sale.CashierID,
			CreatedAt:     now,
		})
	}

	stored := sale
	s.salesByID[stored.ID] = &stored
	s.salesByIdem[stored.IdempotencyKey] = &stored
	copied := stored
	return &copied, false, nil
}

func (s *Store) nextInvoiceLocked(now time.Time) string {
	day := now.Format("20060102")
	s.invoiceSeq[day]++
	return fmt.Sprintf("INV-%s-%04d", day, s.invoiceSeq[day])
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByIdem[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *sale
	return &copied, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *sale
	return &copied, nil
}

func (s *Store) FindSaleByInvoice(_ context.Context, invoiceNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sale := range s.salesByID {
		if sale.InvoiceNumber == invoiceNumber {
			copied := *sale
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListSales(_ context.Context, branchID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}

	sales := make([]domain.Sale, 0, limit)
	for _, sale := range s.salesByID {
		if branchID != "" && sale.BranchID != branchID {
			continue
		}
		sales = append(sales, *sale)
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByID[userID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := user
	return &copied, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.usersByID {
		if user.Username == username {
			copied := user
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.usersByID {
		if existing.Username == user.Username {
			return nil, store.ErrInvalidMovement
		}
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByID[user.ID] = user
	copied := user
	return &copied, nil
}

func (s *Store) ListBranchStaff(_ context.Context, branchID string) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	staff := make([]domain.User, 0, 2)
	for _, user := range s.usersByID {
		if user.BranchID != nil && *user.BranchID == branchID && user.Active {
			staff = append(staff, user)
		}
	}
	slices.SortFunc(staff, func(a, b domain.User) int {
		return strings.Compare(a.Username, b.Username)
	})
	return staff, nil
}

// AssignStaff performs the unassign-then-assign sequence under one lock so no
// reader observes a branch role slot with zero or two holders.
func (s *Store) AssignStaff(_ context.Context, branchID string, userID string, role domain.StaffRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, exists := s.usersByID[userID]
	if !exists {
		return store.ErrNotFound
	}

	// Clear the target slot's current holder, if any.
	for id, user := range s.usersByID {
		if id == userID {
			continue
		}
		if user.Role == role && user.BranchID != nil && *user.BranchID == branchID {
			user.BranchID = nil
			s.usersByID[id] = user
		}
	}

	target.Role = role
	branch := branchID
	target.BranchID = &branch
	s.usersByID[userID] = target
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
